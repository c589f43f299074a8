package listeners

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"triggerhost/internal/timers"
)

// fakeStrategy records lifecycle calls. Each Execute blocks on gate (when set)
// until released or the run context is cancelled.
type fakeStrategy struct {
	mu      sync.Mutex
	targets []string
	calls   []string

	runs     atomic.Int32
	started  chan struct{}
	gate     chan struct{}
	cancelCh chan struct{}
	once     sync.Once
	panicOn  string
}

func newFakeStrategy() *fakeStrategy {
	return &fakeStrategy{started: make(chan struct{}, 16), cancelCh: make(chan struct{})}
}

func (f *fakeStrategy) record(c string) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if f.panicOn == c {
		panic("boom: " + c)
	}
}

func (f *fakeStrategy) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStrategy) Execute(ctx context.Context) (timers.TaskResult, error) {
	f.runs.Add(1)
	select {
	case f.started <- struct{}{}:
	default:
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-f.cancelCh:
		case <-ctx.Done():
			return timers.TaskResult{}, ctx.Err()
		}
	}
	return timers.Again(10 * time.Millisecond), nil
}

func (f *fakeStrategy) Notify(string) {}

func (f *fakeStrategy) Register(_ context.Context, target string, _ Executor[string]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	return nil
}

func (f *fakeStrategy) Start()  { f.record("start") }
func (f *fakeStrategy) Cancel() { f.record("cancel"); f.once.Do(func() { close(f.cancelCh) }) }
func (f *fakeStrategy) Dispose() {
	f.record("dispose")
}
func (f *fakeStrategy) Kind() string { return "fake" }
func (f *fakeStrategy) Registrations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.targets)
}

func nopExec() Executor[string] {
	return ExecutorFunc[string](func(context.Context, string) error { return nil })
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSharedRegisterBeforeStartAfterStartFails(t *testing.T) {
	t.Parallel()
	fs := newFakeStrategy()
	l := NewShared[string, string](fs, nil)
	defer l.Dispose()
	ctx := context.Background()

	if err := l.Register(ctx, "a", nopExec()); err != nil {
		t.Fatalf("register before start: %v", err)
	}
	if err := l.EnsureAllStarted(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.Register(ctx, "b", nopExec()); !errors.Is(err, ErrRegisterWhileRunning) {
		t.Fatalf("register after start err=%v", err)
	}
	if got := fs.Registrations(); got != 1 {
		t.Fatalf("registrations=%d want 1", got)
	}
}

func TestSharedStartIsIdempotent(t *testing.T) {
	t.Parallel()
	fs := newFakeStrategy()
	l := NewShared[string, string](fs, nil)
	defer l.Dispose()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.EnsureAllStarted(ctx); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	waitSignal(t, fs.started, "first run")
	starts := 0
	for _, c := range fs.callLog() {
		if c == "start" {
			starts++
		}
	}
	if starts != 1 {
		t.Fatalf("strategy started %d times", starts)
	}
	if !l.Snapshot().Started {
		t.Fatalf("snapshot not started")
	}
}

func TestSharedStopBeforeStartIsNoop(t *testing.T) {
	t.Parallel()
	fs := newFakeStrategy()
	l := NewShared[string, string](fs, nil)
	defer l.Dispose()

	if err := l.EnsureAllStopped(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(fs.callLog()) != 0 {
		t.Fatalf("unexpected calls %v", fs.callLog())
	}
}

func TestSharedStopCancelsStrategyThenWaits(t *testing.T) {
	t.Parallel()
	fs := newFakeStrategy()
	fs.gate = make(chan struct{})
	l := NewShared[string, string](fs, nil)
	defer l.Dispose()
	ctx := context.Background()

	if err := l.EnsureAllStarted(ctx); err != nil {
		t.Fatal(err)
	}
	waitSignal(t, fs.started, "run in flight")

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := l.EnsureAllStopped(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := l.Timer().State(); got != timers.StateStopped {
		t.Fatalf("timer state=%v", got)
	}
	calls := fs.callLog()
	if len(calls) < 2 || calls[0] != "start" || calls[1] != "cancel" {
		t.Fatalf("calls=%v", calls)
	}
	if l.Snapshot().Started {
		t.Fatalf("still started after stop")
	}
}

func TestSharedStopTimeoutKeepsStarted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	block := make(chan struct{})
	defer close(block)

	fs := newFakeStrategy()
	// A run that ignores strategy cancellation and only yields to the timer context.
	stubborn := &stubbornStrategy{fakeStrategy: fs, block: block}
	l := NewShared[string, string](stubborn, nil)
	defer l.Dispose()

	if err := l.EnsureAllStarted(ctx); err != nil {
		t.Fatal(err)
	}
	waitSignal(t, fs.started, "run in flight")

	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := l.EnsureAllStopped(stopCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stop err=%v", err)
	}
	if !l.Snapshot().Started {
		t.Fatalf("listener should stay started after a timed out stop")
	}

	l.EnsureAllCanceled()
	waitSignal(t, l.Timer().Done(), "timer exit after cancel")
	if got := l.Timer().State(); got != timers.StateCancelled {
		t.Fatalf("timer state=%v", got)
	}
}

type stubbornStrategy struct {
	*fakeStrategy
	block chan struct{}
}

func (s *stubbornStrategy) Execute(ctx context.Context) (timers.TaskResult, error) {
	select {
	case s.started <- struct{}{}:
	default:
	}
	select {
	case <-s.block:
	case <-ctx.Done():
		return timers.TaskResult{}, ctx.Err()
	}
	return timers.Again(time.Millisecond), nil
}

func TestSharedCancelReturnsImmediately(t *testing.T) {
	t.Parallel()
	fs := newFakeStrategy()
	fs.gate = make(chan struct{})
	l := NewShared[string, string](fs, nil)
	defer l.Dispose()

	if err := l.EnsureAllStarted(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitSignal(t, fs.started, "run in flight")

	begin := time.Now()
	l.EnsureAllCanceled()
	if d := time.Since(begin); d > 100*time.Millisecond {
		t.Fatalf("cancel blocked for %v", d)
	}
	waitSignal(t, l.Timer().Done(), "timer exit")
}

func TestSharedCancelIsTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newFakeStrategy()
	l := NewShared[string, string](fs, nil)
	defer l.Dispose()

	if err := l.EnsureAllStarted(ctx); err != nil {
		t.Fatal(err)
	}
	l.EnsureAllCanceled()
	waitSignal(t, l.Timer().Done(), "timer exit after cancel")

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := l.EnsureAllStopped(stopCtx); err != nil {
		t.Fatalf("stop after cancel: %v", err)
	}
	if err := l.EnsureAllStarted(ctx); !errors.Is(err, ErrCanceled) {
		t.Fatalf("restart after cancel err=%v", err)
	}
	if err := l.Register(ctx, "late", nil); !errors.Is(err, ErrCanceled) {
		t.Fatalf("register after cancel err=%v", err)
	}
	if snap := l.Snapshot(); snap.Started || !snap.Canceled {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestSharedDisposeOnceAndRejectsAfter(t *testing.T) {
	t.Parallel()
	fs := newFakeStrategy()
	l := NewShared[string, string](fs, nil)
	ctx := context.Background()

	if err := l.EnsureAllStarted(ctx); err != nil {
		t.Fatal(err)
	}
	l.EnsureAllDisposed()
	l.Dispose()

	disposes := 0
	for _, c := range fs.callLog() {
		if c == "dispose" {
			disposes++
		}
	}
	if disposes != 1 {
		t.Fatalf("strategy disposed %d times", disposes)
	}
	if err := l.Register(ctx, "x", nopExec()); !errors.Is(err, ErrDisposed) {
		t.Fatalf("register after dispose err=%v", err)
	}
	if err := l.EnsureAllStarted(ctx); !errors.Is(err, ErrDisposed) {
		t.Fatalf("start after dispose err=%v", err)
	}
	if got := l.Timer().State(); got != timers.StateDisposed {
		t.Fatalf("timer state=%v", got)
	}
}

func TestSharedDisposeSurvivesStrategyPanic(t *testing.T) {
	t.Parallel()
	fs := newFakeStrategy()
	fs.panicOn = "dispose"
	l := NewShared[string, string](fs, nil)

	l.Dispose()
	if got := l.Timer().State(); got != timers.StateDisposed {
		t.Fatalf("timer state=%v", got)
	}
}

func TestSharedRestartAfterStop(t *testing.T) {
	t.Parallel()
	fs := newFakeStrategy()
	l := NewShared[string, string](fs, nil)
	defer l.Dispose()
	ctx := context.Background()

	if err := l.EnsureAllStarted(ctx); err != nil {
		t.Fatal(err)
	}
	waitSignal(t, fs.started, "first run")
	if err := l.EnsureAllStopped(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.EnsureAllStarted(ctx); err != nil {
		t.Fatal(err)
	}
	waitSignal(t, fs.started, "run after restart")
	if got := l.Timer().State(); got != timers.StateRunning {
		t.Fatalf("timer state=%v", got)
	}
}
