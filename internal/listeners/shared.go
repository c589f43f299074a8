package listeners

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"triggerhost/internal/timers"
	logx "triggerhost/pkg/logx"
)

// Shared multiplexes any number of registrations onto one strategy and one
// timer, and gives them a single coordinated lifecycle.
//
// Lifecycle calls are expected to come from one control goroutine. The flags
// are mutex-guarded so concurrent calls do not race, but no call holds the
// lock while waiting on the timer.
type Shared[T, I any] struct {
	strategy Strategy[T, I]
	timer    *timers.SeriesTimer
	log      logx.Logger

	mu       sync.Mutex
	started  bool
	canceled bool
	disposed bool
}

type Option func(*options)

type options struct {
	log          logx.Logger
	name         string
	fallbackWait time.Duration
}

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithName overrides the timer name (defaults to the strategy kind).
func WithName(name string) Option { return func(o *options) { o.name = name } }

// WithFallbackWait sets the delay after a faulted poll pass.
func WithFallbackWait(d time.Duration) Option { return func(o *options) { o.fallbackWait = d } }

// NewShared wraps strategy with a timer whose first run fires immediately,
// so freshly registered work is picked up promptly.
func NewShared[T, I any](strategy Strategy[T, I], sink timers.FaultSink, opts ...Option) *Shared[T, I] {
	o := options{name: strategy.Kind()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	tOpts := []timers.Option{
		timers.WithInitialWait(0),
		timers.WithName(o.name),
		timers.WithLogger(o.log),
	}
	if o.fallbackWait > 0 {
		tOpts = append(tOpts, timers.WithFallbackWait(o.fallbackWait))
	}
	if w, ok := strategy.(Waker); ok {
		tOpts = append(tOpts, timers.WithWake(w.Wake()))
	}
	return &Shared[T, I]{
		strategy: strategy,
		timer:    timers.NewSeriesTimer(strategy, sink, tOpts...),
		log:      o.log,
	}
}

// Watcher exposes the strategy as a notification target.
func (l *Shared[T, I]) Watcher() Watcher[I] { return l.strategy }

// Register adds (target, exec). It fails with ErrRegisterWhileRunning once
// the listener has started; the strategy is not touched in that case.
func (l *Shared[T, I]) Register(ctx context.Context, target T, exec Executor[I]) error {
	l.mu.Lock()
	started, canceled, disposed := l.started, l.canceled, l.disposed
	l.mu.Unlock()
	switch {
	case disposed:
		return ErrDisposed
	case canceled:
		return ErrCanceled
	case started:
		return ErrRegisterWhileRunning
	}
	return l.strategy.Register(ctx, target, exec)
}

// EnsureAllStarted starts the strategy, then the timer. Idempotent while
// running. After EnsureAllCanceled it fails with ErrCanceled.
func (l *Shared[T, I]) EnsureAllStarted(ctx context.Context) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return ErrDisposed
	}
	if l.canceled {
		return ErrCanceled
	}
	if l.started {
		return nil
	}
	// The first run may fire immediately, so the strategy must be ready first.
	l.strategy.Start()
	l.timer.Start()
	l.started = true
	l.log.Info("shared listener started",
		logx.String("strategy", l.strategy.Kind()),
		logx.Int("registrations", l.strategy.Registrations()))
	return nil
}

// EnsureAllStopped cancels in-flight strategy work, then waits for the timer
// to stop gracefully. No-op if not started. If ctx ends first its error is
// returned and the listener stays started.
func (l *Shared[T, I]) EnsureAllStopped(ctx context.Context) error {
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if !started {
		return nil
	}

	// Cancel first: a pass that never yields would otherwise block the
	// graceful timer stop forever.
	l.strategy.Cancel()
	if err := l.timer.Stop(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	l.started = false
	l.mu.Unlock()
	l.log.Info("shared listener stopped", logx.String("strategy", l.strategy.Kind()))
	return nil
}

// EnsureAllCanceled is a best-effort hard stop. It does not wait, and the
// listener cannot be started again.
func (l *Shared[T, I]) EnsureAllCanceled() {
	l.mu.Lock()
	l.canceled = true
	l.mu.Unlock()
	l.strategy.Cancel()
	l.timer.Cancel()
}

func (l *Shared[T, I]) EnsureAllDisposed() { l.Dispose() }

// Dispose releases the strategy and the timer exactly once. It never panics.
func (l *Shared[T, I]) Dispose() {
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return
	}
	l.disposed = true
	l.mu.Unlock()

	l.safely("strategy dispose", l.strategy.Dispose)
	l.safely("timer dispose", l.timer.Dispose)
}

func (l *Shared[T, I]) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Warn("suppressed panic during "+what, logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

// Timer exposes the run-loop timer (read-mostly; used by diagnostics and tests).
func (l *Shared[T, I]) Timer() *timers.SeriesTimer { return l.timer }

// Kind reports the selected strategy variant.
func (l *Shared[T, I]) Kind() string { return l.strategy.Kind() }

// Strategy returns the underlying strategy for type inspection.
func (l *Shared[T, I]) Strategy() Strategy[T, I] { return l.strategy }

// Snapshot is a diagnostics view of a shared listener.
type Snapshot struct {
	Strategy      string          `json:"strategy"`
	Started       bool            `json:"started"`
	Canceled      bool            `json:"canceled"`
	Disposed      bool            `json:"disposed"`
	Registrations int             `json:"registrations"`
	Timer         timers.Snapshot `json:"timer"`
}

func (l *Shared[T, I]) Snapshot() Snapshot {
	l.mu.Lock()
	started, canceled, disposed := l.started, l.canceled, l.disposed
	l.mu.Unlock()
	return Snapshot{
		Strategy:      l.strategy.Kind(),
		Started:       started,
		Canceled:      canceled,
		Disposed:      disposed,
		Registrations: l.strategy.Registrations(),
		Timer:         l.timer.Snapshot(),
	}
}
