package timers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type faultRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *faultRecorder) Fault(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *faultRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func waitClosed(t *testing.T, ch <-chan struct{}, d time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSeriesTimerStopsPermanentlyWhenTaskDone(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	tm := NewSeriesTimer(TaskFunc(func(ctx context.Context) (TaskResult, error) {
		runs.Add(1)
		return Done(), nil
	}), &faultRecorder{})
	defer tm.Dispose()

	tm.Start()
	waitClosed(t, tm.Done(), time.Second, "loop exit")
	time.Sleep(50 * time.Millisecond)

	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	if st := tm.State(); st != StateCompleted {
		t.Fatalf("state = %v, want completed", st)
	}
}

func TestSeriesTimerTwoRunsSeparatedByWait(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		times []time.Time
	)
	tm := NewSeriesTimer(TaskFunc(func(ctx context.Context) (TaskResult, error) {
		mu.Lock()
		defer mu.Unlock()
		times = append(times, time.Now())
		if len(times) == 1 {
			return Again(100 * time.Millisecond), nil
		}
		return Done(), nil
	}), &faultRecorder{}, WithInitialWait(0))
	defer tm.Dispose()

	tm.Start()
	waitClosed(t, tm.Done(), 2*time.Second, "loop exit")

	mu.Lock()
	defer mu.Unlock()
	if len(times) != 2 {
		t.Fatalf("executions = %d, want 2", len(times))
	}
	if gap := times[1].Sub(times[0]); gap < 100*time.Millisecond {
		t.Fatalf("gap = %v, want >= 100ms", gap)
	}
	if tm.State() != StateCompleted {
		t.Fatalf("state = %v, want completed", tm.State())
	}
}

func TestSeriesTimerReportsFaultAndKeepsScheduling(t *testing.T) {
	t.Parallel()
	sink := &faultRecorder{}
	var runs atomic.Int32
	boom := errors.New("storage unavailable")
	tm := NewSeriesTimer(TaskFunc(func(ctx context.Context) (TaskResult, error) {
		n := runs.Add(1)
		switch n {
		case 2, 3:
			return TaskResult{}, boom
		case 5:
			return Done(), nil
		}
		return Again(time.Millisecond), nil
	}), sink, WithFallbackWait(5*time.Millisecond))
	defer tm.Dispose()

	tm.Start()
	waitClosed(t, tm.Done(), 2*time.Second, "loop exit")

	if got := runs.Load(); got != 5 {
		t.Fatalf("runs = %d, want 5", got)
	}
	if got := sink.count(); got != 2 {
		t.Fatalf("faults = %d, want 2", got)
	}
	for _, err := range sink.errs {
		if !errors.Is(err, boom) {
			t.Fatalf("fault %v does not wrap the task error", err)
		}
	}
	if snap := tm.Snapshot(); snap.Faults != 2 || snap.Runs != 5 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSeriesTimerRecoversPanics(t *testing.T) {
	t.Parallel()
	sink := &faultRecorder{}
	var runs atomic.Int32
	tm := NewSeriesTimer(TaskFunc(func(ctx context.Context) (TaskResult, error) {
		if runs.Add(1) == 1 {
			panic("bad pass")
		}
		return Done(), nil
	}), sink, WithFallbackWait(time.Millisecond))
	defer tm.Dispose()

	tm.Start()
	waitClosed(t, tm.Done(), time.Second, "loop exit")
	if runs.Load() != 2 || sink.count() != 1 {
		t.Fatalf("runs=%d faults=%d, want 2/1", runs.Load(), sink.count())
	}
}

func TestSeriesTimerDoesNotReportCancellation(t *testing.T) {
	t.Parallel()
	sink := &faultRecorder{}
	var runs atomic.Int32
	tm := NewSeriesTimer(TaskFunc(func(ctx context.Context) (TaskResult, error) {
		if runs.Add(1) == 1 {
			return TaskResult{}, context.Canceled
		}
		return Done(), nil
	}), sink, WithFallbackWait(time.Millisecond))
	defer tm.Dispose()

	tm.Start()
	waitClosed(t, tm.Done(), time.Second, "loop exit")
	if sink.count() != 0 {
		t.Fatalf("cancellation reported as fault: %v", sink.errs)
	}
}

func TestSeriesTimerCancelDuringRunSkipsNextIteration(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	tm := NewSeriesTimer(TaskFunc(func(ctx context.Context) (TaskResult, error) {
		if runs.Add(1) == 1 {
			close(entered)
		}
		// Ignore ctx on purpose: the run has not observed the cancellation yet.
		<-release
		return Again(0), nil
	}), &faultRecorder{})
	defer tm.Dispose()

	tm.Start()
	waitClosed(t, entered, time.Second, "first run")

	start := time.Now()
	tm.Cancel()
	if d := time.Since(start); d > 50*time.Millisecond {
		t.Fatalf("Cancel blocked for %v", d)
	}
	if st := tm.State(); st != StateCancelling {
		t.Fatalf("state = %v, want cancelling", st)
	}
	close(release)
	waitClosed(t, tm.Done(), time.Second, "loop exit")

	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	if st := tm.State(); st != StateCancelled {
		t.Fatalf("state = %v, want cancelled", st)
	}
}

func TestSeriesTimerCancelInterruptsWait(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	tm := NewSeriesTimer(TaskFunc(func(ctx context.Context) (TaskResult, error) {
		runs.Add(1)
		return Again(time.Hour), nil
	}), &faultRecorder{}, WithInitialWait(time.Hour))
	defer tm.Dispose()

	tm.Start()
	tm.Cancel()
	waitClosed(t, tm.Done(), time.Second, "loop exit")
	if runs.Load() != 0 {
		t.Fatalf("task ran after cancel during wait")
	}
}

func TestSeriesTimerStopWaitsForInFlightRun(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		runs     atomic.Int32
		finished atomic.Bool
	)
	tm := NewSeriesTimer(TaskFunc(func(ctx context.Context) (TaskResult, error) {
		if runs.Add(1) == 1 {
			close(entered)
		}
		<-release
		finished.Store(true)
		return Again(0), nil
	}), &faultRecorder{})
	defer tm.Dispose()

	tm.Start()
	waitClosed(t, entered, time.Second, "first run")

	stopped := make(chan error, 1)
	go func() { stopped <- tm.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight run finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	if !finished.Load() {
		t.Fatal("run was aborted")
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
	if tm.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", tm.State())
	}
}

func TestSeriesTimerStopHonorsContext(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	tm := NewSeriesTimer(TaskFunc(func(ctx context.Context) (TaskResult, error) {
		if runs.Add(1) == 1 {
			close(entered)
		}
		<-release
		return Again(0), nil
	}), &faultRecorder{})
	defer tm.Dispose()

	tm.Start()
	waitClosed(t, entered, time.Second, "first run")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tm.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop err = %v, want deadline exceeded", err)
	}

	// The stop flag stays set: releasing the run ends the loop.
	close(release)
	waitClosed(t, tm.Done(), time.Second, "loop exit")
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
}

func TestSeriesTimerCancelWinsOverStop(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	tm := NewSeriesTimer(TaskFunc(func(ctx context.Context) (TaskResult, error) {
		close(entered)
		<-release
		return Again(0), nil
	}), &faultRecorder{})
	defer tm.Dispose()

	tm.Start()
	waitClosed(t, entered, time.Second, "first run")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = tm.Stop(ctx)
	tm.Cancel()
	close(release)
	waitClosed(t, tm.Done(), time.Second, "loop exit")
	if tm.State() != StateCancelled {
		t.Fatalf("state = %v, want cancelled", tm.State())
	}
}

func TestSeriesTimerRestartAfterStop(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	tm := NewSeriesTimer(TaskFunc(func(ctx context.Context) (TaskResult, error) {
		runs.Add(1)
		return Again(time.Hour), nil
	}), &faultRecorder{})
	defer tm.Dispose()

	tm.Start()
	tm.Start() // guarded: no second loop
	deadline := time.Now().Add(time.Second)
	for runs.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := tm.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	tm.Start()
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := tm.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

func TestSeriesTimerLifecycleCallsAreSafeInAnyOrder(t *testing.T) {
	t.Parallel()
	task := TaskFunc(func(ctx context.Context) (TaskResult, error) { return Again(time.Hour), nil })

	// Never started.
	tm := NewSeriesTimer(task, nil)
	if err := tm.Stop(context.Background()); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	tm.Cancel()
	tm.Cancel()
	tm.Dispose()
	tm.Dispose()
	tm.Start()
	if tm.State() != StateDisposed {
		t.Fatalf("state = %v, want disposed", tm.State())
	}

	// Canceled before start never runs.
	var runs atomic.Int32
	tm2 := NewSeriesTimer(TaskFunc(func(ctx context.Context) (TaskResult, error) {
		runs.Add(1)
		return Done(), nil
	}), nil)
	tm2.Cancel()
	tm2.Start()
	waitClosed(t, tm2.Done(), time.Second, "done")
	if runs.Load() != 0 || tm2.State() != StateCancelled {
		t.Fatalf("runs=%d state=%v", runs.Load(), tm2.State())
	}
	tm2.Dispose()
}

func TestSeriesTimerWakeEndsWaitEarly(t *testing.T) {
	t.Parallel()
	wake := make(chan struct{}, 1)
	ran := make(chan struct{}, 4)
	tm := NewSeriesTimer(TaskFunc(func(ctx context.Context) (TaskResult, error) {
		ran <- struct{}{}
		return Again(time.Hour), nil
	}), &faultRecorder{}, WithWake(wake))
	defer tm.Dispose()

	tm.Start()
	waitClosed(t, ran, time.Second, "first run")
	wake <- struct{}{}
	waitClosed(t, ran, time.Second, "run after wake")
	tm.Cancel()
}
