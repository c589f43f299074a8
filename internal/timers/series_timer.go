package timers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "triggerhost/pkg/logx"
)

// DefaultFallbackWait is the delay after a faulted run when the task did not
// suggest its own.
const DefaultFallbackWait = 10 * time.Second

// SeriesTimer repeatedly runs a RecurringTask.
//
// Lifecycle:
//
//	Created -> Running -> Stopping -> Stopped
//	                   -> Cancelling -> Cancelled
//	                   -> Completed (task returned Continue=false)
//	any -> Disposed
//
// Cancel pre-empts Stop. Start calls must be serialized by the owner.
type SeriesTimer struct {
	name         string
	task         RecurringTask
	sink         FaultSink
	log          logx.Logger
	initialWait  time.Duration
	fallbackWait time.Duration
	wake         <-chan struct{}

	// ctx is canceled by Cancel/Dispose and passed into every run.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	stopCh  chan struct{}
	stopReq bool
	done    chan struct{}

	lastRunAt time.Time
	lastRun   time.Duration
	nextRunAt time.Time
	lastFault string

	runs   atomic.Uint64
	faults atomic.Uint64
}

type Option func(*SeriesTimer)

// WithInitialWait delays the first run. The default is 0 (run immediately).
func WithInitialWait(d time.Duration) Option {
	return func(t *SeriesTimer) {
		if d > 0 {
			t.initialWait = d
		}
	}
}

// WithFallbackWait sets the delay used after a faulted run.
func WithFallbackWait(d time.Duration) Option {
	return func(t *SeriesTimer) {
		if d > 0 {
			t.fallbackWait = d
		}
	}
}

// WithWake ends a pending wait early whenever ch delivers. Stop and cancel
// still take precedence.
func WithWake(ch <-chan struct{}) Option { return func(t *SeriesTimer) { t.wake = ch } }

func WithLogger(log logx.Logger) Option { return func(t *SeriesTimer) { t.log = log } }

// WithName labels the timer in logs, faults and snapshots.
func WithName(name string) Option { return func(t *SeriesTimer) { t.name = name } }

func NewSeriesTimer(task RecurringTask, sink FaultSink, opts ...Option) *SeriesTimer {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	close(done)
	t := &SeriesTimer{
		name:         "timer",
		task:         task,
		sink:         sink,
		fallbackWait: DefaultFallbackWait,
		ctx:          ctx,
		cancel:       cancel,
		done:         done,
	}
	for _, o := range opts {
		o(t)
	}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	return t
}

// Start begins the run loop. Starting a running timer is a no-op; so is
// starting a canceled or disposed one. A stopped or completed timer is re-armed.
func (t *SeriesTimer) Start() {
	t.mu.Lock()
	switch t.state {
	case StateRunning, StateStopping, StateCancelling, StateCancelled, StateDisposed:
		t.mu.Unlock()
		return
	}
	if t.ctx.Err() != nil {
		t.state = StateCancelled
		t.mu.Unlock()
		return
	}
	t.state = StateRunning
	t.stopReq = false
	stopCh := make(chan struct{})
	done := make(chan struct{})
	t.stopCh = stopCh
	t.done = done
	t.mu.Unlock()

	t.log.Debug("timer started", logx.String("timer", t.name), logx.Duration("initial_wait", t.initialWait))
	go t.loop(stopCh, done)
}

// Stop requests a graceful stop and waits for the loop to exit.
//
// An in-flight run is never aborted; only the next one is prevented. If ctx
// ends first, Stop returns ctx.Err() and the stop request stays in effect.
func (t *SeriesTimer) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	switch t.state {
	case StateCreated:
		t.state = StateStopped
	case StateRunning:
		t.state = StateStopping
	}
	if !t.stopReq && t.stopCh != nil {
		t.stopReq = true
		close(t.stopCh)
	}
	done := t.done
	t.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel interrupts any wait immediately and cancels the context of the
// in-flight run. It does not wait. Idempotent.
func (t *SeriesTimer) Cancel() {
	t.mu.Lock()
	switch t.state {
	case StateRunning, StateStopping:
		t.state = StateCancelling
	case StateCreated, StateStopped, StateCompleted:
		t.state = StateCancelled
	}
	t.mu.Unlock()
	t.cancel()
}

// Dispose releases the timer context. Safe in any state.
func (t *SeriesTimer) Dispose() {
	t.mu.Lock()
	if t.state == StateDisposed {
		t.mu.Unlock()
		return
	}
	t.state = StateDisposed
	t.mu.Unlock()
	t.cancel()
}

// Done is closed when the current loop has exited (immediately if the timer
// never started).
func (t *SeriesTimer) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *SeriesTimer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *SeriesTimer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Name:      t.name,
		State:     t.state.String(),
		Runs:      t.runs.Load(),
		Faults:    t.faults.Load(),
		LastRunAt: t.lastRunAt,
		LastRun:   t.lastRun,
		NextRunAt: t.nextRunAt,
		LastFault: t.lastFault,
	}
}

func (t *SeriesTimer) loop(stopCh <-chan struct{}, done chan struct{}) {
	completed := false
	defer func() {
		t.mu.Lock()
		switch {
		case t.state == StateDisposed:
		case t.ctx.Err() != nil:
			t.state = StateCancelled
		case completed:
			t.state = StateCompleted
		default:
			t.state = StateStopped
		}
		t.nextRunAt = time.Time{}
		state := t.state
		t.mu.Unlock()
		close(done)
		t.log.Debug("timer exited", logx.String("timer", t.name), logx.String("state", state.String()))
	}()

	wait := t.initialWait
	for {
		if !t.wait(wait, stopCh) {
			return
		}
		res, err := t.runOnce()
		// Canceled during the run: the run counts, but nothing is rescheduled.
		if t.ctx.Err() != nil {
			return
		}
		if err != nil {
			res.Continue = true
			if res.Wait <= 0 {
				res.Wait = t.fallbackWait
			}
		}
		if !res.Continue {
			completed = true
			return
		}
		wait = max(res.Wait, 0)
	}
}

// wait sleeps d unless stopped or canceled, and reports whether to run.
func (t *SeriesTimer) wait(d time.Duration, stopCh <-chan struct{}) bool {
	if d > 0 {
		t.mu.Lock()
		t.nextRunAt = time.Now().Add(d)
		t.mu.Unlock()

		tm := time.NewTimer(d)
		defer tm.Stop()
		select {
		case <-t.ctx.Done():
			return false
		case <-stopCh:
			return false
		case <-tm.C:
		case <-t.wake:
		}
	}
	select {
	case <-t.ctx.Done():
		return false
	case <-stopCh:
		return false
	default:
		return true
	}
}

func (t *SeriesTimer) runOnce() (res TaskResult, err error) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("timer task panicked", logx.String("timer", t.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		t.runs.Add(1)
		t.mu.Lock()
		t.lastRunAt = started
		t.lastRun = time.Since(started)
		t.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("timer %s: %w", t.name, err)
			t.faults.Add(1)
			t.mu.Lock()
			t.lastFault = err.Error()
			t.mu.Unlock()
			t.report(err)
		}
	}()
	return t.task.Execute(t.ctx)
}

func (t *SeriesTimer) report(err error) {
	if t.sink == nil {
		t.log.Warn("timer task failed", logx.String("timer", t.name), logx.Err(err))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("fault sink panicked", logx.String("timer", t.name), logx.Any("panic", r))
		}
	}()
	t.sink.Fault(err)
}
