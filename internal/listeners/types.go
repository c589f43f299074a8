package listeners

import (
	"context"
	"errors"

	"triggerhost/internal/timers"
)

var (
	// ErrRegisterWhileRunning is returned when a registration is attempted
	// after the shared listener has started.
	ErrRegisterWhileRunning = errors.New("registrations may not be added while the shared listener is running")
	// ErrDisposed is returned by operations on a disposed shared listener.
	ErrDisposed = errors.New("shared listener disposed")
	// ErrCanceled is returned when starting or registering on a listener whose
	// timer was canceled. Cancellation is terminal; only Dispose remains.
	ErrCanceled = errors.New("shared listener canceled")
)

// Executor consumes items discovered by a poll pass. A nil error means the
// item was handled successfully.
type Executor[I any] interface {
	Execute(ctx context.Context, item I) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc[I any] func(ctx context.Context, item I) error

func (f ExecutorFunc[I]) Execute(ctx context.Context, item I) error { return f(ctx, item) }

// Watcher is the read-only "item observed" side of a strategy. Components
// that write items themselves call Notify so the next pass picks them up
// without waiting for the slower discovery path.
type Watcher[I any] interface {
	Notify(item I)
}

// Strategy is a polling strategy driven by a shared listener's timer.
//
// Register is only called before Start. Start arms the strategy's own
// bookkeeping; Cancel aborts in-flight pass work; Dispose releases resources.
type Strategy[T, I any] interface {
	timers.RecurringTask
	Watcher[I]

	Register(ctx context.Context, target T, exec Executor[I]) error
	Start()
	Cancel()
	Dispose()

	// Kind names the strategy variant (for diagnostics and tests).
	Kind() string
	// Registrations reports the number of (target, executor) pairs.
	Registrations() int
}

// Waker is implemented by strategies whose notifications should cut the
// current wait short. The channel should be buffered so Notify never blocks.
type Waker interface {
	Wake() <-chan struct{}
}
