package timers

import (
	"context"
	"time"
)

// TaskResult is produced by every run of a RecurringTask.
type TaskResult struct {
	// Continue=false ends the timer loop permanently.
	Continue bool
	// Wait is the delay before the next run. Negative values are treated as 0.
	Wait time.Duration
}

// Again is shorthand for a result that reschedules after wait.
func Again(wait time.Duration) TaskResult { return TaskResult{Continue: true, Wait: wait} }

// Done is the terminal result.
func Done() TaskResult { return TaskResult{} }

// RecurringTask is one asynchronous unit of work run by a SeriesTimer.
//
// Execute must observe ctx at safe points; the timer never kills a run.
// A non-nil error is reported to the fault sink; if the result carries a
// positive Wait it is used as the retry delay.
type RecurringTask interface {
	Execute(ctx context.Context) (TaskResult, error)
}

// TaskFunc adapts a function to RecurringTask.
type TaskFunc func(ctx context.Context) (TaskResult, error)

func (f TaskFunc) Execute(ctx context.Context) (TaskResult, error) { return f(ctx) }

// FaultSink receives unhandled faults from run loops.
type FaultSink interface {
	Fault(err error)
}

// FaultFunc adapts a function to FaultSink.
type FaultFunc func(err error)

func (f FaultFunc) Fault(err error) { f(err) }

// State is the SeriesTimer lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
	StateCancelling
	StateCancelled
	// StateCompleted means the task returned Continue=false.
	StateCompleted
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCancelling:
		return "cancelling"
	case StateCancelled:
		return "cancelled"
	case StateCompleted:
		return "completed"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view of a SeriesTimer for diagnostics.
type Snapshot struct {
	Name      string        `json:"name"`
	State     string        `json:"state"`
	Runs      uint64        `json:"runs"`
	Faults    uint64        `json:"faults"`
	LastRunAt time.Time     `json:"last_run_at,omitempty"`
	LastRun   time.Duration `json:"last_run"`
	NextRunAt time.Time     `json:"next_run_at,omitempty"`
	LastFault string        `json:"last_fault,omitempty"`
}
