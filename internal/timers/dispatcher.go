package timers

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"triggerhost/internal/eventbus"
	logx "triggerhost/pkg/logx"
)

// EventFault is published on the bus for every fault the Dispatcher receives.
const EventFault = "fault"

// Dispatcher is the host-wide FaultSink.
//
// It is created once at host startup and injected into every run loop. Faults
// are counted, logged (rate limited) and published on the event bus; the
// Dispatcher never panics or blocks the caller.
type Dispatcher struct {
	log     logx.Logger
	limiter *rate.Limiter
	bus     eventbus.Bus

	total      atomic.Uint64
	suppressed atomic.Uint64

	mu     sync.Mutex
	last   string
	lastAt time.Time
	hooks  []func(error)
}

type DispatcherOption func(*Dispatcher)

// WithLogRate limits fault log lines per second. <=0 disables limiting.
func WithLogRate(perSec int) DispatcherOption {
	return func(d *Dispatcher) {
		if perSec <= 0 {
			d.limiter = nil
			return
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	}
}

func WithBus(bus eventbus.Bus) DispatcherOption { return func(d *Dispatcher) { d.bus = bus } }

// WithHook registers fn to be called synchronously for every fault.
// Hooks must be fast.
func WithHook(fn func(error)) DispatcherOption {
	return func(d *Dispatcher) {
		if fn != nil {
			d.hooks = append(d.hooks, fn)
		}
	}
}

func NewDispatcher(log logx.Logger, opts ...DispatcherOption) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{log: log, limiter: rate.NewLimiter(5, 5)}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Fault(err error) {
	if err == nil {
		return
	}
	d.total.Add(1)
	now := time.Now()
	d.mu.Lock()
	d.last = err.Error()
	d.lastAt = now
	hooks := d.hooks
	d.mu.Unlock()

	if d.limiter == nil || d.limiter.Allow() {
		fields := []logx.Field{logx.Err(err)}
		if n := d.suppressed.Swap(0); n > 0 {
			fields = append(fields, logx.Uint64("suppressed", n))
		}
		d.log.Error("background fault", fields...)
	} else {
		d.suppressed.Add(1)
	}

	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: EventFault, Time: now, Data: err.Error()})
	}
	for _, fn := range hooks {
		func() {
			defer func() { _ = recover() }()
			fn(err)
		}()
	}
}

// FaultSnapshot is a diagnostics view of the Dispatcher.
type FaultSnapshot struct {
	Total      uint64    `json:"total"`
	Suppressed uint64    `json:"suppressed"`
	Last       string    `json:"last,omitempty"`
	LastAt     time.Time `json:"last_at,omitempty"`
}

func (d *Dispatcher) Snapshot() FaultSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return FaultSnapshot{
		Total:      d.total.Load(),
		Suppressed: d.suppressed.Load(),
		Last:       d.last,
		LastAt:     d.lastAt,
	}
}
