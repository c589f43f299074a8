package queues

import (
	"errors"
	"time"

	"triggerhost/internal/eventbus"
	"triggerhost/internal/listeners"
	"triggerhost/internal/storage"
	"triggerhost/internal/timers"
	logx "triggerhost/pkg/logx"
)

// Listener is the queue trigger shared listener.
type Listener = listeners.Shared[storage.Queue, storage.Message]

type Option func(*options)

type options struct {
	log          logx.Logger
	bus          eventbus.Bus
	fallbackWait time.Duration
}

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithBus publishes queue.message events to bus.
func WithBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

func WithFallbackWait(d time.Duration) Option { return func(o *options) { o.fallbackWait = d } }

// NewSharedListener builds the queue listener. account resolves poison queues.
func NewSharedListener(account storage.Account, sink timers.FaultSink, cfg Config, opts ...Option) (*Listener, error) {
	if account == nil {
		return nil, errors.New("queues: storage account required")
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	return listeners.NewShared[storage.Queue, storage.Message](newPollStrategy(account, cfg, o), sink,
		listeners.WithLogger(o.log),
		listeners.WithName("queues-poll"),
		listeners.WithFallbackWait(o.fallbackWait),
	), nil
}
