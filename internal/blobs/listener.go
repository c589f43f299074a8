package blobs

import (
	"errors"
	"time"

	"triggerhost/internal/eventbus"
	"triggerhost/internal/listeners"
	"triggerhost/internal/storage"
	"triggerhost/internal/timers"
	logx "triggerhost/pkg/logx"
)

// Listener is the blob trigger shared listener.
type Listener = listeners.Shared[storage.Container, storage.Blob]

type Option func(*options)

type options struct {
	log          logx.Logger
	bus          eventbus.Bus
	fallbackWait time.Duration
	now          func() time.Time
}

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithBus publishes blob.observed events to bus.
func WithBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

func WithFallbackWait(d time.Duration) Option { return func(o *options) { o.fallbackWait = d } }

// WithClock overrides the clock used for full-scan scheduling.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// NewSharedListener picks the strategy for account and wraps it in a shared
// listener. The choice is made once and never revisited.
func NewSharedListener(account storage.Account, sink timers.FaultSink, cfg Config, opts ...Option) (*Listener, error) {
	if account == nil {
		return nil, errors.New("blobs: storage account required")
	}
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}

	var strategy listeners.Strategy[storage.Container, storage.Blob]
	if storage.IsDevelopment(account) {
		strategy = newScanStrategy(cfg, o)
	} else {
		h, err := newHybridStrategy(account, cfg, o)
		if err != nil {
			return nil, err
		}
		strategy = h
	}
	o.log.Info("blob listener strategy selected", logx.String("strategy", strategy.Kind()))

	return listeners.NewShared(strategy, sink,
		listeners.WithLogger(o.log),
		listeners.WithName("blobs-"+strategy.Kind()),
		listeners.WithFallbackWait(o.fallbackWait),
	), nil
}
