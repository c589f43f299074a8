package blobs

import (
	"context"
	"time"

	"triggerhost/internal/storage"
	"triggerhost/internal/timers"
	logx "triggerhost/pkg/logx"
)

// ScanContainersStrategy lists every registered container on each pass.
// It suits development accounts, which have no write log.
type ScanContainersStrategy struct {
	*tracker
	interval time.Duration
}

func newScanStrategy(cfg Config, o options) *ScanContainersStrategy {
	cfg = cfg.withDefaults()
	return &ScanContainersStrategy{
		tracker:  newTracker(o.log, o.bus, cfg.MaxAttempts),
		interval: cfg.PollInterval,
	}
}

func (s *ScanContainersStrategy) Kind() string { return "scan" }

func (s *ScanContainersStrategy) Register(ctx context.Context, c storage.Container, exec Executor) error {
	return s.register(ctx, c, exec)
}

func (s *ScanContainersStrategy) Notify(b storage.Blob) { s.notify(b) }
func (s *ScanContainersStrategy) Registrations() int    { return s.registrations() }
func (s *ScanContainersStrategy) Start()                { s.scope.Arm() }
func (s *ScanContainersStrategy) Cancel()               { s.scope.Cancel() }
func (s *ScanContainersStrategy) Dispose()              { s.dispose() }

// Execute runs one pass: retries, notified blobs, then a full listing.
func (s *ScanContainersStrategy) Execute(ctx context.Context) (timers.TaskResult, error) {
	ctx, release := s.scope.Join(ctx)
	defer release()

	s.runRetries(ctx)
	found := s.drain(ctx)
	n, err := s.scan(ctx)
	found += n
	if ctx.Err() != nil {
		return timers.TaskResult{}, ctx.Err()
	}
	if found > 0 {
		s.log.Debug("scan pass delivered blobs", logx.Int("found", found))
	}
	return timers.Again(s.interval), err
}
