package blobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"triggerhost/internal/storage"
	"triggerhost/internal/timers"
	logx "triggerhost/pkg/logx"
)

// HybridStrategy follows the account's blob write log and falls back to a
// full container scan on the FullScan schedule, which catches anything the
// log missed.
type HybridStrategy struct {
	*tracker
	wl       storage.WriteLog
	interval time.Duration
	batch    int
	schedule timers.Schedule
	now      func() time.Time

	mu       sync.Mutex
	cursor   int64
	haveHead bool
	nextScan time.Time
}

func newHybridStrategy(account storage.Account, cfg Config, o options) (*HybridStrategy, error) {
	cfg = cfg.withDefaults()
	sched, err := cfg.fullScanSchedule()
	if err != nil {
		return nil, err
	}
	wl, _ := account.(storage.WriteLog)
	if wl == nil {
		o.log.Warn("account has no write log; hybrid listener relies on full scans",
			logx.String("account", account.Name()))
	}
	return &HybridStrategy{
		tracker:  newTracker(o.log, o.bus, cfg.MaxAttempts),
		wl:       wl,
		interval: cfg.PollInterval,
		batch:    cfg.LogBatch,
		schedule: sched,
		now:      o.now,
	}, nil
}

func (h *HybridStrategy) Kind() string { return "hybrid" }

// Register captures the write-log head before the first container snapshot,
// so writes racing the snapshot are seen at least once.
func (h *HybridStrategy) Register(ctx context.Context, c storage.Container, exec Executor) error {
	h.mu.Lock()
	needHead := !h.haveHead && h.wl != nil
	h.mu.Unlock()
	if needHead {
		head, err := h.wl.LogHead(ctx)
		if err != nil {
			return fmt.Errorf("register %s: log head: %w", c.Name(), err)
		}
		h.mu.Lock()
		if !h.haveHead {
			h.cursor, h.haveHead = head, true
		}
		h.mu.Unlock()
	}
	return h.register(ctx, c, exec)
}

func (h *HybridStrategy) Notify(b storage.Blob) { h.notify(b) }
func (h *HybridStrategy) Registrations() int    { return h.registrations() }
func (h *HybridStrategy) Cancel()               { h.scope.Cancel() }
func (h *HybridStrategy) Dispose()              { h.dispose() }

// Start arms the strategy and schedules the first full scan.
func (h *HybridStrategy) Start() {
	h.scope.Arm()
	h.mu.Lock()
	h.nextScan = h.schedule.Next(h.now())
	h.mu.Unlock()
}

// Cursor reports the last write-log sequence consumed.
func (h *HybridStrategy) Cursor() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}

func (h *HybridStrategy) Execute(ctx context.Context) (timers.TaskResult, error) {
	ctx, release := h.scope.Join(ctx)
	defer release()

	h.runRetries(ctx)
	found := h.drain(ctx)

	// A failing log does not block the scheduled scan.
	lr, logErr := h.readLog(ctx)
	if logErr != nil && ctx.Err() != nil {
		return timers.TaskResult{}, ctx.Err()
	}
	found += lr.found

	var scanErr error
	if h.scanDue() {
		n, err := h.scan(ctx)
		found += n
		scanErr = err
		h.mu.Lock()
		h.nextScan = h.schedule.Next(h.now())
		h.mu.Unlock()
		h.log.Debug("hybrid full scan finished", logx.Int("found", n))
	}
	if ctx.Err() != nil {
		return timers.TaskResult{}, ctx.Err()
	}
	if found > 0 {
		h.log.Debug("hybrid pass delivered blobs", logx.Int("found", found), logx.Int64("cursor", h.Cursor()))
	}
	var errs *multierror.Error
	if logErr != nil {
		errs = multierror.Append(errs, logErr)
	}
	if scanErr != nil {
		errs = multierror.Append(errs, scanErr)
	}
	// A full batch means the log has more; come back right away.
	if lr.batchFull && logErr == nil {
		return timers.Again(0), errs.ErrorOrNil()
	}
	return timers.Again(h.interval), errs.ErrorOrNil()
}

type logRead struct {
	found     int
	batchFull bool
}

func (h *HybridStrategy) readLog(ctx context.Context) (logRead, error) {
	if h.wl == nil {
		return logRead{}, nil
	}
	after := h.Cursor()
	entries, err := h.wl.ReadLog(ctx, after, h.batch)
	if err != nil {
		return logRead{}, fmt.Errorf("read write log after %d: %w", after, err)
	}
	var r logRead
	for _, e := range entries {
		if ctx.Err() != nil {
			return r, ctx.Err()
		}
		if h.registered(e.Container) && h.dispatchNew(ctx, e.Blob()) {
			r.found++
		}
		h.mu.Lock()
		h.cursor = e.Seq
		h.mu.Unlock()
	}
	r.batchFull = len(entries) >= h.batch
	return r, nil
}

func (h *HybridStrategy) scanDue() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.nextScan.IsZero() && !h.now().Before(h.nextScan)
}
