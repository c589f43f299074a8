package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/hashicorp/go-multierror"

	"triggerhost/internal/api"
	"triggerhost/internal/blobs"
	"triggerhost/internal/config"
	"triggerhost/internal/eventbus"
	"triggerhost/internal/listeners"
	"triggerhost/internal/queues"
	"triggerhost/internal/runtime/supervisor"
	"triggerhost/internal/storage"
	"triggerhost/internal/timers"
	logx "triggerhost/pkg/logx"
)

// App is the trigger host: one storage account, the blob and queue shared
// listeners, the configured functions and the optional admin API.
type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	dur  config.Durations

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	faults *timers.Dispatcher

	account storage.Account
	blobs   *blobs.Listener
	queues  *queues.Listener
	api     *api.Server

	sup       *supervisor.Supervisor
	sdNotify  func(state string)
	startedAt time.Time
	stopOnce  sync.Once
}

// Option customizes NewApp.
type Option func(*App)

// WithLogLevel overrides logging.level from the file.
func WithLogLevel(level string) Option {
	return func(a *App) {
		if strings.TrimSpace(level) != "" {
			a.cfg.Logging.Level = level
		}
	}
}

// WithSystemdNotify replaces the sd_notify call.
func WithSystemdNotify(fn func(state string)) Option {
	return func(a *App) { a.sdNotify = fn }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	dur, err := config.ResolveDurations(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, cfg: cfg, dur: dur, sdNotify: notifySystemd}
	for _, o := range opts {
		o(a)
	}

	logSvc, log := logx.NewService(logConfig(cfg.Logging))
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()
	a.faults = timers.NewDispatcher(log.With(logx.String("comp", "faults")),
		append(faultOptions(cfg), timers.WithBus(a.bus))...)

	sc, err := mapStorageConfig(cfg, dur)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	account, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.account = account
	a.log.Info("storage account opened", logx.String("account", account.Name()), logx.Bool("development", account.IsDevelopment()))

	a.blobs, err = blobs.NewSharedListener(account, a.faults, blobsConfig(cfg, dur),
		blobs.WithLogger(log.With(logx.String("comp", "blobs"))),
		blobs.WithBus(a.bus),
		blobs.WithFallbackWait(dur.FallbackWait),
	)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	a.queues, err = queues.NewSharedListener(account, a.faults, queuesConfig(cfg, dur),
		queues.WithLogger(log.With(logx.String("comp", "queues"))),
		queues.WithBus(a.bus),
		queues.WithFallbackWait(dur.FallbackWait),
	)
	if err != nil {
		a.closeEarly()
		return nil, err
	}

	if cfg.API.Enabled {
		alog := log.With(logx.String("comp", "api"))
		h := api.NewHandler(account, a.blobs.Watcher(), a.queues.Watcher(), func() any { return a.Status() }, alog)
		a.api = api.NewServer(apiConfig(cfg), api.NewRouter(h, cfg.API.Token, alog), alog)
	}
	return a, nil
}

func (a *App) closeEarly() {
	if a.blobs != nil {
		a.blobs.Dispose()
	}
	_ = a.account.Close()
	_ = a.logs.Close()
}

// Account returns the storage account the listeners poll.
func (a *App) Account() storage.Account { return a.account }

// APIAddr returns the admin API's bound address, or "" when disabled.
func (a *App) APIAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// registerFunctions turns the enabled functions into listener registrations.
func (a *App) registerFunctions(ctx context.Context) error {
	var errs *multierror.Error
	for _, fc := range a.cfg.EnabledFunctions() {
		fn, err := newFunction(fc, a.account, a.queues.Watcher(), a.log)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := a.register(ctx, fc, fn); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("function %s: %w", fc.Name, err))
			continue
		}
		a.log.Info("function registered",
			logx.String("function", fc.Name),
			logx.String("trigger", fc.Trigger),
			logx.String("target", fc.Target),
			logx.String("action", fc.Action))
	}
	return errs.ErrorOrNil()
}

func (a *App) register(ctx context.Context, fc config.FunctionConfig, fn *function) error {
	switch fc.Trigger {
	case config.TriggerBlob:
		c, err := a.account.Container(fc.Target)
		if err != nil {
			return err
		}
		return a.blobs.Register(ctx, c, fn.blobExecutor())
	case config.TriggerQueue:
		q, err := a.account.Queue(fc.Target)
		if err != nil {
			return err
		}
		return a.queues.Register(ctx, q, fn.queueExecutor())
	default:
		return fmt.Errorf("unknown trigger %q", fc.Trigger)
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.startedAt = time.Now()

	if err := a.registerFunctions(ctx); err != nil {
		return err
	}
	if err := a.blobs.EnsureAllStarted(ctx); err != nil {
		return err
	}
	if err := a.queues.EnsureAllStarted(ctx); err != nil {
		return err
	}

	// The development account pushes file changes; feed them to the blob
	// watcher so writes are seen before the next scan.
	if cn, ok := a.account.(storage.ChangeNotifier); ok && a.blobs.Strategy().Registrations() > 0 {
		w := a.blobs.Watcher()
		a.sup.GoRestart("storage.watch", func(c context.Context) error {
			return cn.WatchContainers(c, w.Notify)
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}

	a.startEventLog()
	a.startConfigReload()

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("host started",
		logx.Int("blob_registrations", a.blobs.Strategy().Registrations()),
		logx.Int("queue_registrations", a.queues.Strategy().Registrations()),
		logx.String("blob_strategy", a.blobs.Kind()))
	return nil
}

// startEventLog logs bus events at debug level.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// startConfigReload applies logging changes live. Everything else is frozen
// once the listeners start and is only reported.
func (a *App) startConfigReload() {
	clog := a.log.With(logx.String("comp", "config"))
	sub, unsub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsub()
		lastApplied := a.cfg
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c, validateConfig, clog)
	}, supervisor.WithRestartBackoff(250*time.Millisecond, 5*time.Second))
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, fnChanged := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if frozen := config.RestartRequired(sections); len(frozen) > 0 {
		fields := []logx.Field{logx.String("sections", strings.Join(frozen, ","))}
		if len(fnChanged) > 0 {
			fields = append(fields, logx.String("functions", strings.Join(fnChanged, ",")))
		}
		a.log.Warn("config change requires restart to take effect", fields...)
	}
	if prev.Logging != next.Logging {
		a.logs.Apply(logConfig(next.Logging))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts the host down. Listeners get shutdown_timeout to finish
// in-flight passes; past it they are cancelled. Disposal always runs.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	var errs *multierror.Error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// Stop the API first so no new writes arrive while listeners drain.
	if a.api != nil {
		step("api", 5*time.Second, a.api.Stop)
	}
	step("listeners", a.dur.ShutdownTimeout, a.stopListeners)

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.account.Close() })

	a.log.Info("stopped", logx.Uint64("faults", a.faults.Snapshot().Total))
	_ = a.logs.Close()
	return errs.ErrorOrNil()
}

// stopListeners stops both listeners concurrently. If either misses the
// deadline both are cancelled; both are always disposed.
func (a *App) stopListeners(ctx context.Context) error {
	began := time.Now()
	var (
		wg                sync.WaitGroup
		blobErr, queueErr error
	)
	wg.Add(2)
	go func() { defer wg.Done(); blobErr = a.blobs.EnsureAllStopped(ctx) }()
	go func() { defer wg.Done(); queueErr = a.queues.EnsureAllStopped(ctx) }()
	wg.Wait()

	err := errors.Join(blobErr, queueErr)
	if err != nil {
		a.log.Warn("graceful listener stop timed out; cancelling",
			logx.Duration("waited", time.Since(began)), logx.Err(err))
		a.blobs.EnsureAllCanceled()
		a.queues.EnsureAllCanceled()
	}
	a.blobs.EnsureAllDisposed()
	a.queues.EnsureAllDisposed()
	return err
}

// Status is served by the admin API's /status route.
type Status struct {
	StartedAt  time.Time            `json:"started_at"`
	Account    string               `json:"account"`
	Dev        bool                 `json:"development"`
	Blobs      listeners.Snapshot   `json:"blobs"`
	Queues     listeners.Snapshot   `json:"queues"`
	Faults     timers.FaultSnapshot `json:"faults"`
	Supervisor supervisor.Snapshot  `json:"supervisor"`
	Functions  []string             `json:"functions"`
}

func (a *App) Status() Status {
	st := Status{
		StartedAt: a.startedAt,
		Account:   a.account.Name(),
		Dev:       a.account.IsDevelopment(),
		Blobs:     a.blobs.Snapshot(),
		Queues:    a.queues.Snapshot(),
		Faults:    a.faults.Snapshot(),
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	for _, fn := range a.cfg.EnabledFunctions() {
		st.Functions = append(st.Functions, fn.Name)
	}
	return st
}

func notifySystemd(state string) {
	// Returns (false, nil) when not running under systemd.
	_, _ = daemon.SdNotify(false, state)
}
