package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"triggerhost/internal/api"
	"triggerhost/internal/blobs"
	"triggerhost/internal/config"
	"triggerhost/internal/queues"
	"triggerhost/internal/storage"
	"triggerhost/internal/timers"
	logx "triggerhost/pkg/logx"
)

func logConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func blobsConfig(cfg *config.Config, d config.Durations) blobs.Config {
	return blobs.Config{
		PollInterval: d.BlobPollInterval,
		FullScan:     strings.TrimSpace(cfg.Blobs.FullScan),
		LogBatch:     cfg.Blobs.LogBatch,
		MaxAttempts:  cfg.Blobs.MaxAttempts,
	}
}

func queuesConfig(cfg *config.Config, d config.Durations) queues.Config {
	return queues.Config{
		MinPollInterval:   d.MinPollInterval,
		MaxPollInterval:   d.MaxPollInterval,
		BatchSize:         cfg.Queues.BatchSize,
		VisibilityTimeout: d.VisibilityTimeout,
		MaxDequeueCount:   cfg.Queues.MaxDequeueCount,
	}
}

func apiConfig(cfg *config.Config) api.Config {
	addr := strings.TrimSpace(cfg.API.Addr)
	if addr == "" {
		addr = config.DefaultAPIAddr
	}
	return api.Config{Addr: addr, Token: cfg.API.Token}
}

func faultOptions(cfg *config.Config) []timers.DispatcherOption {
	switch n := cfg.Faults.LogRatePerSec; {
	case n > 0:
		return []timers.DispatcherOption{timers.WithLogRate(n)}
	case n < 0:
		return []timers.DispatcherOption{timers.WithLogRate(0)}
	default:
		return nil
	}
}

// validateConfig layers the domain checks on top of config.Validate. It is
// used at startup and as the hot-reload validator.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var errs *multierror.Error

	d, err := config.ResolveDurations(cfg)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := mapStorageConfig(cfg, d); err != nil {
		errs = multierror.Append(errs, err)
	}
	if fs := strings.TrimSpace(cfg.Blobs.FullScan); fs != "" {
		if _, err := timers.ParseSchedule(fs); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("blobs.full_scan: %w", err))
		}
	}
	for i, fn := range cfg.Functions {
		at := fmt.Sprintf("functions[%d]", i)
		if err := storage.ValidateResourceName(fn.Target); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s.target: %w", at, err))
		}
		if fn.Action == config.ActionEnqueue {
			if err := storage.ValidateResourceName(fn.Output); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s.output: %w", at, err))
			}
		}
	}
	return errs.ErrorOrNil()
}
