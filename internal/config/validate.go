package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var reFunctionName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// Validate checks structure and duration fields. Domain checks (connection
// strings, schedules, resource names) are layered on by the host.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var errs *multierror.Error
	add := func(err error) {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"blobs.poll_interval", cfg.Blobs.PollInterval},
		{"queues.min_poll_interval", cfg.Queues.MinPollInterval},
		{"queues.max_poll_interval", cfg.Queues.MaxPollInterval},
		{"queues.visibility_timeout", cfg.Queues.VisibilityTimeout},
		{"timers.fallback_wait", cfg.Timers.FallbackWait},
		{"shutdown_timeout", cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		_, err := ParseDurationField(d.path, d.raw)
		add(err)
	}

	minP, _ := ParseDurationField("", cfg.Queues.MinPollInterval)
	maxP, _ := ParseDurationField("", cfg.Queues.MaxPollInterval)
	if minP > 0 && maxP > 0 && maxP < minP {
		add(fmt.Errorf("queues.max_poll_interval must be >= queues.min_poll_interval"))
	}
	if cfg.Blobs.LogBatch < 0 {
		add(fmt.Errorf("blobs.log_batch must be >= 0"))
	}
	if cfg.Blobs.MaxAttempts < 0 {
		add(fmt.Errorf("blobs.max_attempts must be >= 0"))
	}
	if cfg.Queues.BatchSize < 0 || cfg.Queues.BatchSize > 32 {
		add(fmt.Errorf("queues.batch_size must be between 0 and 32"))
	}
	if cfg.Queues.MaxDequeueCount < 0 {
		add(fmt.Errorf("queues.max_dequeue_count must be >= 0"))
	}

	if strings.TrimSpace(cfg.Storage.Connection) != "" && strings.TrimSpace(cfg.Storage.Driver) != "" {
		add(fmt.Errorf("storage: set either connection or driver, not both"))
	}

	seen := map[string]bool{}
	for i, fn := range cfg.Functions {
		at := fmt.Sprintf("functions[%d]", i)
		if !reFunctionName.MatchString(fn.Name) {
			add(fmt.Errorf("%s.name: invalid name %q", at, fn.Name))
		} else if seen[fn.Name] {
			add(fmt.Errorf("%s.name: duplicate name %q", at, fn.Name))
		}
		seen[fn.Name] = true

		switch fn.Trigger {
		case TriggerBlob, TriggerQueue:
		default:
			add(fmt.Errorf("%s.trigger: must be %q or %q", at, TriggerBlob, TriggerQueue))
		}
		if strings.TrimSpace(fn.Target) == "" {
			add(fmt.Errorf("%s.target: required", at))
		}
		switch fn.Action {
		case ActionLog:
		case ActionEnqueue:
			if strings.TrimSpace(fn.Output) == "" {
				add(fmt.Errorf("%s.output: required for action %q", at, ActionEnqueue))
			}
			if fn.Trigger == TriggerQueue && fn.Output == fn.Target {
				add(fmt.Errorf("%s.output: must differ from target", at))
			}
		default:
			add(fmt.Errorf("%s.action: must be %q or %q", at, ActionLog, ActionEnqueue))
		}
	}
	return errs.ErrorOrNil()
}

// EnabledFunctions returns the functions that are not disabled.
func (c *Config) EnabledFunctions() []FunctionConfig {
	out := make([]FunctionConfig, 0, len(c.Functions))
	for _, fn := range c.Functions {
		if !fn.Disabled {
			out = append(out, fn)
		}
	}
	return out
}
