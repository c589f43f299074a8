package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative duration. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def when raw is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Durations holds the resolved duration fields. Zero means "use the
// listener default" for everything except ShutdownTimeout and FallbackWait.
type Durations struct {
	BusyTimeout       time.Duration
	BlobPollInterval  time.Duration
	MinPollInterval   time.Duration
	MaxPollInterval   time.Duration
	VisibilityTimeout time.Duration
	FallbackWait      time.Duration
	ShutdownTimeout   time.Duration
}

const (
	DefaultFallbackWait    = 10 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultAPIAddr         = "127.0.0.1:7071"
)

// ResolveDurations parses every duration field of cfg.
func ResolveDurations(cfg *Config) (Durations, error) {
	var (
		d   Durations
		err error
	)
	fields := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout, 0, &d.BusyTimeout},
		{"blobs.poll_interval", cfg.Blobs.PollInterval, 0, &d.BlobPollInterval},
		{"queues.min_poll_interval", cfg.Queues.MinPollInterval, 0, &d.MinPollInterval},
		{"queues.max_poll_interval", cfg.Queues.MaxPollInterval, 0, &d.MaxPollInterval},
		{"queues.visibility_timeout", cfg.Queues.VisibilityTimeout, 0, &d.VisibilityTimeout},
		{"timers.fallback_wait", cfg.Timers.FallbackWait, DefaultFallbackWait, &d.FallbackWait},
		{"shutdown_timeout", cfg.ShutdownTimeout, DefaultShutdownTimeout, &d.ShutdownTimeout},
	}
	for _, f := range fields {
		if *f.dst, err = ParseDurationOrDefault(f.path, f.raw, f.def); err != nil {
			return Durations{}, err
		}
	}
	return d, nil
}
