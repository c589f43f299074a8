package blobs

import (
	"fmt"
	"time"

	"triggerhost/internal/timers"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultFullScan     = "5m"
	DefaultLogBatch     = 100
	DefaultMaxAttempts  = 5
)

type Config struct {
	// PollInterval is the wait between passes.
	PollInterval time.Duration
	// FullScan is the hybrid full-scan cadence (see timers.ParseSchedule).
	FullScan string
	// LogBatch bounds the write-log entries read per pass.
	LogBatch int
	// MaxAttempts bounds executor retries per blob version.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.FullScan == "" {
		c.FullScan = DefaultFullScan
	}
	if c.LogBatch <= 0 {
		c.LogBatch = DefaultLogBatch
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

func (c Config) fullScanSchedule() (timers.Schedule, error) {
	s, err := timers.ParseSchedule(c.FullScan)
	if err != nil {
		return nil, fmt.Errorf("blobs.full_scan: %w", err)
	}
	return s, nil
}
