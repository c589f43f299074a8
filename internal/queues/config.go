package queues

import "time"

const (
	DefaultMinPollInterval   = 100 * time.Millisecond
	DefaultMaxPollInterval   = time.Minute
	DefaultBatchSize         = 16
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultMaxDequeueCount   = 5

	// PoisonSuffix is appended to a queue name to form its poison queue.
	PoisonSuffix = "-poison"
)

type Config struct {
	MinPollInterval   time.Duration
	MaxPollInterval   time.Duration
	BatchSize         int
	VisibilityTimeout time.Duration
	// MaxDequeueCount is the number of failed deliveries after which a
	// message moves to the poison queue.
	MaxDequeueCount int
}

func (c Config) withDefaults() Config {
	if c.MinPollInterval <= 0 {
		c.MinPollInterval = DefaultMinPollInterval
	}
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = DefaultMaxPollInterval
	}
	if c.MaxPollInterval < c.MinPollInterval {
		c.MaxPollInterval = c.MinPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize > 32 {
		c.BatchSize = 32
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.MaxDequeueCount <= 0 {
		c.MaxDequeueCount = DefaultMaxDequeueCount
	}
	return c
}
