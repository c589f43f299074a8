package config

// Config is the host configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	Blobs  BlobsConfig  `json:"blobs,omitempty"`
	Queues QueuesConfig `json:"queues,omitempty"`
	Timers TimersConfig `json:"timers,omitempty"`
	Faults FaultsConfig `json:"faults,omitempty"`
	API    APIConfig    `json:"api,omitempty"`

	// ShutdownTimeout bounds the graceful listener stop. Default "30s".
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	Functions []FunctionConfig `json:"functions"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the storage account.
//
// Either a connection string:
//
//	"storage": { "connection": "UseDevelopmentStorage=true;Path=./devstorage" }
//
// or an explicit driver:
//
//	"storage": { "driver": "sqlite", "path": "./triggerhost.db" }
type StorageConfig struct {
	Connection  string `json:"connection,omitempty"`
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// BlobsConfig tunes the blob listener.
//
// Defaults: poll_interval "2s", full_scan "5m", log_batch 100, max_attempts 5.
// full_scan accepts cron ("*/10 * * * *", "@hourly"), a duration or HH:MM.
type BlobsConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	FullScan     string `json:"full_scan,omitempty"`
	LogBatch     int    `json:"log_batch,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
}

// QueuesConfig tunes the queue listener.
//
// Defaults: min_poll_interval "100ms", max_poll_interval "1m", batch_size 16,
// visibility_timeout "30s", max_dequeue_count 5.
type QueuesConfig struct {
	MinPollInterval   string `json:"min_poll_interval,omitempty"`
	MaxPollInterval   string `json:"max_poll_interval,omitempty"`
	BatchSize         int    `json:"batch_size,omitempty"`
	VisibilityTimeout string `json:"visibility_timeout,omitempty"`
	MaxDequeueCount   int    `json:"max_dequeue_count,omitempty"`
}

type TimersConfig struct {
	// FallbackWait is the delay after a faulted poll pass. Default "10s".
	FallbackWait string `json:"fallback_wait,omitempty"`
}

type FaultsConfig struct {
	// LogRatePerSec caps fault log lines; suppressed faults are still counted.
	// 0 uses the default (5/s); negative disables limiting.
	LogRatePerSec int `json:"log_rate_per_sec,omitempty"`
}

// APIConfig controls the admin HTTP API.
//
// Prefer binding to localhost; set a token when exposing it further.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:7071"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
}

// FunctionConfig binds a trigger to a built-in action.
//
//	{ "name": "copy-uploads", "trigger": "blob", "target": "uploads",
//	  "action": "enqueue", "output": "uploaded" }
type FunctionConfig struct {
	Name    string `json:"name"`
	Trigger string `json:"trigger"` // blob | queue
	Target  string `json:"target"`  // container or queue name
	Action  string `json:"action"`  // log | enqueue
	Output  string `json:"output,omitempty"`
	// Disabled keeps the entry in the file without registering it.
	Disabled bool `json:"disabled,omitempty"`
}

const (
	TriggerBlob  = "blob"
	TriggerQueue = "queue"

	ActionLog     = "log"
	ActionEnqueue = "enqueue"
)
