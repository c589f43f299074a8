package config

import (
	"reflect"
	"sort"
	"strings"

	logx "triggerhost/pkg/logx"
)

// LiveSections can be applied without restarting the listeners. Every other
// section is frozen once the listeners start.
var LiveSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns (1) a compact, sorted list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the names of functions that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Connection strings may carry paths only, but treat them as opaque.
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.connection_set", strings.TrimSpace(newCfg.Storage.Connection) != ""),
		)
	}

	if oldCfg.Blobs != newCfg.Blobs {
		changed = append(changed, "blobs")
		attrs = append(attrs,
			logx.String("blobs.poll_interval", newCfg.Blobs.PollInterval),
			logx.String("blobs.full_scan", newCfg.Blobs.FullScan),
		)
	}
	if oldCfg.Queues != newCfg.Queues {
		changed = append(changed, "queues")
		attrs = append(attrs,
			logx.String("queues.max_poll_interval", newCfg.Queues.MaxPollInterval),
			logx.Int("queues.max_dequeue_count", newCfg.Queues.MaxDequeueCount),
		)
	}
	if oldCfg.Timers != newCfg.Timers {
		changed = append(changed, "timers")
	}
	if oldCfg.Faults != newCfg.Faults {
		changed = append(changed, "faults")
	}

	// API (never log token)
	if oldCfg.API.Enabled != newCfg.API.Enabled ||
		strings.TrimSpace(oldCfg.API.Addr) != strings.TrimSpace(newCfg.API.Addr) ||
		oldCfg.API.Token != newCfg.API.Token {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
		)
	}

	if strings.TrimSpace(oldCfg.ShutdownTimeout) != strings.TrimSpace(newCfg.ShutdownTimeout) {
		changed = append(changed, "shutdown_timeout")
	}

	fnChanged := diffFunctions(oldCfg.Functions, newCfg.Functions)
	if len(fnChanged) > 0 {
		changed = append(changed, "functions")
		attrs = append(attrs,
			logx.Int("functions.changed_count", len(fnChanged)),
			logx.Int("functions.enabled_count", len(newCfg.EnabledFunctions())),
		)
	}

	sort.Strings(changed)
	return changed, attrs, fnChanged
}

// RestartRequired filters sections that cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func diffFunctions(oldL, newL []FunctionConfig) []string {
	oldM := make(map[string]FunctionConfig, len(oldL))
	for _, f := range oldL {
		oldM[f.Name] = f
	}
	newM := make(map[string]FunctionConfig, len(newL))
	for _, f := range newL {
		newM[f.Name] = f
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
