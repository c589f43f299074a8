package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "triggerhost/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  connection: "UseDevelopmentStorage=true"
queues:
  max_poll_interval: 30s
functions:
  - name: echo
    trigger: queue
    target: inbox
    action: log
`

func TestParseBytesFormats(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{name: "yaml", file: "c.yaml", body: sampleYAML},
		{name: "json", file: "c.json", body: `{"logging":{"level":"info"},"storage":{"driver":"file"},"functions":[]}`},
		{name: "empty yaml", file: "c.yml", body: ""},
		{name: "unknown field", file: "c.json", body: `{"telegram":{}}`, wantErr: "unknown field"},
		{name: "trailing data", file: "c.json", body: `{} {}`, wantErr: "trailing data"},
		{name: "bad extension", file: "c.toml", body: ``, wantErr: "unsupported config format"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := ParseBytes(tc.file, []byte(tc.body))
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err=%v want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if cfg == nil {
				t.Fatalf("nil config")
			}
		})
	}

	cfg, err := ParseBytes("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" || cfg.Queues.MaxPollInterval != "30s" || len(cfg.Functions) != 1 {
		t.Fatalf("decoded %+v", cfg)
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "triggerhost.yaml")
	writeFile(t, path, sampleYAML)

	m := NewManager(path)
	loaded, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	updates, unsub := m.Subscribe(1)
	defer unsub()
	validate := func(_ context.Context, cfg *Config) error { return Validate(cfg) }

	// Formatting-only edits are not a change.
	writeFile(t, path, "# comment\n"+sampleYAML)
	if cfg, err := m.Reload(ctx, validate); err != nil || cfg != nil {
		t.Fatalf("unchanged reload cfg=%v err=%v", cfg, err)
	}

	writeFile(t, path, strings.Replace(sampleYAML, "30s", "soon", 1))
	if _, err := m.Reload(ctx, validate); err == nil || !strings.Contains(err.Error(), "config rejected") {
		t.Fatalf("invalid reload err=%v", err)
	}
	if m.Current() != loaded {
		t.Fatalf("rejected config was committed")
	}

	writeFile(t, path, strings.Replace(sampleYAML, "level: debug", "level: warn", 1))
	cfg, err := m.Reload(ctx, validate)
	if err != nil || cfg == nil || cfg.Logging.Level != "warn" {
		t.Fatalf("reload cfg=%+v err=%v", cfg, err)
	}
	if m.Current() != cfg || <-updates != cfg {
		t.Fatalf("valid reload not committed and published")
	}
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "triggerhost.yaml")
	writeFile(t, path, sampleYAML)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	updates, unsub := m.Subscribe(4)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Watch(ctx, func(_ context.Context, cfg *Config) error { return Validate(cfg) }, logx.Nop())
	}()
	time.Sleep(100 * time.Millisecond)

	writeFile(t, path, strings.Replace(sampleYAML, "30s", "soon", 1))
	select {
	case cfg := <-updates:
		t.Fatalf("invalid config published: %+v", cfg.Queues)
	case <-time.After(3 * ReloadDebounce):
	}

	writeFile(t, path, strings.Replace(sampleYAML, "level: debug", "level: warn", 1))
	select {
	case cfg := <-updates:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("level=%q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no update after valid change")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned %v after cancel", err)
	}
}

func TestSubscribeKeepsLatestAndUnsubscribeCloses(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	ch, unsub := m.Subscribe(1)
	first, second := &Config{}, &Config{ShutdownTimeout: "5s"}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatalf("slow subscriber got %+v, want the latest", got)
	}

	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open")
	}
	m.publish(&Config{})
}
