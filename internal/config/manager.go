package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "triggerhost/pkg/logx"
)

// Validator vets a parsed config before it replaces the current one.
type Validator func(ctx context.Context, cfg *Config) error

// ReloadDebounce is how long Watch waits after the last file event before
// reading the file, so editors that write in several steps are read once.
const ReloadDebounce = 250 * time.Millisecond

// Manager holds the committed config of one file and fans reloads out to
// subscribers. Subscribers always see the newest config; a slow one loses
// intermediate versions, never the latest.
type Manager struct {
	path string

	mu   sync.RWMutex
	cur  *Config
	hash uint64

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, subs: map[chan *Config]struct{}{}}
}

func (m *Manager) Path() string { return m.path }

// Load parses the file and commits it without validation or publishing.
func (m *Manager) Load() (*Config, error) {
	cfg, _, err := m.read()
	if err != nil {
		return nil, err
	}
	m.commit(cfg, digest(cfg))
	return cfg, nil
}

// Current returns the last committed config.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// ParseBytes decodes a JSON or YAML config (picked by the extension of name)
// and rejects unknown fields and trailing data.
func ParseBytes(name string, b []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(name, b)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) read() (*Config, uint64, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, 0, err
	}
	cfg, err := ParseBytes(m.path, b)
	if err != nil {
		return nil, 0, err
	}
	return cfg, digest(cfg), nil
}

// digest hashes the decoded config, so formatting-only edits compare equal.
func digest(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *Manager) commit(cfg *Config, h uint64) {
	m.mu.Lock()
	m.cur, m.hash = cfg, h
	m.mu.Unlock()
}

// Reload re-reads the file. It returns (nil, nil) when the content is
// unchanged. A config that fails to parse or validate is not committed.
func (m *Manager) Reload(ctx context.Context, validate Validator) (*Config, error) {
	cfg, h, err := m.read()
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		return nil, nil
	}
	if validate != nil {
		if err := validate(ctx, cfg); err != nil {
			return nil, fmt.Errorf("config rejected: %w", err)
		}
	}
	m.commit(cfg, h)
	m.publish(cfg)
	return cfg, nil
}

// Subscribe returns a channel of committed reloads and its cancel func.
func (m *Manager) Subscribe(buffer int) (<-chan *Config, func()) {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				// Full: drop the oldest pending version and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Watch reloads the file on change until ctx ends. The parent directory is
// watched so editors that replace the file are followed. It returns an error
// when the watcher breaks; callers restart it.
func (m *Manager) Watch(ctx context.Context, validate Validator, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	log.Debug("config watch started", logx.String("path", m.path))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watch: event channel closed")
			}
			if filepath.Base(ev.Name) == file && !ev.Has(fsnotify.Chmod) {
				debounce.Reset(ReloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watch: error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn("config watch overflow; reloading", logx.Err(err))
				debounce.Reset(ReloadDebounce)
				continue
			}
			return fmt.Errorf("config watch: %w", err)
		case <-debounce.C:
			cfg, err := m.Reload(ctx, validate)
			switch {
			case err != nil:
				log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
			case cfg == nil:
				log.Debug("config unchanged", logx.String("path", m.path))
			default:
				log.Debug("config published", logx.String("path", m.path))
			}
		}
	}
}
