package storage

import (
	"fmt"
	"strings"
	"time"

	logx "triggerhost/pkg/logx"
)

// DevelopmentConnection is the connection string of the default local account.
const DevelopmentConnection = "UseDevelopmentStorage=true"

const defaultDevelopmentPath = "./data/devstorage"

// ParseConnectionString parses "key=value;key=value" strings.
//
// Recognized forms:
//   - "UseDevelopmentStorage=true[;Path=dir]" (file account)
//   - "Driver=sqlite;Path=file.db[;BusyTimeout=5s]"
//   - "Driver=file;Path=dir"
//
// Keys are case-insensitive.
func ParseConnectionString(s string) (Config, error) {
	var cfg Config
	dev := false
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return Config{}, fmt.Errorf("connection string: malformed segment %q", part)
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		switch k {
		case "usedevelopmentstorage":
			dev = strings.EqualFold(v, "true")
		case "driver":
			cfg.Driver = strings.ToLower(v)
		case "path":
			cfg.Path = v
		case "busytimeout":
			d, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("connection string: busytimeout: %w", err)
			}
			cfg.BusyTimeout = d
		default:
			return Config{}, fmt.Errorf("connection string: unknown key %q", k)
		}
	}
	if dev {
		if cfg.Driver != "" && cfg.Driver != "file" {
			return Config{}, fmt.Errorf("connection string: UseDevelopmentStorage conflicts with driver %q", cfg.Driver)
		}
		cfg.Driver = "file"
		if cfg.Path == "" {
			cfg.Path = defaultDevelopmentPath
		}
	}
	if cfg.Driver == "" {
		return Config{}, fmt.Errorf("connection string: driver required")
	}
	return cfg, nil
}

// Open initializes the configured account.
func Open(cfg Config, log logx.Logger) (Account, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if conn := strings.TrimSpace(cfg.Connection); conn != "" {
		parsed, err := ParseConnectionString(conn)
		if err != nil {
			return nil, err
		}
		if parsed.BusyTimeout == 0 {
			parsed.BusyTimeout = cfg.BusyTimeout
		}
		cfg = parsed
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		if strings.TrimSpace(cfg.Path) == "" {
			cfg.Path = defaultDevelopmentPath
		}
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
