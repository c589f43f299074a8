package app

import (
	"fmt"
	"strings"

	"triggerhost/internal/config"
	"triggerhost/internal/storage"
)

// mapStorageConfig resolves the storage section. An empty section selects the
// local development account.
func mapStorageConfig(cfg *config.Config, d config.Durations) (storage.Config, error) {
	sc := cfg.Storage
	if conn := strings.TrimSpace(sc.Connection); conn != "" {
		if _, err := storage.ParseConnectionString(conn); err != nil {
			return storage.Config{}, fmt.Errorf("storage.connection: %w", err)
		}
		return storage.Config{Connection: conn}, nil
	}

	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "":
		return storage.Config{Connection: storage.DevelopmentConnection}, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: d.BusyTimeout}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
