package app

import (
	"fmt"
	"strings"
	"time"

	"hookbeam/internal/config"
	"hookbeam/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = "./data/hookbeam"
		}
		return storage.Config{Driver: driver, Path: path, MaxSessions: sc.MaxSessions}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		if busy == 0 {
			busy = time.Second
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, MaxSessions: sc.MaxSessions}, true, nil
	case "redis":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path (redis URL) is required when storage.driver=redis")
		}
		return storage.Config{Driver: driver, Path: path, KeyPrefix: sc.KeyPrefix, MaxSessions: sc.MaxSessions}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
