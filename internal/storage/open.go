package storage

import (
	"context"
	"errors"
	"strings"

	logx "hookbeam/pkg/logx"
)

// Store is the persistence API used by the controller, server and CLI.
type Store interface {
	// LoadProfile returns ok=false when nothing has been saved yet.
	LoadProfile(ctx context.Context) (p Profile, ok bool, err error)
	SaveProfile(ctx context.Context, p Profile) error
	ClearProfile(ctx context.Context) error

	AppendSession(ctx context.Context, r SessionRecord) error
	// RecentSessions returns up to limit records, newest first.
	RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
