package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "stalewatch/pkg/logx"
)

// Store is the persistence API used by the query cache.
type Store interface {
	PutEntry(ctx context.Context, r Record) error
	DeleteEntry(ctx context.Context, key string) error
	LoadEntries(ctx context.Context) ([]Record, error)
	// PruneBefore deletes records last saved before t and returns how many went.
	PruneBefore(ctx context.Context, t time.Time) (int, error)
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
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
