package storage

import (
	"errors"
	"time"

	"stalewatch/internal/staleness"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is the persisted form of one cache entry.
//
// UpdatedAt is a System clock instant (Unix milliseconds); nil means the entry
// was never fetched. TTL nil means the entry never expires. Invalidated marks a
// stale flag set by hand, which a ttl change must not clear.
type Record struct {
	Key         string
	Value       []byte
	UpdatedAt   *staleness.Instant
	TTL         *time.Duration
	Stale       bool
	Invalidated bool
	LastError   string
	SavedAt     time.Time
}
