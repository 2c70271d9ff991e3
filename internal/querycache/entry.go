package querycache

import (
	"time"

	"stalewatch/internal/slottimer"
	"stalewatch/internal/staleness"
	"stalewatch/internal/storage"
)

// entry is owned by the cache's event loop; nothing else touches it.
type entry struct {
	key       string
	value     []byte
	updatedAt *staleness.Instant
	ttl       *time.Duration
	stale     bool
	// forced marks a stale flag set by Invalidate; only a new value clears it.
	forced  bool
	fetches uint64
	lastErr string

	timer *slottimer.Timer
}

// Snapshot is a copy of an entry's state.
type Snapshot struct {
	Key       string
	Value     []byte
	UpdatedAt *staleness.Instant
	TTL       *time.Duration
	Stale     bool
	// StaleIn is the time left until the entry goes stale; only meaningful when
	// HasDeadline is true.
	StaleIn     time.Duration
	HasDeadline bool
	Scheduled   bool
	Fetches     uint64
	LastError   string
}

func (c *Cache) newEntry(key string) *entry {
	e := &entry{key: key}
	e.timer = slottimer.New(func() slottimer.Handle {
		if e.stale {
			return nil
		}
		d, ok := staleness.MaybeTimeUntilStale(c.clock, e.updatedAt, e.ttl)
		if !ok {
			return nil
		}
		return c.host.AfterFunc(d, func() { c.expire(e) })
	})
	return e
}

func (e *entry) snapshot(clock staleness.Clock) Snapshot {
	s := Snapshot{
		Key:       e.key,
		Value:     append([]byte(nil), e.value...),
		UpdatedAt: copyPtr(e.updatedAt),
		TTL:       copyPtr(e.ttl),
		Stale:     e.stale,
		Scheduled: e.timer.Scheduled(),
		Fetches:   e.fetches,
		LastError: e.lastErr,
	}
	s.StaleIn, s.HasDeadline = staleness.MaybeTimeUntilStale(clock, e.updatedAt, e.ttl)
	return s
}

func (e *entry) record() storage.Record {
	return storage.Record{
		Key:         e.key,
		Value:       e.value,
		UpdatedAt:   copyPtr(e.updatedAt),
		TTL:         copyPtr(e.ttl),
		Stale:       e.stale,
		Invalidated: e.forced,
		LastError:   e.lastErr,
	}
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
