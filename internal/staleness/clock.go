// Package staleness answers "how long until this cached value is stale".
//
// Instants are millisecond counts taken from one Clock. Instants from different
// clocks are not comparable; callers must keep updated_at and "now" on the same
// source (a Monotonic clock for in-memory caches, System when instants are persisted).
package staleness

import (
	"sync"
	"time"
)

// Instant is a timestamp in milliseconds since the clock's epoch.
type Instant int64

// InstantOf converts a wall-clock time to a System clock Instant.
func InstantOf(t time.Time) Instant { return Instant(t.UnixMilli()) }

// Time converts a System clock Instant back to wall-clock time.
func (i Instant) Time() time.Time { return time.UnixMilli(int64(i)) }

// Clock is the source of "now".
type Clock interface {
	Now() Instant
}

// Monotonic counts milliseconds since the clock was created, using the
// monotonic reading of package time. It is immune to wall-clock steps but its
// instants mean nothing after a restart.
type Monotonic struct {
	t0 time.Time
}

func NewMonotonic() *Monotonic { return &Monotonic{t0: time.Now()} }

func (m *Monotonic) Now() Instant { return Instant(time.Since(m.t0).Milliseconds()) }

// System reports Unix milliseconds.
type System struct{}

func (System) Now() Instant { return InstantOf(time.Now()) }

// Manual is a Clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now Instant
}

func NewManual(start Instant) *Manual { return &Manual{now: start} }

func (m *Manual) Now() Instant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(now Instant) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) Instant {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += Instant(d.Milliseconds())
	return m.now
}
