// Package querycache keeps keyed values together with the instant they were
// fetched and a time-to-live, and marks each entry stale exactly when its TTL
// runs out.
//
// Every entry owns one slot timer. Whenever the entry's data or TTL changes the
// timer is rescheduled from staleness.MaybeTimeUntilStale; removing the entry or
// closing the cache tears the timer down. All state lives on an event loop, so
// the public methods hop onto it with eventloop.Do.
package querycache

import (
	"context"
	"errors"
	"sort"
	"time"

	"stalewatch/internal/eventbus"
	"stalewatch/internal/eventloop"
	"stalewatch/internal/staleness"
	"stalewatch/internal/storage"
	"stalewatch/internal/timerhost"
	logx "stalewatch/pkg/logx"
)

var (
	ErrUnknownKey = errors.New("querycache: unknown key")
	ErrClosed     = errors.New("querycache: closed")
)

type Options struct {
	Loop  *eventloop.Loop
	Host  timerhost.Host  // defaults to a Loop host on Loop
	Clock staleness.Clock // defaults to staleness.NewMonotonic()
	Bus   eventbus.Bus    // optional
	Store storage.Store   // optional; requires a System clock to be meaningful
	Log   logx.Logger

	// DefaultTTL applies to keys first seen through Set. Nil means no expiry.
	DefaultTTL *time.Duration
	// StoreTimeout bounds each persistence call made from the loop.
	StoreTimeout time.Duration
}

type Cache struct {
	loop  *eventloop.Loop
	host  timerhost.Host
	clock staleness.Clock
	bus   eventbus.Bus
	store storage.Store
	log   logx.Logger

	defaultTTL   *time.Duration
	storeTimeout time.Duration

	// loop-confined
	entries map[string]*entry
	closed  bool
}

func New(opts Options) (*Cache, error) {
	if opts.Loop == nil {
		return nil, errors.New("querycache: event loop required")
	}
	if opts.Host == nil {
		opts.Host = timerhost.NewLoop(opts.Loop)
	}
	if opts.Clock == nil {
		opts.Clock = staleness.NewMonotonic()
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	return &Cache{
		loop:         opts.Loop,
		host:         opts.Host,
		clock:        opts.Clock,
		bus:          opts.Bus,
		store:        opts.Store,
		log:          opts.Log,
		defaultTTL:   copyPtr(opts.DefaultTTL),
		storeTimeout: opts.StoreTimeout,
		entries:      map[string]*entry{},
	}, nil
}

// do runs fn on the loop and folds a closed cache into ErrClosed.
func (c *Cache) do(ctx context.Context, fn func() error) error {
	var err error
	if lerr := c.loop.Do(ctx, func() {
		if c.closed {
			err = ErrClosed
			return
		}
		err = fn()
	}); lerr != nil {
		if errors.Is(lerr, eventloop.ErrClosed) {
			return ErrClosed
		}
		return lerr
	}
	return err
}

// Define registers key with ttl (nil = never expires), or updates the ttl of an
// existing key. The staleness timer is rescheduled either way.
func (c *Cache) Define(ctx context.Context, key string, ttl *time.Duration) error {
	if key == "" {
		return errors.New("querycache: key required")
	}
	return c.do(ctx, func() error {
		e, ok := c.entries[key]
		if !ok {
			e = c.newEntry(key)
			c.entries[key] = e
		}
		c.applyTTL(e, ttl)
		return nil
	})
}

// SetTTL changes the ttl of an existing key.
func (c *Cache) SetTTL(ctx context.Context, key string, ttl *time.Duration) error {
	return c.do(ctx, func() error {
		e, ok := c.entries[key]
		if !ok {
			return ErrUnknownKey
		}
		c.applyTTL(e, ttl)
		return nil
	})
}

func (c *Cache) applyTTL(e *entry, ttl *time.Duration) {
	e.ttl = copyPtr(ttl)
	if e.updatedAt != nil && e.stale && !e.forced && !staleness.IsStale(c.clock, e.updatedAt, e.ttl) {
		// a longer ttl can make a stale entry fresh again
		e.stale = false
	}
	e.timer.Reschedule()
	c.persist(e)
}

// Set stores a freshly fetched value, stamps it with the current instant and
// arms the staleness timer. An unknown key is created with the default ttl.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return errors.New("querycache: key required")
	}
	v := append([]byte(nil), value...)
	return c.do(ctx, func() error {
		e, ok := c.entries[key]
		if !ok {
			e = c.newEntry(key)
			e.ttl = copyPtr(c.defaultTTL)
			c.entries[key] = e
		}
		c.commit(e, v)
		return nil
	})
}

// Update is Set for keys that must already be defined. It returns
// ErrUnknownKey for a key that was never defined or has been removed, so a
// fetch that finishes after Remove cannot bring the key back.
func (c *Cache) Update(ctx context.Context, key string, value []byte) error {
	v := append([]byte(nil), value...)
	return c.do(ctx, func() error {
		e, ok := c.entries[key]
		if !ok {
			return ErrUnknownKey
		}
		c.commit(e, v)
		return nil
	})
}

func (c *Cache) commit(e *entry, v []byte) {
	now := c.clock.Now()
	e.value = v
	e.updatedAt = &now
	e.stale = false
	e.forced = false
	e.lastErr = ""
	e.fetches++
	scheduled := e.timer.Reschedule()

	c.log.Debug("entry updated", logx.Key(e.key), logx.Int("bytes", len(v)), logx.Bool("scheduled", scheduled))
	c.publish(eventbus.TypeUpdated, e.key)
	c.persist(e)
}

// RecordError notes a failed refresh. The entry keeps its value and stale flag.
func (c *Cache) RecordError(ctx context.Context, key string, ferr error) error {
	return c.do(ctx, func() error {
		e, ok := c.entries[key]
		if !ok {
			return ErrUnknownKey
		}
		e.lastErr = ""
		if ferr != nil {
			e.lastErr = ferr.Error()
		}
		c.persist(e)
		return nil
	})
}

// Invalidate marks key stale now and cancels its pending timer.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.do(ctx, func() error {
		e, ok := c.entries[key]
		if !ok {
			return ErrUnknownKey
		}
		e.forced = true
		c.markStale(e, "invalidated")
		return nil
	})
}

// Get returns a copy of the entry.
func (c *Cache) Get(ctx context.Context, key string) (Snapshot, error) {
	var s Snapshot
	err := c.do(ctx, func() error {
		e, ok := c.entries[key]
		if !ok {
			return ErrUnknownKey
		}
		s = e.snapshot(c.clock)
		return nil
	})
	return s, err
}

// List returns copies of all entries ordered by key.
func (c *Cache) List(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	err := c.do(ctx, func() error {
		out = make([]Snapshot, 0, len(c.entries))
		for _, e := range c.entries {
			out = append(out, e.snapshot(c.clock))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, err
}

func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := c.do(ctx, func() error {
		keys = make([]string, 0, len(c.entries))
		for k := range c.entries {
			keys = append(keys, k)
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

// Remove tears down the key's timer and forgets it. Removing an unknown key
// is not an error.
func (c *Cache) Remove(ctx context.Context, key string) error {
	return c.do(ctx, func() error {
		e, ok := c.entries[key]
		if !ok {
			return nil
		}
		e.timer.Teardown()
		delete(c.entries, key)
		c.publish(eventbus.TypeRemoved, key)
		if c.store != nil {
			sctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
			if err := c.store.DeleteEntry(sctx, key); err != nil {
				c.log.Warn("store delete failed", logx.Key(key), logx.Err(err))
			}
			cancel()
		}
		return nil
	})
}

// Restore loads persisted records. Entries already past their ttl go stale
// right away (their timer fires with zero delay).
func (c *Cache) Restore(ctx context.Context, recs []storage.Record) error {
	return c.do(ctx, func() error {
		for _, r := range recs {
			if r.Key == "" {
				continue
			}
			e, ok := c.entries[r.Key]
			if !ok {
				e = c.newEntry(r.Key)
				c.entries[r.Key] = e
			}
			e.value = append([]byte(nil), r.Value...)
			e.updatedAt = copyPtr(r.UpdatedAt)
			e.ttl = copyPtr(r.TTL)
			e.stale = r.Stale || r.Invalidated
			e.forced = r.Invalidated
			e.lastErr = r.LastError
			e.timer.Reschedule()
		}
		c.log.Info("entries restored", logx.Int("count", len(recs)))
		return nil
	})
}

// RestoreFromStore loads every record from the configured store.
func (c *Cache) RestoreFromStore(ctx context.Context) error {
	if c.store == nil {
		return storage.ErrDisabled
	}
	recs, err := c.store.LoadEntries(ctx)
	if err != nil {
		return err
	}
	return c.Restore(ctx, recs)
}

// Close tears down every timer. No staleness callback fires afterwards.
// It is idempotent.
func (c *Cache) Close(ctx context.Context) error {
	err := c.loop.Do(ctx, func() {
		if c.closed {
			return
		}
		c.closed = true
		for _, e := range c.entries {
			e.timer.Teardown()
		}
		c.log.Debug("cache closed", logx.Int("entries", len(c.entries)))
	})
	if errors.Is(err, eventloop.ErrClosed) {
		return nil
	}
	return err
}

// expire runs on the loop when an entry's timer fires.
func (c *Cache) expire(e *entry) {
	if c.closed || c.entries[e.key] != e {
		return
	}
	if !staleness.IsStale(c.clock, e.updatedAt, e.ttl) {
		// the host fired early relative to our clock; arm again for the remainder
		e.timer.Reschedule()
		return
	}
	c.markStale(e, "ttl")
}

func (c *Cache) markStale(e *entry, reason string) {
	e.stale = true
	e.timer.Reschedule() // stale entries hold no timer
	c.log.Debug("entry stale", logx.Key(e.key), logx.String("reason", reason))
	c.publish(eventbus.TypeStale, e.key)
	c.persist(e)
}

func (c *Cache) publish(typ, key string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Key: key})
}

func (c *Cache) persist(e *entry) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
	defer cancel()
	if err := c.store.PutEntry(ctx, e.record()); err != nil {
		c.log.Warn("store write failed", logx.Key(e.key), logx.Err(err))
	}
}
