package refresher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stalewatch/internal/eventbus"
	"stalewatch/internal/querycache"
	"stalewatch/internal/source"
	logx "stalewatch/pkg/logx"
)

type fakeCache struct {
	mu      sync.Mutex
	values  map[string][]byte
	errs    map[string]error
	removed map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: map[string][]byte{}, errs: map[string]error{}, removed: map[string]bool{}}
}

func (c *fakeCache) Update(_ context.Context, key string, v []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed[key] {
		return querycache.ErrUnknownKey
	}
	c.values[key] = v
	return nil
}

func (c *fakeCache) RecordError(_ context.Context, key string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[key] = err
	return nil
}

func (c *fakeCache) value(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *fakeCache) err(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs[key]
}

type fakeSource struct {
	calls atomic.Int32
	val   []byte
	err   error
	block chan struct{}
}

func (f *fakeSource) Fetch(ctx context.Context) ([]byte, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.val, f.err
}

func (f *fakeSource) String() string { return "fake" }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStaleEventTriggersRefresh(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	cache := newFakeCache()
	svc := New(Config{}, cache, bus, logx.Nop())
	svc.SetSources(map[string]source.Source{"users": &fakeSource{val: []byte("fresh")}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx) }()

	waitFor(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypeStale, Key: "users"})
		v, ok := cache.value("users")
		return ok && string(v) == "fresh"
	})
	if st := svc.Stats(); st.Fetched == 0 || st.Failed != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestIgnoresOtherEventsAndUnknownKeys(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, newFakeCache(), eventbus.New(), logx.Nop())
	svc.SetSources(map[string]source.Source{"k": &fakeSource{}})
	if svc.Trigger("unknown") {
		t.Fatal("Trigger must reject keys without a source")
	}
}

func TestTriggerDedupesInFlight(t *testing.T) {
	t.Parallel()
	cache := newFakeCache()
	src := &fakeSource{val: []byte("v"), block: make(chan struct{})}
	svc := New(Config{Workers: 1}, cache, nil, logx.Nop())
	svc.SetSources(map[string]source.Source{"k": src})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx) }()

	if !svc.Trigger("k") {
		t.Fatal("first Trigger must queue")
	}
	waitFor(t, func() bool { return src.calls.Load() == 1 })
	if svc.Trigger("k") {
		t.Fatal("Trigger while in flight must be rejected")
	}
	close(src.block)
	waitFor(t, func() bool {
		_, ok := cache.value("k")
		return ok && svc.Stats().InFlight == 0
	})
	if !svc.Trigger("k") {
		t.Fatal("Trigger after completion must queue again")
	}
}

func TestFetchErrorIsRecorded(t *testing.T) {
	t.Parallel()
	cache := newFakeCache()
	svc := New(Config{}, cache, nil, logx.Nop())
	svc.SetSources(map[string]source.Source{"k": &fakeSource{err: errors.New("down")}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx) }()

	svc.Trigger("k")
	waitFor(t, func() bool { return cache.err("k") != nil })
	if _, ok := cache.value("k"); ok {
		t.Fatal("failed fetch must not write a value")
	}
	if st := svc.Stats(); st.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", st.Failed)
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	svc := New(Config{QueueSize: 1}, newFakeCache(), nil, logx.Nop())
	svc.SetSources(map[string]source.Source{"a": &fakeSource{}, "b": &fakeSource{}})
	// Not running: the queue fills up.
	if !svc.Trigger("a") {
		t.Fatal("first Trigger must queue")
	}
	if svc.Trigger("b") {
		t.Fatal("second Trigger must be dropped")
	}
	if st := svc.Stats(); st.Dropped != 1 || st.InFlight != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestApplyUpdatesLimiter(t *testing.T) {
	t.Parallel()
	svc := New(Config{RatePerSec: 1, Burst: 1}, newFakeCache(), nil, logx.Nop())
	svc.Apply(Config{RatePerSec: 0, Burst: 5})
	if svc.limiter.Limit() != limitOf(0) || svc.limiter.Burst() != 5 {
		t.Fatalf("limiter = (%v, %d)", svc.limiter.Limit(), svc.limiter.Burst())
	}
}

func TestFetchForRemovedKeyIsDiscarded(t *testing.T) {
	t.Parallel()
	cache := newFakeCache()
	cache.removed["gone"] = true
	src := &fakeSource{val: []byte("late")}
	svc := New(Config{}, cache, nil, logx.Nop())
	svc.SetSources(map[string]source.Source{"gone": src})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx) }()

	svc.Trigger("gone")
	waitFor(t, func() bool { return src.calls.Load() == 1 && svc.Stats().InFlight == 0 })
	if _, ok := cache.value("gone"); ok {
		t.Fatal("value written for a removed key")
	}
	if st := svc.Stats(); st.Failed != 0 || st.Fetched != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}
