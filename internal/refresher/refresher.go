// Package refresher refetches cache entries when they go stale.
//
// It listens for query.stale events, rate limits fetches with a token bucket,
// fetches through the key's source and writes the result back into the cache.
// A key is fetched at most once at a time; stale events for a key already
// queued or in flight are dropped.
package refresher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"stalewatch/internal/eventbus"
	"stalewatch/internal/querycache"
	"stalewatch/internal/source"
	logx "stalewatch/pkg/logx"
)

// Cache is the part of the query cache the refresher writes to. Update must
// refuse keys that are no longer defined (querycache.ErrUnknownKey).
type Cache interface {
	Update(ctx context.Context, key string, value []byte) error
	RecordError(ctx context.Context, key string, err error) error
}

type Config struct {
	RatePerSec float64 // 0 means unlimited
	Burst      int
	Workers    int
	QueueSize  int
	Timeout    time.Duration // per fetch
}

type Stats struct {
	Fetched  uint64
	Failed   uint64
	Dropped  uint64
	InFlight int
}

type Service struct {
	cache Cache
	bus   eventbus.Bus
	log   logx.Logger

	limiter *rate.Limiter

	mu       sync.Mutex
	cfg      Config
	sources  map[string]source.Source
	inflight map[string]struct{}

	queue chan string

	fetched atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func New(cfg Config, cache Cache, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = withDefaults(cfg)
	return &Service{
		cache:    cache,
		bus:      bus,
		log:      log,
		limiter:  rate.NewLimiter(limitOf(cfg.RatePerSec), cfg.Burst),
		cfg:      cfg,
		sources:  map[string]source.Source{},
		inflight: map[string]struct{}{},
		queue:    make(chan string, cfg.QueueSize),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return cfg
}

func limitOf(perSec float64) rate.Limit {
	if perSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

// Apply updates rate limit and timeout at runtime. Workers and QueueSize only
// take effect on the next Run.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.limiter.SetLimit(limitOf(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.Burst)
}

// SetSources replaces the key -> source table.
func (s *Service) SetSources(m map[string]source.Source) {
	cp := make(map[string]source.Source, len(m))
	for k, v := range m {
		cp[k] = v
	}
	s.mu.Lock()
	s.sources = cp
	s.mu.Unlock()
}

// Trigger queues a fetch for key. It returns false if the key has no source,
// is already queued or in flight, or the queue is full.
func (s *Service) Trigger(key string) bool {
	s.mu.Lock()
	if _, ok := s.sources[key]; !ok {
		s.mu.Unlock()
		return false
	}
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		return false
	}
	s.inflight[key] = struct{}{}
	s.mu.Unlock()

	select {
	case s.queue <- key:
		return true
	default:
		s.done(key)
		s.dropped.Add(1)
		s.log.Warn("refresh queue full; dropping", logx.Key(key))
		return false
	}
}

// Run consumes stale events and fetches until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	workers := s.cfg.Workers
	s.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}
	defer wg.Wait()

	if s.bus == nil {
		<-ctx.Done()
		return nil
	}
	events, unsub := s.bus.Subscribe(256)
	defer unsub()

	s.log.Info("refresher started", logx.Int("workers", workers))
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Type != eventbus.TypeStale {
				continue
			}
			if s.Trigger(e.Key) {
				s.log.Debug("refresh queued", logx.Key(e.Key))
			}
		}
	}
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-s.queue:
			s.refresh(ctx, key)
			s.done(key)
		}
	}
}

func (s *Service) refresh(ctx context.Context, key string) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	s.mu.Lock()
	src := s.sources[key]
	timeout := s.cfg.Timeout
	s.mu.Unlock()
	if src == nil {
		return
	}

	start := time.Now()
	fctx, cancel := context.WithTimeout(ctx, timeout)
	b, err := src.Fetch(fctx)
	cancel()

	if err != nil {
		s.failed.Add(1)
		s.log.Warn("refresh failed", logx.Key(key), logx.String("source", src.String()), logx.Err(err))
		if rerr := s.cache.RecordError(ctx, key, fmt.Errorf("%s: %w", src.String(), err)); rerr != nil {
			s.log.Debug("record error failed", logx.Key(key), logx.Err(rerr))
		}
		return
	}
	if err := s.cache.Update(ctx, key, b); err != nil {
		if errors.Is(err, querycache.ErrUnknownKey) {
			s.log.Debug("key removed during fetch; discarding", logx.Key(key))
			return
		}
		s.failed.Add(1)
		s.log.Warn("cache write failed", logx.Key(key), logx.Err(err))
		return
	}
	s.fetched.Add(1)
	s.log.Debug("refreshed", logx.Key(key), logx.Int("bytes", len(b)), logx.Duration("took", time.Since(start)))
}

func (s *Service) done(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	n := len(s.inflight)
	s.mu.Unlock()
	return Stats{
		Fetched:  s.fetched.Load(),
		Failed:   s.failed.Load(),
		Dropped:  s.dropped.Load(),
		InFlight: n,
	}
}
