// Package maintenance runs periodic housekeeping on a cron schedule:
//   - prune persisted entries that have not been saved within the retention window
//   - drop cached keys that are no longer defined in config
package maintenance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "stalewatch/pkg/logx"
)

const DefaultSchedule = "@every 10m"

type Config struct {
	Schedule  string        // cron spec or descriptor; empty = DefaultSchedule
	Retention time.Duration // 0 disables pruning
}

// Pruner is implemented by storage.Store.
type Pruner interface {
	PruneBefore(ctx context.Context, t time.Time) (int, error)
}

// Cache is the part of the query cache maintenance needs.
type Cache interface {
	Keys(ctx context.Context) ([]string, error)
	Remove(ctx context.Context, key string) error
}

type Service struct {
	log     logx.Logger
	cache   Cache
	store   Pruner
	defined func() map[string]bool
	now     func() time.Time

	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	entry   cron.EntryID
	lastRun time.Time
}

// New builds the service. store may be nil. defined reports which keys config
// currently declares; nil disables orphan removal.
func New(cfg Config, cache Cache, store Pruner, defined func() map[string]bool, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log,
		cache:   cache,
		store:   store,
		defined: defined,
		now:     time.Now,
		cfg:     cfg,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks a schedule without installing it.
func (s *Service) Validate(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSchedule
	}
	_, err := s.parser.Parse(spec)
	return err
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.c = cron.New(cron.WithParser(s.parser))
	if err := s.addLocked(ctx); err != nil {
		s.c = nil
		return err
	}
	s.c.Start()
	s.log.Info("maintenance started", logx.String("schedule", s.specLocked()), logx.Duration("retention", s.cfg.Retention))
	return nil
}

// Apply swaps the config; a changed schedule is re-registered on the running cron.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if err := s.Validate(cfg.Schedule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	oldSpec := s.specLocked()
	s.cfg = cfg
	if s.c == nil || oldSpec == s.specLocked() {
		return nil
	}
	s.c.Remove(s.entry)
	return s.addLocked(ctx)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("maintenance stopped")
}

func (s *Service) specLocked() string {
	spec := strings.TrimSpace(s.cfg.Schedule)
	if spec == "" {
		return DefaultSchedule
	}
	return spec
}

func (s *Service) addLocked(ctx context.Context) error {
	id, err := s.c.AddFunc(s.specLocked(), func() {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("maintenance run failed", logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	s.entry = id
	return nil
}

// Result summarizes one run.
type Result struct {
	Pruned  int
	Removed []string
}

// RunOnce performs one housekeeping pass.
func (s *Service) RunOnce(ctx context.Context) (Result, error) {
	s.mu.Lock()
	retention := s.cfg.Retention
	s.mu.Unlock()

	var res Result
	var errs []error

	if s.store != nil && retention > 0 {
		n, err := s.store.PruneBefore(ctx, s.now().Add(-retention))
		if err != nil {
			errs = append(errs, err)
		}
		res.Pruned = n
	}

	if s.defined != nil && s.cache != nil {
		want := s.defined()
		keys, err := s.cache.Keys(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		for _, k := range keys {
			if want[k] {
				continue
			}
			if err := s.cache.Remove(ctx, k); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Removed = append(res.Removed, k)
		}
	}

	s.mu.Lock()
	s.lastRun = s.now()
	s.mu.Unlock()

	if res.Pruned > 0 || len(res.Removed) > 0 {
		s.log.Info("maintenance run", logx.Int("pruned", res.Pruned), logx.Int("removed", len(res.Removed)))
	}
	return res, errors.Join(errs...)
}

func (s *Service) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}
