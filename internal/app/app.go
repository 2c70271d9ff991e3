// Package app wires config, logging, storage, the query cache and its
// background services into one daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stalewatch/internal/config"
	"stalewatch/internal/eventbus"
	"stalewatch/internal/eventloop"
	"stalewatch/internal/maintenance"
	"stalewatch/internal/observability/admin"
	"stalewatch/internal/querycache"
	"stalewatch/internal/refresher"
	"stalewatch/internal/runtime/supervisor"
	"stalewatch/internal/storage"
	logx "stalewatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	loop  *eventloop.Loop
	cache *querycache.Cache
	refr  *refresher.Service
	maint *maintenance.Service
	admin *admin.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	appLog := log.With(logx.Comp("app"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.Comp("storage")))
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	fail := func(err error) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	defTTL, err := cfg.DefaultTTL()
	if err != nil {
		return fail(err)
	}

	bus := eventbus.New()
	loop := eventloop.New(log.With(logx.Comp("loop")))
	cache, err := querycache.New(querycache.Options{
		Loop:       loop,
		Clock:      pickClock(cfg),
		Bus:        bus,
		Store:      store,
		Log:        log.With(logx.Comp("cache")),
		DefaultTTL: defTTL,
	})
	if err != nil {
		return fail(err)
	}

	rcfg, err := mapRefreshConfig(cfg)
	if err != nil {
		return fail(err)
	}
	refr := refresher.New(rcfg, cache, bus, log.With(logx.Comp("refresher")))
	sources, err := buildSources(cfg)
	if err != nil {
		return fail(err)
	}
	refr.SetSources(sources)

	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return fail(err)
	}
	var pruner maintenance.Pruner
	if store != nil {
		pruner = store
	}
	maint := maintenance.New(mcfg, cache, pruner, func() map[string]bool {
		return cfgm.Get().QueryKeys()
	}, log.With(logx.Comp("maintenance")))
	if err := maint.Validate(mcfg.Schedule); err != nil {
		return fail(fmt.Errorf("maintenance.schedule: %w", err))
	}

	acfg := mapAdminConfig(cfg)
	if err := admin.Validate(acfg); err != nil {
		return fail(err)
	}

	appLog.Info("config loaded",
		logx.String("path", cfgPath),
		logx.String("clock", cfg.ClockKind()),
		logx.Int("queries", len(cfg.Queries)),
	)

	a := &App{
		cfgm:  cfgm,
		root:  log,
		log:   appLog,
		logs:  logSvc,
		bus:   bus,
		store: store,
		loop:  loop,
		cache: cache,
		refr:  refr,
		maint: maint,
	}
	a.admin = admin.New(acfg, cache, refr, func() any { return a.Status() }, log.With(logx.Comp("admin")))
	return a, nil
}

func (a *App) Cache() *querycache.Cache { return a.cache }

func (a *App) Refresher() *refresher.Service { return a.refr }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Status lists the supervised goroutines.
func (a *App) Status() []supervisor.TaskStatus {
	if a.sup == nil {
		return nil
	}
	return a.sup.Status()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.root.With(logx.Comp("supervisor"))), supervisor.WithCancelOnError(true))
	sctx := a.sup.Context()

	a.cfgm.SetLogger(a.root.With(logx.Comp("config")))
	a.cfgm.SetValidator(a.validate)

	a.sup.Go("eventloop", a.loop.Run)

	if a.store != nil {
		if err := a.cache.RestoreFromStore(sctx); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	cfg := a.cfgm.Get()
	if err := a.defineQueries(sctx, cfg, keysOf(cfg.QueryKeys())); err != nil {
		return err
	}
	// Drops restored keys that config no longer declares.
	if _, err := a.maint.RunOnce(sctx); err != nil {
		a.log.Warn("initial maintenance failed", logx.Err(err))
	}

	a.sup.GoRestart("refresher", a.refr.Run, supervisor.RestartPolicy{})
	if err := a.maint.Start(sctx); err != nil {
		return err
	}
	a.triggerUnfresh(sctx, nil)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Key(e.Key))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// coalesce bursts
				for more := true; more; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						more = false
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("admin", a.admin.Run, supervisor.RestartPolicy{MinBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.RestartPolicy{MaxBackoff: 10 * time.Second})

	a.log.Info("app started")
	return nil
}

// validate rejects a reload before it is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	return checkConfig(cfg, a.maint)
}

// Check loads the config at path and runs every check New and a reload
// would run, without opening storage or starting anything.
func Check(path string) error {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return err
	}
	return checkConfig(cfg, maintenance.New(maintenance.Config{}, nil, nil, nil, logx.Nop()))
}

// checkConfig runs the checks that need more than the config package knows:
// cron syntax, the admin exposure rule and source construction.
func checkConfig(cfg *config.Config, maint *maintenance.Service) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRefreshConfig(cfg); err != nil {
		return err
	}
	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return err
	}
	if err := maint.Validate(mcfg.Schedule); err != nil {
		return fmt.Errorf("maintenance.schedule: %w", err)
	}
	if err := admin.Validate(mapAdminConfig(cfg)); err != nil {
		return err
	}
	_, err = buildSources(cfg)
	return err
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, qd := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}
	if oldCfg.ClockKind() != newCfg.ClockKind() {
		a.log.Warn("cache clock changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogging(newCfg))

	if rcfg, err := mapRefreshConfig(newCfg); err != nil {
		a.log.Warn("invalid refresh config; keeping previous", logx.Err(err))
	} else {
		a.refr.Apply(rcfg)
	}
	if sources, err := buildSources(newCfg); err != nil {
		a.log.Warn("invalid sources; keeping previous", logx.Err(err))
	} else {
		a.refr.SetSources(sources)
	}
	if mcfg, err := mapMaintenanceConfig(newCfg); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else if err := a.maint.Apply(ctx, mcfg); err != nil {
		a.log.Warn("maintenance reschedule failed", logx.Err(err))
	}

	a.admin.Reconfigure(mapAdminConfig(newCfg))

	for _, key := range qd.Removed {
		if err := a.cache.Remove(ctx, key); err != nil {
			a.log.Warn("remove query failed", logx.Key(key), logx.Err(err))
		}
	}
	// A new default ttl can change every query that does not set its own.
	redefine := append(append([]string(nil), qd.Added...), qd.Changed...)
	for _, s := range sections {
		if s == "cache" {
			redefine = keysOf(newCfg.QueryKeys())
		}
	}
	if err := a.defineQueries(ctx, newCfg, redefine); err != nil {
		a.log.Warn("define queries failed", logx.Err(err))
	}
	if touched := append(append([]string(nil), qd.Added...), qd.Changed...); len(touched) > 0 {
		a.triggerUnfresh(ctx, touched)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) defineQueries(ctx context.Context, cfg *config.Config, keys []string) error {
	var errs []error
	for _, key := range keys {
		ttl, err := cfg.TTLFor(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := a.cache.Define(ctx, key, ttl); err != nil {
			errs = append(errs, fmt.Errorf("define %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// triggerUnfresh queues a fetch for every entry that has no value yet or is
// stale. A non-nil only fetches exactly those keys instead, fresh or not.
func (a *App) triggerUnfresh(ctx context.Context, only []string) {
	snaps, err := a.cache.List(ctx)
	if err != nil {
		a.log.Warn("list entries failed", logx.Err(err))
		return
	}
	var filter map[string]bool
	if only != nil {
		filter = make(map[string]bool, len(only))
		for _, k := range only {
			filter[k] = true
		}
	}
	n := 0
	for _, s := range snaps {
		if filter != nil && !filter[s.Key] {
			continue
		}
		if filter == nil && s.UpdatedAt != nil && !s.Stale {
			continue
		}
		if a.refr.Trigger(s.Key) {
			n++
		}
	}
	if n > 0 {
		a.log.Debug("refresh triggered", logx.Int("count", n))
	}
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Bounded shutdown step; a step that overruns is logged and left behind.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Timers are torn down while the loop still runs.
	step("cache", 2*time.Second, a.cache.Close)
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	a.sup.Cancel()
	step("supervisor", 3*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && reason != StopFatalError {
			return err
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	st := a.refr.Stats()
	a.log.Info("stopped",
		logx.Uint64("fetched", st.Fetched),
		logx.Uint64("failed", st.Failed),
		logx.Uint64("dropped", st.Dropped),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
