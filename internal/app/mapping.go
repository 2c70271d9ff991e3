package app

import (
	"fmt"
	"strings"
	"time"

	"stalewatch/internal/config"
	"stalewatch/internal/maintenance"
	"stalewatch/internal/observability/admin"
	"stalewatch/internal/refresher"
	"stalewatch/internal/source"
	"stalewatch/internal/staleness"
	"stalewatch/internal/storage"
	logx "stalewatch/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapAdminConfig(cfg *config.Config) admin.Config {
	return admin.Config{
		Enabled:       cfg.Admin.Enabled,
		Addr:          cfg.Admin.Addr,
		Token:         cfg.Admin.Token,
		AllowInsecure: cfg.Admin.AllowInsecure,
		Pprof:         cfg.Admin.Pprof,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if !cfg.StorageEnabled() {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func pickClock(cfg *config.Config) staleness.Clock {
	if cfg.ClockKind() == config.ClockSystem {
		return staleness.System{}
	}
	return staleness.NewMonotonic()
}

func mapRefreshConfig(cfg *config.Config) (refresher.Config, error) {
	timeout, err := config.ParseDurationField("refresh.timeout", cfg.Refresh.Timeout)
	if err != nil {
		return refresher.Config{}, err
	}
	return refresher.Config{
		RatePerSec: cfg.Refresh.RatePerSec,
		Burst:      cfg.Refresh.Burst,
		Workers:    cfg.Refresh.Workers,
		QueueSize:  cfg.Refresh.QueueSize,
		Timeout:    timeout,
	}, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	retention, err := config.ParseDurationField("maintenance.retention", cfg.Maintenance.Retention)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{Schedule: cfg.Maintenance.Schedule, Retention: retention}, nil
}

// buildSources turns every declared query into a fetchable source.
func buildSources(cfg *config.Config) (map[string]source.Source, error) {
	out := make(map[string]source.Source, len(cfg.Queries))
	for key, q := range cfg.Queries {
		path := "queries." + key + ".source"
		timeout, err := config.ParseDurationField(path+".timeout", q.Source.Timeout)
		if err != nil {
			return nil, err
		}
		src, err := source.New(source.Config{
			Kind:     q.Source.Kind,
			Path:     q.Source.Path,
			URL:      q.Source.URL,
			Timeout:  timeout,
			MaxBytes: q.Source.MaxBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out[key] = src
	}
	return out, nil
}
