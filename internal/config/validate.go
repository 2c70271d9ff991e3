package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	logx "stalewatch/pkg/logx"
)

// Validate checks everything that can be checked without touching the
// outside world. It reports all problems at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	switch normalize(cfg.Logging.Format) {
	case "", logx.FormatConsole, logx.FormatJSON:
	default:
		add(fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format))
	}

	switch normalize(cfg.Cache.Clock) {
	case "", ClockMonotonic, ClockSystem:
	default:
		add(fmt.Errorf("cache.clock: unknown clock %q", cfg.Cache.Clock))
	}
	_, err := cfg.DefaultTTL()
	add(err)

	if cfg.Refresh.RatePerSec < 0 {
		add(errors.New("refresh.rate_per_sec: must be >= 0"))
	}
	if cfg.Refresh.Burst < 0 || cfg.Refresh.Workers < 0 || cfg.Refresh.QueueSize < 0 {
		add(errors.New("refresh: burst, workers and queue_size must be >= 0"))
	}
	_, err = ParseDurationField("refresh.timeout", cfg.Refresh.Timeout)
	add(err)

	if cfg.Storage != nil {
		switch normalize(cfg.Storage.Driver) {
		case "", "none", "memory":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(cfg.Storage.Path) == "" {
				add(errors.New("storage.path: required for sqlite"))
			}
			// monotonic instants restart from zero with the process
			if normalize(cfg.Cache.Clock) == ClockMonotonic {
				add(errors.New("cache.clock: monotonic cannot be used with a durable storage driver (sqlite); use system"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
		_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		add(err)
	}

	_, err = ParseDurationField("maintenance.retention", cfg.Maintenance.Retention)
	add(err)

	keys := make([]string, 0, len(cfg.Queries))
	for k := range cfg.Queries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			add(errors.New("queries: empty key"))
			continue
		}
		_, err := ParseTTL("queries."+k+".ttl", cfg.Queries[k].TTL, nil)
		add(err)
		add(validateSource("queries."+k+".source", cfg.Queries[k].Source))
	}

	return errors.Join(errs...)
}

func validateSource(path string, s SourceConfig) error {
	switch normalize(s.Kind) {
	case "file":
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("%s.path: required for file sources", path)
		}
	case "http", "https":
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("%s.url: required for http sources", path)
		}
	default:
		return fmt.Errorf("%s.kind: unknown kind %q", path, s.Kind)
	}
	if s.MaxBytes < 0 {
		return fmt.Errorf("%s.max_bytes: must be >= 0", path)
	}
	_, err := ParseDurationField(path+".timeout", s.Timeout)
	return err
}
