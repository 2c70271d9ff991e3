package config

import (
	"sort"
	"strings"

	logx "stalewatch/pkg/logx"
)

// QueryDiff lists declared keys that appeared, disappeared or changed between
// two configs. Each list is sorted.
type QueryDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d QueryDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// SummarizeChange returns the changed sections, safe structured attrs for
// logging (never URLs, which may carry credentials) and the query diff.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, QueryDiff) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Cache != newCfg.Cache {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.String("cache.clock", newCfg.ClockKind()),
			logx.String("cache.default_ttl", strings.TrimSpace(newCfg.Cache.DefaultTTL)),
		)
	}

	if oldCfg.Refresh != newCfg.Refresh {
		changed = append(changed, "refresh")
		attrs = append(attrs,
			logx.Any("refresh.rate_per_sec", newCfg.Refresh.RatePerSec),
			logx.Int("refresh.burst", newCfg.Refresh.Burst),
			logx.String("refresh.timeout", strings.TrimSpace(newCfg.Refresh.Timeout)),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.schedule", strings.TrimSpace(newCfg.Maintenance.Schedule)),
			logx.String("maintenance.retention", strings.TrimSpace(newCfg.Maintenance.Retention)),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
			logx.Bool("admin.pprof", newCfg.Admin.Pprof),
		)
	}

	qd := DiffQueries(oldCfg.Queries, newCfg.Queries)
	if !qd.Empty() {
		changed = append(changed, "queries")
		attrs = append(attrs,
			logx.Int("queries.added", len(qd.Added)),
			logx.Int("queries.removed", len(qd.Removed)),
			logx.Int("queries.changed", len(qd.Changed)),
			logx.Int("queries.total", len(newCfg.Queries)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, qd
}

func DiffQueries(oldM, newM map[string]QueryConfig) QueryDiff {
	var d QueryDiff
	for k, n := range newM {
		o, ok := oldM[k]
		switch {
		case !ok:
			d.Added = append(d.Added, k)
		case o != n:
			d.Changed = append(d.Changed, k)
		}
	}
	for k := range oldM {
		if _, ok := newM[k]; !ok {
			d.Removed = append(d.Removed, k)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}
