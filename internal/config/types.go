package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1h").
type Config struct {
	Logging     LoggingConfig          `json:"logging"`
	Cache       CacheConfig            `json:"cache"`
	Refresh     RefreshConfig          `json:"refresh"`
	Storage     *StorageConfig         `json:"storage,omitempty"`
	Maintenance MaintenanceConfig      `json:"maintenance"`
	Admin       AdminConfig            `json:"admin,omitempty"`
	Queries     map[string]QueryConfig `json:"queries"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"` // console (default) or json
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// CacheConfig controls the query cache.
//
// Clock is "monotonic", "system" or empty. Empty picks "system" when storage is
// enabled (persisted instants must survive a restart) and "monotonic" otherwise.
// Monotonic is rejected with the sqlite driver. Changing the clock requires a
// restart.
type CacheConfig struct {
	Clock      string `json:"clock,omitempty"`
	DefaultTTL string `json:"default_ttl,omitempty"`
}

// RefreshConfig controls the background refresher.
//
// Defaults: rate_per_sec 0 (unlimited), burst 1, workers 2, queue_size 256,
// timeout "30s". Workers and queue_size require a restart.
type RefreshConfig struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	Workers    int     `json:"workers,omitempty"`
	QueueSize  int     `json:"queue_size,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
}

// StorageConfig controls the optional persistence layer. Nil means disabled.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./stalewatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MaintenanceConfig controls the housekeeping job. Schedule is a cron spec
// (5 or 6 fields) or a descriptor such as "@every 10m". Retention 0 disables
// pruning of persisted entries.
type MaintenanceConfig struct {
	Schedule  string `json:"schedule,omitempty"`
	Retention string `json:"retention,omitempty"`
}

// AdminConfig controls the optional HTTP admin API.
//
// Security note: prefer a loopback addr (default "127.0.0.1:6061"). Binding
// elsewhere requires a token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// QueryConfig declares one cache key.
//
// TTL empty inherits cache.default_ttl; "none" means the entry never goes stale
// on its own (it can still be invalidated).
type QueryConfig struct {
	TTL    string       `json:"ttl,omitempty"`
	Source SourceConfig `json:"source"`
}

type SourceConfig struct {
	Kind     string `json:"kind"` // file | http
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	MaxBytes int64  `json:"max_bytes,omitempty"`
}

// StorageEnabled reports whether a storage driver other than "none" is set.
func (c *Config) StorageEnabled() bool {
	if c == nil || c.Storage == nil {
		return false
	}
	switch normalize(c.Storage.Driver) {
	case "", "none":
		return false
	}
	return true
}

// ClockKind resolves the effective cache clock.
func (c *Config) ClockKind() string {
	if c == nil {
		return ClockMonotonic
	}
	switch normalize(c.Cache.Clock) {
	case ClockSystem:
		return ClockSystem
	case ClockMonotonic:
		return ClockMonotonic
	}
	if c.StorageEnabled() {
		return ClockSystem
	}
	return ClockMonotonic
}

// QueryKeys returns the declared keys as a set.
func (c *Config) QueryKeys() map[string]bool {
	out := map[string]bool{}
	if c == nil {
		return out
	}
	for k := range c.Queries {
		out[k] = true
	}
	return out
}

const (
	ClockMonotonic = "monotonic"
	ClockSystem    = "system"
)
