package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseTTL parses a TTL field. "none" (or "never") yields nil; empty yields def,
// which may itself be nil. "0s" is a real TTL: the entry is stale as soon as it
// is written.
func ParseTTL(path, raw string, def *time.Duration) (*time.Duration, error) {
	switch normalize(raw) {
	case "":
		return def, nil
	case "none", "never":
		return nil, nil
	}
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DefaultTTL resolves cache.default_ttl. Empty or "none" means no default.
func (c *Config) DefaultTTL() (*time.Duration, error) {
	return ParseTTL("cache.default_ttl", c.Cache.DefaultTTL, nil)
}

// TTLFor resolves the TTL of a declared query.
func (c *Config) TTLFor(key string) (*time.Duration, error) {
	def, err := c.DefaultTTL()
	if err != nil {
		return nil, err
	}
	q, ok := c.Queries[key]
	if !ok {
		return nil, fmt.Errorf("queries.%s: not declared", key)
	}
	return ParseTTL("queries."+key+".ttl", q.TTL, def)
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
