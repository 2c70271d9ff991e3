package staleness

import (
	"math"
	"time"
)

// TimeUntilStale returns max(0, updatedAt+ttl-now) at millisecond granularity.
//
// The sum is computed on signed milliseconds and saturates instead of wrapping,
// so a huge ttl yields a huge (not negative) duration.
func TimeUntilStale(c Clock, updatedAt Instant, ttl time.Duration) time.Duration {
	now := int64(c.Now())
	deadline := addSat(int64(updatedAt), ttl.Milliseconds())
	left := addSat(deadline, -now)
	if left <= 0 {
		return 0
	}
	if left > math.MaxInt64/int64(time.Millisecond) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(left) * time.Millisecond
}

// MaybeTimeUntilStale returns ok=false unless both inputs are present.
// A nil updatedAt means the value was never fetched; a nil ttl means it never expires.
func MaybeTimeUntilStale(c Clock, updatedAt *Instant, ttl *time.Duration) (time.Duration, bool) {
	if updatedAt == nil || ttl == nil {
		return 0, false
	}
	return TimeUntilStale(c, *updatedAt, *ttl), true
}

// IsStale reports whether the value has reached its deadline.
// Entries without a deadline are never stale by age.
func IsStale(c Clock, updatedAt *Instant, ttl *time.Duration) bool {
	d, ok := MaybeTimeUntilStale(c, updatedAt, ttl)
	return ok && d == 0
}

// addSat adds b to a, pinning the result at the int64 bounds.
func addSat(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	if b < 0 && a < math.MinInt64-b {
		return math.MinInt64
	}
	return a + b
}
