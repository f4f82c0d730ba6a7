package record

import "time"

// IsExpired reports whether a row carrying expiresAt (epoch seconds, 0 = no
// expiry) is logically dead at now. Stores may keep expired rows around for a
// while after their TTL passes, so every read path must call this.
func IsExpired(expiresAt int64, now time.Time) bool {
	return expiresAt != 0 && expiresAt <= now.Unix()
}

// ExpiresAt returns the ttl column value for an entry written at now with
// the given ttl, or 0 when ttl <= 0. Sub-second remainders round up.
func ExpiresAt(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	at := now.Add(ttl)
	sec := at.Unix()
	if at.Nanosecond() > 0 {
		sec++
	}
	return sec
}

// Remaining returns how long until expiresAt, for stores that take a
// relative TTL. ok is false when the entry never expires.
func Remaining(expiresAt int64, now time.Time) (d time.Duration, ok bool) {
	if expiresAt == 0 {
		return 0, false
	}
	return time.Unix(expiresAt, 0).Sub(now), true
}
