package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the grace period applied to expiry
	// checks. It absorbs NTP drift between this process, the provider, and
	// downstream callers; a token is only treated as expired once it has
	// been expired for longer than the grace period.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsTokenExpired checks expiry against the wall clock with the default
// clock-skew grace period.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredAt(time.Now(), expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredAt checks expiry against an explicit clock reading, which
// lets stores with an injected clock run deterministic expiry tests.
// A zero expiresAt means no expiration.
func IsTokenExpiredAt(now, expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// IsTokenExpiringSoonAt reports whether expiresAt falls within threshold of
// now. A zero expiresAt reports true: a credential with no recorded expiry
// must be treated as already stale by refresh logic.
func IsTokenExpiringSoonAt(now, expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return true
	}
	return !now.Add(threshold).Before(expiresAt)
}
