package security

import "time"

// Clock supplies the current time. Every expiry decision in the identity
// provider goes through a Clock so tests can control time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock
type ClockFunc func() time.Time

// Now calls f
func (f ClockFunc) Now() time.Time { return f() }

// IsExpired reports whether expiresAt has passed at now, allowing grace for
// clock drift between systems. A zero expiresAt never expires.
func IsExpired(now, expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(grace))
}
