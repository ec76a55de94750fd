package session

import (
	"strings"
	"time"
)

const defaultCooldown = 30 * time.Second

// RateLimitGuard inspects failure signals from either channel and decides
// whether a session should land in RateLimited instead of Failed.
// RateLimited is recoverable: the UI may offer a retry after the cooldown
// without re-entering full validation.
type RateLimitGuard struct {
	// Cooldown is the hint attached to rate-limited sessions.
	Cooldown time.Duration
}

// NewRateLimitGuard returns a guard with the given cooldown hint, falling
// back to the default when zero.
func NewRateLimitGuard(cooldown time.Duration) RateLimitGuard {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return RateLimitGuard{Cooldown: cooldown}
}

// Throttled reports whether a failure carries the rate-limit signature:
// an HTTP 429 status, or a message mentioning rate limiting.
func (g RateLimitGuard) Throttled(statusCode int, message string) bool {
	if statusCode == 429 {
		return true
	}
	return strings.Contains(strings.ToLower(message), "rate")
}

// Classify maps a failure signal to the terminal status and cooldown hint
// the session should carry.
func (g RateLimitGuard) Classify(statusCode int, message string) (Status, time.Duration) {
	if g.Throttled(statusCode, message) {
		return StatusRateLimited, g.Cooldown
	}
	return StatusFailed, 0
}
