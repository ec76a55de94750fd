package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGuardThrottled(t *testing.T) {
	guard := NewRateLimitGuard(0)

	tests := []struct {
		name       string
		statusCode int
		message    string
		want       bool
	}{
		{"http 429", 429, "", true},
		{"rate limit message", 0, "agent rate limit exceeded", true},
		{"rate message mixed case", 500, "Rate limiting in effect", true},
		{"plain failure", 500, "probe crashed", false},
		{"timeout", 0, "context deadline exceeded", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, guard.Throttled(tt.statusCode, tt.message))
		})
	}
}

func TestGuardClassify(t *testing.T) {
	guard := NewRateLimitGuard(45 * time.Second)

	status, cooldown := guard.Classify(429, "too many requests")
	assert.Equal(t, StatusRateLimited, status)
	assert.Equal(t, 45*time.Second, cooldown)

	status, cooldown = guard.Classify(500, "probe crashed")
	assert.Equal(t, StatusFailed, status)
	assert.Zero(t, cooldown)
}

func TestGuardDefaultCooldown(t *testing.T) {
	guard := NewRateLimitGuard(0)
	assert.Equal(t, defaultCooldown, guard.Cooldown)
}
