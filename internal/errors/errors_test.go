package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionErrorFormatting(t *testing.T) {
	err := NewSessionErrorWithTool(CodeValidation, "target is required", "port_scan")
	assert.Contains(t, err.Error(), "VALIDATION")
	assert.Contains(t, err.Error(), "target is required")
	assert.Contains(t, err.Error(), "port_scan")

	bare := NewSessionError(CodeSessionUnknown, "no cancellable session")
	assert.NotContains(t, bare.Error(), "tool:")
}

func TestWrappedErrorsUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")

	sessionErr := WrapSessionError(CodeTransport, "push failed", cause)
	assert.ErrorIs(t, sessionErr, cause)

	transportErr := WrapTransportError(CodeTransport, "dial failed", "push", cause)
	assert.ErrorIs(t, transportErr, cause)
}

func TestIsCodeAndGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
	}{
		{"session error", NewSessionError(CodeCanceled, "canceled"), CodeCanceled},
		{"transport error", NewTransportError(CodeRateLimited, "throttled", "pull"), CodeRateLimited},
		{"config error", NewConfigError(CodeConfiguration, "bad field"), CodeConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, IsCode(tt.err, tt.code))
			assert.False(t, IsCode(tt.err, CodeUnknown))
			assert.Equal(t, tt.code, GetCode(tt.err))
		})
	}

	plain := errors.New("plain")
	assert.False(t, IsCode(plain, CodeValidation))
	assert.Equal(t, CodeUnknown, GetCode(plain))
}

func TestTransportErrorStatusCode(t *testing.T) {
	err := NewTransportError(CodeRateLimited, "too many requests", "pull").WithStatus(429)
	assert.Equal(t, 429, StatusCode(err))
	assert.Contains(t, err.Error(), "429")

	require.Equal(t, 0, StatusCode(NewSessionError(CodeValidation, "nope")))
	assert.Equal(t, 0, StatusCode(nil))
}

func TestCommonConstructors(t *testing.T) {
	assert.True(t, IsCode(ErrInvalidTarget("ping", "bad target"), CodeValidation))
	assert.True(t, IsCode(ErrSessionActive("ping"), CodeSessionActive))
	assert.True(t, IsCode(ErrCanceled("s-1"), CodeCanceled))
	assert.True(t, IsCode(ErrRemote("agent says no"), CodeRemote))
	assert.True(t, IsCode(ErrPushUnavailable(fmt.Errorf("refused")), CodeTransport))
}
