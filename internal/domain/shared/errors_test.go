package shared

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSensorErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		sentinel error
		code     string
		message  string
	}{
		{"timeout", ErrSensorTimeout, CodeSensorTimeout, MessageSensorTimeout},
		{"permission", ErrSensorPermissionDenied, CodeSensorPermissionDenied, MessageSensorPermissionDenied},
		{"unavailable", ErrSensorUnavailable, CodeSensorUnavailable, MessageSensorUnavailable},
		{"unsupported", ErrSensorUnsupported, CodeSensorUnsupported, MessageSensorUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewSensorError(tt.sentinel, errors.New("raw sensor failure"))

			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.code, Code(err))
			assert.Equal(t, tt.message, Reason(err))
		})
	}
}

func TestRejectionCarriesServerReason(t *testing.T) {
	err := NewRejection("mark-attendance", "Wrong bus")

	assert.ErrorIs(t, err, ErrServerRejected)
	assert.Equal(t, "Wrong bus", Reason(err))
	assert.Equal(t, CodeServerRejected, Code(err))
	assert.False(t, IsTerminal(err))
}

func TestNetworkAndCameraErrors(t *testing.T) {
	netErr := WrapNetworkError(errors.New("connection refused"), "driver-heartbeat")
	assert.ErrorIs(t, netErr, ErrNetworkFailure)
	assert.Equal(t, MessageNetworkFailure, Reason(netErr))
	assert.False(t, IsTerminal(netErr))

	camErr := NewCameraError(errors.New("NotAllowedError"))
	assert.ErrorIs(t, camErr, ErrCameraUnavailable)
	assert.True(t, IsTerminal(camErr))
}

func TestReason_PlainError(t *testing.T) {
	assert.Equal(t, "", Reason(nil))
	assert.Equal(t, "boom", Reason(errors.New("boom")))
	assert.Equal(t, "", Code(errors.New("boom")))
}
