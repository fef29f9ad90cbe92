package shared

import (
	"errors"

	"github.com/samber/oops"
)

// Sentinel errors. Every domain error wraps exactly one of these so callers
// can classify with errors.Is regardless of how much context was attached.
var (
	ErrSensorUnsupported      = errors.New("location sensor unsupported")
	ErrSensorTimeout          = errors.New("location sensor timed out")
	ErrSensorPermissionDenied = errors.New("location permission denied")
	ErrSensorUnavailable      = errors.New("location unavailable")
	ErrCameraUnavailable      = errors.New("camera unavailable")
	ErrNetworkFailure         = errors.New("network failure")
	ErrServerRejected         = errors.New("server rejected request")
)

// Error codes attached through oops
const (
	CodeSensorUnsupported      = "SENSOR_UNSUPPORTED"
	CodeSensorTimeout          = "SIGNAL_TIMEOUT"
	CodeSensorPermissionDenied = "PERMISSION_DENIED"
	CodeSensorUnavailable      = "UNAVAILABLE"
	CodeCameraUnavailable      = "CAMERA_UNAVAILABLE"
	CodeNetworkFailure         = "NETWORK_FAILURE"
	CodeServerRejected         = "SERVER_REJECTED"
)

// User-facing guidance for errors without a server-supplied reason
const (
	MessageSensorUnsupported      = "Geolocation is not supported on this device."
	MessageSensorTimeout          = "GPS signal timed out. Move outdoors and try again."
	MessageSensorPermissionDenied = "Location permission denied. Enable location access and try again."
	MessageSensorUnavailable      = "Location unavailable. Check that GPS is enabled."
	MessageCameraUnavailable      = "Camera error: no usable camera could be opened."
	MessageNetworkFailure         = "Network error. Check your connection and try again."
)

// RejectionError carries the reason a well-formed server response gave for
// refusing a request.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "server rejected request: " + e.Reason
}

// Is makes RejectionError match ErrServerRejected
func (e *RejectionError) Is(target error) bool {
	return target == ErrServerRejected
}

// NewSensorError wraps a sensor sentinel with its code and guidance
func NewSensorError(sentinel error, cause error) error {
	code, msg := classify(sentinel)
	builder := oops.
		Code(code).
		In("geo").
		Hint(msg)
	if cause != nil {
		builder = builder.With("cause", cause.Error())
	}
	return builder.Wrapf(sentinel, "%s", msg)
}

// NewCameraError reports that no camera facing could be opened
func NewCameraError(cause error) error {
	builder := oops.
		Code(CodeCameraUnavailable).
		In("attendance").
		Hint(MessageCameraUnavailable)
	if cause != nil {
		builder = builder.With("cause", cause.Error())
	}
	return builder.Wrapf(ErrCameraUnavailable, "%s", MessageCameraUnavailable)
}

// WrapNetworkError wraps a transport-level failure
func WrapNetworkError(err error, endpoint string) error {
	return oops.
		Code(CodeNetworkFailure).
		In("client").
		With("endpoint", endpoint).
		With("cause", err.Error()).
		Wrapf(ErrNetworkFailure, "%s", endpoint)
}

// NewRejection reports a well-formed error response from the backend
func NewRejection(endpoint, reason string) error {
	return oops.
		Code(CodeServerRejected).
		In("client").
		With("endpoint", endpoint).
		Wrap(&RejectionError{Reason: reason})
}

// Reason returns the message a user should see for err
func Reason(err error) string {
	if err == nil {
		return ""
	}

	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return rejection.Reason
	}

	for _, sentinel := range []error{
		ErrSensorUnsupported,
		ErrSensorTimeout,
		ErrSensorPermissionDenied,
		ErrSensorUnavailable,
		ErrCameraUnavailable,
		ErrNetworkFailure,
	} {
		if errors.Is(err, sentinel) {
			_, msg := classify(sentinel)
			return msg
		}
	}

	return err.Error()
}

// Code returns the taxonomy code for err, or "" when err is not a domain error
func Code(err error) string {
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return CodeServerRejected
	}
	for _, sentinel := range []error{
		ErrSensorUnsupported,
		ErrSensorTimeout,
		ErrSensorPermissionDenied,
		ErrSensorUnavailable,
		ErrCameraUnavailable,
		ErrNetworkFailure,
	} {
		if errors.Is(err, sentinel) {
			code, _ := classify(sentinel)
			return code
		}
	}
	return ""
}

// IsTerminal reports whether err means the device lacks a capability outright
func IsTerminal(err error) bool {
	return errors.Is(err, ErrSensorUnsupported) || errors.Is(err, ErrCameraUnavailable)
}

func classify(sentinel error) (string, string) {
	switch sentinel {
	case ErrSensorUnsupported:
		return CodeSensorUnsupported, MessageSensorUnsupported
	case ErrSensorTimeout:
		return CodeSensorTimeout, MessageSensorTimeout
	case ErrSensorPermissionDenied:
		return CodeSensorPermissionDenied, MessageSensorPermissionDenied
	case ErrSensorUnavailable:
		return CodeSensorUnavailable, MessageSensorUnavailable
	case ErrCameraUnavailable:
		return CodeCameraUnavailable, MessageCameraUnavailable
	case ErrNetworkFailure:
		return CodeNetworkFailure, MessageNetworkFailure
	default:
		return CodeSensorUnavailable, MessageSensorUnavailable
	}
}
