package session

import (
	"context"
	"errors"
)

// Error kinds. Failures returned by the controller wrap exactly one of these
// together with the underlying cause, so callers classify with [errors.Is].
var (
	// ErrPermission means microphone access was denied or could not be
	// obtained. Fatal to session start.
	ErrPermission = errors.New("session: microphone permission denied")

	// ErrTransportOpen means the realtime connection could not be established.
	// Fatal to session start; not retried.
	ErrTransportOpen = errors.New("session: transport open failed")

	// ErrTransportRuntime means the transport failed while the session was
	// live. Triggers a full teardown; not retried.
	ErrTransportRuntime = errors.New("session: transport failed")

	// ErrOutputDevice means the audio output device could not be opened.
	ErrOutputDevice = errors.New("session: output device unavailable")

	// ErrTimeout means a microphone permission request or transport handshake
	// did not complete within its configured timeout.
	ErrTimeout = errors.New("session: timed out")

	// ErrAlreadyActive is returned by Start when the controller is not idle.
	ErrAlreadyActive = errors.New("session: already active")

	// ErrStartCanceled is returned by Start when Stop is called before the
	// session became active.
	ErrStartCanceled = errors.New("session: start canceled")
)

// Error kinds reported on the session error metric.
const (
	kindPermission       = "permission"
	kindTransportOpen    = "transport_open"
	kindTransportRuntime = "transport_runtime"
	kindOutputDevice     = "output_device"
	kindTimeout          = "timeout"
	kindCanceled         = "canceled"
	kindUnknown          = "unknown"
)

// errorKind maps err to its metric label.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return kindTimeout
	case errors.Is(err, ErrPermission):
		return kindPermission
	case errors.Is(err, ErrOutputDevice):
		return kindOutputDevice
	case errors.Is(err, ErrTransportOpen):
		return kindTransportOpen
	case errors.Is(err, ErrTransportRuntime):
		return kindTransportRuntime
	case errors.Is(err, ErrStartCanceled), errors.Is(err, context.Canceled):
		return kindCanceled
	default:
		return kindUnknown
	}
}
