// Package audio defines the PCM codec, sample types and device interfaces
// used by the realtime voice session.
//
// The device abstractions are:
//
//   - [Microphone]: opens a [CaptureStream] that delivers fixed-size [Frame]s.
//   - [Speaker]: opens an [OutputDevice] with its own clock, on which
//     decoded [Buffer]s are scheduled at explicit start times.
//
// Implementations live in sub-packages (audio/portaudio for real hardware,
// audio/mock for tests). Output devices are owned by a single session and
// destroyed with it; there is no process-wide audio context.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is wrapped by [Microphone.Open] when capture access
	// is refused or no capture device can be claimed.
	ErrPermissionDenied = errors.New("audio: microphone access denied")

	// ErrDeviceClosed is returned by operations on a closed device.
	ErrDeviceClosed = errors.New("audio: device closed")
)

// Microphone grants access to an audio capture device.
type Microphone interface {
	// Open claims the capture device and starts delivering frames of
	// frameSize samples in format f. Open must honour ctx cancellation so a
	// hung permission prompt can be abandoned. Errors caused by denied
	// access wrap [ErrPermissionDenied].
	Open(ctx context.Context, f Format, frameSize int) (CaptureStream, error)
}

// CaptureStream is an open capture session. The OS-level capture claim is
// held until Close.
type CaptureStream interface {
	// Frames returns the channel of captured frames. It is closed after Close
	// or when the device fails.
	Frames() <-chan Frame

	// Err returns the failure that closed Frames, or nil after a clean Close.
	Err() error

	// Close stops capture and releases the device. Safe to call more than
	// once.
	Close() error
}

// Speaker grants access to an audio output device.
type Speaker interface {
	// Open claims the output device for format f.
	Open(ctx context.Context, f Format) (OutputDevice, error)
}

// OutputDevice plays scheduled buffers against a monotonic device clock.
// Audio hardware callbacks may run on a dedicated OS thread, so
// implementations must be safe for concurrent use.
type OutputDevice interface {
	// Now returns the current position of the output clock.
	Now() time.Duration

	// Play schedules buf to begin at device time at. A start time in the
	// past starts playback immediately.
	Play(buf Buffer, at time.Duration) error

	// Close stops output and releases the device. Safe to call more than
	// once.
	Close() error
}
