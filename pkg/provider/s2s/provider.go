// Package s2s defines the transport abstraction for realtime speech-to-speech
// backends.
//
// A backend accepts a stream of encoded microphone frames and answers with a
// stream of synthesised audio over a single long-lived, stateful connection.
// The central abstraction is [SessionHandle]: a bidirectional handle whose
// lifecycle events (open, close, error) are exposed as channels rather than
// callbacks, so that a controller can select on them alongside its own stop
// signal.
//
// Connections are never reconnected automatically. A dropped connection ends
// the session and the owner decides what to do next.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voxlive/pkg/audio"
)

var (
	// ErrSessionClosed is returned by Send after the session has ended or
	// Close has been called.
	ErrSessionClosed = errors.New("s2s: session closed")

	// ErrSendQueueFull is returned by Send when the outbound queue is at
	// capacity. The frame is not queued.
	ErrSendQueueFull = errors.New("s2s: send queue full")

	// ErrRemote wraps error frames reported by the remote service.
	ErrRemote = errors.New("s2s: remote error")
)

// ConnectionState is the transport-level state of a session.
type ConnectionState int

const (
	// StateConnecting means the connection exists but the service has not yet
	// acknowledged the session setup.
	StateConnecting ConnectionState = iota

	// StateOpen means setup completed; audio flows in both directions.
	StateOpen

	// StateClosed means the session ended without error.
	StateClosed

	// StateErrored means the session ended because of a transport or service
	// failure. See [SessionHandle.Err].
	StateErrored
)

// String returns the lower-case name of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can occur.
func (s ConnectionState) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// Transcript roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Transcript is a piece of recognised user speech or of the model's spoken
// reply in text form.
type Transcript struct {
	// Role is [RoleUser] or [RoleModel].
	Role string

	// Text is the transcribed fragment. Services typically deliver
	// transcripts incrementally, so consecutive fragments form one utterance.
	Text string

	Timestamp time.Time
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Model is the service-specific model name. Empty selects the provider
	// default.
	Model string

	// Voice is the name of a prebuilt voice (e.g., "Kore"). Empty selects the
	// service default.
	Voice string

	// Instructions is an optional system prompt.
	Instructions string

	// Transcription enables transcripts of both user input and model output.
	Transcription bool

	// SendBuffer is the capacity of the outbound frame queue. Frames sent
	// before the service acknowledges setup wait here. Zero selects
	// [DefaultSendBuffer].
	SendBuffer int
}

// DefaultSendBuffer is the outbound queue capacity used when
// [SessionConfig.SendBuffer] is zero.
const DefaultSendBuffer = 64

// SessionHandle is an open connection to a speech-to-speech service.
//
// Every method must return quickly: Send is called from the capture path and
// only enqueues. Inbound data is delivered on channels that are closed when
// the session ends; consumers must drain them promptly.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// Send queues one encoded frame for transmission. Frames are transmitted
	// in the order Send was called. Frames sent before [SessionHandle.Opened]
	// fires are held and flushed once setup completes. Send returns
	// [ErrSessionClosed] after the session has ended and [ErrSendQueueFull]
	// when the queue is at capacity.
	Send(p audio.EncodedPayload) error

	// Audio returns inbound audio frames, still base64-encoded, in arrival
	// order. The channel is closed when the session ends.
	Audio() <-chan audio.EncodedPayload

	// Transcripts returns inbound transcripts. The channel is closed when the
	// session ends. It carries nothing unless
	// [SessionConfig.Transcription] was set.
	Transcripts() <-chan Transcript

	// Opened is closed once the service has acknowledged the session setup.
	// It is never closed if the session ends before that.
	Opened() <-chan struct{}

	// Done is closed exactly once when the session has ended, after Audio and
	// Transcripts have been closed.
	Done() <-chan struct{}

	// Err returns the failure that ended the session, or nil when it ended
	// through Close or a normal remote closure.
	Err() error

	// State returns the current connection state.
	State() ConnectionState

	// Close terminates the session and waits for it to end. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Provider opens sessions against one speech-to-speech service.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect dials the service and transmits the session setup. It does not
	// wait for the service to acknowledge the setup; callers wait on
	// [SessionHandle.Opened]. ctx bounds only the dial; the session outlives
	// it. The caller owns the returned handle and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}

// Attributed is implemented by handles that know which provider opened them,
// such as those returned by a provider that fails over between backends.
type Attributed interface {
	// ProviderName is the name of the provider serving the session.
	ProviderName() string
}

// ServedBy returns the name of the provider that opened h when h reports it,
// and fallback otherwise.
func ServedBy(h SessionHandle, fallback string) string {
	if a, ok := h.(Attributed); ok {
		if name := a.ProviderName(); name != "" {
			return name
		}
	}
	return fallback
}
