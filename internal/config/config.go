// Package config provides the configuration schema, loader, file watcher and
// provider registry for voxlive.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultCaptureRate      = 16000
	DefaultPlaybackRate     = 24000
	DefaultFrameSize        = 4096
	DefaultMaxQueuedLatency = 10 * time.Second
	DefaultPendingFrames    = 64
)

// Config is the root configuration structure for voxlive.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`

	// Provider is the speech-to-speech backend sessions connect to.
	Provider ProviderEntry `yaml:"provider"`

	// Fallbacks are tried in order when the primary provider refuses to
	// connect. Each entry sits behind its own circuit breaker.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	Audio   AudioConfig   `yaml:"audio"`
	Session SessionConfig `yaml:"session"`
}

// ServerConfig holds logging and the observability listener.
type ServerConfig struct {
	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// ListenAddr is the TCP address serving /healthz, /readyz and /metrics
	// (e.g., "127.0.0.1:9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`
}

// ProviderEntry configures one speech-to-speech provider. Name selects the
// constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation ("gemini-live",
	// "genai").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. When empty the
	// VOXLIVE_API_KEY environment variable is used.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the realtime model.
	Model string `yaml:"model"`

	// Voice selects a prebuilt synthesis voice (e.g., "Kore").
	Voice string `yaml:"voice"`

	// Instructions is an optional system instruction sent at setup.
	Instructions string `yaml:"instructions"`

	// Transcription requests input and output transcripts.
	Transcription bool `yaml:"transcription"`
}

// AudioConfig holds the device formats.
type AudioConfig struct {
	// CaptureRate is the microphone sample rate in Hz. Default: 16000.
	CaptureRate int `yaml:"capture_rate"`

	// PlaybackRate is the output sample rate in Hz. Default: 24000.
	PlaybackRate int `yaml:"playback_rate"`

	// FrameSize is the number of samples per captured frame. Default: 4096.
	FrameSize int `yaml:"frame_size"`
}

// SessionConfig holds the lifecycle tunables of a voice session.
type SessionConfig struct {
	// PermissionTimeout bounds the microphone permission request. Zero
	// waits indefinitely.
	PermissionTimeout time.Duration `yaml:"permission_timeout"`

	// ConnectTimeout bounds the transport handshake. Zero waits
	// indefinitely.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// MaxQueuedLatency caps the audio queued ahead of the output clock.
	// Default: 10s. A negative value disables the cap.
	MaxQueuedLatency time.Duration `yaml:"max_queued_latency"`

	// PendingFrames is the capacity of the captured-frame queue. Default: 64.
	PendingFrames int `yaml:"pending_frames"`

	// SendBuffer is the capacity of the transport's outbound queue.
	// Zero uses the transport default.
	SendBuffer int `yaml:"send_buffer"`
}

// QueuedLatencyCap returns the effective playback cap; zero means none.
func (s SessionConfig) QueuedLatencyCap() time.Duration {
	if s.MaxQueuedLatency < 0 {
		return 0
	}
	return s.MaxQueuedLatency
}
