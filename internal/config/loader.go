package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// APIKeyEnv names the environment variable that supplies provider API keys
// left empty in the file.
const APIKeyEnv = "VOXLIVE_API_KEY"

// ValidProviderNames lists the built-in provider names. [Validate] warns
// about names outside this list, which may still be registered by embedders.
var ValidProviderNames = []string{"gemini-live", "genai"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills API keys from the
// environment, applies defaults and validates the result. Unknown fields
// are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills empty API keys from [APIKeyEnv].
func applyEnv(cfg *Config) {
	key, ok := os.LookupEnv(APIKeyEnv)
	if !ok || key == "" {
		return
	}
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	for i := range cfg.Fallbacks {
		if cfg.Fallbacks[i].APIKey == "" {
			cfg.Fallbacks[i].APIKey = key
		}
	}
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.CaptureRate == 0 {
		cfg.Audio.CaptureRate = DefaultCaptureRate
	}
	if cfg.Audio.PlaybackRate == 0 {
		cfg.Audio.PlaybackRate = DefaultPlaybackRate
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = DefaultFrameSize
	}
	if cfg.Session.MaxQueuedLatency == 0 {
		cfg.Session.MaxQueuedLatency = DefaultMaxQueuedLatency
	}
	if cfg.Session.PendingFrames == 0 {
		cfg.Session.PendingFrames = DefaultPendingFrames
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	errs = append(errs, validateProvider("provider", cfg.Provider)...)
	seen := map[string]string{cfg.Provider.Name: "provider"}
	for i, fb := range cfg.Fallbacks {
		prefix := fmt.Sprintf("fallbacks[%d]", i)
		errs = append(errs, validateProvider(prefix, fb)...)
		if fb.Name == "" {
			continue
		}
		if prev, ok := seen[fb.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q duplicates %s", prefix, fb.Name, prev))
		}
		seen[fb.Name] = prefix
	}

	if cfg.Audio.CaptureRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must be positive", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.PlaybackRate < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d must be positive", cfg.Audio.PlaybackRate))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}

	if cfg.Session.PermissionTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.permission_timeout %s must not be negative", cfg.Session.PermissionTimeout))
	}
	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", cfg.Session.ConnectTimeout))
	}
	if cfg.Session.PendingFrames < 0 {
		errs = append(errs, fmt.Errorf("session.pending_frames %d must not be negative", cfg.Session.PendingFrames))
	}
	if cfg.Session.SendBuffer < 0 {
		errs = append(errs, fmt.Errorf("session.send_buffer %d must not be negative", cfg.Session.SendBuffer))
	}
	if cfg.Session.PermissionTimeout == 0 || cfg.Session.ConnectTimeout == 0 {
		slog.Warn("session timeouts not set; a hung permission prompt or handshake will wait indefinitely")
	}

	return errors.Join(errs...)
}

func validateProvider(prefix string, e ProviderEntry) []error {
	if e.Name == "" {
		return []error{fmt.Errorf("%s.name is required", prefix)}
	}
	if !slices.Contains(ValidProviderNames, e.Name) {
		slog.Warn("unknown provider name; may be a typo or a third-party provider",
			"field", prefix+".name",
			"name", e.Name,
			"known", ValidProviderNames,
		)
	}
	if e.APIKey == "" && e.BaseURL == "" {
		slog.Warn("provider has no api key; set it in the file or via "+APIKeyEnv, "field", prefix)
	}
	return nil
}
