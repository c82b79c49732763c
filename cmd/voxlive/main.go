// Command voxlive runs a realtime voice conversation between the local
// microphone and speaker and a speech-to-speech service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxlive/internal/config"
	"github.com/MrWong99/voxlive/internal/health"
	"github.com/MrWong99/voxlive/internal/observe"
	"github.com/MrWong99/voxlive/internal/resilience"
	"github.com/MrWong99/voxlive/pkg/audio/portaudio"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
	geminilive "github.com/MrWong99/voxlive/pkg/provider/s2s/gemini"
	genais2s "github.com/MrWong99/voxlive/pkg/provider/s2s/genai"
	"github.com/MrWong99/voxlive/pkg/session"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the audio devices and exit")
	flag.Parse()

	if *listDevices {
		return printDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlive: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlive: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("voxlive starting",
		"version", version,
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"fallbacks", len(cfg.Fallbacks),
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxlive",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)

	prov, err := buildProvider(cfg, reg, tel.Metrics, logger)
	if err != nil {
		slog.Error("failed to build provider", "err", err)
		return 1
	}

	// ── Session controller ────────────────────────────────────────────────────
	ui := newConsole(os.Stdout)
	sc := session.Config{
		Provider:      prov,
		Microphone:    portaudio.NewMicrophone(portaudio.WithMicLogger(logger)),
		Speaker:       portaudio.NewSpeaker(),
		FrameSize:     cfg.Audio.FrameSize,
		CaptureRate:   cfg.Audio.CaptureRate,
		PlaybackRate:  cfg.Audio.PlaybackRate,
		OnStateChange: ui.stateChanged,
		OnTranscript:  ui.transcript,
		Metrics:       tel.Metrics,
		Logger:        logger,
	}
	applySessionSettings(&sc, cfg)
	ctrl, err := session.New(sc)
	if err != nil {
		slog.Error("failed to create session controller", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(config.Diff(old, new), new, &level, ctrl)
	}, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Observability server ──────────────────────────────────────────────────
	var srv *http.Server
	if cfg.Server.ListenAddr != "" {
		srv = newServer(cfg.Server.ListenAddr, tel, watcher, prov, ctrl)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("observability server failed", "addr", cfg.Server.ListenAddr, "err", err)
			}
		}()
	}

	printStartupSummary(cfg)

	// ── Interactive loop ──────────────────────────────────────────────────────
	cmds := newCommander(ctrl, ui)
	cmds.start(ctx)
	cmds.run(ctx, os.Stdin)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutting down…")
	code := 0
	if err := cmds.shutdown(shutdownCtx); err != nil {
		slog.Error("session shutdown error", "err", err)
		code = 1
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("observability server shutdown error", "err", err)
		}
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the speech-to-speech backends that ship with
// voxlive into reg.
func registerBuiltinProviders(reg *config.Registry, logger *slog.Logger) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		return geminilive.New(entry.APIKey,
			geminilive.WithModel(entry.Model),
			geminilive.WithVoice(entry.Voice),
			geminilive.WithBaseURL(entry.BaseURL),
			geminilive.WithLogger(logger),
		), nil
	})

	reg.RegisterS2S("genai", func(entry config.ProviderEntry) (s2s.Provider, error) {
		return genais2s.New(entry.APIKey,
			genais2s.WithModel(entry.Model),
			genais2s.WithVoice(entry.Voice),
			genais2s.WithBaseURL(entry.BaseURL),
			genais2s.WithLogger(logger),
		), nil
	})

	slog.Debug("registered providers", "names", reg.Names())
}

// buildProvider creates the primary provider and its fallbacks and combines
// them behind per-provider circuit breakers.
func buildProvider(cfg *config.Config, reg *config.Registry, m *observe.Metrics, logger *slog.Logger) (*resilience.S2SFallback, error) {
	primary, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("create provider %q: %w", cfg.Provider.Name, err)
	}
	fb := resilience.NewS2SFallback(primary, resilience.FallbackConfig{Logger: logger}, m)
	for _, entry := range cfg.Fallbacks {
		p, err := reg.CreateS2S(entry)
		if err != nil {
			return nil, fmt.Errorf("create fallback %q: %w", entry.Name, err)
		}
		fb.AddFallback(p)
	}
	slog.Info("provider chain ready", "providers", fb.Name())
	return fb, nil
}

// ── Session settings ──────────────────────────────────────────────────────────

// applySessionSettings copies the hot-reloadable session settings of cfg
// into sc.
func applySessionSettings(sc *session.Config, cfg *config.Config) {
	sc.Session = cfg.S2SSession()
	sc.PermissionTimeout = cfg.Session.PermissionTimeout
	sc.ConnectTimeout = cfg.Session.ConnectTimeout
	sc.MaxQueuedLatency = cfg.Session.QueuedLatencyCap()
	sc.PendingFrames = cfg.Session.PendingFrames
}

// applyReload applies the parts of a config change that do not need a
// restart and warns about the rest.
func applyReload(d config.ConfigDiff, cfg *config.Config, level *slog.LevelVar, ctrl *session.Controller) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		err := ctrl.Reconfigure(func(sc *session.Config) { applySessionSettings(sc, cfg) })
		if err != nil {
			slog.Warn("session settings not applied", "err", err)
		} else {
			slog.Info("session settings updated; they apply to the next session")
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ── HTTP ──────────────────────────────────────────────────────────────────────

func newServer(addr string, tel *observe.Telemetry, w *config.Watcher, prov *resilience.S2SFallback, ctrl *session.Controller) *http.Server {
	hh := health.New(
		health.WithChecker("config", func(context.Context) error {
			if w.Current() == nil {
				return errors.New("no valid configuration loaded")
			}
			return nil
		}),
		health.WithChecker("providers", func(context.Context) error { return prov.Available() }),
		health.WithChecker("session", func(context.Context) error {
			if ctrl.State() == session.StateErrored {
				return fmt.Errorf("session errored: %w", ctrl.Err())
			}
			return nil
		}),
		health.WithStatus(func() any { return sessionStatus(ctrl) }),
	)
	mux := http.NewServeMux()
	hh.Register(mux)
	mux.Handle("GET /metrics", tel.MetricsHandler())

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(tel.Metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type statusBody struct {
	session.Info
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func sessionStatus(ctrl *session.Controller) statusBody {
	info := ctrl.Info()
	body := statusBody{Info: info, Status: info.State.StatusText()}
	if err := ctrl.Err(); err != nil {
		body.Error = err.Error()
	}
	return body
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxlive — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", summarise(cfg.Provider))
	for i, fb := range cfg.Fallbacks {
		printRow(fmt.Sprintf("Fallback %d", i+1), summarise(fb))
	}
	printRow("Voice", orDefault(cfg.Provider.Voice, geminilive.DefaultVoice))
	printRow("Capture", fmt.Sprintf("%d Hz / %d", cfg.Audio.CaptureRate, cfg.Audio.FrameSize))
	printRow("Playback", fmt.Sprintf("%d Hz", cfg.Audio.PlaybackRate))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Println("Commands: start, stop, status, quit")
}

func summarise(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ── Devices ───────────────────────────────────────────────────────────────────

func printDevices() int {
	devs, err := portaudio.ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxlive: %v\n", err)
		return 1
	}
	for i, d := range devs {
		fmt.Printf("%2d  %-40s  %-12s  in:%d out:%d  %.0f Hz\n",
			i, d.Name, d.HostAPI, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)
	}
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
