// Command coachpad is the desktop capture agent for the coaching service. It
// watches for meetings, streams audio (and optionally still frames) to the
// backend and serves a local control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/coachpad/internal/app"
	"github.com/MrWong99/coachpad/internal/config"
	"github.com/MrWong99/coachpad/internal/observe"
	"github.com/MrWong99/coachpad/internal/vision"
	"github.com/MrWong99/coachpad/pkg/audio"
	"github.com/MrWong99/coachpad/pkg/audio/miniaudio"
	"github.com/MrWong99/coachpad/pkg/audio/portaudio"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "coachpad.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "coachpad: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "coachpad: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("coachpad starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"backend", cfg.Backend.Host,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Audio backends ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	// The microphone opener is built even when disabled so that a reload can
	// enable it.
	capCfg := cfg.Capture
	capCfg.Microphone.Enabled = true
	opener, err := reg.Opener(capCfg)
	if err != nil {
		slog.Error("failed to build audio opener", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, opener,
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithMetricsHandler(provider.MetricsHandler()),
		// Frames are only streamed while camera consent is given.
		app.WithFrameSource(vision.ScreenSource{Display: cfg.Vision.Display}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		application.Reload(old, new, diff)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("agent ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// registerBuiltinBackends registers the audio libraries that ship with
// coachpad. Loopback capture is only available through miniaudio.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterMicrophone(config.BackendMiniaudio, func(c config.MicrophoneConfig) (audio.Opener, error) {
		return &miniaudio.Opener{MicrophoneDevice: c.Device}, nil
	})
	reg.RegisterMicrophone(config.BackendPortAudio, func(c config.MicrophoneConfig) (audio.Opener, error) {
		return &portaudio.Opener{Device: c.Device}, nil
	})
	reg.SetLoopback(&miniaudio.Opener{})
}

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
