// Package app wires the coachpad subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the capture pipeline,
// the meeting detector, the live-metrics channel, the optional vision
// streamer and the coaching controller; Run serves the local control API and
// polls for meetings; Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithTransportFactory,
// WithProbes, etc.). When an option is not provided, New uses the real
// implementation.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/coachpad/internal/capture"
	"github.com/MrWong99/coachpad/internal/coach"
	"github.com/MrWong99/coachpad/internal/config"
	"github.com/MrWong99/coachpad/internal/detect"
	"github.com/MrWong99/coachpad/internal/detect/system"
	"github.com/MrWong99/coachpad/internal/observe"
	"github.com/MrWong99/coachpad/internal/resilience"
	"github.com/MrWong99/coachpad/internal/vision"
	"github.com/MrWong99/coachpad/pkg/audio"
	"github.com/MrWong99/coachpad/pkg/stream"
	"github.com/MrWong99/coachpad/pkg/stream/websocket"
)

// shutdownGrace bounds how long in-flight control requests may take once Run
// is cancelled.
const shutdownGrace = 5 * time.Second

// autoStartCooldown is how long automatic coaching starts pause after
// repeated failures.
const autoStartCooldown = 30 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	opener         audio.Opener
	newTransport   stream.Factory
	probes         *detect.Probes
	frames         vision.FrameSource
	metrics        *observe.Metrics
	metricsHandler http.Handler
	detectTicks    <-chan time.Time
	clock          func() time.Time

	pipeline   *capture.Pipeline
	detector   *detect.Engine
	autoStart  *resilience.Breaker
	live       *coach.MetricsClient
	streamer   *vision.Streamer
	controller *coach.Controller
	handler    http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTransportFactory replaces the websocket transport used for audio and
// vision streams.
func WithTransportFactory(f stream.Factory) Option {
	return func(a *App) { a.newTransport = f }
}

// WithProbes replaces the operating-system meeting probes.
func WithProbes(p detect.Probes) Option {
	return func(a *App) { a.probes = &p }
}

// WithFrameSource enables the vision stream with frames from src. Without it
// no vision stream is started, even with camera consent.
func WithFrameSource(src vision.FrameSource) Option {
	return func(a *App) { a.frames = src }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served on /metrics, typically
// [observe.Provider.MetricsHandler]. Default: [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithDetectorTicks drives the detector from ticks instead of its interval.
func WithDetectorTicks(ticks <-chan time.Time) Option {
	return func(a *App) { a.detectTicks = ticks }
}

// WithClock replaces time.Now for the automatic-start breaker.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.clock = now }
}

// New creates an App that captures audio with opener. The opener is usually
// built by [config.Registry.Opener].
func New(ctx context.Context, cfg *config.Config, opener audio.Opener, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if opener == nil {
		return nil, errors.New("app: nil audio opener")
	}
	a := &App{cfg: cfg, opener: opener}
	for _, o := range opts {
		o(a)
	}
	if a.newTransport == nil {
		a.newTransport = websocket.Factory()
	}
	if a.probes == nil {
		p := system.Probes()
		a.probes = &p
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	a.initPipeline()
	a.initDetector()
	a.initCoaching()
	a.handler = observe.Middleware(a.metrics)(a.routes())

	a.closers = append(a.closers, func() error {
		a.controller.StopCoaching()
		return nil
	})

	slog.InfoContext(ctx, "app initialised",
		"backend", cfg.Backend.Host,
		"microphone", cfg.Capture.Microphone.Enabled,
		"system_audio", cfg.Capture.SystemAudio.Enabled,
		"detection", cfg.Detection.Enabled,
		"vision", a.streamer != nil,
	)
	return a, nil
}

func (a *App) initPipeline() {
	c := a.cfg.Capture
	a.pipeline = capture.New(a.opener, a.newTransport,
		capture.WithJitterCeiling(c.JitterCeiling),
		capture.WithChunkBytes(c.ChunkBytes),
		capture.WithSendQueue(c.SendQueue),
		capture.WithTick(c.Tick),
		capture.WithMetrics(a.metrics),
		capture.WithEventHandler(a.onPipelineEvent),
	)
}

func (a *App) initDetector() {
	opts := []detect.Option{detect.WithMetrics(a.metrics)}
	if a.detectTicks != nil {
		opts = append(opts, detect.WithTickSource(a.detectTicks))
	}
	a.detector = detect.New(detect.Config{
		Interval: a.cfg.Detection.Interval,
		Rules:    rulesFromConfig(a.cfg.Detection),
	}, *a.probes, opts...)

	a.autoStart = resilience.NewBreaker(resilience.Config{
		Name:     "auto-start",
		Cooldown: autoStartCooldown,
		Now:      a.clock,
	})
	a.detector.OnDetected(a.onDetected)
}

// onDetected starts coaching for a detected meeting. When the start fails
// the detector is re-armed so the meeting is picked up again; the breaker
// keeps a persistently failing start from being retried on every check.
func (a *App) onDetected(d detect.Detection) {
	err := a.autoStart.Execute(context.Background(), a.controller.StartCoaching)
	switch {
	case err == nil:
		return
	case errors.Is(err, resilience.ErrOpen):
		slog.Debug("automatic coaching start paused", "signal", d.Signal, "match", d.Match)
	default:
		slog.Warn("automatic coaching start failed", "signal", d.Signal, "err", err)
	}
	a.detector.Reset()
}

func (a *App) initCoaching() {
	a.live = coach.NewMetricsClient(
		coach.WithMetricsHandler(func(m coach.LiveMetrics) {
			slog.Debug("live metrics update", "stage", m.MethodologyStage, "ratio", m.TalkListenRatio)
		}),
		coach.WithChannelErrorHandler(a.onAsyncError),
	)

	deps := coach.Deps{
		Pipeline: a.pipeline,
		Metrics:  a.live,
		Detector: a.detector,
	}
	if a.frames != nil {
		v := a.cfg.Vision
		a.streamer = vision.New(a.frames, a.newTransport,
			vision.WithInterval(v.Interval),
			vision.WithQuality(v.Quality),
			vision.WithErrorHandler(a.onAsyncError),
		)
		deps.Vision = a.streamer
	}
	a.controller = coach.NewController(deps, settingsFromConfig(a.cfg))
}

// The controller is built after the pipeline and the metrics client that
// call back into it.
func (a *App) onPipelineEvent(ev capture.Event) {
	if a.controller != nil {
		a.controller.HandlePipelineEvent(ev)
	}
}

func (a *App) onAsyncError(err error) {
	if a.controller != nil {
		a.controller.HandleError(err)
	}
}

// Handler returns the control API wrapped in the observability middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Controller returns the coaching controller.
func (a *App) Controller() *coach.Controller { return a.controller }

// Detector returns the meeting detector.
func (a *App) Detector() *detect.Engine { return a.detector }

// Pipeline returns the capture pipeline.
func (a *App) Pipeline() *capture.Pipeline { return a.pipeline }

// Run serves the control API on cfg.Server.ListenAddr and, when enabled,
// polls for meetings. It blocks until ctx is cancelled and returns
// ctx.Err() after a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener. It closes ln on return.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Detection.Enabled {
		g.Go(func() error { return a.detector.Run(gctx) })
	}
	g.Go(func() error {
		slog.Info("control server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Reload applies a changed config. Detection rules take effect on the next
// check and session settings on the next coaching start. Capture tuning and
// the process-level settings only apply after a restart. Register it with
// [config.NewWatcher] through a [config.ChangeFunc].
func (a *App) Reload(old, new *config.Config, diff config.ConfigDiff) {
	if diff.DetectionChanged {
		a.detector.SetRules(rulesFromConfig(new.Detection))
		slog.Info("detection rules reloaded")
	}
	if slices.Contains(diff.NextRun, "backend") ||
		slices.Contains(diff.NextRun, "capture") ||
		slices.Contains(diff.NextRun, "consent") {
		a.controller.UpdateSettings(settingsFromConfig(new))
		slog.Info("coaching settings updated for the next session")
	}
	if captureTuning(old.Capture) != captureTuning(new.Capture) {
		slog.Warn("capture tuning changed; restart to apply")
	}
	if old.Vision != new.Vision && a.streamer != nil {
		slog.Warn("vision settings changed; restart to apply")
	}
}

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func settingsFromConfig(cfg *config.Config) coach.Settings {
	return coach.Settings{
		Host:          cfg.Backend.Host,
		Microphone:    cfg.Capture.Microphone.Enabled,
		SystemAudio:   cfg.Capture.SystemAudio.Enabled,
		AudioConsent:  cfg.Consent.Audio,
		CameraConsent: cfg.Consent.Camera,
	}
}

func rulesFromConfig(d config.DetectionConfig) detect.Rules {
	return detect.Rules{
		WindowKeywords: d.WindowKeywords,
		ProcessNames:   d.ProcessNames,
		PeakThreshold:  d.PeakThreshold,
	}
}

// captureTuning is the part of CaptureConfig fixed when the pipeline and the
// opener are built.
func captureTuning(c config.CaptureConfig) config.CaptureConfig {
	c.Microphone.Enabled = false
	c.SystemAudio.Enabled = false
	return c
}
