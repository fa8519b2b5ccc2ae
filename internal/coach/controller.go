// Package coach drives a coaching session: it starts and stops audio capture,
// the optional camera stream and the live-metrics channel, and keeps a
// human-readable status for the control surface.
package coach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/coachpad/internal/capture"
	"github.com/MrWong99/coachpad/pkg/audio"
	"github.com/MrWong99/coachpad/pkg/stream"
)

// Status messages shown to the user.
const (
	MsgWaiting          = "Waiting"
	MsgConsentRequired  = "Audio consent required"
	MsgStarting         = "Starting coaching"
	MsgActive           = "Coaching active"
	MsgSystemAudioLost  = "System audio failed. Using microphone only."
	MsgMicrophoneLost   = "Microphone failed. Using system audio only."
	MsgStopping         = "Stopping coaching"
	msgCaptureFailedFmt = "Audio capture failed: %v"
)

// ErrConsentRequired is returned by StartCoaching without audio consent.
var ErrConsentRequired = errors.New("coach: audio consent required")

// ConnectionState describes the live-metrics channel.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Errored      ConnectionState = "error"
)

// Settings is the user-controlled part of a session. A snapshot is taken at
// StartCoaching; later changes apply to the next session.
type Settings struct {
	Host          string
	Microphone    bool
	SystemAudio   bool
	AudioConsent  bool
	CameraConsent bool
}

// Descriptors returns the capture sources the settings enable.
func (s Settings) Descriptors() []audio.SourceDescriptor {
	return []audio.SourceDescriptor{
		{Kind: audio.Microphone, Enabled: s.Microphone},
		{Kind: audio.SystemLoopback, Enabled: s.SystemAudio},
	}
}

// Pipeline is the capture pipeline as the controller uses it.
type Pipeline interface {
	Start(ctx context.Context, descs []audio.SourceDescriptor, endpoint string) (capture.Report, error)
	Stop() error
}

// Vision is the camera streamer as the controller uses it.
type Vision interface {
	Start(ctx context.Context, endpoint string) error
	Stop()
}

// MetricsChannel is the live-metrics subscription.
type MetricsChannel interface {
	Connect(ctx context.Context, host string) error
	Close() error
}

// Rearmer re-arms meeting detection when coaching stops.
type Rearmer interface {
	Reset()
}

// Deps are the collaborators of a [Controller]. Pipeline is required; the
// others may be nil.
type Deps struct {
	Pipeline    Pipeline
	Vision      Vision
	Metrics     MetricsChannel
	Detector    Rearmer
	Transcripts *TranscriptSender
}

// Status is a point-in-time view of the controller.
type Status struct {
	Coaching   bool            `json:"coaching"`
	Message    string          `json:"message"`
	Connection ConnectionState `json:"connection"`
	Degraded   bool            `json:"degraded"`
	RunID      string          `json:"run_id,omitempty"`
}

// Controller owns the coaching session lifecycle. It is safe for concurrent
// use; StartCoaching and StopCoaching are serialised.
type Controller struct {
	deps Deps

	opMu sync.Mutex

	mu       sync.Mutex
	settings Settings
	status   Status
}

// NewController returns an idle controller.
func NewController(deps Deps, settings Settings) *Controller {
	if deps.Transcripts == nil {
		deps.Transcripts = &TranscriptSender{}
	}
	return &Controller{
		deps:     deps,
		settings: settings,
		status:   Status{Message: MsgWaiting, Connection: Disconnected},
	}
}

// Settings returns the current settings.
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// UpdateSettings replaces the settings used by the next StartCoaching.
func (c *Controller) UpdateSettings(s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// StartCoaching begins a session. It is a no-op while coaching.
//
// Only audio capture is essential: a failing live-metrics channel or camera
// stream is reported in the status and the session continues.
func (c *Controller) StartCoaching(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.status.Coaching {
		c.mu.Unlock()
		return nil
	}
	s := c.settings
	if !s.AudioConsent {
		c.status.Message = MsgConsentRequired
		c.mu.Unlock()
		return ErrConsentRequired
	}
	c.status.Coaching = true
	c.status.Degraded = false
	c.status.Message = MsgStarting
	c.mu.Unlock()

	c.connectMetrics(ctx, s.Host)

	report, err := c.deps.Pipeline.Start(ctx, s.Descriptors(), stream.URL(s.Host, stream.AudioPath))
	if err != nil {
		slog.Error("coaching failed to start audio capture", "err", err)
		c.closeMetrics()
		c.mu.Lock()
		c.status.Coaching = false
		c.status.Connection = Disconnected
		c.status.Message = fmt.Sprintf(msgCaptureFailedFmt, err)
		c.mu.Unlock()
		return err
	}

	msg := MsgActive
	if report.Degraded {
		msg = MsgSystemAudioLost
		if !slices.Contains(report.Sources, audio.Microphone) {
			msg = MsgMicrophoneLost
		}
	}

	if s.CameraConsent && c.deps.Vision != nil {
		if err := c.deps.Vision.Start(ctx, stream.URL(s.Host, stream.VisionPath)); err != nil {
			slog.Warn("camera stream failed to start", "err", err)
			msg = err.Error()
		}
	}

	c.mu.Lock()
	c.status.Degraded = report.Degraded
	c.status.RunID = report.RunID
	c.status.Message = msg
	c.mu.Unlock()
	slog.Info("coaching started", "run_id", report.RunID, "degraded", report.Degraded)
	return nil
}

func (c *Controller) connectMetrics(ctx context.Context, host string) {
	if c.deps.Metrics == nil {
		return
	}
	c.setConnection(Connecting)
	if err := c.deps.Metrics.Connect(ctx, host); err != nil {
		slog.Warn("live metrics channel unavailable", "err", err)
		c.mu.Lock()
		c.status.Connection = Errored
		c.status.Message = err.Error()
		c.mu.Unlock()
		return
	}
	c.setConnection(Connected)
}

func (c *Controller) closeMetrics() {
	if c.deps.Metrics == nil {
		return
	}
	if err := c.deps.Metrics.Close(); err != nil {
		slog.Warn("live metrics close failed", "err", err)
	}
}

// StopCoaching ends the session and re-arms detection. Every teardown step
// runs even when an earlier one fails.
func (c *Controller) StopCoaching() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.setMessage(MsgStopping)
	if c.teardown(MsgStopping) {
		slog.Info("coaching stopped")
	}
}

// teardown stops every session component, re-arms detection and leaves msg
// as the status message. It reports whether a session was active. The
// caller must hold opMu.
func (c *Controller) teardown(msg string) bool {
	if err := c.deps.Pipeline.Stop(); err != nil {
		slog.Warn("capture pipeline stop failed", "err", err)
	}
	if c.deps.Vision != nil {
		c.deps.Vision.Stop()
	}
	c.closeMetrics()
	if c.deps.Detector != nil {
		c.deps.Detector.Reset()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	wasCoaching := c.status.Coaching
	c.status.Coaching = false
	c.status.Degraded = false
	c.status.RunID = ""
	c.status.Connection = Disconnected
	c.status.Message = msg
	return wasCoaching
}

// endFailedRun tears down the session whose capture run failed at runtime.
// A run that is no longer current is ignored.
func (c *Controller) endFailedRun(runID string, cause error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	current := c.status.Coaching && c.status.RunID == runID
	c.mu.Unlock()
	if !current {
		return
	}
	slog.Warn("coaching ended by capture failure", "run_id", runID, "err", cause)
	c.teardown(fmt.Sprintf(msgCaptureFailedFmt, cause))
}

// SendTranscript forwards a debug transcript line to the backend.
func (c *Controller) SendTranscript(ctx context.Context, text string) error {
	return c.deps.Transcripts.Send(ctx, c.Settings().Host, text)
}

// HandlePipelineEvent surfaces capture errors in the status. A run that
// failed while coaching ends the session the same way StopCoaching does.
// Register it with [capture.WithEventHandler].
func (c *Controller) HandlePipelineEvent(ev capture.Event) {
	if ev.Type != capture.EventError || ev.Err == nil {
		return
	}
	c.setMessage(ev.Err.Error())
	if ev.State == capture.Failed && ev.RunID != "" {
		// Handlers run on the pipeline's own goroutine, which Stop waits for.
		go c.endFailedRun(ev.RunID, ev.Err)
	}
}

// HandleError surfaces an asynchronous error, such as a vision or metrics
// channel failure, in the status.
func (c *Controller) HandleError(err error) {
	if err == nil {
		return
	}
	c.setMessage(err.Error())
}

func (c *Controller) setMessage(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Message = msg
}

func (c *Controller) setConnection(s ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Connection = s
}
