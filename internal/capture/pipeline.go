// Package capture implements the capture pipeline: it turns one or more audio
// sources into a continuous stream of fixed-size 16 kHz mono PCM chunks sent
// over a [stream.Transport].
//
// Data flows one way:
//
//	Source → JitterBuffer → MixerSession → Quantize/Chunker → send queue → Transport
//
// Device callbacks only push into bounded jitter buffers. A single consumer
// goroutine mixes one time slice per tick and enqueues the resulting chunks on
// a bounded queue that sheds the oldest chunk when full. A separate sender
// goroutine drains the queue into the transport, so a slow network never
// stalls capture.
//
// The transport connects before any source opens. Sources then open
// independently: a failed source marks the run degraded and the pipeline
// keeps going with the others, but a run with no working source fails. A
// transport send failure ends the run and moves the pipeline to [Failed].
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/coachpad/internal/observe"
	"github.com/MrWong99/coachpad/pkg/audio"
	"github.com/MrWong99/coachpad/pkg/stream"
)

// State is the lifecycle state of a [Pipeline].
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Failed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrAlreadyRunning is returned by Start while a run is active.
	ErrAlreadyRunning = errors.New("capture: pipeline already running")

	// ErrNoSources is returned by Start when no descriptor is enabled.
	ErrNoSources = errors.New("capture: no enabled sources")

	// ErrAllSourcesFailed is returned by Start when every enabled source
	// failed to open or start.
	ErrAllSourcesFailed = errors.New("capture: all sources failed")
)

// EventType classifies an [Event].
type EventType int

const (
	// EventWarning reports a partial failure; the run continues.
	EventWarning EventType = iota

	// EventError reports a failure that ended or prevented a run.
	EventError

	// EventStateChange reports a lifecycle transition.
	EventStateChange
)

// Event is delivered to the handler set with [WithEventHandler].
type Event struct {
	Type  EventType
	State State
	Err   error
	RunID string
}

// Report describes a successful Start.
type Report struct {
	RunID    string
	Degraded bool
	Sources  []audio.SourceKind // sources that are capturing
	Warnings []error            // one per failed source
}

const (
	defaultTick      = 100 * time.Millisecond
	defaultSendQueue = 50
)

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithJitterCeiling bounds each source's jitter buffer. Default: 500ms.
func WithJitterCeiling(d time.Duration) Option {
	return func(p *Pipeline) { p.jitterCeiling = d }
}

// WithChunkBytes sets the transport frame size. Default: 3200 (100 ms).
func WithChunkBytes(n int) Option {
	return func(p *Pipeline) { p.chunkBytes = n }
}

// WithTick sets the mixing period. Each tick mixes one slice of this length.
// Default: 100ms.
func WithTick(d time.Duration) Option {
	return func(p *Pipeline) { p.tick = d }
}

// WithTickSource replaces the internal ticker. Each received value mixes one
// slice of the configured tick length. Tests use it to drive the consumer
// deterministically.
func WithTickSource(ticks <-chan time.Time) Option {
	return func(p *Pipeline) { p.tickSource = ticks }
}

// WithSendQueue sets how many chunks may wait for the network before the
// oldest is dropped. Default: 50 (5 s of audio).
func WithSendQueue(n int) Option {
	return func(p *Pipeline) { p.sendQueue = n }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithEventHandler registers fn to receive warnings, errors and state
// changes. fn is called synchronously from pipeline goroutines and must not
// call Start or Stop itself.
func WithEventHandler(fn func(Event)) Option {
	return func(p *Pipeline) { p.onEvent = fn }
}

// Pipeline orchestrates one capture run at a time. All methods are safe for
// concurrent use.
type Pipeline struct {
	opener       audio.Opener
	newTransport stream.Factory

	jitterCeiling time.Duration
	chunkBytes    int
	tick          time.Duration
	tickSource    <-chan time.Time
	sendQueue     int
	metrics       *observe.Metrics
	onEvent       func(Event)

	// opMu serialises Start and Stop.
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	degraded bool
	lastErr  error
	run      *run
}

// New returns an idle Pipeline that opens sources with opener and creates one
// transport per run with newTransport.
func New(opener audio.Opener, newTransport stream.Factory, opts ...Option) *Pipeline {
	p := &Pipeline{
		opener:        opener,
		newTransport:  newTransport,
		jitterCeiling: audio.DefaultJitterCeiling,
		chunkBytes:    audio.DefaultChunkBytes,
		tick:          defaultTick,
		sendQueue:     defaultSendQueue,
	}
	for _, o := range opts {
		o(p)
	}
	if p.tick <= 0 {
		p.tick = defaultTick
	}
	if p.sendQueue <= 0 {
		p.sendQueue = defaultSendQueue
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Start connects the transport to endpoint, opens every enabled descriptor and
// begins streaming. ctx bounds the connect and open phase only; the run lasts
// until Stop or a transport failure.
//
// A failed source is reported in the returned Report's Warnings and marks the
// run degraded. Start fails when the transport cannot connect or when no
// source could be started; the pipeline is then [Failed] with every acquired
// resource released.
func (p *Pipeline) Start(ctx context.Context, descs []audio.SourceDescriptor, endpoint string) (Report, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	var enabled []audio.SourceDescriptor
	for _, d := range descs {
		if d.Enabled {
			enabled = append(enabled, d)
		}
	}

	p.mu.Lock()
	if p.run != nil || p.state == Starting || p.state == Stopping {
		p.mu.Unlock()
		return Report{}, ErrAlreadyRunning
	}
	if len(enabled) == 0 {
		p.mu.Unlock()
		return Report{}, ErrNoSources
	}
	p.state = Starting
	p.degraded = false
	p.mu.Unlock()

	runID := uuid.NewString()
	p.emit(Event{Type: EventStateChange, State: Starting, RunID: runID})

	runCtx, cancel := context.WithCancel(observe.WithRunID(context.WithoutCancel(ctx), runID))
	log := observe.Logger(runCtx)

	// Transport first: without a sink there is nothing to capture for.
	transport := p.newTransport()
	if err := transport.Connect(ctx, endpoint); err != nil {
		cancel()
		closeTransport(log, transport)
		return Report{}, p.failStart(runID, "transport", fmt.Errorf("capture: connect: %w", err))
	}

	r := &run{
		id:        runID,
		ctx:       runCtx,
		cancel:    cancel,
		transport: transport,
		mixer:     audio.NewMixerSession(),
		queue:     newSendQueue(p.sendQueue),
		done:      make(chan struct{}),
	}

	report := Report{RunID: runID}
	for _, desc := range enabled {
		g, err := p.openSource(ctx, r, desc)
		if err != nil {
			p.metrics.RecordSourceFailure(runCtx, desc.Kind.String(), audio.ErrorClass(err))
			log.Warn("capture source failed", "source", desc.Kind.String(), "err", err)
			report.Warnings = append(report.Warnings, err)
			continue
		}
		r.sources = append(r.sources, g)
		report.Sources = append(report.Sources, desc.Kind)
	}

	if len(r.sources) == 0 {
		r.release(log, false)
		err := fmt.Errorf("%w: %w", ErrAllSourcesFailed, errors.Join(report.Warnings...))
		return Report{}, p.failStart(runID, "sources", err)
	}

	report.Degraded = len(report.Warnings) > 0
	for _, w := range report.Warnings {
		p.emit(Event{Type: EventWarning, State: Starting, Err: w, RunID: runID})
	}

	status := "ok"
	if report.Degraded {
		status = "degraded"
	}
	p.metrics.RecordPipelineStart(runCtx, status)
	p.metrics.ActivePipelines.Add(runCtx, 1)

	p.mu.Lock()
	p.run = r
	p.state = Running
	p.degraded = report.Degraded
	if report.Degraded {
		p.lastErr = report.Warnings[len(report.Warnings)-1]
	} else {
		p.lastErr = nil
	}
	p.mu.Unlock()

	r.launch(p)
	log.Info("capture pipeline running",
		"endpoint", endpoint,
		"sources", len(r.sources),
		"degraded", report.Degraded,
	)
	p.emit(Event{Type: EventStateChange, State: Running, RunID: runID})
	return report, nil
}

// openSource opens, registers and starts one source. On failure nothing of
// the source stays acquired.
func (p *Pipeline) openSource(ctx context.Context, r *run, desc audio.SourceDescriptor) (*sourceGuard, error) {
	src, err := p.opener.Open(ctx, desc)
	if err != nil {
		return nil, err
	}
	native := src.Format()
	if err := native.Validate(); err != nil {
		stopSource(r.ctx, src)
		return nil, &audio.CaptureError{Kind: desc.Kind, Op: "open", Err: err}
	}

	buf := audio.NewJitterBuffer(p.jitterCeiling)
	g := &sourceGuard{
		kind: desc.Kind,
		src:  src,
		buf:  buf,
		onEvict: func(n int) {
			p.metrics.RecordEvictions(r.ctx, desc.Kind.String(), n)
		},
	}
	if err := src.Start(g.deliver); err != nil {
		g.close()
		stopSource(r.ctx, src)
		var ce *audio.CaptureError
		if !errors.As(err, &ce) {
			err = &audio.CaptureError{Kind: desc.Kind, Op: "start", Err: err}
		}
		return nil, err
	}
	r.mixer.AddSource(desc.Kind, buf, native)
	return g, nil
}

// failStart records a failed Start. The caller must hold opMu and have
// released everything it acquired.
func (p *Pipeline) failStart(runID, stage string, err error) error {
	p.metrics.RecordPipelineStart(context.Background(), "error")
	slog.Error("capture pipeline failed to start", "run_id", runID, "stage", stage, "err", err)

	p.mu.Lock()
	p.state = Failed
	p.lastErr = err
	p.mu.Unlock()

	p.emit(Event{Type: EventError, State: Failed, Err: err, RunID: runID})
	p.emit(Event{Type: EventStateChange, State: Failed, RunID: runID})
	return err
}

// Stop ends the current run. It releases sources, buffers, the mixer session
// and the transport, in that order, each best-effort: release failures are
// logged and never returned. Once Stop returns no source callback is running.
//
// Stop is idempotent; it always leaves the pipeline [Idle], including after
// a failure.
func (p *Pipeline) Stop() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	r := p.run
	if r == nil {
		wasFailed := p.state == Failed
		p.state = Idle
		p.degraded = false
		p.mu.Unlock()
		if wasFailed {
			p.emit(Event{Type: EventStateChange, State: Idle})
		}
		return nil
	}
	p.run = nil
	p.state = Stopping
	p.mu.Unlock()

	p.emit(Event{Type: EventStateChange, State: Stopping, RunID: r.id})

	log := observe.Logger(r.ctx)
	r.cancel()
	r.release(log, true)
	p.metrics.ActivePipelines.Add(r.ctx, -1)

	p.mu.Lock()
	p.state = Idle
	p.degraded = false
	p.mu.Unlock()

	log.Info("capture pipeline stopped")
	p.emit(Event{Type: EventStateChange, State: Idle, RunID: r.id})
	return nil
}

// fail ends r after a runtime failure. It is a no-op when Stop already took
// over the run.
func (p *Pipeline) fail(r *run, err error) {
	p.mu.Lock()
	if p.run != r {
		p.mu.Unlock()
		return
	}
	p.run = nil
	p.state = Failed
	p.lastErr = err
	p.mu.Unlock()

	log := observe.Logger(r.ctx)
	log.Error("capture pipeline failed", "err", err)
	r.cancel()
	// The goroutines have already exited; release must not wait for them.
	r.release(log, false)
	p.metrics.ActivePipelines.Add(r.ctx, -1)

	p.emit(Event{Type: EventError, State: Failed, Err: err, RunID: r.id})
	p.emit(Event{Type: EventStateChange, State: Failed, RunID: r.id})
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Degraded reports whether the current run lost at least one source.
func (p *Pipeline) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// LastError returns the most recent start failure, source warning or runtime
// failure. It is cleared by a clean Start.
func (p *Pipeline) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// RunID returns the identifier of the active run, or "".
func (p *Pipeline) RunID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run == nil {
		return ""
	}
	return p.run.id
}

func (p *Pipeline) emit(ev Event) {
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}
