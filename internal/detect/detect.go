// Package detect watches the desktop for signs of an online meeting and
// signals once when one appears.
//
// Each check gathers three independent signals: visible top-level window
// titles, running process names, and the peak level of audio sessions owned
// by known meeting processes. Any one of them is enough to trigger. After a
// trigger the engine ignores further matches until [Engine.Reset] re-arms it,
// so a meeting that stays open produces exactly one detection.
//
// Probe failures never stop the polling loop. A failing probe contributes no
// signal for that check and is counted as a query error.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/coachpad/internal/observe"
)

// State is the lifecycle state of an [Engine].
type State int

const (
	// Idle means the polling loop is not running.
	Idle State = iota
	// Armed means the loop is polling and will fire on the next match.
	Armed
	// Triggered means a detection fired and the engine waits for Reset.
	Triggered
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Triggered:
		return "triggered"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Signal names the kind of evidence behind a [Detection].
type Signal string

const (
	SignalWindow       Signal = "window"
	SignalProcess      Signal = "process"
	SignalAudioSession Signal = "audio_session"
)

// Detection describes the match that triggered the engine.
type Detection struct {
	Signal Signal `json:"signal"`
	// Match is the window title or process name that matched.
	Match string    `json:"match"`
	At    time.Time `json:"at"`
}

// Process is one running process.
type Process struct {
	PID  int32
	Name string
}

// AudioSession is one audio session on the default render device.
type AudioSession struct {
	PID         int32
	ProcessName string
	// Peak is the current peak meter value in [0, 1].
	Peak float64
}

// WindowLister returns the titles of visible top-level windows.
type WindowLister interface {
	VisibleWindowTitles(ctx context.Context) ([]string, error)
}

// ProcessLister returns the running processes.
type ProcessLister interface {
	Processes(ctx context.Context) ([]Process, error)
}

// AudioSessionLister returns the audio sessions of the default output device.
type AudioSessionLister interface {
	Sessions(ctx context.Context) ([]AudioSession, error)
}

// Probes bundles the OS queries an [Engine] runs. A nil probe contributes no
// signal.
type Probes struct {
	Windows       WindowLister
	Processes     ProcessLister
	AudioSessions AudioSessionLister
}

// QueryError reports a failed probe. The engine logs and counts it, then
// carries on.
type QueryError struct {
	Probe string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("detect: query %s: %v", e.Probe, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// ErrRunning is returned by Run when the engine's loop is already running.
var ErrRunning = errors.New("detect: engine already running")

// DefaultInterval is the polling period used when Config.Interval is unset.
const DefaultInterval = 2 * time.Second

// Config configures an [Engine].
type Config struct {
	Interval time.Duration
	Rules    Rules
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now for detection timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTickSource replaces the polling ticker. Each received value runs one
// check.
func WithTickSource(ticks <-chan time.Time) Option {
	return func(e *Engine) { e.tickSource = ticks }
}

// Engine is the meeting detector. All methods are safe for concurrent use.
type Engine struct {
	probes     Probes
	interval   time.Duration
	metrics    *observe.Metrics
	now        func() time.Time
	tickSource <-chan time.Time

	// checkMu serialises checks so two ticks never race on the trigger.
	checkMu sync.Mutex

	mu        sync.Mutex
	rules     Rules
	state     State
	running   bool
	lastCheck time.Time
	last      *Detection
	handlers  []func(Detection)
}

// New returns an idle Engine. Empty rule fields fall back to [DefaultRules].
func New(cfg Config, probes Probes, opts ...Option) *Engine {
	e := &Engine{
		probes:   probes,
		interval: cfg.Interval,
		rules:    cfg.Rules.withDefaults(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.interval <= 0 {
		e.interval = DefaultInterval
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// OnDetected registers fn to be called once per armed cycle. Handlers run on
// their own goroutine so a slow handler never delays polling.
func (e *Engine) OnDetected(fn func(Detection)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, fn)
}

// SetRules replaces the match rules. It takes effect on the next check.
func (e *Engine) SetRules(r Rules) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = r.withDefaults()
}

// Rules returns the active match rules.
func (e *Engine) Rules() Rules {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rules.clone()
}

// Run arms the engine and polls until ctx is cancelled. It returns nil on
// cancellation and [ErrRunning] if another Run is active.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrRunning
	}
	e.running = true
	if e.state == Idle {
		e.state = Armed
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.state = Idle
		e.mu.Unlock()
	}()

	ticks := e.tickSource
	if ticks == nil {
		t := time.NewTicker(e.interval)
		defer t.Stop()
		ticks = t.C
	}

	slog.Info("meeting detection armed", "interval", e.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("meeting detection stopped")
			return nil
		case <-ticks:
			e.Check(ctx)
		}
	}
}

// Check runs one detection pass. It reports the detection when this pass
// triggered the engine; a triggered engine skips the probes entirely.
func (e *Engine) Check(ctx context.Context) (Detection, bool) {
	e.checkMu.Lock()
	defer e.checkMu.Unlock()

	e.mu.Lock()
	if e.state == Triggered {
		e.mu.Unlock()
		return Detection{}, false
	}
	rules := e.rules
	e.mu.Unlock()

	snap := e.gather(ctx)
	d, ok := rules.match(snap)

	e.mu.Lock()
	e.lastCheck = e.now()
	if !ok || e.state == Triggered {
		e.mu.Unlock()
		return Detection{}, false
	}
	d.At = e.lastCheck
	e.state = Triggered
	e.last = &d
	handlers := make([]func(Detection), len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()

	e.metrics.RecordDetection(ctx, string(d.Signal))
	slog.Info("meeting detected", "signal", string(d.Signal), "match", d.Match)
	for _, fn := range handlers {
		go fn(d)
	}
	return d, true
}

// Reset re-arms a triggered engine. It is a no-op in any other state.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Triggered {
		return
	}
	e.last = nil
	if e.running {
		e.state = Armed
	} else {
		e.state = Idle
	}
	slog.Debug("meeting detection re-armed", "state", e.state.String())
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Running reports whether Run is polling.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// LastCheckAt returns when the last completed check finished, or the zero
// time.
func (e *Engine) LastCheckAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCheck
}

// LastDetection returns the detection that triggered the engine, if it is
// still triggered.
func (e *Engine) LastDetection() (Detection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Detection{}, false
	}
	return *e.last, true
}

// snapshot is what one check observed.
type snapshot struct {
	titles    []string
	processes []Process
	sessions  []AudioSession
}

// gather runs every configured probe concurrently. Probe errors are swallowed:
// the probe simply contributes nothing.
func (e *Engine) gather(ctx context.Context) snapshot {
	var snap snapshot
	var g errgroup.Group

	if p := e.probes.Windows; p != nil {
		g.Go(func() error {
			titles, err := p.VisibleWindowTitles(ctx)
			if err != nil {
				e.queryFailed(ctx, "windows", err)
				return nil
			}
			snap.titles = titles
			return nil
		})
	}
	if p := e.probes.Processes; p != nil {
		g.Go(func() error {
			procs, err := p.Processes(ctx)
			if err != nil {
				e.queryFailed(ctx, "processes", err)
				return nil
			}
			snap.processes = procs
			return nil
		})
	}
	if p := e.probes.AudioSessions; p != nil {
		g.Go(func() error {
			sessions, err := p.Sessions(ctx)
			if err != nil {
				e.queryFailed(ctx, "audio_sessions", err)
				return nil
			}
			snap.sessions = sessions
			return nil
		})
	}

	_ = g.Wait()
	return snap
}

func (e *Engine) queryFailed(ctx context.Context, probe string, err error) {
	qe := &QueryError{Probe: probe, Err: err}
	slog.Debug("detection probe failed", "probe", probe, "err", qe)
	e.metrics.RecordQueryError(ctx, probe)
}
