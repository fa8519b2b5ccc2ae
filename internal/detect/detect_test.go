package detect_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/coachpad/internal/detect"
	"github.com/MrWong99/coachpad/internal/observe"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type fakeWindows struct {
	mu     sync.Mutex
	titles []string
	err    error
	calls  int
}

func (f *fakeWindows) VisibleWindowTitles(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.titles, f.err
}

func (f *fakeWindows) set(titles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = titles
}

func (f *fakeWindows) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeProcesses struct {
	procs []detect.Process
	err   error
}

func (f *fakeProcesses) Processes(context.Context) ([]detect.Process, error) {
	return f.procs, f.err
}

type fakeSessions struct {
	sessions []detect.AudioSession
	err      error
}

func (f *fakeSessions) Sessions(context.Context) ([]detect.AudioSession, error) {
	return f.sessions, f.err
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s has data type %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestEngine_WindowTitleTriggersOnce(t *testing.T) {
	m, reader := newTestMetrics(t)
	win := &fakeWindows{titles: []string{"Inbox - Outlook", "Zoom Meeting"}}
	e := detect.New(detect.Config{}, detect.Probes{Windows: win}, detect.WithMetrics(m))

	fired := make(chan detect.Detection, 4)
	e.OnDetected(func(d detect.Detection) { fired <- d })

	d, ok := e.Check(context.Background())
	if !ok {
		t.Fatal("Check did not trigger on a Zoom window")
	}
	if d.Signal != detect.SignalWindow || d.Match != "Zoom Meeting" {
		t.Errorf("detection = %+v", d)
	}
	if e.State() != detect.Triggered {
		t.Errorf("state = %v, want triggered", e.State())
	}

	select {
	case got := <-fired:
		if got.Match != "Zoom Meeting" {
			t.Errorf("handler got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	for range 3 {
		if _, ok := e.Check(context.Background()); ok {
			t.Fatal("triggered engine fired again")
		}
	}
	select {
	case d := <-fired:
		t.Fatalf("handler fired again: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
	if win.callCount() != 1 {
		t.Errorf("probes ran %d times, want 1 (triggered checks skip probing)", win.callCount())
	}
	if got := counterTotal(t, reader, "coachpad.detection.triggers"); got != 1 {
		t.Errorf("triggers counter = %d, want 1", got)
	}

	e.Reset()
	if e.State() != detect.Idle {
		t.Errorf("state after Reset without Run = %v, want idle", e.State())
	}
	if _, ok := e.Check(context.Background()); !ok {
		t.Error("Check after Reset did not fire")
	}
}

func TestEngine_NoMatchStaysArmed(t *testing.T) {
	m, _ := newTestMetrics(t)
	e := detect.New(detect.Config{}, detect.Probes{
		Windows:   &fakeWindows{titles: []string{"Visual Studio Code", ""}},
		Processes: &fakeProcesses{procs: []detect.Process{{PID: 1, Name: "explorer.exe"}}},
		AudioSessions: &fakeSessions{sessions: []detect.AudioSession{
			{PID: 10, ProcessName: "zoom", Peak: 0.01},
			{PID: 11, ProcessName: "spotify", Peak: 0.9},
		}},
	}, detect.WithMetrics(m))

	if d, ok := e.Check(context.Background()); ok {
		t.Fatalf("unexpected detection %+v", d)
	}
	if e.State() != detect.Idle {
		t.Errorf("state = %v", e.State())
	}
	if e.LastCheckAt().IsZero() {
		t.Error("LastCheckAt not recorded")
	}
}

func TestEngine_ProcessAndAudioSignals(t *testing.T) {
	tests := []struct {
		name   string
		probes detect.Probes
		signal detect.Signal
		match  string
	}{
		{
			name:   "process with exe suffix",
			probes: detect.Probes{Processes: &fakeProcesses{procs: []detect.Process{{PID: 7, Name: "Teams.exe"}}}},
			signal: detect.SignalProcess,
			match:  "Teams.exe",
		},
		{
			name: "loud session of a known process",
			probes: detect.Probes{AudioSessions: &fakeSessions{sessions: []detect.AudioSession{
				{PID: 0, ProcessName: "zoom", Peak: 1},
				{PID: 42, ProcessName: "msedge.exe", Peak: 0.3},
			}}},
			signal: detect.SignalAudioSession,
			match:  "msedge.exe",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMetrics(t)
			e := detect.New(detect.Config{}, tt.probes, detect.WithMetrics(m))
			d, ok := e.Check(context.Background())
			if !ok {
				t.Fatal("no detection")
			}
			if d.Signal != tt.signal || d.Match != tt.match {
				t.Errorf("detection = %+v, want %s/%s", d, tt.signal, tt.match)
			}
		})
	}
}

func TestEngine_ProbeErrorsAreSwallowed(t *testing.T) {
	m, reader := newTestMetrics(t)
	boom := errors.New("access denied")
	e := detect.New(detect.Config{}, detect.Probes{
		Windows:       &fakeWindows{err: boom},
		Processes:     &fakeProcesses{procs: []detect.Process{{PID: 3, Name: "zoom"}}},
		AudioSessions: &fakeSessions{err: boom},
	}, detect.WithMetrics(m))

	d, ok := e.Check(context.Background())
	if !ok || d.Signal != detect.SignalProcess {
		t.Fatalf("Check = %+v, %v; want a process detection despite failing probes", d, ok)
	}
	if got := counterTotal(t, reader, "coachpad.detection.query_errors"); got != 2 {
		t.Errorf("query error counter = %d, want 2", got)
	}
}

func TestEngine_AllProbesFailing(t *testing.T) {
	m, _ := newTestMetrics(t)
	boom := errors.New("enumeration failed")
	e := detect.New(detect.Config{}, detect.Probes{
		Windows:       &fakeWindows{err: boom},
		Processes:     &fakeProcesses{err: boom},
		AudioSessions: &fakeSessions{err: boom},
	}, detect.WithMetrics(m))

	if _, ok := e.Check(context.Background()); ok {
		t.Error("failing probes produced a detection")
	}
}

func TestEngine_RunArmsAndResetRearms(t *testing.T) {
	m, _ := newTestMetrics(t)
	win := &fakeWindows{}
	ticks := make(chan time.Time)
	e := detect.New(detect.Config{}, detect.Probes{Windows: win},
		detect.WithMetrics(m), detect.WithTickSource(ticks))

	fired := make(chan detect.Detection, 4)
	e.OnDetected(func(d detect.Detection) { fired <- d })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	tick := func() {
		t.Helper()
		select {
		case ticks <- time.Now():
		case <-time.After(time.Second):
			t.Fatal("Run did not accept tick")
		}
	}

	// The first accepted tick proves the loop is running.
	tick()
	if e.State() != detect.Armed {
		t.Fatalf("state = %v, want armed", e.State())
	}
	if err := e.Run(ctx); !errors.Is(err, detect.ErrRunning) {
		t.Errorf("second Run = %v, want ErrRunning", err)
	}

	win.set("Microsoft Teams - Weekly sync")
	tick()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("no detection while armed")
	}
	tick()
	tick()
	if len(fired) != 0 {
		t.Errorf("%d extra detections before Reset", len(fired))
	}

	e.Reset()
	if e.State() != detect.Armed {
		t.Errorf("state after Reset = %v, want armed", e.State())
	}
	tick()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("no detection after Reset")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	if e.State() != detect.Idle || e.Running() {
		t.Errorf("after Run: state = %v, running = %v", e.State(), e.Running())
	}
}

func TestEngine_SetRules(t *testing.T) {
	m, _ := newTestMetrics(t)
	win := &fakeWindows{titles: []string{"Webex Meeting"}}
	e := detect.New(detect.Config{}, detect.Probes{Windows: win}, detect.WithMetrics(m))

	if _, ok := e.Check(context.Background()); ok {
		t.Fatal("default rules matched Webex")
	}
	e.SetRules(detect.Rules{WindowKeywords: []string{"  WEBEX "}})
	if _, ok := e.Check(context.Background()); !ok {
		t.Fatal("custom keyword did not match")
	}
	r := e.Rules()
	if len(r.WindowKeywords) != 1 || r.WindowKeywords[0] != "webex" {
		t.Errorf("keywords = %v", r.WindowKeywords)
	}
	if r.PeakThreshold != detect.DefaultPeakThreshold {
		t.Errorf("threshold = %v, want default", r.PeakThreshold)
	}
}

func TestEngine_LastDetection(t *testing.T) {
	m, _ := newTestMetrics(t)
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	e := detect.New(detect.Config{}, detect.Probes{Windows: &fakeWindows{titles: []string{"meet.google.com/abc"}}},
		detect.WithMetrics(m), detect.WithClock(func() time.Time { return at }))

	if _, ok := e.LastDetection(); ok {
		t.Fatal("LastDetection before any check")
	}
	e.Check(context.Background())
	d, ok := e.LastDetection()
	if !ok || !d.At.Equal(at) {
		t.Errorf("LastDetection = %+v, %v", d, ok)
	}
	e.Reset()
	if _, ok := e.LastDetection(); ok {
		t.Error("LastDetection survives Reset")
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[detect.State]string{
		detect.Idle:      "idle",
		detect.Armed:     "armed",
		detect.Triggered: "triggered",
		detect.State(9):  "State(9)",
	} {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestQueryError_Unwrap(t *testing.T) {
	base := errors.New("denied")
	err := error(&detect.QueryError{Probe: "windows", Err: base})
	if !errors.Is(err, base) {
		t.Error("QueryError does not unwrap")
	}
	if err.Error() != "detect: query windows: denied" {
		t.Errorf("Error() = %q", err.Error())
	}
}
