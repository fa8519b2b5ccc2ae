package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/coachpad/internal/app"
	"github.com/MrWong99/coachpad/internal/capture"
	"github.com/MrWong99/coachpad/internal/coach"
	"github.com/MrWong99/coachpad/internal/config"
	"github.com/MrWong99/coachpad/internal/detect"
	"github.com/MrWong99/coachpad/internal/observe"
	"github.com/MrWong99/coachpad/pkg/audio"
	audiomock "github.com/MrWong99/coachpad/pkg/audio/mock"
	streammock "github.com/MrWong99/coachpad/pkg/stream/mock"
)

const waitTimeout = 2 * time.Second

// fakeBackend accepts the live-metrics and transcript websockets.
type fakeBackend struct {
	srv    *httptest.Server
	ingest chan []byte
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{ingest: make(chan []byte, 4)}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/ui", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/ws/ingest", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		b.ingest <- data
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) host() string { return strings.TrimPrefix(b.srv.URL, "http://") }

type fakeWindows struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeWindows) VisibleWindowTitles(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.titles...), nil
}

// fixture bundles an App with its doubles.
type fixture struct {
	app       *app.App
	backend   *fakeBackend
	mic       *audiomock.Source
	transport *streammock.Transport
	windows   *fakeWindows
}

func testConfig(host string) *config.Config {
	cfg := &config.Config{
		Server:  config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Backend: config.BackendConfig{Host: host},
		Capture: config.CaptureConfig{
			Microphone: config.MicrophoneConfig{Enabled: true},
		},
		Consent: config.ConsentConfig{Audio: true},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newFixture(t *testing.T, mutate func(*config.Config), opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{
		backend:   newFakeBackend(t),
		mic:       &audiomock.Source{SourceKind: audio.Microphone},
		transport: &streammock.Transport{},
		windows:   &fakeWindows{},
	}
	cfg := testConfig(f.backend.host())
	if mutate != nil {
		mutate(cfg)
	}
	opener := &audiomock.Opener{Sources: map[audio.SourceKind]*audiomock.Source{audio.Microphone: f.mic}}

	base := []app.Option{
		app.WithTransportFactory(streammock.Factory(f.transport)),
		app.WithProbes(detect.Probes{Windows: f.windows}),
		app.WithMetrics(newTestMetrics(t)),
		app.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		})),
	}
	a, err := app.New(context.Background(), cfg, opener, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	f.app = a
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.app.Handler().ServeHTTP(rec, req)
	return rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), nil, &audiomock.Opener{}); err == nil {
		t.Error("New(nil config) succeeded")
	}
	if _, err := app.New(context.Background(), testConfig("backend.test"), nil); err == nil {
		t.Error("New(nil opener) succeeded")
	}
}

func TestApp_DetectionStartsCoaching(t *testing.T) {
	f := newFixture(t, nil)
	f.windows.titles = []string{"Zoom Meeting"}

	if _, ok := f.app.Detector().Check(context.Background()); !ok {
		t.Fatal("Check did not trigger on a meeting window")
	}
	waitFor(t, "coaching", func() bool { return f.app.Controller().Status().Message == coach.MsgActive })

	st := f.app.Status()
	if st.Pipeline.State != capture.Running.String() {
		t.Errorf("pipeline state = %q, want running", st.Pipeline.State)
	}
	if st.Detector.State != detect.Triggered.String() {
		t.Errorf("detector state = %q, want triggered", st.Detector.State)
	}
	if st.Coaching.Message != coach.MsgActive {
		t.Errorf("message = %q, want %q", st.Coaching.Message, coach.MsgActive)
	}
	if st.Detector.LastDetection == nil || st.Detector.LastDetection.Match != "Zoom Meeting" {
		t.Errorf("last detection = %+v", st.Detector.LastDetection)
	}
	if got := f.transport.Endpoints; len(got) != 1 || got[0] != "ws://"+f.backend.host()+"/ws/audio" {
		t.Errorf("audio endpoints = %v", got)
	}

	rec := f.do(t, http.MethodPost, "/coaching/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /coaching/stop = %d", rec.Code)
	}
	var resp app.StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Coaching.Coaching {
		t.Error("still coaching after stop")
	}
	if resp.Detector.State != detect.Idle.String() {
		t.Errorf("detector state after stop = %q, want idle", resp.Detector.State)
	}
	if f.mic.Running() {
		t.Error("microphone still running after stop")
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestApp_FailedAutoStartRearmsWithBackoff(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	f := newFixture(t, nil, app.WithClock(clk.Now))
	f.windows.titles = []string{"Zoom Meeting"}
	f.transport.ConnectError = errors.New("refused")

	detectOnce := func() {
		t.Helper()
		if _, ok := f.app.Detector().Check(context.Background()); !ok {
			t.Fatal("Check did not trigger")
		}
		waitFor(t, "detector re-armed", func() bool { return f.app.Detector().State() != detect.Triggered })
	}

	for range 3 {
		detectOnce()
	}
	if got := f.app.Status().Detector.AutoStart; got != "open" {
		t.Fatalf("auto start = %q after 3 failures, want open", got)
	}

	// While open, detections no longer reach the backend.
	detectOnce()
	if got := len(f.transport.Endpoints); got != 3 {
		t.Errorf("connect attempts = %d, want 3", got)
	}

	clk.Advance(30 * time.Second)
	f.transport.ConnectError = nil
	if _, ok := f.app.Detector().Check(context.Background()); !ok {
		t.Fatal("Check did not trigger after cooldown")
	}
	waitFor(t, "coaching", func() bool { return f.app.Controller().Status().Message == coach.MsgActive })
	if got := f.app.Status().Detector.AutoStart; got != "closed" {
		t.Errorf("auto start = %q after success, want closed", got)
	}
}

func TestApp_StartEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/coaching/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /coaching/start = %d: %s", rec.Code, rec.Body)
	}
	var resp app.StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Coaching.Coaching || resp.Coaching.RunID == "" {
		t.Errorf("coaching = %+v", resp.Coaching)
	}
	if resp.Pipeline.RunID != resp.Coaching.RunID {
		t.Errorf("pipeline run %q, controller run %q", resp.Pipeline.RunID, resp.Coaching.RunID)
	}
}

func TestApp_StartWithoutConsent(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Consent.Audio = false })

	rec := f.do(t, http.MethodPost, "/coaching/start", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("POST /coaching/start = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), coach.MsgConsentRequired) {
		t.Errorf("body %q lacks the consent message", rec.Body)
	}
	if f.transport.Sent() != 0 || len(f.transport.Endpoints) != 0 {
		t.Error("transport used without consent")
	}
}

func TestApp_StartCaptureFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.ConnectError = errors.New("refused")

	rec := f.do(t, http.MethodPost, "/coaching/start", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("POST /coaching/start = %d, want 502", rec.Code)
	}
	if f.app.Controller().Status().Coaching {
		t.Error("coaching after failed start")
	}
	if rec := f.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz after capture failure = %d, want 503", rec.Code)
	}
}

func TestApp_Transcript(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/transcript", `{"text":"What is your budget?"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("POST /transcript = %d: %s", rec.Code, rec.Body)
	}
	select {
	case data := <-f.backend.ingest:
		var msg struct {
			Speaker string `json:"speaker"`
			Text    string `json:"text"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("ingest payload: %v", err)
		}
		if msg.Speaker != "rep" || msg.Text != "What is your budget?" {
			t.Errorf("ingest = %+v", msg)
		}
	case <-time.After(waitTimeout):
		t.Fatal("transcript not forwarded")
	}

	if rec := f.do(t, http.MethodPost, "/transcript", `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body = %d, want 400", rec.Code)
	}
}

func TestApp_StatusHealthAndMetrics(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Detection.Enabled = true })

	rec := f.do(t, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /status = %d", rec.Code)
	}
	var resp app.StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Coaching.Message != coach.MsgWaiting || resp.Pipeline.State != capture.Idle.String() {
		t.Errorf("status = %+v", resp)
	}
	if resp.Detector.Running || resp.Detector.LastCheckAt != nil {
		t.Errorf("detector = %+v, want idle and never checked", resp.Detector)
	}

	if rec := f.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d", rec.Code)
	}
	// Detection is enabled but the loop only runs inside Run.
	if rec := f.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz = %d, want 503", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK || rec.Body.String() != "# metrics\n" {
		t.Errorf("GET /metrics = %d %q", rec.Code, rec.Body)
	}
	if rec := f.do(t, http.MethodGet, "/coaching/start", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /coaching/start = %d, want 405", rec.Code)
	}
}

func TestApp_Reload(t *testing.T) {
	f := newFixture(t, nil)

	old := testConfig(f.backend.host())
	next := testConfig(f.backend.host())
	next.Detection.WindowKeywords = []string{"Webex"}
	next.Consent.Camera = true
	next.Capture.SystemAudio.Enabled = true

	f.app.Reload(old, next, config.Diff(old, next))

	if got := f.app.Detector().Rules().WindowKeywords; len(got) != 1 || got[0] != "webex" {
		t.Errorf("keywords = %v, want [webex]", got)
	}
	s := f.app.Controller().Settings()
	if !s.CameraConsent || !s.SystemAudio || !s.Microphone {
		t.Errorf("settings = %+v", s)
	}

	f.windows.titles = []string{"Cisco Webex"}
	if _, ok := f.app.Detector().Check(context.Background()); !ok {
		t.Error("reloaded keyword did not match")
	}
}

func TestApp_ServeAndShutdown(t *testing.T) {
	ticks := make(chan time.Time)
	f := newFixture(t, func(c *config.Config) { c.Detection.Enabled = true }, app.WithDetectorTicks(ticks))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Serve(ctx, ln) }()

	waitFor(t, "detector running", f.app.Detector().Running)

	resp, err := http.Get("http://" + ln.Addr().String() + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /readyz = %d, want 200", resp.StatusCode)
	}

	f.windows.titles = []string{"Microsoft Teams"}
	ticks <- time.Now()
	waitFor(t, "coaching", func() bool { return f.app.Controller().Status().Message == coach.MsgActive })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return")
	}

	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if f.app.Controller().Status().Coaching {
		t.Error("still coaching after Shutdown")
	}
}
