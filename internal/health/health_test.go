package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/coachpad/internal/capture"
)

func serve(t *testing.T, h http.HandlerFunc, req *http.Request) (int, result) {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, req)
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New(Checker{Name: "broken", Check: func(context.Context) error { return errors.New("x") }})
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz(t *testing.T) {
	ok := func(context.Context) error { return nil }
	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantChecks map[string]string
	}{
		{"no checkers", nil, http.StatusOK, nil},
		{
			"all pass",
			[]Checker{{Name: "detector", Check: ok}, {Name: "backend", Check: ok}},
			http.StatusOK,
			map[string]string{"detector": "ok", "backend": "ok"},
		},
		{
			"one fails",
			[]Checker{
				{Name: "detector", Check: ok},
				{Name: "backend", Check: func(context.Context) error { return errors.New("connection refused") }},
			},
			http.StatusServiceUnavailable,
			map[string]string{"detector": "ok", "backend": "fail: connection refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := serve(t, New(tt.checkers...).Readyz, httptest.NewRequest("GET", "/readyz", nil))
			if code != tt.wantStatus {
				t.Errorf("status = %d, want %d", code, tt.wantStatus)
			}
			wantBody := "ok"
			if tt.wantStatus != http.StatusOK {
				wantBody = "fail"
			}
			if body.Status != wantBody {
				t.Errorf("body status = %q, want %q", body.Status, wantBody)
			}
			for name, want := range tt.wantChecks {
				if body.Checks[name] != want {
					t.Errorf("check %s = %q, want %q", name, body.Checks[name], want)
				}
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, _ := serve(t, h.Readyz, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	mux := http.NewServeMux()
	New().Register(mux)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}
}

type fakeDetector bool

func (f fakeDetector) Running() bool { return bool(f) }

func TestDetectorChecker(t *testing.T) {
	ctx := context.Background()
	if err := DetectorChecker(fakeDetector(true), true).Check(ctx); err != nil {
		t.Errorf("running detector: %v", err)
	}
	if err := DetectorChecker(fakeDetector(false), true).Check(ctx); !errors.Is(err, ErrDetectorStopped) {
		t.Errorf("stopped detector: %v", err)
	}
	if err := DetectorChecker(fakeDetector(false), false).Check(ctx); err != nil {
		t.Errorf("disabled detection: %v", err)
	}
}

type fakePipeline struct {
	state capture.State
	err   error
}

func (f fakePipeline) State() capture.State { return f.state }
func (f fakePipeline) LastError() error     { return f.err }

func TestBackendChecker(t *testing.T) {
	ctx := context.Background()
	for _, s := range []capture.State{capture.Idle, capture.Running, capture.Stopping} {
		if err := BackendChecker(fakePipeline{state: s}).Check(ctx); err != nil {
			t.Errorf("%v: %v", s, err)
		}
	}
	cause := errors.New("connect refused")
	err := BackendChecker(fakePipeline{state: capture.Failed, err: cause}).Check(ctx)
	if !errors.Is(err, cause) {
		t.Errorf("failed pipeline: %v", err)
	}
}
