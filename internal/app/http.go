package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/coachpad/internal/coach"
	"github.com/MrWong99/coachpad/internal/detect"
	"github.com/MrWong99/coachpad/internal/health"
)

// maxTranscriptBody caps the size of a POST /transcript body.
const maxTranscriptBody = 64 << 10

// StatusResponse is the body of GET /status and of the coaching endpoints.
type StatusResponse struct {
	Coaching coach.Status       `json:"coaching"`
	Detector DetectorStatus     `json:"detector"`
	Pipeline PipelineStatus     `json:"pipeline"`
	Metrics  *coach.LiveMetrics `json:"metrics,omitempty"`
}

// DetectorStatus describes the meeting detector.
type DetectorStatus struct {
	State         string            `json:"state"`
	Running       bool              `json:"running"`
	AutoStart     string            `json:"auto_start"`
	LastCheckAt   *time.Time        `json:"last_check_at,omitempty"`
	LastDetection *detect.Detection `json:"last_detection,omitempty"`
}

// PipelineStatus describes the capture pipeline.
type PipelineStatus struct {
	State     string `json:"state"`
	Degraded  bool   `json:"degraded"`
	RunID     string `json:"run_id,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

type transcriptRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error  string         `json:"error"`
	Status StatusResponse `json:"status"`
}

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /coaching/start", a.handleStart)
	mux.HandleFunc("POST /coaching/stop", a.handleStop)
	mux.HandleFunc("POST /transcript", a.handleTranscript)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.Handle("GET /metrics", a.metricsHandler)

	health.New(
		health.DetectorChecker(a.detector, a.cfg.Detection.Enabled),
		health.BackendChecker(a.pipeline),
	).Register(mux)
	return mux
}

// Status assembles the current [StatusResponse].
func (a *App) Status() StatusResponse {
	resp := StatusResponse{
		Coaching: a.controller.Status(),
		Detector: DetectorStatus{
			State:     a.detector.State().String(),
			Running:   a.detector.Running(),
			AutoStart: a.autoStart.State().String(),
		},
		Pipeline: PipelineStatus{
			State:    a.pipeline.State().String(),
			Degraded: a.pipeline.Degraded(),
			RunID:    a.pipeline.RunID(),
		},
	}
	if t := a.detector.LastCheckAt(); !t.IsZero() {
		resp.Detector.LastCheckAt = &t
	}
	if d, ok := a.detector.LastDetection(); ok {
		resp.Detector.LastDetection = &d
	}
	if err := a.pipeline.LastError(); err != nil {
		resp.Pipeline.LastError = err.Error()
	}
	if m, ok := a.live.Last(); ok {
		resp.Metrics = &m
	}
	return resp
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	err := a.controller.StartCoaching(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, a.Status())
	case errors.Is(err, coach.ErrConsentRequired):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error(), Status: a.Status()})
	default:
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Status: a.Status()})
	}
}

func (a *App) handleStop(w http.ResponseWriter, _ *http.Request) {
	a.controller.StopCoaching()
	writeJSON(w, http.StatusOK, a.Status())
}

func (a *App) handleTranscript(w http.ResponseWriter, r *http.Request) {
	var req transcriptRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTranscriptBody))
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid transcript body", http.StatusBadRequest)
		return
	}
	if err := a.controller.SendTranscript(r.Context(), req.Text); err != nil {
		slog.WarnContext(r.Context(), "transcript forward failed", "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "err", err)
	}
}
