// Package stream defines the outbound streaming connection used to ship
// captured audio and camera frames to the coaching backend.
//
// A [Transport] owns exactly one logical connection. It is connected once,
// fed binary chunks, and closed. A failed send is terminal for the connection:
// the transport moves to [Failed] and refuses further sends instead of
// retrying, leaving the decision to tear down to the caller.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ConnState is the lifecycle state of a [Transport] connection.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Open
	Closing
	Failed
)

// String returns the lowercase name of the state.
func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

var (
	// ErrNotOpen is returned when sending on a connection that was never
	// opened or has been closed.
	ErrNotOpen = errors.New("stream: connection not open")

	// ErrConnectionFailed is returned by every send after a previous send
	// failed on the same connection.
	ErrConnectionFailed = errors.New("stream: connection failed")

	// ErrAlreadyConnected is returned by Connect on an open connection.
	ErrAlreadyConnected = errors.New("stream: already connected")
)

// TransportError reports a failed connect or send.
type TransportError struct {
	Op       string // "connect" or "send"
	Endpoint string
	Err      error
}

// Error implements error.
func (e *TransportError) Error() string {
	return fmt.Sprintf("stream: %s %s: %v", e.Op, e.Endpoint, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error { return e.Err }

// Transport is a persistent, send-oriented streaming connection.
//
// Implementations must be safe for concurrent use: State may be read from any
// goroutine while a single sender calls SendChunk.
type Transport interface {
	// Connect opens the connection to endpoint. It fails fast with a
	// *TransportError when the endpoint is unreachable.
	Connect(ctx context.Context, endpoint string) error

	// SendChunk writes one binary frame. After the first failure every
	// further call returns an error wrapping ErrConnectionFailed without
	// touching the network.
	SendChunk(ctx context.Context, chunk []byte) error

	// Close closes the connection best-effort. It is idempotent and always
	// leaves the transport Disconnected.
	Close() error

	// State returns the current connection state.
	State() ConnState
}

// Factory creates a fresh, unconnected [Transport]. Pipelines call it once
// per run.
type Factory func() Transport

// URL joins a backend host and a path into a websocket URL. A bare host gets
// the ws scheme; http and https schemes map to ws and wss, and an explicit ws
// or wss scheme is kept.
func URL(host, path string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	switch {
	case strings.HasPrefix(host, "ws://"), strings.HasPrefix(host, "wss://"):
	case strings.HasPrefix(host, "http://"):
		host = "ws://" + strings.TrimPrefix(host, "http://")
	case strings.HasPrefix(host, "https://"):
		host = "wss://" + strings.TrimPrefix(host, "https://")
	default:
		host = "ws://" + host
	}
	return host + path
}

// Backend endpoint paths.
const (
	AudioPath  = "/ws/audio"
	VisionPath = "/ws/vision"
	UIPath     = "/ws/ui"
	IngestPath = "/ws/ingest"
)
