// Package mock provides an in-memory [stream.Transport] that records every
// chunk it is sent. It follows the same state machine as the real transport:
// a failed send moves it to [stream.Failed] and further sends are refused.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/coachpad/pkg/stream"
)

var _ stream.Transport = (*Transport)(nil)

// Transport is a mock implementation of [stream.Transport].
// Set the exported fields before use; inspect the recorded calls after.
type Transport struct {
	mu sync.Mutex

	// ConnectError is returned by [Transport.Connect].
	ConnectError error

	// SendError, when non-nil, is returned by the send selected by FailAfter.
	SendError error

	// FailAfter is the number of successful sends before SendError is
	// returned. Zero fails the first send.
	FailAfter int

	// CloseError is returned by [Transport.Close].
	CloseError error

	// Endpoints records every Connect endpoint.
	Endpoints []string

	// CallCountClose records how many times Close was called.
	CallCountClose int

	chunks [][]byte
	state  stream.ConnState
	notify chan struct{}
}

// Connect implements [stream.Transport].
func (t *Transport) Connect(_ context.Context, endpoint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Endpoints = append(t.Endpoints, endpoint)
	if t.ConnectError != nil {
		t.state = stream.Failed
		return &stream.TransportError{Op: "connect", Endpoint: endpoint, Err: t.ConnectError}
	}
	t.state = stream.Open
	return nil
}

// SendChunk implements [stream.Transport]. The chunk is copied.
func (t *Transport) SendChunk(_ context.Context, chunk []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case stream.Open:
	case stream.Failed:
		return &stream.TransportError{Op: "send", Endpoint: t.endpointLocked(), Err: stream.ErrConnectionFailed}
	default:
		return &stream.TransportError{Op: "send", Endpoint: t.endpointLocked(), Err: stream.ErrNotOpen}
	}

	if t.SendError != nil && len(t.chunks) >= t.FailAfter {
		t.state = stream.Failed
		return &stream.TransportError{Op: "send", Endpoint: t.endpointLocked(), Err: t.SendError}
	}

	c := make([]byte, len(chunk))
	copy(c, chunk)
	t.chunks = append(t.chunks, c)
	if t.notify != nil {
		select {
		case t.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close implements [stream.Transport]. Returns CloseError; the state becomes
// Disconnected regardless.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountClose++
	t.state = stream.Disconnected
	return t.CloseError
}

// Closes returns the number of Close calls.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CallCountClose
}

// State implements [stream.Transport].
func (t *Transport) State() stream.ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Chunks returns a copy of the recorded chunks in send order.
func (t *Transport) Chunks() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.chunks))
	copy(out, t.chunks)
	return out
}

// Sent returns the number of recorded chunks.
func (t *Transport) Sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chunks)
}

// Notify returns a channel that receives a value after each recorded chunk.
// Sends are non-blocking, so a slow reader may miss notifications; poll
// [Transport.Sent] to confirm.
func (t *Transport) Notify() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.notify == nil {
		t.notify = make(chan struct{}, 64)
	}
	return t.notify
}

func (t *Transport) endpointLocked() string {
	if len(t.Endpoints) == 0 {
		return ""
	}
	return t.Endpoints[len(t.Endpoints)-1]
}

// Factory returns a [stream.Factory] that always hands out t.
func Factory(t *Transport) stream.Factory {
	return func() stream.Transport { return t }
}
