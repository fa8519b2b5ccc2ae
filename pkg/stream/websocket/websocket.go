// Package websocket implements [stream.Transport] over a WebSocket connection
// using github.com/coder/websocket. Chunks are sent as binary messages.
//
// The backend endpoints consumed here are write-only from the client's point
// of view, so inbound data messages are discarded; control frames (ping,
// close) are still processed so that a server-initiated close is noticed.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/coachpad/pkg/stream"
)

var _ stream.Transport = (*Transport)(nil)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Option is a functional option for [New].
type Option func(*Transport)

// WithDialTimeout bounds Connect. Default: 10s.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) { t.dialTimeout = d }
}

// WithWriteTimeout bounds each SendChunk. Default: 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) { t.writeTimeout = d }
}

// Transport is a WebSocket [stream.Transport]. Create one per connection with
// [New]; it may be reconnected after Close.
type Transport struct {
	dialTimeout  time.Duration
	writeTimeout time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	endpoint string
	state    stream.ConnState
	lastErr  error
	readCtx  context.Context // done once the peer closes
}

// New returns an unconnected Transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Factory returns a [stream.Factory] producing Transports with opts.
func Factory(opts ...Option) stream.Factory {
	return func() stream.Transport { return New(opts...) }
}

// Connect implements [stream.Transport].
func (t *Transport) Connect(ctx context.Context, endpoint string) error {
	t.mu.Lock()
	if t.state == stream.Open || t.state == stream.Connecting {
		t.mu.Unlock()
		return &stream.TransportError{Op: "connect", Endpoint: endpoint, Err: stream.ErrAlreadyConnected}
	}
	t.state = stream.Connecting
	t.endpoint = endpoint
	t.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, endpoint, nil)
	if err != nil {
		terr := &stream.TransportError{Op: "connect", Endpoint: endpoint, Err: err}
		t.mu.Lock()
		t.state = stream.Failed
		t.lastErr = terr
		t.mu.Unlock()
		return terr
	}

	// CloseRead keeps reading control frames in the background and cancels
	// the returned context when the peer goes away.
	readCtx := conn.CloseRead(context.Background())

	t.mu.Lock()
	t.conn = conn
	t.readCtx = readCtx
	t.state = stream.Open
	t.lastErr = nil
	t.mu.Unlock()

	slog.Debug("stream connected", "endpoint", endpoint)
	return nil
}

// SendChunk implements [stream.Transport].
func (t *Transport) SendChunk(ctx context.Context, chunk []byte) error {
	t.mu.Lock()
	state, conn, endpoint, readCtx := t.state, t.conn, t.endpoint, t.readCtx
	t.mu.Unlock()

	switch state {
	case stream.Open:
	case stream.Failed:
		return &stream.TransportError{Op: "send", Endpoint: endpoint, Err: stream.ErrConnectionFailed}
	default:
		return &stream.TransportError{Op: "send", Endpoint: endpoint, Err: stream.ErrNotOpen}
	}

	var err error
	if readCtx.Err() != nil {
		err = errors.New("connection closed by peer")
	} else {
		wctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
		err = conn.Write(wctx, websocket.MessageBinary, chunk)
		cancel()
	}
	if err == nil {
		return nil
	}

	terr := &stream.TransportError{Op: "send", Endpoint: endpoint, Err: fmt.Errorf("%w: %v", stream.ErrConnectionFailed, err)}
	t.mu.Lock()
	if t.conn == conn && t.state == stream.Open {
		t.state = stream.Failed
		t.lastErr = terr
	}
	t.mu.Unlock()
	return terr
}

// Close implements [stream.Transport]. A failure to complete the close
// handshake is returned for logging but the transport is Disconnected either
// way.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn, endpoint := t.conn, t.endpoint
	t.conn = nil
	if conn == nil {
		t.state = stream.Disconnected
		t.mu.Unlock()
		return nil
	}
	t.state = stream.Closing
	t.mu.Unlock()

	err := conn.Close(websocket.StatusNormalClosure, "stream closed")
	if errors.As(err, new(websocket.CloseError)) {
		// The peer already completed or initiated the close.
		err = nil
	}

	t.mu.Lock()
	t.state = stream.Disconnected
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("stream: close %s: %w", endpoint, err)
	}
	return nil
}

// State implements [stream.Transport].
func (t *Transport) State() stream.ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastError returns the error that moved the transport to Failed, if any.
func (t *Transport) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}
