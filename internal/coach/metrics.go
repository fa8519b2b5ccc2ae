package coach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/coachpad/pkg/stream"
)

// DefaultPingInterval is how often the live-metrics channel sends a keepalive.
const DefaultPingInterval = 10 * time.Second

// LiveMetrics is one coaching update pushed by the backend on /ws/ui.
type LiveMetrics struct {
	TalkListenRatio    float64  `json:"talk_listen_ratio"`
	QuestionsPerMinute float64  `json:"questions_per_minute"`
	Sentiment          float64  `json:"sentiment"`
	Engagement         float64  `json:"engagement"`
	MethodologyStage   string   `json:"methodology_stage"`
	SayNext            []string `json:"say_next"`
	LastUpdateMS       int64    `json:"last_update_ms"`
}

// MetricsOption is a functional option for [NewMetricsClient].
type MetricsOption func(*MetricsClient)

// WithPingInterval sets the keepalive period. Default: 10s.
func WithPingInterval(d time.Duration) MetricsOption {
	return func(c *MetricsClient) { c.pingInterval = d }
}

// WithMetricsHandler registers fn to receive every decoded update.
func WithMetricsHandler(fn func(LiveMetrics)) MetricsOption {
	return func(c *MetricsClient) { c.onMetrics = fn }
}

// WithChannelErrorHandler registers fn to receive read and decode errors.
func WithChannelErrorHandler(fn func(error)) MetricsOption {
	return func(c *MetricsClient) { c.onError = fn }
}

// MetricsClient subscribes to the backend's live-metrics channel.
type MetricsClient struct {
	pingInterval time.Duration
	onMetrics    func(LiveMetrics)
	onError      func(error)

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	last   *LiveMetrics
}

// NewMetricsClient returns a disconnected client.
func NewMetricsClient(opts ...MetricsOption) *MetricsClient {
	c := &MetricsClient{pingInterval: DefaultPingInterval}
	for _, o := range opts {
		o(c)
	}
	if c.pingInterval <= 0 {
		c.pingInterval = DefaultPingInterval
	}
	return c
}

// Connect dials ws://host/ws/ui, replacing any previous connection, and
// starts the receive and keepalive loops.
func (c *MetricsClient) Connect(ctx context.Context, host string) error {
	_ = c.Close()

	url := stream.URL(host, stream.UIPath)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return &stream.TransportError{Op: "connect", Endpoint: url, Err: err}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		go c.pingLoop(loopCtx, conn)
		c.readLoop(loopCtx, conn)
		cancel()
	}()
	slog.Info("live metrics channel connected", "url", url)
	return nil
}

func (c *MetricsClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.CloseStatus(err) != -1:
				slog.Info("live metrics channel closed by server", "status", websocket.CloseStatus(err).String())
			default:
				c.reportError(fmt.Errorf("coach: metrics read: %w", err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var m LiveMetrics
		if err := json.Unmarshal(data, &m); err != nil {
			c.reportError(fmt.Errorf("coach: decode metrics: %w", err))
			continue
		}
		c.mu.Lock()
		c.last = &m
		c.mu.Unlock()
		if c.onMetrics != nil {
			c.onMetrics(m)
		}
	}
}

// pingLoop sends "ping" immediately and then every interval. Write errors
// are ignored; a dead connection surfaces through the read loop.
func (c *MetricsClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	for {
		if err := conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil && ctx.Err() == nil {
			slog.Debug("live metrics ping failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (c *MetricsClient) reportError(err error) {
	slog.Warn("live metrics channel error", "err", err)
	if c.onError != nil {
		c.onError(err)
	}
}

// Close closes the connection with a normal closure. It is idempotent and
// close-handshake failures are not returned.
func (c *MetricsClient) Close() error {
	c.mu.Lock()
	conn, cancel, done := c.conn, c.cancel, c.done
	c.conn, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "")
	cancel()
	<-done
	var ce websocket.CloseError
	if err != nil && !errors.As(err, &ce) {
		slog.Debug("live metrics close", "err", err)
	}
	return nil
}

// Connected reports whether the receive loop is running.
func (c *MetricsClient) Connected() bool {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Last returns the most recent update, if any.
func (c *MetricsClient) Last() (LiveMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return LiveMetrics{}, false
	}
	return *c.last, true
}
