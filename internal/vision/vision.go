// Package vision streams JPEG still frames to the backend's vision endpoint.
//
// The streamer is fire-and-forget: it captures one frame per interval,
// encodes it and sends it as a single binary message. The first capture or
// send error is reported and ends the stream; there is no retry.
package vision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/coachpad/pkg/stream"
)

const (
	// DefaultInterval gives roughly two frames per second.
	DefaultInterval = 500 * time.Millisecond
	// MinInterval caps the stream at five frames per second.
	MinInterval = 200 * time.Millisecond
	// DefaultQuality is the JPEG quality used when none is configured.
	DefaultQuality = 70
)

// ErrStreaming is returned by Start while a stream is active.
var ErrStreaming = errors.New("vision: already streaming")

// FrameSource produces still frames, typically screen or camera captures.
type FrameSource interface {
	Capture(ctx context.Context) (image.Image, error)
}

// FrameSourceFunc adapts a function to [FrameSource].
type FrameSourceFunc func(ctx context.Context) (image.Image, error)

// Capture implements [FrameSource].
func (f FrameSourceFunc) Capture(ctx context.Context) (image.Image, error) { return f(ctx) }

// Option is a functional option for [New].
type Option func(*Streamer)

// WithInterval sets the capture period. Values below [MinInterval] are raised
// to it.
func WithInterval(d time.Duration) Option {
	return func(s *Streamer) { s.interval = d }
}

// WithQuality sets the JPEG quality (1-100).
func WithQuality(q int) Option {
	return func(s *Streamer) { s.quality = q }
}

// WithErrorHandler registers fn to receive the error that ended a stream.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Streamer) { s.onError = fn }
}

// WithTickSource replaces the internal ticker.
func WithTickSource(ticks <-chan time.Time) Option {
	return func(s *Streamer) { s.tickSource = ticks }
}

// Streamer sends frames from a [FrameSource] over a [stream.Transport].
type Streamer struct {
	frames       FrameSource
	newTransport stream.Factory
	interval     time.Duration
	quality      int
	onError      func(error)
	tickSource   <-chan time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	transport stream.Transport
	sent      int
}

// New returns a stopped Streamer.
func New(frames FrameSource, newTransport stream.Factory, opts ...Option) *Streamer {
	s := &Streamer{
		frames:       frames,
		newTransport: newTransport,
		interval:     DefaultInterval,
		quality:      DefaultQuality,
	}
	for _, o := range opts {
		o(s)
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	s.interval = max(s.interval, MinInterval)
	if s.quality < 1 || s.quality > 100 {
		s.quality = DefaultQuality
	}
	return s
}

// Start connects to endpoint and begins streaming in the background.
func (s *Streamer) Start(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return ErrStreaming
		}
	}
	if s.transport != nil {
		// Previous stream ended on its own; release what it left behind.
		s.cancel()
		_ = s.transport.Close()
		s.cancel, s.transport = nil, nil
	}

	t := s.newTransport()
	if err := t.Connect(ctx, endpoint); err != nil {
		_ = t.Close()
		return fmt.Errorf("vision: connect: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.transport = t
	s.sent = 0

	go s.loop(runCtx, t, done)
	slog.Info("vision stream started", "endpoint", endpoint, "interval", s.interval)
	return nil
}

func (s *Streamer) loop(ctx context.Context, t stream.Transport, done chan struct{}) {
	defer close(done)

	ticks := s.tickSource
	if ticks == nil {
		tk := time.NewTicker(s.interval)
		defer tk.Stop()
		ticks = tk.C
	}

	var buf bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
		}

		if err := s.sendFrame(ctx, t, &buf); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("vision stream ended", "err", err)
			if s.onError != nil {
				s.onError(err)
			}
			return
		}
	}
}

func (s *Streamer) sendFrame(ctx context.Context, t stream.Transport, buf *bytes.Buffer) error {
	img, err := s.frames.Capture(ctx)
	if err != nil {
		return fmt.Errorf("vision: capture: %w", err)
	}
	buf.Reset()
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return fmt.Errorf("vision: encode: %w", err)
	}
	if err := t.SendChunk(ctx, buf.Bytes()); err != nil {
		return fmt.Errorf("vision: send: %w", err)
	}
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return nil
}

// Stop ends the stream and closes the transport. It is idempotent; close
// failures are logged, never returned.
func (s *Streamer) Stop() {
	s.mu.Lock()
	cancel, done, t := s.cancel, s.done, s.transport
	s.cancel, s.transport = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	if err := t.Close(); err != nil {
		slog.Warn("vision transport close failed", "err", err)
	}
	slog.Info("vision stream stopped")
}

// Active reports whether the capture loop is running.
func (s *Streamer) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Sent returns the number of frames sent in the current or last stream.
func (s *Streamer) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}
