package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/coachpad/pkg/audio"
	"github.com/MrWong99/coachpad/pkg/stream"
)

// run holds every resource of one pipeline run. It is owned by the Pipeline
// until release.
type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	transport stream.Transport
	sources   []*sourceGuard
	mixer     *audio.MixerSession
	queue     *sendQueue

	done chan struct{} // closed once consumer and sender have exited
}

// launch starts the consumer and sender goroutines plus a supervisor that
// turns a sender failure into a pipeline failure.
func (r *run) launch(p *Pipeline) {
	g, gctx := errgroup.WithContext(r.ctx)

	ticks, stopTicks := p.ticks()
	frames := audio.TargetFormat.Frames(p.tick)
	chunker := audio.NewChunker(p.chunkBytes)

	g.Go(func() error {
		defer stopTicks()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticks:
				pcm := audio.Quantize(r.mixer.Mix(frames))
				for _, chunk := range chunker.Write(pcm) {
					if r.queue.push(chunk) {
						p.metrics.ChunksDropped.Add(r.ctx, 1)
					}
				}
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case chunk := <-r.queue.ch:
				start := time.Now()
				if err := r.transport.SendChunk(gctx, chunk); err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return err
				}
				p.metrics.SendDuration.Record(r.ctx, time.Since(start).Seconds())
				p.metrics.ChunksSent.Add(r.ctx, 1)
			}
		}
	})

	go func() {
		err := g.Wait()
		close(r.done)
		if err != nil {
			p.fail(r, err)
		}
	}()
}

// ticks returns the tick channel for one run and a function releasing it.
func (p *Pipeline) ticks() (<-chan time.Time, func()) {
	if p.tickSource != nil {
		return p.tickSource, func() {}
	}
	t := time.NewTicker(p.tick)
	return t.C, t.Stop
}

// release tears the run down: sources first, then (after the goroutines have
// exited, when wait is set) buffers, the mixer session and the transport.
// Every step is best-effort.
func (r *run) release(log *slog.Logger, wait bool) {
	r.cancel()
	for _, g := range r.sources {
		g.close()
		stopSource(r.ctx, g.src)
	}
	if wait {
		<-r.done
	}
	for _, g := range r.sources {
		g.buf.Reset()
	}
	r.mixer.Close()
	r.queue.drain()
	closeTransport(log, r.transport)
}

func stopSource(ctx context.Context, src audio.Source) {
	if err := src.Stop(); err != nil {
		slog.WarnContext(ctx, "capture: source stop failed", "source", src.Kind().String(), "err", err)
	}
}

func closeTransport(log *slog.Logger, t stream.Transport) {
	if err := t.Close(); err != nil {
		log.Warn("capture: transport close failed", "err", err)
	}
}

// sourceGuard sits between a device callback and its jitter buffer. Once
// closed it drops every block, and close waits for an in-flight delivery to
// finish.
type sourceGuard struct {
	kind    audio.SourceKind
	src     audio.Source
	buf     *audio.JitterBuffer
	onEvict func(n int)

	mu     sync.RWMutex
	closed bool
}

// deliver is the callback handed to [audio.Source.Start]. It never blocks on
// anything but the buffer's own lock.
func (g *sourceGuard) deliver(b audio.SampleBlock) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return
	}
	if n := g.buf.Push(b); n > 0 && g.onEvict != nil {
		g.onEvict(n)
	}
}

func (g *sourceGuard) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// sendQueue is a bounded chunk queue between the consumer and the sender.
// It has a single producer, which sheds the oldest chunk when full.
type sendQueue struct {
	ch chan []byte
}

func newSendQueue(n int) *sendQueue {
	return &sendQueue{ch: make(chan []byte, n)}
}

// push enqueues chunk without blocking and reports whether an older chunk was
// dropped to make room.
func (q *sendQueue) push(chunk []byte) (dropped bool) {
	for {
		select {
		case q.ch <- chunk:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			dropped = true
		default:
		}
	}
}

// drain discards queued chunks.
func (q *sendQueue) drain() {
	for {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}
