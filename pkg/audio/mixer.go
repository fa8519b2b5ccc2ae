package audio

import "sync"

// MixerSession is the per-run mixing state: one lane per active source, each
// with its own [JitterBuffer], [Normalizer] and a queue of converted samples
// not yet mixed. It produces the continuous [TargetFormat] stream.
//
// Each call to [MixerSession.Mix] represents one slice of the common timeline.
// Lanes that cannot fill the slice contribute silence for the missing tail, so
// a stalled source never shortens or delays the combined output.
//
// Mix and Close are meant to be called by a single consumer goroutine;
// AddSource may be called concurrently with Mix before sources start.
type MixerSession struct {
	mu    sync.Mutex
	lanes []*mixLane
}

type mixLane struct {
	kind    SourceKind
	buf     *JitterBuffer
	norm    *Normalizer
	sizer   *Resampler // sizes pulls from the native rate; never processes audio
	pending []float32
}

// NewMixerSession returns an empty session.
func NewMixerSession() *MixerSession {
	return &MixerSession{}
}

// AddSource registers a lane reading from buf. native is the format the
// source declared when it was opened; it is used to size pulls.
func (m *MixerSession) AddSource(kind SourceKind, buf *JitterBuffer, native Format) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lanes = append(m.lanes, &mixLane{
		kind:  kind,
		buf:   buf,
		norm:  NewNormalizer(TargetSampleRate),
		sizer: NewResampler(native.SampleRate, TargetSampleRate),
	})
}

// Sources returns the number of registered lanes.
func (m *MixerSession) Sources() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes)
}

// Mix returns exactly frames mono samples at [TargetSampleRate]: the
// sample-by-sample sum of every lane. No clipping is applied; quantization
// clamps later.
func (m *MixerSession) Mix(frames int) []float32 {
	if frames <= 0 {
		return nil
	}
	out := make([]float32, frames)

	m.mu.Lock()
	lanes := m.lanes
	m.mu.Unlock()

	for _, l := range lanes {
		l.fill(frames)
		n := min(len(l.pending), frames)
		for i := range n {
			out[i] += l.pending[i]
		}
		l.pending = l.pending[n:]
		if len(l.pending) == 0 {
			l.pending = nil
		}
	}
	return out
}

// fill converts buffered input until the lane holds at least need samples or
// its buffer runs dry.
func (l *mixLane) fill(need int) {
	for len(l.pending) < need {
		in := l.sizer.InputFor(need - len(l.pending))
		block, ok := l.buf.PullFrames(in)
		if !ok {
			return
		}
		l.pending = append(l.pending, l.norm.Convert(block)...)
	}
}

// Close releases every lane and its buffered audio. The session must not be
// used afterwards.
func (m *MixerSession) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lanes {
		l.buf.Reset()
		l.pending = nil
	}
	m.lanes = nil
}
