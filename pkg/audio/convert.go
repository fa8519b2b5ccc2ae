package audio

import (
	"log/slog"
	"sync"
)

// DownmixToMono averages interleaved frames into a single channel with equal
// weight per channel (0.5/0.5 for stereo). Mono input is returned unchanged.
func DownmixToMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	weight := 1 / float32(channels)
	for i := range frames {
		var sum float32
		base := i * channels
		for c := range channels {
			sum += samples[base+c]
		}
		out[i] = sum * weight
	}
	return out
}

// Resampler converts a mono float stream from one rate to another using
// linear interpolation. It is stateful: the last input sample and the
// fractional read position carry over between calls, so splitting the input
// into blocks produces the same output as one contiguous call, without
// overlap or gaps at block boundaries.
//
// A Resampler is owned by a single goroutine.
type Resampler struct {
	srcRate int
	dstRate int
	step    float64 // input samples advanced per output sample

	pos    float64 // read position relative to last (index 0) once primed
	last   float32
	primed bool
}

// NewResampler returns a Resampler from srcRate to dstRate. Non-positive
// rates produce a pass-through resampler.
func NewResampler(srcRate, dstRate int) *Resampler {
	r := &Resampler{srcRate: srcRate, dstRate: dstRate}
	if srcRate > 0 && dstRate > 0 {
		r.step = float64(srcRate) / float64(dstRate)
	}
	return r
}

// Passthrough reports whether the resampler copies input unchanged.
func (r *Resampler) Passthrough() bool {
	return r.step == 0 || r.srcRate == r.dstRate
}

// Process resamples in and returns the output samples that are fully
// determined so far. Output for the tail of in may be deferred to the next
// call, which then interpolates across the block boundary.
func (r *Resampler) Process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	if r.Passthrough() {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	buf := in
	if r.primed {
		buf = make([]float32, 0, len(in)+1)
		buf = append(buf, r.last)
		buf = append(buf, in...)
	}

	limit := float64(len(buf) - 1)
	out := make([]float32, 0, int(float64(len(in))/r.step)+1)
	for r.pos < limit {
		idx := int(r.pos)
		frac := float32(r.pos - float64(idx))
		out = append(out, buf[idx]*(1-frac)+buf[idx+1]*frac)
		r.pos += r.step
	}

	// Rebase so that the final input sample becomes index 0 of the next call.
	r.pos -= limit
	r.last = buf[len(buf)-1]
	r.primed = true
	return out
}

// InputFor estimates how many input samples are needed to produce n more
// output samples.
func (r *Resampler) InputFor(n int) int {
	if n <= 0 {
		return 0
	}
	if r.Passthrough() {
		return n
	}
	return int(float64(n)*r.step+0.999999) + 1
}

// Reset discards carried state.
func (r *Resampler) Reset() {
	r.pos = 0
	r.last = 0
	r.primed = false
}

// Normalizer converts blocks of one source to mono float samples at a target
// rate. It logs once on the first format mismatch and drops blocks whose
// format changes mid-stream, because the carried resampler state would no
// longer line up. Create one per source; not designed for shared use across
// goroutines.
type Normalizer struct {
	Target int // target sample rate in Hz

	source    Format
	resampler *Resampler

	loggedMismatch sync.Once
	warnedChange   sync.Once
	warnedCorrupt  sync.Once
}

// NewNormalizer returns a Normalizer producing mono samples at targetRate.
func NewNormalizer(targetRate int) *Normalizer {
	return &Normalizer{Target: targetRate}
}

// Convert returns the mono, target-rate samples for b.
func (n *Normalizer) Convert(b SampleBlock) []float32 {
	if err := b.Format.Validate(); err != nil {
		n.warnedCorrupt.Do(func() {
			slog.Warn("audio normalizer: dropping block with invalid format", "err", err)
		})
		return nil
	}
	if fb := b.Format.FrameBytes(); len(b.Data)%fb != 0 {
		n.warnedCorrupt.Do(func() {
			slog.Warn("audio normalizer: partial trailing frame, truncating",
				"bytes", len(b.Data),
				"frame_bytes", fb,
			)
		})
	}

	if n.resampler == nil {
		n.source = b.Format
		n.resampler = NewResampler(b.Format.SampleRate, n.Target)
		if b.Format.SampleRate != n.Target || b.Format.Channels != 1 {
			n.loggedMismatch.Do(func() {
				slog.Info("audio format mismatch: converting",
					"from", formatString(b.Format.SampleRate, b.Format.Channels),
					"to", formatString(n.Target, 1),
				)
			})
		}
	} else if b.Format.SampleRate != n.source.SampleRate || b.Format.Channels != n.source.Channels {
		n.warnedChange.Do(func() {
			slog.Warn("audio normalizer: source format changed mid-stream, dropping blocks",
				"was", n.source.String(),
				"now", b.Format.String(),
			)
		})
		return nil
	}

	samples := b.Float32s()
	if fb := b.Format.Channels; len(samples)%fb != 0 {
		samples = samples[:len(samples)-len(samples)%fb]
	}
	mono := DownmixToMono(samples, b.Format.Channels)
	return n.resampler.Process(mono)
}
