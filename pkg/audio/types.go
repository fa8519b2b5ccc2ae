package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// SampleFormat identifies how a single sample is encoded in a [SampleBlock].
type SampleFormat int

const (
	// Float32 samples are little-endian IEEE-754 values, nominally in [-1, 1].
	Float32 SampleFormat = iota

	// Int16 samples are little-endian signed 16-bit PCM.
	Int16
)

// String returns the human-readable name of the sample format.
func (f SampleFormat) String() string {
	switch f {
	case Float32:
		return "f32"
	case Int16:
		return "s16"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the encoded width of one sample, or 0 for an
// unknown format.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case Float32:
		return 4
	case Int16:
		return 2
	default:
		return 0
	}
}

// Format describes the sample rate, channel count and sample encoding of an
// audio stream. Every pipeline stage declares the Format it consumes and
// produces.
type Format struct {
	SampleRate int
	Channels   int
	Sample     SampleFormat
}

// TargetSampleRate is the rate of the mixed stream sent to the backend.
const TargetSampleRate = 16000

// TargetFormat is the mixer output format. Quantization turns it into
// 16-bit PCM for transport.
var TargetFormat = Format{SampleRate: TargetSampleRate, Channels: 1, Sample: Float32}

// Validate returns an error wrapping [ErrUnsupportedFormat] when f cannot be
// processed by the pipeline.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("%w: channel count %d", ErrUnsupportedFormat, f.Channels)
	}
	if f.Sample.BytesPerSample() == 0 {
		return fmt.Errorf("%w: sample format %d", ErrUnsupportedFormat, int(f.Sample))
	}
	return nil
}

// FrameBytes returns the size in bytes of one interleaved frame (one sample
// per channel).
func (f Format) FrameBytes() int {
	return f.Channels * f.Sample.BytesPerSample()
}

// Duration converts a frame count to wall-clock duration at this format's rate.
func (f Format) Duration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(f.SampleRate))
}

// Frames converts a duration to a whole number of frames at this format's
// rate, rounding down.
func (f Format) Frames(d time.Duration) int {
	if d <= 0 || f.SampleRate <= 0 {
		return 0
	}
	return int(int64(d) * int64(f.SampleRate) / int64(time.Second))
}

// String returns e.g. "48000Hz stereo f32".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels) + " " + f.Sample.String()
}

// SampleBlock is an immutable, timestamped run of interleaved samples in a
// declared [Format]. Ownership transfers to the receiver on push; producers
// must not modify Data afterwards.
type SampleBlock struct {
	Format Format

	// Data holds little-endian interleaved samples encoded per Format.Sample.
	Data []byte

	// Timestamp marks when the first frame was captured, relative to the
	// start of the source.
	Timestamp time.Duration
}

// NewFloat32Block copies samples into a new Float32 block.
func NewFloat32Block(rate, channels int, samples []float32, ts time.Duration) SampleBlock {
	data := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(s))
	}
	return SampleBlock{
		Format:    Format{SampleRate: rate, Channels: channels, Sample: Float32},
		Data:      data,
		Timestamp: ts,
	}
}

// NewInt16Block copies samples into a new Int16 block.
func NewInt16Block(rate, channels int, samples []int16, ts time.Duration) SampleBlock {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return SampleBlock{
		Format:    Format{SampleRate: rate, Channels: channels, Sample: Int16},
		Data:      data,
		Timestamp: ts,
	}
}

// Frames returns the number of whole frames in the block. Trailing partial
// frames are ignored.
func (b SampleBlock) Frames() int {
	fb := b.Format.FrameBytes()
	if fb == 0 {
		return 0
	}
	return len(b.Data) / fb
}

// Duration returns the playback length of the block.
func (b SampleBlock) Duration() time.Duration {
	return b.Format.Duration(b.Frames())
}

// Slice returns the frames in [from, to) as a new block sharing Data. The
// timestamp is advanced by the skipped frames.
func (b SampleBlock) Slice(from, to int) SampleBlock {
	n := b.Frames()
	from = min(max(from, 0), n)
	to = min(max(to, from), n)
	fb := b.Format.FrameBytes()
	return SampleBlock{
		Format:    b.Format,
		Data:      b.Data[from*fb : to*fb],
		Timestamp: b.Timestamp + b.Format.Duration(from),
	}
}

// Float32s decodes the block into interleaved float samples. Int16 samples
// are scaled by 1/32768 so that full scale maps into [-1, 1).
func (b SampleBlock) Float32s() []float32 {
	switch b.Format.Sample {
	case Float32:
		n := len(b.Data) / 4
		out := make([]float32, n)
		for i := range n {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b.Data[i*4:]))
		}
		return out
	case Int16:
		n := len(b.Data) / 2
		out := make([]float32, n)
		for i := range n {
			out[i] = float32(int16(binary.LittleEndian.Uint16(b.Data[i*2:]))) / 32768
		}
		return out
	default:
		return nil
	}
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
