package audio

import (
	"encoding/binary"
	"math"
)

// DefaultChunkBytes is the transport frame size: 100 ms of 16 kHz mono 16-bit
// PCM.
const DefaultChunkBytes = 3200

// QuantizeSample converts one float sample to 16-bit PCM. Values at or beyond
// full scale saturate instead of wrapping, NaN maps to 0, and everything else
// is scaled by 32767 and rounded half away from zero.
func QuantizeSample(v float32) int16 {
	switch {
	case math.IsNaN(float64(v)):
		return 0
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return math.MinInt16
	}
	return int16(math.Round(float64(v) * math.MaxInt16))
}

// Quantize converts samples into little-endian 16-bit PCM bytes.
func Quantize(samples []float32) []byte {
	return AppendQuantized(make([]byte, 0, len(samples)*2), samples)
}

// AppendQuantized appends the little-endian 16-bit PCM encoding of samples to
// dst and returns the extended slice.
func AppendQuantized(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(QuantizeSample(s)))
	}
	return dst
}

// Chunker slices a byte stream into fixed-size frames. Bytes that do not fill
// a whole frame are held until the next Write.
type Chunker struct {
	size int
	buf  []byte
}

// NewChunker returns a Chunker emitting size-byte frames. A non-positive size
// selects [DefaultChunkBytes]; odd sizes are rounded up so a frame never
// splits a sample.
func NewChunker(size int) *Chunker {
	if size <= 0 {
		size = DefaultChunkBytes
	}
	if size%2 != 0 {
		size++
	}
	return &Chunker{size: size}
}

// Size returns the frame size in bytes.
func (c *Chunker) Size() int { return c.size }

// Write appends p and returns every complete frame now available. Each
// returned frame is a fresh slice the caller may retain.
func (c *Chunker) Write(p []byte) [][]byte {
	c.buf = append(c.buf, p...)
	var chunks [][]byte
	for len(c.buf) >= c.size {
		chunk := make([]byte, c.size)
		copy(chunk, c.buf[:c.size])
		chunks = append(chunks, chunk)
		c.buf = c.buf[c.size:]
	}
	if len(c.buf) == 0 {
		c.buf = nil
	}
	return chunks
}

// Pending returns the number of buffered bytes that do not yet form a frame.
func (c *Chunker) Pending() int { return len(c.buf) }

// Reset discards buffered bytes.
func (c *Chunker) Reset() { c.buf = nil }
