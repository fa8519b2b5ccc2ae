package audio

import (
	"sync"
	"time"
)

// DefaultJitterCeiling bounds how much audio a [JitterBuffer] holds.
const DefaultJitterCeiling = 500 * time.Millisecond

// JitterBuffer is a bounded FIFO of [SampleBlock] values for one source. It
// decouples the device callback, which pushes at hardware pace, from the
// mixer, which pulls on its own schedule.
//
// When a push would exceed the ceiling the oldest audio is evicted first:
// stale audio is worth less to a live consumer than a dropped frame. Neither
// Push nor Pull ever blocks waiting for the other side.
//
// A JitterBuffer is safe for concurrent use by one producer and one consumer.
type JitterBuffer struct {
	ceiling time.Duration

	mu      sync.Mutex
	blocks  []SampleBlock
	offset  int    // frames already consumed from blocks[0]
	evicted uint64 // blocks (or block heads) dropped on overflow
}

// NewJitterBuffer returns a buffer holding at most ceiling of audio. A
// non-positive ceiling selects [DefaultJitterCeiling].
func NewJitterBuffer(ceiling time.Duration) *JitterBuffer {
	if ceiling <= 0 {
		ceiling = DefaultJitterCeiling
	}
	return &JitterBuffer{ceiling: ceiling}
}

// Ceiling returns the configured capacity.
func (j *JitterBuffer) Ceiling() time.Duration { return j.ceiling }

// Push appends b, first evicting the oldest buffered audio until b fits. A
// block longer than the ceiling on its own keeps only its most recent frames.
// It returns how many blocks were evicted or trimmed.
func (j *JitterBuffer) Push(b SampleBlock) int {
	if b.Frames() == 0 {
		return 0
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	evicted := 0
	if d := b.Duration(); d > j.ceiling {
		keep := b.Format.Frames(j.ceiling)
		b = b.Slice(b.Frames()-keep, b.Frames())
		evicted++
	}

	incoming := b.Duration()
	for len(j.blocks) > 0 && j.bufferedLocked()+incoming > j.ceiling {
		j.dropHeadLocked()
		evicted++
	}

	j.blocks = append(j.blocks, b)
	j.evicted += uint64(evicted)
	return evicted
}

// dropHeadLocked discards the unconsumed part of the oldest block. Must be
// called with j.mu held.
func (j *JitterBuffer) dropHeadLocked() {
	j.blocks[0] = SampleBlock{}
	j.blocks = j.blocks[1:]
	j.offset = 0
}

// bufferedLocked sums the unconsumed duration per block so that rounding at
// non-integral frame durations never accumulates. Must be called with j.mu
// held.
func (j *JitterBuffer) bufferedLocked() time.Duration {
	var d time.Duration
	for i, b := range j.blocks {
		frames := b.Frames()
		if i == 0 {
			frames -= j.offset
		}
		d += b.Format.Duration(frames)
	}
	return d
}

// Pull returns up to max of the oldest buffered audio without blocking. The
// result may be shorter than requested; ok is false when nothing is buffered.
func (j *JitterBuffer) Pull(max time.Duration) (SampleBlock, bool) {
	j.mu.Lock()
	if len(j.blocks) == 0 {
		j.mu.Unlock()
		return SampleBlock{}, false
	}
	frames := j.blocks[0].Format.Frames(max)
	j.mu.Unlock()
	return j.PullFrames(frames)
}

// PullFrames returns up to maxFrames frames of the oldest buffered audio.
// Consecutive blocks sharing the head block's format are concatenated; a
// block may be split, and the next pull resumes where this one stopped.
func (j *JitterBuffer) PullFrames(maxFrames int) (SampleBlock, bool) {
	if maxFrames <= 0 {
		return SampleBlock{}, false
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.blocks) == 0 {
		return SampleBlock{}, false
	}

	head := j.blocks[0]
	format := head.Format
	fb := format.FrameBytes()
	out := SampleBlock{
		Format:    format,
		Timestamp: head.Timestamp + format.Duration(j.offset),
	}

	// Fast path: the request fits inside the head block.
	if avail := head.Frames() - j.offset; avail >= maxFrames || len(j.blocks) == 1 || j.blocks[1].Format != format {
		n := min(avail, maxFrames)
		out.Data = head.Data[j.offset*fb : (j.offset+n)*fb]
		j.consumeLocked(n)
		return out, true
	}

	data := make([]byte, 0, maxFrames*fb)
	remaining := maxFrames
	for remaining > 0 && len(j.blocks) > 0 && j.blocks[0].Format == format {
		b := j.blocks[0]
		n := min(b.Frames()-j.offset, remaining)
		data = append(data, b.Data[j.offset*fb:(j.offset+n)*fb]...)
		j.consumeLocked(n)
		remaining -= n
	}
	out.Data = data
	return out, true
}

// consumeLocked advances the read position by n frames of the head block.
// Must be called with j.mu held.
func (j *JitterBuffer) consumeLocked(n int) {
	j.offset += n
	if j.offset >= j.blocks[0].Frames() {
		j.blocks[0] = SampleBlock{}
		j.blocks = j.blocks[1:]
		j.offset = 0
	}
}

// Buffered returns the unconsumed duration currently held.
func (j *JitterBuffer) Buffered() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.bufferedLocked()
}

// Len returns the number of blocks (including a partially consumed head).
func (j *JitterBuffer) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.blocks)
}

// Evicted returns the total number of blocks dropped or trimmed on overflow.
func (j *JitterBuffer) Evicted() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.evicted
}

// Reset discards all buffered audio.
func (j *JitterBuffer) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.blocks = nil
	j.offset = 0
}
