// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Opener] for use in unit tests, together with synthetic sample
// generators.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Source{SourceKind: audio.Microphone, NativeFormat: audio.TargetFormat}
//	opener := &mock.Opener{
//	    Sources: map[audio.SourceKind]*mock.Source{audio.Microphone: mic},
//	    OpenErrors: map[audio.SourceKind]error{
//	        audio.SystemLoopback: audio.ErrDeviceUnavailable,
//	    },
//	}
//	// ... start the pipeline, then drive audio:
//	mic.Emit(mock.SineBlock(audio.TargetFormat, 1600, 440, 0.1, 0))
package mock

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/coachpad/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Blocks are delivered only
// when the test calls [Source.Emit]; nothing runs in the background.
type Source struct {
	mu sync.Mutex

	// SourceKind is returned by [Source.Kind].
	SourceKind audio.SourceKind

	// NativeFormat is returned by [Source.Format]. Defaults to
	// [audio.TargetFormat] when left zero.
	NativeFormat audio.Format

	// StartError is returned by [Source.Start]. When non-nil the source does
	// not start.
	StartError error

	// StopError is returned by [Source.Stop].
	StopError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// Delivered counts blocks handed to the callback.
	Delivered int

	cb      func(audio.SampleBlock)
	running bool
}

// Kind implements [audio.Source].
func (s *Source) Kind() audio.SourceKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SourceKind
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.NativeFormat == (audio.Format{}) {
		return audio.TargetFormat
	}
	return s.NativeFormat
}

// Start implements [audio.Source]. Returns StartError.
func (s *Source) Start(cb func(audio.SampleBlock)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.cb = cb
	s.running = true
	return nil
}

// Stop implements [audio.Source]. Once it returns, [Source.Emit] no longer
// reaches the callback. Returns StopError.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.running = false
	s.cb = nil
	return s.StopError
}

// Running reports whether the source is between Start and Stop.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Emit delivers b to the registered callback, as a device thread would. It
// reports whether the block was delivered; a stopped source drops it. The
// callback runs with the source lock held, so Stop waits for an in-flight
// delivery to finish.
func (s *Source) Emit(b audio.SampleBlock) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cb == nil {
		return false
	}
	s.cb(b)
	s.Delivered++
	return true
}

// DeliveredCount returns the number of blocks handed to the callback so far.
func (s *Source) DeliveredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Delivered
}

// StopCount returns the number of Stop calls.
func (s *Source) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStop
}

// ─── Opener ──────────────────────────────────────────────────────────────────

// Opener is a mock implementation of [audio.Opener].
type Opener struct {
	mu sync.Mutex

	// Sources maps each kind to the source returned by Open.
	Sources map[audio.SourceKind]*Source

	// OpenErrors maps kinds to the error Open returns for them. Plain
	// sentinels are wrapped in an [audio.CaptureError].
	OpenErrors map[audio.SourceKind]error

	// Calls records every descriptor passed to Open, in order.
	Calls []audio.SourceDescriptor
}

// Open implements [audio.Opener]. Kinds with neither a source nor an error
// fail with [audio.ErrDeviceUnavailable].
func (o *Opener) Open(_ context.Context, desc audio.SourceDescriptor) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Calls = append(o.Calls, desc)

	if err, ok := o.OpenErrors[desc.Kind]; ok && err != nil {
		return nil, &audio.CaptureError{Kind: desc.Kind, Op: "open", Err: err}
	}
	if src, ok := o.Sources[desc.Kind]; ok && src != nil {
		return src, nil
	}
	return nil, &audio.CaptureError{Kind: desc.Kind, Op: "open", Err: audio.ErrDeviceUnavailable}
}

// CallCount returns the number of Open calls.
func (o *Opener) CallCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Calls)
}

// ─── Generators ──────────────────────────────────────────────────────────────

// SilenceBlock returns frames of all-zero audio in format f.
func SilenceBlock(f audio.Format, frames int, ts time.Duration) audio.SampleBlock {
	return audio.SampleBlock{
		Format:    f,
		Data:      make([]byte, frames*f.FrameBytes()),
		Timestamp: ts,
	}
}

// SineBlock returns frames of a sine wave at freq Hz with peak amplitude amp
// (full scale = 1) in format f. Every channel carries the same signal.
func SineBlock(f audio.Format, frames int, freq, amp float64, ts time.Duration) audio.SampleBlock {
	b := SilenceBlock(f, frames, ts)
	bps := f.Sample.BytesPerSample()
	for i := range frames {
		v := amp * math.Sin(2*math.Pi*freq*float64(i)/float64(f.SampleRate))
		for c := range f.Channels {
			off := (i*f.Channels + c) * bps
			switch f.Sample {
			case audio.Float32:
				binary.LittleEndian.PutUint32(b.Data[off:], math.Float32bits(float32(v)))
			case audio.Int16:
				binary.LittleEndian.PutUint16(b.Data[off:], uint16(int16(math.Round(v*32767))))
			}
		}
	}
	return b
}
