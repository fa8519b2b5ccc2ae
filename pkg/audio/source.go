// Package audio defines the capture-side types of the coachpad pipeline and
// the pure signal stages that sit between capture devices and the network.
//
// The main abstractions are:
//
//   - [Source]: one physical or virtual capture device delivering
//     [SampleBlock] values at its native [Format] through a push callback.
//   - [Opener]: creates a [Source] for a [SourceDescriptor]. Backend packages
//     (audio/miniaudio, audio/portaudio) implement it.
//   - [JitterBuffer]: absorbs the timing mismatch between device callbacks
//     and the pull-based mixer.
//   - [MixerSession]: converts every source to 16 kHz mono and sums them.
//   - [Quantize] and [Chunker]: turn the mixed stream into fixed-size
//     little-endian 16-bit PCM frames.
//
// This package lives under pkg/ because external code (third-party capture
// backends) is expected to implement [Source] and [Opener].
package audio

import (
	"context"
	"errors"
	"fmt"
)

// SourceKind classifies what a [Source] captures.
type SourceKind int

const (
	// Microphone captures the local input device.
	Microphone SourceKind = iota

	// SystemLoopback captures the audio other applications are playing on
	// the default render device.
	SystemLoopback
)

// String returns the human-readable name of the source kind.
func (k SourceKind) String() string {
	switch k {
	case Microphone:
		return "microphone"
	case SystemLoopback:
		return "system_loopback"
	default:
		return "unknown"
	}
}

// SourceDescriptor is the caller-supplied request for one source. It is
// immutable for the duration of a pipeline run.
type SourceDescriptor struct {
	Kind    SourceKind
	Enabled bool
}

// Source wraps one capture device.
//
// A Source is obtained from [Opener.Open] with its native [Format] already
// negotiated. Start begins asynchronous delivery on a backend-owned thread;
// the callback must not block and must not retain the block's Data beyond
// taking ownership of it.
//
// Stop is synchronous: once it returns, no further callbacks are running or
// will be started. Stop is idempotent and also releases the device handle.
type Source interface {
	// Kind reports which kind of device this source wraps.
	Kind() SourceKind

	// Format returns the native format of delivered blocks.
	Format() Format

	// Start begins delivering blocks to cb until Stop is called.
	Start(cb func(SampleBlock)) error

	// Stop halts delivery and releases the device.
	Stop() error
}

// Opener creates sources for descriptors. Implementations must keep the
// failure domains of different kinds independent: failing to open a
// loopback device must not affect a microphone opened by the same Opener.
type Opener interface {
	Open(ctx context.Context, desc SourceDescriptor) (Source, error)
}

// OpenerFunc adapts a plain function to [Opener].
type OpenerFunc func(ctx context.Context, desc SourceDescriptor) (Source, error)

// Open implements [Opener].
func (f OpenerFunc) Open(ctx context.Context, desc SourceDescriptor) (Source, error) {
	return f(ctx, desc)
}

// KindRouter dispatches Open calls to a per-kind [Opener], so microphone and
// loopback capture can come from different backends.
type KindRouter map[SourceKind]Opener

// Open implements [Opener]. Kinds without a registered opener fail with
// [ErrDeviceUnavailable].
func (r KindRouter) Open(ctx context.Context, desc SourceDescriptor) (Source, error) {
	o, ok := r[desc.Kind]
	if !ok || o == nil {
		return nil, &CaptureError{Kind: desc.Kind, Op: "open", Err: ErrDeviceUnavailable}
	}
	return o.Open(ctx, desc)
}

// Capture error classes. Backends wrap one of these in a [CaptureError] so the
// orchestrator can tell device problems from format problems.
var (
	// ErrDeviceUnavailable means the device is missing, busy, or the backend
	// does not support this kind of capture on this platform.
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	// ErrPermissionDenied means the OS refused access to the device.
	ErrPermissionDenied = errors.New("audio device permission denied")

	// ErrUnsupportedFormat means the device format cannot be negotiated or
	// processed.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// CaptureError reports a failure of one [Source] operation.
type CaptureError struct {
	Kind SourceKind
	Op   string // "open", "start", "stop"
	Err  error
}

// Error implements error.
func (e *CaptureError) Error() string {
	return fmt.Sprintf("audio: %s %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CaptureError) Unwrap() error { return e.Err }

// IsFormatError reports whether err belongs to the format error class.
func IsFormatError(err error) bool {
	return errors.Is(err, ErrUnsupportedFormat)
}

// IsDeviceError reports whether err belongs to the device error class. Any
// [CaptureError] that is not a format error counts as a device error.
func IsDeviceError(err error) bool {
	if err == nil || IsFormatError(err) {
		return false
	}
	if errors.Is(err, ErrDeviceUnavailable) || errors.Is(err, ErrPermissionDenied) {
		return true
	}
	var ce *CaptureError
	return errors.As(err, &ce)
}

// ErrorClass returns "format", "device" or "other" for metrics labels.
func ErrorClass(err error) string {
	switch {
	case IsFormatError(err):
		return "format"
	case IsDeviceError(err):
		return "device"
	default:
		return "other"
	}
}
