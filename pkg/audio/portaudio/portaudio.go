// Package portaudio implements a microphone [audio.Opener] on top of
// PortAudio. PortAudio has no portable loopback capture, so opening a
// [audio.SystemLoopback] source always fails with [audio.ErrDeviceUnavailable];
// pair it with another backend through [audio.KindRouter] for system audio.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/coachpad/pkg/audio"
)

var (
	_ audio.Opener = (*Opener)(nil)
	_ audio.Source = (*Source)(nil)
)

// framesPerBuffer is the callback size requested from PortAudio.
const framesPerBuffer = 1024

// Opener opens PortAudio input streams. Each open source holds one reference
// on the PortAudio library, released by its Stop.
type Opener struct {
	// Device selects an input device whose name contains this string
	// (case-insensitive). Empty selects the default input device.
	Device string

	// Channels requested from the device. Zero selects mono.
	Channels int
}

// Open implements [audio.Opener]. Streams are Int16 at the device's default
// sample rate.
func (o *Opener) Open(ctx context.Context, desc audio.SourceDescriptor) (audio.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if desc.Kind != audio.Microphone {
		return nil, openErr(desc.Kind, fmt.Errorf("%w: portaudio supports microphone capture only", audio.ErrDeviceUnavailable))
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, openErr(desc.Kind, fmt.Errorf("%w: initialize portaudio: %v", audio.ErrDeviceUnavailable, err))
	}

	dev, err := o.inputDevice()
	if err != nil {
		terminate()
		return nil, openErr(desc.Kind, err)
	}

	channels := o.Channels
	if channels <= 0 {
		channels = 1
	}
	if channels > dev.MaxInputChannels {
		terminate()
		return nil, openErr(desc.Kind, fmt.Errorf("%w: device %q has %d input channels, want %d",
			audio.ErrUnsupportedFormat, dev.Name, dev.MaxInputChannels, channels))
	}

	s := &Source{
		kind: desc.Kind,
		format: audio.Format{
			SampleRate: int(dev.DefaultSampleRate),
			Channels:   channels,
			Sample:     audio.Int16,
		},
	}
	if err := s.format.Validate(); err != nil {
		terminate()
		return nil, openErr(desc.Kind, err)
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      dev.DefaultSampleRate,
		FramesPerBuffer: framesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, s.onData)
	if err != nil {
		terminate()
		return nil, openErr(desc.Kind, fmt.Errorf("%w: open stream: %v", audio.ErrDeviceUnavailable, err))
	}
	s.stream = stream

	slog.Info("portaudio source opened", "device", dev.Name, "format", s.format.String())
	return s, nil
}

func (o *Opener) inputDevice() (*portaudio.DeviceInfo, error) {
	if o.Device == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: default input device: %v", audio.ErrDeviceUnavailable, err)
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", audio.ErrDeviceUnavailable, err)
	}
	want := strings.ToLower(o.Device)
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && strings.Contains(strings.ToLower(dev.Name), want) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("%w: no input device matching %q", audio.ErrDeviceUnavailable, o.Device)
}

func terminate() {
	if err := portaudio.Terminate(); err != nil {
		slog.Warn("portaudio: terminate failed", "err", err)
	}
}

func openErr(kind audio.SourceKind, err error) error {
	return &audio.CaptureError{Kind: kind, Op: "open", Err: err}
}

// Source is one open PortAudio input stream.
type Source struct {
	kind   audio.SourceKind
	format audio.Format
	stream *portaudio.Stream

	mu      sync.Mutex
	started bool
	stopped bool

	cb         atomic.Pointer[func(audio.SampleBlock)]
	delivering atomic.Bool
	frames     int64 // touched only on the stream thread
}

// Kind implements [audio.Source].
func (s *Source) Kind() audio.SourceKind { return s.kind }

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// Start implements [audio.Source].
func (s *Source) Start(cb func(audio.SampleBlock)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return &audio.CaptureError{Kind: s.kind, Op: "start", Err: audio.ErrDeviceUnavailable}
	}
	s.cb.Store(&cb)
	s.delivering.Store(true)
	if err := s.stream.Start(); err != nil {
		s.delivering.Store(false)
		s.cb.Store(nil)
		return &audio.CaptureError{Kind: s.kind, Op: "start", Err: fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)}
	}
	s.started = true
	return nil
}

// onData runs on the PortAudio stream thread. The in slice is reused by
// PortAudio, so it is copied into the block.
func (s *Source) onData(in []int16) {
	if !s.delivering.Load() || len(in) == 0 {
		return
	}
	b := audio.NewInt16Block(s.format.SampleRate, s.format.Channels, in, s.format.Duration(int(s.frames)))
	s.frames += int64(b.Frames())
	if cb := s.cb.Load(); cb != nil {
		(*cb)(b)
	}
}

// Stop implements [audio.Source]. Pa_StopStream waits until pending buffers
// are processed, so no callback runs after it returns.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.delivering.Store(false)

	var errs []error
	if s.started {
		if err := s.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop stream: %w", err))
		}
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close stream: %w", err))
	}
	terminate()
	s.cb.Store(nil)

	if err := errors.Join(errs...); err != nil {
		return &audio.CaptureError{Kind: s.kind, Op: "stop", Err: err}
	}
	return nil
}
