// Package miniaudio implements [audio.Opener] on top of miniaudio through the
// github.com/gen2brain/malgo bindings.
//
// Microphones open as malgo Capture devices. System audio opens as a malgo
// Loopback device on the default render endpoint, which miniaudio supports on
// WASAPI only; on other platforms the loopback open fails with
// [audio.ErrDeviceUnavailable] and the microphone keeps working.
//
// Every source owns its own miniaudio context so that a failure or teardown of
// one device never touches another.
package miniaudio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/coachpad/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Opener = (*Opener)(nil)
	_ audio.Source = (*Source)(nil)
)

// Opener opens miniaudio capture devices.
type Opener struct {
	// MicrophoneDevice selects a capture device whose name contains this
	// string (case-insensitive). Empty selects the system default.
	MicrophoneDevice string
}

// Open implements [audio.Opener]. Devices open in float32 at their native
// sample rate and channel count; the mixer converts downstream.
func (o *Opener) Open(ctx context.Context, desc audio.SourceDescriptor) (audio.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var devType malgo.DeviceType
	switch desc.Kind {
	case audio.Microphone:
		devType = malgo.Capture
	case audio.SystemLoopback:
		devType = malgo.Loopback
	default:
		return nil, openErr(desc.Kind, audio.ErrDeviceUnavailable)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "source", desc.Kind.String(), "msg", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, openErr(desc.Kind, fmt.Errorf("%w: init context: %v", audio.ErrDeviceUnavailable, err))
	}

	s := &Source{kind: desc.Kind, mctx: mctx}

	cfg := malgo.DefaultDeviceConfig(devType)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 0 // native
	cfg.SampleRate = 0       // native
	if desc.Kind == audio.Microphone && o.MicrophoneDevice != "" {
		id, err := findCaptureDevice(mctx, o.MicrophoneDevice)
		if err != nil {
			s.releaseContext()
			return nil, openErr(desc.Kind, err)
		}
		cfg.Capture.DeviceID = id.Pointer()
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: s.onData})
	if err != nil {
		s.releaseContext()
		return nil, openErr(desc.Kind, fmt.Errorf("%w: init device: %v", audio.ErrDeviceUnavailable, err))
	}
	s.device = dev
	s.format = audio.Format{
		SampleRate: int(dev.SampleRate()),
		Channels:   int(dev.CaptureChannels()),
		Sample:     audio.Float32,
	}
	if dev.CaptureFormat() != malgo.FormatF32 {
		s.release()
		return nil, openErr(desc.Kind, fmt.Errorf("%w: device negotiated sample format %d", audio.ErrUnsupportedFormat, dev.CaptureFormat()))
	}
	if err := s.format.Validate(); err != nil {
		s.release()
		return nil, openErr(desc.Kind, err)
	}

	slog.Info("miniaudio source opened", "source", desc.Kind.String(), "format", s.format.String())
	return s, nil
}

// findCaptureDevice returns the ID of the first capture device whose name
// contains name.
func findCaptureDevice(mctx *malgo.AllocatedContext, name string) (*malgo.DeviceID, error) {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate capture devices: %v", audio.ErrDeviceUnavailable, err)
	}
	want := strings.ToLower(name)
	for i := range infos {
		if strings.Contains(strings.ToLower(infos[i].Name()), want) {
			return &infos[i].ID, nil
		}
	}
	return nil, fmt.Errorf("%w: no capture device matching %q", audio.ErrDeviceUnavailable, name)
}

func openErr(kind audio.SourceKind, err error) error {
	return &audio.CaptureError{Kind: kind, Op: "open", Err: err}
}

// Source is one open miniaudio device.
type Source struct {
	kind   audio.SourceKind
	format audio.Format
	mctx   *malgo.AllocatedContext
	device *malgo.Device

	mu      sync.Mutex // guards stopped and device lifecycle
	stopped bool

	cb         atomic.Pointer[func(audio.SampleBlock)]
	delivering atomic.Bool
	frames     atomic.Int64 // frames delivered, for timestamps
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
	if err := s.device.Start(); err != nil {
		s.delivering.Store(false)
		s.cb.Store(nil)
		return &audio.CaptureError{Kind: s.kind, Op: "start", Err: fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)}
	}
	return nil
}

// onData runs on the miniaudio device thread. It copies the input buffer,
// since miniaudio reuses it after the callback returns.
func (s *Source) onData(_, in []byte, frameCount uint32) {
	if !s.delivering.Load() || len(in) == 0 {
		return
	}
	data := make([]byte, len(in))
	copy(data, in)

	ts := s.format.Duration(int(s.frames.Add(int64(frameCount)) - int64(frameCount)))
	if cb := s.cb.Load(); cb != nil {
		(*cb)(audio.SampleBlock{Format: s.format, Data: data, Timestamp: ts})
	}
}

// Stop implements [audio.Source]. miniaudio's device stop waits for the
// device thread, so no callback is running once it returns.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.delivering.Store(false)

	var err error
	if s.device != nil {
		if stopErr := s.device.Stop(); stopErr != nil {
			err = &audio.CaptureError{Kind: s.kind, Op: "stop", Err: stopErr}
		}
	}
	s.release()
	s.cb.Store(nil)
	return err
}

// release frees the device and the context. Safe to call with a nil device.
func (s *Source) release() {
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	s.releaseContext()
}

func (s *Source) releaseContext() {
	if s.mctx == nil {
		return
	}
	if err := s.mctx.Uninit(); err != nil {
		slog.Warn("miniaudio: context uninit failed", "source", s.kind.String(), "err", err)
	}
	s.mctx.Free()
	s.mctx = nil
}
