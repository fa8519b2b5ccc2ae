package audio_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/coachpad/pkg/audio"
)

func TestFormat_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		format  audio.Format
		wantErr bool
	}{
		{"target", audio.TargetFormat, false},
		{"stereo int16", audio.Format{SampleRate: 48000, Channels: 2, Sample: audio.Int16}, false},
		{"zero rate", audio.Format{Channels: 1}, true},
		{"zero channels", audio.Format{SampleRate: 16000}, true},
		{"unknown sample", audio.Format{SampleRate: 16000, Channels: 1, Sample: 7}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.format.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !audio.IsFormatError(err) {
				t.Errorf("error %v is not a format error", err)
			}
		})
	}
}

func TestFormat_DurationFrames(t *testing.T) {
	t.Parallel()

	f := audio.TargetFormat
	if got := f.Duration(1600); got != 100*time.Millisecond {
		t.Errorf("Duration(1600) = %v, want 100ms", got)
	}
	if got := f.Frames(100 * time.Millisecond); got != 1600 {
		t.Errorf("Frames(100ms) = %d, want 1600", got)
	}
	if got := f.FrameBytes(); got != 4 {
		t.Errorf("FrameBytes = %d, want 4", got)
	}
	stereo := audio.Format{SampleRate: 48000, Channels: 2, Sample: audio.Int16}
	if got := stereo.String(); got != "48000Hz stereo s16" {
		t.Errorf("String = %q", got)
	}
}

func TestSampleBlock_SliceAndDecode(t *testing.T) {
	t.Parallel()

	b := audio.NewInt16Block(16000, 1, []int16{-32768, 0, 16384, 32767}, time.Second)
	if b.Frames() != 4 {
		t.Fatalf("Frames = %d, want 4", b.Frames())
	}

	s := b.Slice(2, 4)
	if s.Timestamp != time.Second+125*time.Microsecond {
		t.Errorf("slice timestamp %v", s.Timestamp)
	}
	got := s.Float32s()
	if len(got) != 2 || got[0] != 0.5 || got[1] != 32767.0/32768 {
		t.Errorf("Float32s = %v", got)
	}

	if full := b.Float32s(); full[0] != -1 {
		t.Errorf("min sample decodes to %v, want -1", full[0])
	}
	if empty := b.Slice(3, 1); empty.Frames() != 0 {
		t.Errorf("inverted slice has %d frames", empty.Frames())
	}
}

func TestKindRouter(t *testing.T) {
	t.Parallel()

	called := false
	r := audio.KindRouter{
		audio.Microphone: audio.OpenerFunc(func(context.Context, audio.SourceDescriptor) (audio.Source, error) {
			called = true
			return nil, nil
		}),
	}

	if _, err := r.Open(context.Background(), audio.SourceDescriptor{Kind: audio.Microphone, Enabled: true}); err != nil {
		t.Fatalf("microphone open: %v", err)
	}
	if !called {
		t.Error("microphone opener not invoked")
	}

	_, err := r.Open(context.Background(), audio.SourceDescriptor{Kind: audio.SystemLoopback, Enabled: true})
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("loopback open error = %v, want ErrDeviceUnavailable", err)
	}
	var ce *audio.CaptureError
	if !errors.As(err, &ce) || ce.Kind != audio.SystemLoopback || ce.Op != "open" {
		t.Errorf("error %v is not a loopback open CaptureError", err)
	}
}

func TestErrorClass(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{&audio.CaptureError{Kind: audio.Microphone, Op: "open", Err: audio.ErrPermissionDenied}, "device"},
		{&audio.CaptureError{Kind: audio.Microphone, Op: "open", Err: errors.New("boom")}, "device"},
		{fmt.Errorf("wrap: %w", audio.ErrUnsupportedFormat), "format"},
		{&audio.CaptureError{Kind: audio.SystemLoopback, Op: "start", Err: audio.ErrUnsupportedFormat}, "format"},
		{errors.New("plain"), "other"},
	}
	for _, tt := range tests {
		if got := audio.ErrorClass(tt.err); got != tt.want {
			t.Errorf("ErrorClass(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
