package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/coachpad/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Capture: config.CaptureConfig{
			Microphone:  config.MicrophoneConfig{Enabled: true},
			SystemAudio: config.SystemAudioConfig{Enabled: true},
		},
		Consent:   config.ConsentConfig{Audio: true},
		Detection: config.DetectionConfig{Enabled: true, WindowKeywords: []string{"zoom"}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("identical configs reported changes: %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
}

func TestDiff_Detection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		hot     bool
		restart []string
	}{
		{"keywords", func(c *config.Config) { c.Detection.WindowKeywords = []string{"zoom", "webex"} }, true, nil},
		{"process names", func(c *config.Config) { c.Detection.ProcessNames = []string{"slack"} }, true, nil},
		{"threshold", func(c *config.Config) { c.Detection.PeakThreshold = 0.1 }, true, nil},
		{"interval", func(c *config.Config) { c.Detection.Interval = 5 * time.Second }, false, []string{"detection.interval"}},
		{"enabled", func(c *config.Config) { c.Detection.Enabled = false }, false, []string{"detection.enabled"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			new := baseConfig()
			tt.mutate(new)
			d := config.Diff(baseConfig(), new)
			if d.DetectionChanged != tt.hot {
				t.Errorf("DetectionChanged = %v, want %v", d.DetectionChanged, tt.hot)
			}
			if !slices.Equal(d.RestartRequired, tt.restart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.restart)
			}
		})
	}
}

func TestDiff_NextRunSections(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Capture.SystemAudio.Enabled = false
	new.Backend.Host = "10.0.0.2:8000"
	new.Consent.Camera = true

	d := config.Diff(old, new)
	want := []string{"backend", "capture", "consent"}
	if !slices.Equal(d.NextRun, want) {
		t.Errorf("NextRun = %v, want %v", d.NextRun, want)
	}
	if d.DetectionChanged || d.LogLevelChanged {
		t.Errorf("unexpected hot changes: %+v", d)
	}
}

func TestDiff_ListenAddrNeedsRestart(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9999"
	if d := config.Diff(old, new); !slices.Contains(d.RestartRequired, "server.listen_addr") {
		t.Errorf("RestartRequired = %v", d.RestartRequired)
	}
}
