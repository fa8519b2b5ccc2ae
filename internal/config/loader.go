package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Capture
	c := cfg.Capture
	if c.Microphone.Backend != "" && !c.Microphone.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("capture.microphone.backend %q is invalid; valid values: miniaudio, portaudio", c.Microphone.Backend))
	}
	if c.ChunkBytes < 0 || c.ChunkBytes%2 != 0 {
		errs = append(errs, fmt.Errorf("capture.chunk_bytes %d must be a positive even number", c.ChunkBytes))
	}
	if c.JitterCeiling < 0 {
		errs = append(errs, fmt.Errorf("capture.jitter_ceiling %s must not be negative", c.JitterCeiling))
	}
	if c.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("capture.send_queue %d must not be negative", c.SendQueue))
	}
	if c.Tick < 0 {
		errs = append(errs, fmt.Errorf("capture.tick %s must not be negative", c.Tick))
	}
	if !c.Microphone.Enabled && !c.SystemAudio.Enabled {
		slog.Warn("no capture source enabled; coaching will fail to start until one is")
	}
	if !cfg.Consent.Audio {
		slog.Warn("consent.audio is false; coaching will not start until audio consent is given")
	}

	// Detection
	d := cfg.Detection
	if d.Interval < 0 {
		errs = append(errs, fmt.Errorf("detection.interval %s must not be negative", d.Interval))
	} else if d.Interval > 0 && d.Interval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("detection.interval %s is below the 100ms minimum", d.Interval))
	}
	if d.PeakThreshold < 0 || d.PeakThreshold > 1 {
		errs = append(errs, fmt.Errorf("detection.peak_threshold %.3f is out of range [0, 1]", d.PeakThreshold))
	}

	// Vision
	if cfg.Vision.Quality < 0 || cfg.Vision.Quality > 100 {
		errs = append(errs, fmt.Errorf("vision.quality %d is out of range [1, 100]", cfg.Vision.Quality))
	}
	if cfg.Vision.Interval < 0 {
		errs = append(errs, fmt.Errorf("vision.interval %s must not be negative", cfg.Vision.Interval))
	}
	if cfg.Vision.Display < 0 {
		errs = append(errs, fmt.Errorf("vision.display %d must not be negative", cfg.Vision.Display))
	}

	return errors.Join(errs...)
}
