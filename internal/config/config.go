// Package config provides the configuration schema, loader, audio backend
// registry and file watcher for coachpad.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Backend selects the audio library used for the microphone.
type Backend string

const (
	// BackendMiniaudio captures through miniaudio (malgo). It also provides
	// system loopback.
	BackendMiniaudio Backend = "miniaudio"

	// BackendPortAudio captures the microphone through PortAudio.
	BackendPortAudio Backend = "portaudio"
)

// IsValid reports whether b is a recognised backend.
func (b Backend) IsValid() bool {
	return b == BackendMiniaudio || b == BackendPortAudio
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8090"
	DefaultBackendHost    = "127.0.0.1:8000"
	DefaultDetectInterval = 2 * time.Second
	DefaultPeakThreshold  = 0.02
	DefaultJitterCeiling  = 500 * time.Millisecond
	DefaultChunkBytes     = 3200
	DefaultSendQueue      = 50
	DefaultTick           = 100 * time.Millisecond
	DefaultVisionInterval = 500 * time.Millisecond
	DefaultVisionQuality  = 70
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Capture   CaptureConfig   `yaml:"capture"`
	Consent   ConsentConfig   `yaml:"consent"`
	Detection DetectionConfig `yaml:"detection"`
	Vision    VisionConfig    `yaml:"vision"`
}

// ServerConfig holds the local control surface and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control and health HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// BackendConfig locates the coaching service.
type BackendConfig struct {
	// Host is host:port of the service. Streams go to ws://<host>/ws/....
	Host string `yaml:"host"`
}

// CaptureConfig configures audio capture. It is read when a run starts;
// changing it affects the next run only.
type CaptureConfig struct {
	Microphone  MicrophoneConfig  `yaml:"microphone"`
	SystemAudio SystemAudioConfig `yaml:"system_audio"`

	// JitterCeiling bounds how much audio each source may buffer.
	JitterCeiling time.Duration `yaml:"jitter_ceiling"`

	// ChunkBytes is the size of each PCM frame sent to the backend.
	ChunkBytes int `yaml:"chunk_bytes"`

	// SendQueue is how many chunks may wait for the network.
	SendQueue int `yaml:"send_queue"`

	// Tick is the mixing period.
	Tick time.Duration `yaml:"tick"`
}

// MicrophoneConfig selects the microphone.
type MicrophoneConfig struct {
	Enabled bool    `yaml:"enabled"`
	Backend Backend `yaml:"backend"`

	// Device is a case-insensitive device name. Empty selects the system
	// default.
	Device string `yaml:"device"`
}

// SystemAudioConfig enables loopback capture of the default output device.
type SystemAudioConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ConsentConfig records what the user agreed to share.
type ConsentConfig struct {
	Audio  bool `yaml:"audio"`
	Camera bool `yaml:"camera"`
}

// DetectionConfig tunes the meeting detector. Everything but Enabled and
// Interval can be hot-reloaded.
type DetectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	PeakThreshold  float64       `yaml:"peak_threshold"`
	WindowKeywords []string      `yaml:"window_keywords"`
	ProcessNames   []string      `yaml:"process_names"`
}

// VisionConfig tunes the still-frame stream.
type VisionConfig struct {
	Interval time.Duration `yaml:"interval"`
	Quality  int           `yaml:"quality"`

	// Display is the zero-based index of the screen that is captured.
	Display int `yaml:"display"`
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Backend.Host == "" {
		cfg.Backend.Host = DefaultBackendHost
	}
	if cfg.Capture.Microphone.Backend == "" {
		cfg.Capture.Microphone.Backend = BackendMiniaudio
	}
	if cfg.Capture.JitterCeiling == 0 {
		cfg.Capture.JitterCeiling = DefaultJitterCeiling
	}
	if cfg.Capture.ChunkBytes == 0 {
		cfg.Capture.ChunkBytes = DefaultChunkBytes
	}
	if cfg.Capture.SendQueue == 0 {
		cfg.Capture.SendQueue = DefaultSendQueue
	}
	if cfg.Capture.Tick == 0 {
		cfg.Capture.Tick = DefaultTick
	}
	if cfg.Detection.Interval == 0 {
		cfg.Detection.Interval = DefaultDetectInterval
	}
	if cfg.Detection.PeakThreshold == 0 {
		cfg.Detection.PeakThreshold = DefaultPeakThreshold
	}
	if cfg.Vision.Interval == 0 {
		cfg.Vision.Interval = DefaultVisionInterval
	}
	if cfg.Vision.Quality == 0 {
		cfg.Vision.Quality = DefaultVisionQuality
	}
}
