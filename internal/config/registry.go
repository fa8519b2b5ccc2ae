package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/coachpad/pkg/audio"
)

// ErrBackendNotRegistered is returned by [Registry.CreateMicrophone] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: audio backend not registered")

// MicrophoneFactory builds a microphone [audio.Opener] from its config.
type MicrophoneFactory func(MicrophoneConfig) (audio.Opener, error)

// Registry maps audio backend names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	microphone map[Backend]MicrophoneFactory
	loopback   audio.Opener
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{microphone: make(map[Backend]MicrophoneFactory)}
}

// RegisterMicrophone registers a microphone backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterMicrophone(name Backend, factory MicrophoneFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.microphone[name] = factory
}

// SetLoopback registers the opener used for system audio.
func (r *Registry) SetLoopback(o audio.Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loopback = o
}

// Backends returns the registered microphone backend names, sorted.
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]Backend, 0, len(r.microphone))
	for n := range r.microphone {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CreateMicrophone instantiates the microphone opener for cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateMicrophone(cfg MicrophoneConfig) (audio.Opener, error) {
	r.mu.RLock()
	factory, ok := r.microphone[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// Opener builds the opener for a whole capture config: the microphone from
// its configured backend, system audio from the loopback opener. Kinds
// without an opener fail with [audio.ErrDeviceUnavailable] when opened.
func (r *Registry) Opener(cfg CaptureConfig) (audio.Opener, error) {
	router := audio.KindRouter{}
	if cfg.Microphone.Enabled {
		mic, err := r.CreateMicrophone(cfg.Microphone)
		if err != nil {
			return nil, err
		}
		router[audio.Microphone] = mic
	}
	r.mu.RLock()
	loopback := r.loopback
	r.mu.RUnlock()
	if loopback != nil {
		router[audio.SystemLoopback] = loopback
	}
	return router, nil
}
