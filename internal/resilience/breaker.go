// Package resilience provides a circuit breaker that throttles repeated
// attempts at an operation that keeps failing, such as starting a coaching
// session against an unreachable backend.
//
// [Breaker] is a three-state breaker (closed → open → half-open). After
// MaxFailures consecutive failures it opens and rejects calls for Cooldown;
// then a single probe call is let through, which closes the breaker on
// success and re-opens it on failure.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Execute] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls with [ErrOpen] until the cooldown elapses.
	Open

	// HalfOpen lets one probe call through.
	HalfOpen
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults applied by [NewBreaker].
const (
	DefaultMaxFailures = 3
	DefaultCooldown    = 30 * time.Second
)

// Config tunes a [Breaker].
type Config struct {
	// Name labels log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: [DefaultMaxFailures].
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: [DefaultCooldown].
	Cooldown time.Duration

	// Now replaces time.Now.
	Now func() time.Time
}

// Breaker guards an operation with the circuit breaker pattern.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed Breaker. Zero config fields take their defaults.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		now:         cfg.Now,
	}
}

// Execute runs fn if the breaker allows it and records the outcome. While
// open, or while a half-open probe is in flight, it returns [ErrOpen]
// without calling fn.
//
// A failure caused by ctx being cancelled is not held against the
// operation.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	switch b.stateLocked() {
	case Open:
		b.mu.Unlock()
		return ErrOpen
	case HalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.probing = true
		slog.Info("circuit breaker probing", "name", b.name)
	}
	probe := b.probing
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}
	switch {
	case err == nil:
		if b.state != Closed {
			slog.Info("circuit breaker closed", "name", b.name)
		}
		b.state = Closed
		b.failures = 0
	case ctx.Err() != nil:
		if probe {
			// A cancelled probe does not count.
			b.state = Open
		}
	default:
		b.failures++
		if probe || b.failures >= b.maxFailures {
			b.state = Open
			b.openedAt = b.now()
			slog.Warn("circuit breaker opened",
				"name", b.name,
				"consecutive_failures", b.failures,
				"cooldown", b.cooldown,
				"err", err)
		}
	}
	return err
}

// stateLocked reports the effective state: an open breaker whose cooldown
// has elapsed is half-open. Must be called with b.mu held.
func (b *Breaker) stateLocked() State {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// State returns the effective state of the breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// Reset closes the breaker and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Closed || b.failures > 0 {
		slog.Info("circuit breaker reset", "name", b.name)
	}
	b.state = Closed
	b.failures = 0
}
