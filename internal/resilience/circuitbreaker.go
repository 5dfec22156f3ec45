// Package resilience protects interview teardown from slow or failing result
// stores.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open).
// [GuardSink] puts one in front of a result sink so that once a store has
// failed repeatedly, ended sessions fail their hand-off for that store at
// once instead of each waiting out the hand-off timeout.
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

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. Enough
	// successes close the breaker; any failure opens it again.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the tuning knobs of a [Breaker].
type BreakerConfig struct {
	// Name labels log messages.
	Name string

	// MaxFailures is the number of consecutive failures that open a closed
	// breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful trials needed to close the
	// breaker, and the number of trials allowed in flight. Default: 1.
	HalfOpenMax int

	// Now is the clock. Default: time.Now.
	Now func() time.Time

	// Logger receives state transitions. Default: slog.Default().
	Logger *slog.Logger
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	trials    int
	trialWins int
}

// NewBreaker creates a [Breaker]. Zero config fields take their defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("breaker", cfg.Name)
	return &Breaker{cfg: cfg}
}

// Do runs fn if the breaker admits the call. A call that fails because ctx
// was cancelled by the caller is not held against the protected service;
// a deadline that expires while fn runs is.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	switch {
	case err == nil:
		b.succeed(trial)
	case errors.Is(err, context.Canceled):
		b.release(trial)
	default:
		b.fail(trial)
	}
	return err
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrOpen
		}
		b.setState(StateHalfOpen)
		b.trials, b.trialWins = 0, 0
	}
	if b.state == StateHalfOpen {
		if b.trials >= b.cfg.HalfOpenMax {
			return false, ErrOpen
		}
		b.trials++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) succeed(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !trial {
		b.failures = 0
		return
	}
	if b.state != StateHalfOpen {
		return
	}
	b.trialWins++
	if b.trialWins >= b.cfg.HalfOpenMax {
		b.failures = 0
		b.setState(StateClosed)
	} else {
		// Free the slot for the next trial.
		b.trials--
	}
}

func (b *Breaker) fail(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		if b.state == StateHalfOpen {
			b.open()
		}
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
		b.open()
	}
}

func (b *Breaker) release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.trials > 0 {
		b.trials--
	}
}

// open must be called with b.mu held.
func (b *Breaker) open() {
	b.openedAt = b.cfg.Now()
	b.setState(StateOpen)
}

// setState must be called with b.mu held.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.cfg.Logger.Info("circuit breaker state changed",
		"from", b.state.String(),
		"to", s.String(),
		"consecutive_failures", b.failures,
	)
	b.state = s
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call to [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures, b.trials, b.trialWins = 0, 0, 0
	b.setState(StateClosed)
}
