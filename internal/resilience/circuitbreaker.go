// Package resilience shields the generation pipeline from misbehaving
// inference backends.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open):
// once an LLM, image, or audio endpoint fails repeatedly, further calls are
// rejected immediately instead of tying up queue slots on a dead backend.
// [FallbackGroup] layers per-backend breakers under a single capability
// value, so a tripped primary is bypassed in favour of the next configured
// backend. LLMBreaker/ImageBreaker/AudioBreaker specialise the group for
// the three provider interfaces.
//
// All types are safe for concurrent use, except that
// FallbackGroup.AddFallback is not synchronized against in-flight calls.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// is open and its reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is a [CircuitBreaker]'s operating mode.
type State int

const (
	// StateClosed forwards every call; the normal mode.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through after the
	// reset timeout; their outcome decides between closing and re-opening.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in log output, typically the backend name
	// ("llm/openai", "audio/ace").
	Name string

	// MaxFailures is the consecutive-failure streak that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing the
	// backend again. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds the probe calls allowed while half-open before
	// the breaker decides. Default: 3.
	HalfOpenMax int
}

// CircuitBreaker tracks one backend's recent health and gates calls to it.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu          sync.Mutex
	state       State
	streak      int // consecutive failures while closed
	lastFailure time.Time
	probes      int // calls attempted while half-open
	probeFails  int
}

// NewCircuitBreaker creates a [CircuitBreaker]; zero-value config fields
// fall back to the documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        StateClosed,
	}
}

// Execute runs fn if the breaker allows it, folding the outcome back into
// the breaker's health accounting. While open it returns [ErrCircuitOpen]
// without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probing, allowed := cb.allow()
	if !allowed {
		return ErrCircuitOpen
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.recordFailure(probing)
	} else {
		cb.recordSuccess(probing)
	}
	return err
}

// allow decides whether a call may proceed, advancing open → half-open when
// the reset timeout has passed. It reports whether the call counts as a
// half-open probe.
func (cb *CircuitBreaker) allow() (probing, allowed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			return false, false
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeFails = 0
		slog.Info("circuit breaker transitioning to half-open", "name", cb.name)

	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			// Probe budget spent; wait for the in-flight probes to decide.
			return false, false
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, true
	}
	return false, true
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probing bool) {
	cb.lastFailure = time.Now()

	if probing {
		cb.probeFails++
		// One failed probe is enough evidence the backend is still down.
		cb.state = StateOpen
		cb.streak = cb.maxFailures
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return
	}

	cb.streak++
	if cb.streak >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.streak)
	}
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probing bool) {
	if probing {
		if cb.probes-cb.probeFails >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.streak = 0
			cb.probes = 0
			cb.probeFails = 0
			slog.Info("circuit breaker closed after successful probes", "name", cb.name)
		}
		return
	}
	cb.streak = 0
}

// State returns the breaker's current [State]. An open breaker whose reset
// timeout has elapsed reports [StateHalfOpen]; the stored transition
// happens on the next [Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed] and clears all counters,
// for operator use after a backend is known to be healthy again.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.streak = 0
	cb.probes = 0
	cb.probeFails = 0
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
