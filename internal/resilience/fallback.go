package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] fails or
// sits behind an open breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the breaker created for each backend in a
// [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// backend pairs one provider value with its dedicated breaker.
type backend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallback backends of one
// provider type. A failing or breaker-open backend is bypassed in favour of
// the next in registration order.
//
// FallbackGroup is safe for concurrent use once registration is done;
// AddFallback is not synchronized against in-flight Execute calls.
type FallbackGroup[T any] struct {
	backends []backend[T]
	cfg      FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first
// backend. Register more via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends a fallback backend, tried after everything registered
// before it.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.backends = append(fg.backends, backend[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// logAttemptFailure records why a backend was passed over.
func logAttemptFailure(name string, err error) {
	if errors.Is(err, ErrCircuitOpen) {
		slog.Debug("skipping provider (circuit open)", "provider", name)
		return
	}
	slog.Warn("provider failed, trying next", "provider", name, "error", err)
}

// Execute tries fn against each backend in order until one succeeds.
// Breaker-open backends are skipped. Returns [ErrAllFailed] wrapping the
// last error when none succeed.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	var lastErr error
	for i := range fg.backends {
		b := &fg.backends[i]
		err := b.breaker.Execute(func() error {
			return fn(b.value)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		logAttemptFailure(b.name, err)
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. It is a package-level function because Go has no method-level type
// parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.backends {
		b := &fg.backends[i]
		var result R
		err := b.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(b.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		logAttemptFailure(b.name, err)
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
