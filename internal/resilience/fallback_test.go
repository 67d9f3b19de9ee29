package resilience

import (
	"errors"
	"testing"
	"time"
)

// newTwoBackendGroup builds a group of two string-valued backends, the
// shape the provider breakers use with real LLM/image/audio clients.
func newTwoBackendGroup(cfg CircuitBreakerConfig) *FallbackGroup[string] {
	fg := NewFallbackGroup("openai", "llm/openai", FallbackConfig{CircuitBreaker: cfg})
	fg.AddFallback("llm/local", "local")
	return fg
}

func TestExecute_PrimaryWinsWhenHealthy(t *testing.T) {
	fg := newTwoBackendGroup(CircuitBreakerConfig{MaxFailures: 3})

	var served string
	err := fg.Execute(func(v string) error {
		served = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if served != "openai" {
		t.Fatalf("served by %q, want openai", served)
	}
}

func TestExecute_FailsOverToNextBackend(t *testing.T) {
	fg := newTwoBackendGroup(CircuitBreakerConfig{MaxFailures: 3})

	var served string
	err := fg.Execute(func(v string) error {
		if v == "openai" {
			return errBackendDown
		}
		served = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if served != "local" {
		t.Fatalf("served by %q, want local", served)
	}
}

func TestExecute_AllBackendsFailing(t *testing.T) {
	fg := newTwoBackendGroup(CircuitBreakerConfig{MaxFailures: 3})

	err := fg.Execute(func(string) error { return errBackendDown })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestExecute_OpenBreakerBypassesPrimary(t *testing.T) {
	fg := newTwoBackendGroup(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	// Trip the primary's breaker; the fallback keeps answering meanwhile.
	for i := 0; i < 2; i++ {
		_ = fg.Execute(func(v string) error {
			if v == "openai" {
				return errBackendDown
			}
			return nil
		})
	}

	// With the primary open, the call must land on the fallback directly.
	var served string
	if err := fg.Execute(func(v string) error { served = v; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if served != "local" {
		t.Fatalf("served by %q, want local while primary is open", served)
	}
}

func TestExecuteWithResult_ReturnsPrimaryValue(t *testing.T) {
	fg := newTwoBackendGroup(CircuitBreakerConfig{MaxFailures: 3})

	got, err := ExecuteWithResult(fg, func(v string) (string, error) {
		return "metadata-from-" + v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "metadata-from-openai" {
		t.Fatalf("result = %q", got)
	}
}

func TestExecuteWithResult_FailsOver(t *testing.T) {
	fg := newTwoBackendGroup(CircuitBreakerConfig{MaxFailures: 3})

	got, err := ExecuteWithResult(fg, func(v string) (string, error) {
		if v == "openai" {
			return "", errBackendDown
		}
		return "metadata-from-" + v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "metadata-from-local" {
		t.Fatalf("result = %q", got)
	}
}

func TestExecuteWithResult_AllFail(t *testing.T) {
	fg := NewFallbackGroup("only", "llm/only", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	_, err := ExecuteWithResult(fg, func(string) (string, error) {
		return "", errBackendDown
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
