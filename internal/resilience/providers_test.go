package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
)

var errTest = errors.New("test error")

type fakeLLM struct {
	name string
	err  error
}

func (f *fakeLLM) GenerateMetadata(ctx context.Context, req provider.MetadataRequest) (provider.MetadataResult, error) {
	if f.err != nil {
		return provider.MetadataResult{}, f.err
	}
	return provider.MetadataResult{Title: f.name}, nil
}

func (f *fakeLLM) GeneratePersona(ctx context.Context, req provider.PersonaRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.name, nil
}

func (f *fakeLLM) GenerateManagerBrief(ctx context.Context, req provider.ManagerBriefRequest) (provider.ManagerBriefResult, error) {
	if f.err != nil {
		return provider.ManagerBriefResult{}, f.err
	}
	return provider.ManagerBriefResult{Brief: f.name}, nil
}

func TestLLMBreaker_FailsOverToFallback(t *testing.T) {
	b := NewLLMBreaker(&fakeLLM{err: errTest}, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	b.AddFallback("secondary", &fakeLLM{name: "from-secondary"})

	res, err := b.GenerateMetadata(context.Background(), provider.MetadataRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Title != "from-secondary" {
		t.Fatalf("title = %q, want from-secondary", res.Title)
	}
}

func TestLLMBreaker_AllFail(t *testing.T) {
	b := NewLLMBreaker(&fakeLLM{err: errTest}, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	_, err := b.GenerateMetadata(context.Background(), provider.MetadataRequest{})
	if err == nil {
		t.Fatal("expected error when the only backend fails")
	}
}

type fakeAudio struct {
	polled map[string]provider.AudioPollResult
	err    error
}

func (f *fakeAudio) SubmitAudio(ctx context.Context, req provider.AudioSubmitRequest) (provider.AudioSubmitResult, error) {
	if f.err != nil {
		return provider.AudioSubmitResult{}, f.err
	}
	return provider.AudioSubmitResult{TaskID: "task-1"}, nil
}

func (f *fakeAudio) PollAudio(ctx context.Context, taskID string) (provider.AudioPollResult, error) {
	if f.err != nil {
		return provider.AudioPollResult{}, f.err
	}
	return f.polled[taskID], nil
}

func (f *fakeAudio) BatchPollAudio(ctx context.Context, taskIDs []string) (map[string]provider.AudioPollResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.polled, nil
}

func TestAudioBreaker_SubmitFailsOverToFallback(t *testing.T) {
	b := NewAudioBreaker(&fakeAudio{err: errTest}, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	b.AddFallback("secondary", &fakeAudio{})

	res, err := b.SubmitAudio(context.Background(), provider.AudioSubmitRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TaskID != "task-1" {
		t.Fatalf("task id = %q, want task-1", res.TaskID)
	}
}
