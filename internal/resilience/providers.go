package resilience

import (
	"context"

	"github.com/beastyrabbit/infinitune-sub001/internal/provider"
)

// LLMBreaker implements [provider.LLM] with a circuit breaker in front of one
// or more backends. When the primary trips open, the next registered
// fallback is tried.
type LLMBreaker struct {
	group *FallbackGroup[provider.LLM]
}

var _ provider.LLM = (*LLMBreaker)(nil)

// NewLLMBreaker wraps primary in a circuit breaker named primaryName.
func NewLLMBreaker(primary provider.LLM, primaryName string, cfg FallbackConfig) *LLMBreaker {
	return &LLMBreaker{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM backend, tried after the primary.
func (b *LLMBreaker) AddFallback(name string, p provider.LLM) {
	b.group.AddFallback(name, p)
}

func (b *LLMBreaker) GenerateMetadata(ctx context.Context, req provider.MetadataRequest) (provider.MetadataResult, error) {
	return ExecuteWithResult(b.group, func(p provider.LLM) (provider.MetadataResult, error) {
		return p.GenerateMetadata(ctx, req)
	})
}

func (b *LLMBreaker) GeneratePersona(ctx context.Context, req provider.PersonaRequest) (string, error) {
	return ExecuteWithResult(b.group, func(p provider.LLM) (string, error) {
		return p.GeneratePersona(ctx, req)
	})
}

func (b *LLMBreaker) GenerateManagerBrief(ctx context.Context, req provider.ManagerBriefRequest) (provider.ManagerBriefResult, error) {
	return ExecuteWithResult(b.group, func(p provider.LLM) (provider.ManagerBriefResult, error) {
		return p.GenerateManagerBrief(ctx, req)
	})
}

// ImageBreaker implements [provider.Image] with the same failover shape.
// Image generation is best-effort, so callers typically treat
// ErrAllFailed as "skip the cover" rather than retrying the song.
type ImageBreaker struct {
	group *FallbackGroup[provider.Image]
}

var _ provider.Image = (*ImageBreaker)(nil)

func NewImageBreaker(primary provider.Image, primaryName string, cfg FallbackConfig) *ImageBreaker {
	return &ImageBreaker{group: NewFallbackGroup(primary, primaryName, cfg)}
}

func (b *ImageBreaker) AddFallback(name string, p provider.Image) {
	b.group.AddFallback(name, p)
}

func (b *ImageBreaker) GenerateCover(ctx context.Context, req provider.CoverRequest) (provider.CoverResult, error) {
	return ExecuteWithResult(b.group, func(p provider.Image) (provider.CoverResult, error) {
		return p.GenerateCover(ctx, req)
	})
}

// AudioBreaker implements [provider.Audio] with the same failover shape.
// Submit and poll calls share one breaker per backend so a flapping ACE
// endpoint stops being hit for both submissions and polls once it trips.
type AudioBreaker struct {
	group *FallbackGroup[provider.Audio]
}

var _ provider.Audio = (*AudioBreaker)(nil)

func NewAudioBreaker(primary provider.Audio, primaryName string, cfg FallbackConfig) *AudioBreaker {
	return &AudioBreaker{group: NewFallbackGroup(primary, primaryName, cfg)}
}

func (b *AudioBreaker) AddFallback(name string, p provider.Audio) {
	b.group.AddFallback(name, p)
}

func (b *AudioBreaker) SubmitAudio(ctx context.Context, req provider.AudioSubmitRequest) (provider.AudioSubmitResult, error) {
	return ExecuteWithResult(b.group, func(p provider.Audio) (provider.AudioSubmitResult, error) {
		return p.SubmitAudio(ctx, req)
	})
}

func (b *AudioBreaker) PollAudio(ctx context.Context, taskID string) (provider.AudioPollResult, error) {
	return ExecuteWithResult(b.group, func(p provider.Audio) (provider.AudioPollResult, error) {
		return p.PollAudio(ctx, taskID)
	})
}

func (b *AudioBreaker) BatchPollAudio(ctx context.Context, taskIDs []string) (map[string]provider.AudioPollResult, error) {
	return ExecuteWithResult(b.group, func(p provider.Audio) (map[string]provider.AudioPollResult, error) {
		return p.BatchPollAudio(ctx, taskIDs)
	})
}
