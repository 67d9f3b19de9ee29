package provider

import "context"

// LLM is the capability set the Song Pipeline drives for text generation:
// metadata composition and persona extraction. Implementations must be safe
// for concurrent use and respect context cancellation promptly — the
// endpoint queue's cancellation token is propagated through ctx.
type LLM interface {
	// GenerateMetadata produces song metadata from a prompt. Returns an
	// error classified by the caller as transient (retryable) or fatal;
	// implementations should prefer returning a *ProviderError (see errors.go)
	// so the endpoint queue can tell the two apart.
	GenerateMetadata(ctx context.Context, req MetadataRequest) (MetadataResult, error)

	// GeneratePersona summarizes a finished song for the persona-extract
	// field used by recommendation/brief-building elsewhere in the system.
	GeneratePersona(ctx context.Context, req PersonaRequest) (string, error)

	// GenerateManagerBrief produces a playlist-level operating brief and
	// window plan, requested by the Playlist Supervisor when the manager
	// epoch falls behind the prompt epoch or the current window is
	// exhausted.
	GenerateManagerBrief(ctx context.Context, req ManagerBriefRequest) (ManagerBriefResult, error)
}

// Image is the capability set for cover generation. Best-effort: callers
// (the Song Pipeline's cover step) must tolerate failures without failing
// the song.
type Image interface {
	GenerateCover(ctx context.Context, req CoverRequest) (CoverResult, error)
}

// Audio is the capability set for the submit-then-poll audio backend.
type Audio interface {
	SubmitAudio(ctx context.Context, req AudioSubmitRequest) (AudioSubmitResult, error)
	PollAudio(ctx context.Context, taskID string) (AudioPollResult, error)
	BatchPollAudio(ctx context.Context, taskIDs []string) (map[string]AudioPollResult, error)
}
