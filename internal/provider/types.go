// Package provider defines the uniform capability set Infinitune's
// generation pipeline talks to — LLM, image, and audio backends — treated
// purely by their HTTP contracts.
//
// One narrow interface per concern, implementations kept in subpackages,
// resolved by name through a [Registry] rather than a type switch.
package provider

import "time"

// AudioStatus is the state of a submitted audio generation task.
type AudioStatus string

const (
	AudioRunning   AudioStatus = "running"
	AudioSucceeded AudioStatus = "succeeded"
	AudioFailed    AudioStatus = "failed"
	AudioNotFound  AudioStatus = "not_found"
)

// MetadataRequest carries everything an LLM call needs to produce song
// metadata for one slot.
type MetadataRequest struct {
	PlaylistPrompt  string
	ManagerBrief    string
	InterruptPrompt string // set only for interrupt songs; overrides PlaylistPrompt framing
	RecentTitles    []string
}

// MetadataResult is the LLM's structured answer to a MetadataRequest.
type MetadataResult struct {
	Title         string
	Artist        string
	Lyrics        string
	Caption       string
	BPM           int
	KeyScale      string
	TimeSignature string
	Mood          string
	Energy        float64
}

// PersonaRequest asks the LLM to summarize a finished song into a short
// persona-facing extract.
type PersonaRequest struct {
	Title   string
	Artist  string
	Lyrics  string
	Caption string
}

// ManagerBriefRequest asks the LLM to produce a playlist-level operating
// brief covering a bounded window of upcoming songs.
type ManagerBriefRequest struct {
	PlaylistPrompt string
	PreviousBrief  string
	RecentTitles   []string
	WindowStart    int // startOrderIndex of the window being planned
}

// ManagerSlot is one window entry of a manager plan, mirrored from
// data.ManagerSlot so this package stays decoupled from the data-service
// types; the pipeline converts between the two at the persistence boundary.
type ManagerSlot struct {
	StartOrderIndex int
	WindowSize      int
	TransitionHint  string
	Topic           string
	LyricalTheme    string
	EnergyTarget    float64
}

// ManagerBriefResult is the LLM's structured answer to a ManagerBriefRequest.
type ManagerBriefResult struct {
	Brief string
	Slots []ManagerSlot // 3-8 entries
}

// CoverRequest carries prompt material for image generation.
type CoverRequest struct {
	Title   string
	Artist  string
	Mood    string
	Caption string
}

// CoverResult is the generated image.
type CoverResult struct {
	Bytes  []byte
	Format string // e.g. "png", "jpeg"
}

// AudioSubmitRequest is the payload POSTed to the audio provider.
type AudioSubmitRequest struct {
	Lyrics        string
	Caption       string
	BPM           int
	KeyScale      string
	TimeSignature string
	DurationHint  time.Duration
}

// AudioSubmitResult is returned immediately on submission.
type AudioSubmitResult struct {
	TaskID string
}

// AudioPollResult is returned by a single poll or as one entry of a batch poll.
type AudioPollResult struct {
	Status    AudioStatus
	AudioPath string
	Error     string
}
