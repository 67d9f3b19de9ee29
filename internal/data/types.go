// Package data defines the opaque persistence contract used by the
// generation pipeline: playlists, songs, and the events emitted as they
// change state. It intentionally says nothing about how data is stored —
// see [memstore] for an in-memory implementation and [postgres] for a
// durable one.
package data

import "time"

// SongStatus is a node in the song pipeline's state machine.
type SongStatus string

const (
	StatusPending            SongStatus = "pending"
	StatusGeneratingMetadata SongStatus = "generating_metadata"
	StatusMetadataReady      SongStatus = "metadata_ready"
	StatusSubmittingToAce    SongStatus = "submitting_to_ace"
	StatusGeneratingAudio    SongStatus = "generating_audio"
	StatusSaving             SongStatus = "saving"
	StatusReady              SongStatus = "ready"
	StatusError              SongStatus = "error"
	StatusRetryPending       SongStatus = "retry_pending"
	StatusPlayed             SongStatus = "played"
)

// transientStatuses are the states a song passes through on its way to
// ready or error; the playlist supervisor tracks these for closing/cleanup.
var transientStatuses = map[SongStatus]bool{
	StatusPending:            true,
	StatusGeneratingMetadata: true,
	StatusMetadataReady:      true,
	StatusSubmittingToAce:    true,
	StatusGeneratingAudio:    true,
	StatusSaving:             true,
	StatusRetryPending:       true,
}

// IsTransient reports whether s is one of the in-flight states tracked by
// playlist closing/cleanup logic.
func (s SongStatus) IsTransient() bool { return transientStatuses[s] }

// Rating is a user's thumbs up/down on a song.
type Rating string

const (
	RatingUp   Rating = "up"
	RatingDown Rating = "down"
)

// Metadata holds the LLM-generated descriptive fields for a song.
type Metadata struct {
	Title         string
	Artist        string
	Lyrics        string
	Caption       string
	BPM           int
	KeyScale      string
	TimeSignature string
	AudioDuration time.Duration
	Mood          string
	Energy        float64
}

// Song is a single track belonging to exactly one playlist.
type Song struct {
	SongID         string
	PlaylistID     string
	OrderIndex     int
	PromptEpoch    int
	IsInterrupt    bool
	Status         SongStatus
	AceTaskID      string
	AceSubmittedAt time.Time

	Metadata Metadata
	AudioURL string
	CoverURL string

	UserRating     Rating
	PersonaExtract string

	ErrorMessage string

	// InterruptPrompt carries the user-supplied prompt text for interrupt
	// songs, which bypass the playlist's ordinary prompt/epoch.
	InterruptPrompt string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasAceTask reports whether the song has a live audio-provider task
// attached (used by recovery rule "generating_audio with a live aceTaskId").
func (s Song) HasAceTask() bool { return s.AceTaskID != "" }

// PlaylistMode selects whether a playlist runs forever or closes after one song.
type PlaylistMode string

const (
	ModeEndless PlaylistMode = "endless"
	ModeOneshot PlaylistMode = "oneshot"
)

// PlaylistStatus is the playlist lifecycle state.
type PlaylistStatus string

const (
	PlaylistActive  PlaylistStatus = "active"
	PlaylistClosing PlaylistStatus = "closing"
	PlaylistClosed  PlaylistStatus = "closed"
)

// ManagerSlot is one window entry in a playlist's manager plan.
type ManagerSlot struct {
	StartOrderIndex int
	WindowSize      int
	TransitionHint  string
	Topic           string
	LyricalTheme    string
	EnergyTarget    float64
}

// ManagerPlan is the playlist-level operating brief covering a bounded
// window of upcoming songs.
type ManagerPlan struct {
	Slots []ManagerSlot // 3-8 entries
}

// Playlist is a generation session producing an ordered stream of songs.
type Playlist struct {
	PlaylistID        string
	PlaylistKey       string
	Mode              PlaylistMode
	Status            PlaylistStatus
	PromptEpoch       int
	CurrentOrderIndex int
	LastSeenAt        time.Time

	Prompt       string
	ManagerBrief string
	ManagerPlan  ManagerPlan
	ManagerEpoch int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkQueue summarizes the actionable song population of a playlist for the
// supervisor's per-tick decisions.
type WorkQueue struct {
	Pending            []Song
	MetadataReady      []Song
	NeedsCover         []Song
	GeneratingAudio    []Song
	RetryPending       []Song
	NeedsRecovery      []Song
	BufferDeficit      int
	MaxOrderIndex      int
	TotalSongs         int
	TransientCount     int
	RecentCompleted    []Song
	RecentDescriptions []string
	StaleSongs         []Song
	CurrentEpoch       int
}
