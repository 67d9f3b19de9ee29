package data

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested playlist or song does not exist.
var ErrNotFound = errors.New("data: not found")

// ErrClaimLost reports that another worker has already claimed the song.
// ClaimMetadata/ClaimAudio signal a lost claim by returning false; callers
// turn that into this error.
var ErrClaimLost = errors.New("data: claim lost")

// ErrPlaylistClosed is returned by CreatePending/CreateInterrupt when the
// playlist is not active (closing or closed).
var ErrPlaylistClosed = errors.New("data: playlist closed")

// EventKind names the events published on Playlist/Song transitions.
type EventKind string

const (
	EventSongCreated          EventKind = "song.created"
	EventSongStatusChanged    EventKind = "song.status_changed"
	EventPlaylistCreated      EventKind = "playlist.created"
	EventPlaylistSteered      EventKind = "playlist.steered"
	EventPlaylistHeartbeat    EventKind = "playlist.heartbeat"
	EventPlaylistUpdated      EventKind = "playlist.updated"
	EventPlaylistDeleted      EventKind = "playlist.deleted"
	EventPlaylistStatusChange EventKind = "playlist.status_changed"
	EventSettingsChanged      EventKind = "settings.changed"
)

// Event is a single published change. Fields not relevant to Kind are zero.
type Event struct {
	Kind       EventKind
	PlaylistID string
	SongID     string
	From       string
	To         string
	NewEpoch   int
	At         time.Time
}

// EventBus is the minimal publish/subscribe surface the supervisor and room
// runtime use to react to data changes without polling.
type EventBus interface {
	Publish(ctx context.Context, ev Event)
	Subscribe() (ch <-chan Event, cancel func())
}

// PlaylistStore is the persistence surface for playlists.
type PlaylistStore interface {
	GetByID(ctx context.Context, id string) (Playlist, error)
	GetByKey(ctx context.Context, key string) (Playlist, error)
	ListActive(ctx context.Context) ([]Playlist, error)
	Create(ctx context.Context, p Playlist) (Playlist, error)
	UpdateStatus(ctx context.Context, id string, status PlaylistStatus) error
	UpdateManagerBrief(ctx context.Context, id string, brief string, plan ManagerPlan, epoch int) error
	IncrementEpoch(ctx context.Context, id string) (newEpoch int, err error)
	Heartbeat(ctx context.Context, id string) error
	UpdateCursor(ctx context.Context, id string, currentOrderIndex int) error
}

// SongStore is the persistence surface for songs.
type SongStore interface {
	GetByIDs(ctx context.Context, ids []string) ([]Song, error)
	ListByPlaylist(ctx context.Context, playlistID string) ([]Song, error)
	GetWorkQueue(ctx context.Context, playlistID string) (WorkQueue, error)

	CreatePending(ctx context.Context, playlistID string, orderIndex int, promptEpoch int) (Song, error)
	CreateInterrupt(ctx context.Context, playlistID string, prompt string) (Song, error)
	DeleteSong(ctx context.Context, songID string) error

	ClaimMetadata(ctx context.Context, songID string) (bool, error)
	ClaimAudio(ctx context.Context, songID string) (bool, error)

	CompleteMetadata(ctx context.Context, songID string, md Metadata) error
	UpdateCover(ctx context.Context, songID string, coverURL string) error
	UpdateAceTask(ctx context.Context, songID string, taskID string, submittedAt time.Time) error
	UpdateStoragePath(ctx context.Context, songID string, audioURL string) error
	UpdateAudioDuration(ctx context.Context, songID string, d time.Duration) error
	MarkReady(ctx context.Context, songID string) error
	MarkError(ctx context.Context, songID string, message string) error
	RetryErrored(ctx context.Context, songID string) error
	RevertTransient(ctx context.Context, songID string, to SongStatus) error
	UpdateStatus(ctx context.Context, songID string, status SongStatus) error
	MarkPlayed(ctx context.Context, songID string) error

	GetInAudioPipeline(ctx context.Context) ([]Song, error)
	GetNeedsPersona(ctx context.Context, limit int) ([]Song, error)
	UpdatePersonaExtract(ctx context.Context, songID string, persona string) error
}

// Store bundles the playlist and song surfaces plus the event bus, the
// single handle components depend on.
type Store interface {
	Playlists() PlaylistStore
	Songs() SongStore
	Events() EventBus
}
