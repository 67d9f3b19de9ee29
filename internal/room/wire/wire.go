// Package wire defines the room channel's message protocol: the tagged
// envelope and every payload exchanged between the Room Runtime and its
// devices. It is shared by the server side
// (internal/room) and the daemon's room-mode client (internal/daemon), so
// the two ends can never drift apart.
package wire

import (
	"github.com/beastyrabbit/infinitune-sub001/internal/data"
)

// ProtocolVersion is delivered in every joinAck.
const ProtocolVersion = 1

// Kind discriminates an envelope's payload.
type Kind string

// Client → server kinds.
const (
	KindJoin         Kind = "join"
	KindCommand      Kind = "command"
	KindRenameDevice Kind = "renameDevice"
	KindSync         Kind = "sync"
	KindSetRole      Kind = "setRole"
	KindSongEnded    Kind = "songEnded"
	KindPing         Kind = "ping"
)

// Server → client kinds.
const (
	KindState   Kind = "state"
	KindQueue   Kind = "queue"
	KindExecute Kind = "execute"
	KindNext    Kind = "nextSong"
	KindPreload Kind = "preload"
	KindJoinAck Kind = "joinAck"
	KindError   Kind = "error"
	KindPong    Kind = "pong"
)

// Role is a device's control capability.
type Role string

const (
	RolePlayer     Role = "player"
	RoleController Role = "controller"
)

// DeviceMode selects whether commands issued by/for a device affect the
// whole room or only that device's own local engine.
type DeviceMode string

const (
	ModeDefault    DeviceMode = "default"
	ModeIndividual DeviceMode = "individual"
)

// CommandName is one of the playback directives a command message carries.
type CommandName string

const (
	CmdPlay       CommandName = "play"
	CmdPause      CommandName = "pause"
	CmdToggle     CommandName = "toggle"
	CmdSkip       CommandName = "skip"
	CmdSetVolume  CommandName = "setVolume"
	CmdSeek       CommandName = "seek"
	CmdToggleMute CommandName = "toggleMute"
	CmdSelectSong CommandName = "selectSong"
)

// Envelope is the tagged value every message on the channel is wrapped in.
// Exactly one of the Kind-named fields below is populated, matching which
// Kind the envelope carries.
type Envelope struct {
	Kind Kind `json:"kind" validate:"required"`

	Join         *JoinPayload         `json:"join,omitempty"`
	Command      *CommandPayload      `json:"command,omitempty"`
	RenameDevice *RenameDevicePayload `json:"renameDevice,omitempty"`
	Sync         *SyncPayload         `json:"sync,omitempty"`
	SetRole      *SetRolePayload      `json:"setRole,omitempty"`
	SongEnded    *SongEndedPayload    `json:"songEnded,omitempty"`
	Ping         *PingPayload         `json:"ping,omitempty"`

	State   *StatePayload    `json:"state,omitempty"`
	Queue   *QueuePayload    `json:"queue,omitempty"`
	Execute *ExecutePayload  `json:"execute,omitempty"`
	Next    *NextSongPayload `json:"nextSong,omitempty"`
	Preload *PreloadPayload  `json:"preload,omitempty"`
	JoinAck *JoinAckPayload  `json:"joinAck,omitempty"`
	Error   *ErrorPayload    `json:"error,omitempty"`
	Pong    *PongPayload     `json:"pong,omitempty"`
}

// JoinPayload registers a device with the room. At least one of RoomID or
// PlaylistKey must be set: absence of RoomID auto-creates the room from
// PlaylistKey. An omitted Mode joins the device in default mode.
type JoinPayload struct {
	RoomID      string     `json:"roomId,omitempty"`
	PlaylistKey string     `json:"playlistKey,omitempty"`
	DeviceID    string     `json:"deviceId" validate:"required"`
	DeviceName  string     `json:"deviceName"`
	Role        Role       `json:"role" validate:"required,oneof=player controller"`
	Mode        DeviceMode `json:"mode,omitempty" validate:"omitempty,oneof=default individual"`
}

type CommandPayload struct {
	Name           CommandName `json:"name" validate:"required,oneof=play pause toggle skip setVolume seek toggleMute selectSong"`
	TargetDeviceID string      `json:"targetDeviceId,omitempty"`
	Volume         float64     `json:"volume,omitempty" validate:"omitempty,gte=0,lte=1"`
	SeekSeconds    float64     `json:"seekSeconds,omitempty"`
	SongID         string      `json:"songId,omitempty"`
}

type RenameDevicePayload struct {
	Name string `json:"name" validate:"required"`
}

type SyncPayload struct {
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
}

// SetRolePayload flips a joined device's role and, when Mode is present,
// its broadcast mode.
type SetRolePayload struct {
	Role Role       `json:"role" validate:"required,oneof=player controller"`
	Mode DeviceMode `json:"mode,omitempty" validate:"omitempty,oneof=default individual"`
}

type SongEndedPayload struct {
	SongID string `json:"songId" validate:"required"`
}

type PingPayload struct {
	ClientTime int64 `json:"clientTime" validate:"required"`
}

// StatePayload mirrors the room's playback struct plus the current song
// snapshot.
type StatePayload struct {
	Playback    Playback     `json:"playback"`
	CurrentSong *SongSummary `json:"currentSong,omitempty"`
}

type QueuePayload struct {
	Songs []SongSummary `json:"songs"`
}

// ExecutePayload is the authoritative playback directive broadcast to
// players.
type ExecutePayload struct {
	Name        CommandName `json:"name"`
	SeekSeconds float64     `json:"seekSeconds,omitempty"`
	Volume      float64     `json:"volume,omitempty"`
}

// NextSongPayload tells a player to load a song so it is ready by StartAt,
// a server wall-clock time.
type NextSongPayload struct {
	SongID   string  `json:"songId"`
	AudioURL string  `json:"audioUrl"`
	StartAt  int64   `json:"startAt"` // unix millis, server time
	Duration float64 `json:"duration,omitempty"`
}

type PreloadPayload struct {
	SongID   string `json:"songId"`
	AudioURL string `json:"audioUrl"`
}

type JoinAckPayload struct {
	RoomID          string `json:"roomId"`
	PlaylistID      string `json:"playlistId,omitempty"`
	DeviceID        string `json:"deviceId"`
	Role            Role   `json:"role"`
	ProtocolVersion int    `json:"protocolVersion"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// PongPayload answers a ping with both timestamps so the client can compute
// offset = serverTime - clientTime - roundTrip/2.
type PongPayload struct {
	ClientTime int64 `json:"clientTime"`
	ServerTime int64 `json:"serverTime"`
}

// Playback is the authoritative playback struct of a room.
type Playback struct {
	CurrentSongID string  `json:"currentSongId,omitempty"`
	IsPlaying     bool    `json:"isPlaying"`
	CurrentTime   float64 `json:"currentTime"`
	Duration      float64 `json:"duration"`
	Volume        float64 `json:"volume"`
	IsMuted       bool    `json:"isMuted"`
}

// SongSummary is the subset of data.Song surfaced over the wire.
type SongSummary struct {
	SongID   string  `json:"songId"`
	Title    string  `json:"title"`
	Artist   string  `json:"artist"`
	CoverURL string  `json:"coverUrl,omitempty"`
	AudioURL string  `json:"audioUrl,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// NewSongSummary projects a data.Song onto its wire representation.
func NewSongSummary(sg data.Song) SongSummary {
	return SongSummary{
		SongID:   sg.SongID,
		Title:    sg.Metadata.Title,
		Artist:   sg.Metadata.Artist,
		CoverURL: sg.CoverURL,
		AudioURL: sg.AudioURL,
		Duration: sg.Metadata.AudioDuration.Seconds(),
	}
}
