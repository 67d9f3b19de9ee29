// Package config provides the configuration schema, loader, change diff and
// file watcher for the Infinitune generative-music system.
package config

import "time"

// Config is the root configuration structure for Infinitune.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   ProvidersConfig   `yaml:"providers"`
	DataService DataServiceConfig `yaml:"data_service"`
	Room        RoomConfig        `yaml:"room"`
	Queues      QueuesConfig      `yaml:"queues"`
	Playlist    PlaylistConfig    `yaml:"playlist"`
	CLI         CLIConfig         `yaml:"cli"`
}

// ServerConfig holds network and logging settings shared by the daemon's
// room-mode websocket leg and its local HTTP status surface.
type ServerConfig struct {
	// ListenAddr is the TCP address the room runtime's websocket server
	// listens on (e.g., ":8080"). Only used when this process hosts rooms.
	ListenAddr string `yaml:"listen_addr"`

	// StatusAddr is the TCP address the daemon's read-only HTTP status
	// surface listens on.
	StatusAddr string `yaml:"status_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// ProvidersConfig declares which provider implementation to use for each
// generation stage. Each field selects a named provider registered in the
// [github.com/beastyrabbit/infinitune-sub001/internal/provider.Registry].
type ProvidersConfig struct {
	LLM   ProviderEntry `yaml:"llm"`
	Image ProviderEntry `yaml:"image"`
	Audio ProviderEntry `yaml:"audio"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the provider registry.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "http").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// DataServiceConfig points at the opaque persistence backend behind
// [github.com/beastyrabbit/infinitune-sub001/internal/data.Store].
type DataServiceConfig struct {
	// Backend selects "memory" or "postgres".
	Backend string `yaml:"backend"`

	// PostgresDSN is the connection string used when Backend is "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RoomConfig tunes the per-room actor and its device protocol,
// plus the daemon's client leg toward the room server.
type RoomConfig struct {
	// ServerURL is the room server the daemon and CLI talk to by default
	// (e.g., "http://localhost:8080").
	ServerURL string `yaml:"server_url"`

	// ClockSyncInterval is how often the daemon's room client issues a
	// ping for clock-offset measurement. Default: 5s.
	ClockSyncInterval time.Duration `yaml:"clock_sync_interval"`

	// StartAtLookahead is how far into the future a nextSong's startAt is
	// scheduled, giving devices time to preload.
	StartAtLookahead time.Duration `yaml:"start_at_lookahead"`

	// DriftThreshold is the maximum acceptable playback drift before a
	// device is told to resync.
	DriftThreshold time.Duration `yaml:"drift_threshold"`
}

// QueuesConfig tunes the three endpoint queues.
type QueuesConfig struct {
	LLMConcurrency     int           `yaml:"llm_concurrency"`
	ImageConcurrency   int           `yaml:"image_concurrency"`
	AudioPollInterval  time.Duration `yaml:"audio_poll_interval"`
	AudioNotFoundGrace time.Duration `yaml:"audio_not_found_grace"`
}

// PlaylistConfig tunes the playlist supervisor.
type PlaylistConfig struct {
	// BufferTarget is the number of songs the rolling buffer tries to stay
	// ahead by.
	BufferTarget int `yaml:"buffer_target"`

	// HeartbeatTimeout is how long a playlist may go unseen before the
	// supervisor begins the closing→closed lifecycle.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// DedupWindow bounds how many recent titles are checked for a duplicate
	// before allowing a retry.
	DedupWindow int `yaml:"dedup_window"`

	// StalePersonaAge is how old a song's persona extract must be before the
	// stale-persona refresh job reconsiders it.
	StalePersonaAge time.Duration `yaml:"stale_persona_age"`
}

// CLIConfig holds settings for the stateless control-plane commands and the
// bootstrap daemon spawn.
type CLIConfig struct {
	// SocketPath is the local IPC control socket path the daemon listens on
	// and the CLI connects to.
	SocketPath string `yaml:"socket_path"`

	// PIDFile records the running daemon's process ID for bootstrap checks.
	PIDFile string `yaml:"pid_file"`

	// DefaultRoom is the room joined when play is invoked without an
	// explicit --room flag.
	DefaultRoom string `yaml:"default_room"`

	// LastUsedFile remembers the most recently joined room for the play
	// command's fallback resolution chain.
	LastUsedFile string `yaml:"last_used_file"`

	// PickerCommand is an external interactive picker (e.g. fzf). It
	// receives candidates on stdin, one per line, and must print the
	// chosen line to stdout.
	PickerCommand string `yaml:"picker_command"`
}
