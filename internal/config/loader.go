package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"log/slog"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":   {"http"},
	"image": {"http"},
	"audio": {"http"},
}

var validLogLevels = []string{"debug", "info", "warn", "error"}
var validBackends = []string{"memory", "postgres"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-value fields with sane operating defaults so a
// minimal config file is enough to run the daemon.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8787"
	}
	if cfg.Server.StatusAddr == "" {
		cfg.Server.StatusAddr = ":8788"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.DataService.Backend == "" {
		cfg.DataService.Backend = "memory"
	}
	if cfg.Room.ClockSyncInterval <= 0 {
		cfg.Room.ClockSyncInterval = 5 * time.Second
	}
	if cfg.Room.StartAtLookahead <= 0 {
		cfg.Room.StartAtLookahead = 300 * time.Millisecond
	}
	if cfg.Room.DriftThreshold <= 0 {
		cfg.Room.DriftThreshold = 500 * time.Millisecond
	}
	if cfg.Queues.LLMConcurrency <= 0 {
		cfg.Queues.LLMConcurrency = 2
	}
	if cfg.Queues.ImageConcurrency <= 0 {
		cfg.Queues.ImageConcurrency = 2
	}
	if cfg.Queues.AudioPollInterval <= 0 {
		cfg.Queues.AudioPollInterval = 2 * time.Second
	}
	if cfg.Queues.AudioNotFoundGrace <= 0 {
		cfg.Queues.AudioNotFoundGrace = 120 * time.Second
	}
	if cfg.Playlist.BufferTarget <= 0 {
		cfg.Playlist.BufferTarget = 3
	}
	if cfg.Playlist.HeartbeatTimeout <= 0 {
		cfg.Playlist.HeartbeatTimeout = 90 * time.Second
	}
	if cfg.Playlist.DedupWindow <= 0 {
		cfg.Playlist.DedupWindow = 20
	}
	if cfg.Playlist.StalePersonaAge <= 0 {
		cfg.Playlist.StalePersonaAge = 24 * time.Hour
	}
	if cfg.CLI.SocketPath == "" {
		cfg.CLI.SocketPath = "/tmp/infinitune.sock"
	}
	if cfg.CLI.PIDFile == "" {
		cfg.CLI.PIDFile = "/tmp/infinitune.pid"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !slices.Contains(validLogLevels, cfg.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.DataService.Backend != "" && !slices.Contains(validBackends, cfg.DataService.Backend) {
		errs = append(errs, fmt.Errorf("data_service.backend %q is invalid; valid values: memory, postgres", cfg.DataService.Backend))
	}
	if cfg.DataService.Backend == "postgres" && cfg.DataService.PostgresDSN == "" {
		errs = append(errs, errors.New("data_service.postgres_dsn is required when backend is postgres"))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("image", cfg.Providers.Image.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)

	if cfg.Providers.Audio.Name == "" {
		errs = append(errs, errors.New("providers.audio is required — the song pipeline cannot reach generating_audio without it"))
	}

	if cfg.Playlist.DedupWindow < 1 {
		errs = append(errs, fmt.Errorf("playlist.dedup_window %d must be at least 1", cfg.Playlist.DedupWindow))
	}
	if cfg.Playlist.BufferTarget < 1 {
		errs = append(errs, fmt.Errorf("playlist.buffer_target %d must be at least 1", cfg.Playlist.BufferTarget))
	}
	if cfg.Queues.LLMConcurrency < 1 {
		errs = append(errs, fmt.Errorf("queues.llm_concurrency %d must be at least 1", cfg.Queues.LLMConcurrency))
	}
	if cfg.Queues.ImageConcurrency < 1 {
		errs = append(errs, fmt.Errorf("queues.image_concurrency %d must be at least 1", cfg.Queues.ImageConcurrency))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
