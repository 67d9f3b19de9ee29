package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Tracked fields are provider entries, playlist/queue/room tuning, and log
// level; a changed log level is reported but still needs a restart to take
// effect. Structural settings like Server.ListenAddr or DataService.Backend
// are not tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     string

	ProvidersChanged     bool
	LLMProviderChanged   bool
	ImageProviderChanged bool
	AudioProviderChanged bool

	PlaylistChanged bool
	QueuesChanged   bool
	RoomChanged     bool
}

// Diff compares old and new configs and returns what changed.
// Only the fields listed on [ConfigDiff] are compared.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !providerEntryEqual(old.Providers.LLM, new.Providers.LLM) {
		d.LLMProviderChanged = true
		d.ProvidersChanged = true
	}
	if !providerEntryEqual(old.Providers.Image, new.Providers.Image) {
		d.ImageProviderChanged = true
		d.ProvidersChanged = true
	}
	if !providerEntryEqual(old.Providers.Audio, new.Providers.Audio) {
		d.AudioProviderChanged = true
		d.ProvidersChanged = true
	}

	if old.Playlist != new.Playlist {
		d.PlaylistChanged = true
	}
	if old.Queues != new.Queues {
		d.QueuesChanged = true
	}
	if old.Room != new.Room {
		d.RoomChanged = true
	}

	return d
}

// providerEntryEqual compares two [ProviderEntry] values. Options holds a map
// so it cannot participate in a plain == comparison.
func providerEntryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && reflect.DeepEqual(a.Options, b.Options)
}
