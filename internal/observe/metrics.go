// Package observe provides application-wide observability primitives for
// Infinitune: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Infinitune metrics.
const meterName = "github.com/beastyrabbit/infinitune-sub001"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// MetadataDuration tracks LLM metadata-generation latency.
	MetadataDuration metric.Float64Histogram

	// CoverDuration tracks image-generation latency.
	CoverDuration metric.Float64Histogram

	// AudioSubmitDuration tracks the ACE submission call latency.
	AudioSubmitDuration metric.Float64Histogram

	// SongPipelineDuration tracks the full pending→ready wall-clock time for
	// one song.
	SongPipelineDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// SongsCompleted counts songs that reached the ready state, by playlist.
	SongsCompleted metric.Int64Counter

	// SongsErrored counts songs that terminated in the error state.
	SongsErrored metric.Int64Counter

	// EpochPurges counts songs discarded by an epoch bump.
	EpochPurges metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks pending items per endpoint queue. Use with attribute:
	//   attribute.String("queue", "llm"|"image"|"audio")
	QueueDepth metric.Int64UpDownCounter

	// ActiveAudioSlots tracks the audio queue's single-active-slot occupancy.
	ActiveAudioSlots metric.Int64UpDownCounter

	// ActivePlaylists tracks the number of non-closed playlists.
	ActivePlaylists metric.Int64UpDownCounter

	// ConnectedDevices tracks the number of websocket-connected devices
	// across all rooms.
	ConnectedDevices metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// RoomBroadcastDuration tracks how long a room actor takes to fan a
	// message out to every connected device.
	RoomBroadcastDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for provider-call and song-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.MetadataDuration, err = m.Float64Histogram("infinitune.metadata.duration",
		metric.WithDescription("Latency of LLM metadata generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CoverDuration, err = m.Float64Histogram("infinitune.cover.duration",
		metric.WithDescription("Latency of cover image generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AudioSubmitDuration, err = m.Float64Histogram("infinitune.audio_submit.duration",
		metric.WithDescription("Latency of the audio generation submit call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SongPipelineDuration, err = m.Float64Histogram("infinitune.song_pipeline.duration",
		metric.WithDescription("Wall-clock time from pending to ready for one song."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("infinitune.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.SongsCompleted, err = m.Int64Counter("infinitune.songs.completed",
		metric.WithDescription("Total songs that reached the ready state."),
	); err != nil {
		return nil, err
	}
	if met.SongsErrored, err = m.Int64Counter("infinitune.songs.errored",
		metric.WithDescription("Total songs that terminated in the error state."),
	); err != nil {
		return nil, err
	}
	if met.EpochPurges, err = m.Int64Counter("infinitune.epoch_purges",
		metric.WithDescription("Total pending songs discarded by a prompt epoch bump."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("infinitune.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("infinitune.queue.depth",
		metric.WithDescription("Pending items per endpoint queue."),
	); err != nil {
		return nil, err
	}
	if met.ActiveAudioSlots, err = m.Int64UpDownCounter("infinitune.audio.active_slots",
		metric.WithDescription("Occupied audio submit-then-poll slots."),
	); err != nil {
		return nil, err
	}
	if met.ActivePlaylists, err = m.Int64UpDownCounter("infinitune.playlists.active",
		metric.WithDescription("Number of non-closed playlists."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedDevices, err = m.Int64UpDownCounter("infinitune.devices.connected",
		metric.WithDescription("Number of websocket-connected devices across all rooms."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("infinitune.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.RoomBroadcastDuration, err = m.Float64Histogram("infinitune.room.broadcast.duration",
		metric.WithDescription("Latency of fanning one message out to a room's devices."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordSongCompleted is a convenience method that records a completed-song
// counter increment for the given playlist.
func (m *Metrics) RecordSongCompleted(ctx context.Context, playlistID string) {
	m.SongsCompleted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("playlist_id", playlistID)),
	)
}

// RecordSongErrored is a convenience method that records an errored-song
// counter increment for the given playlist.
func (m *Metrics) RecordSongErrored(ctx context.Context, playlistID string) {
	m.SongsErrored.Add(ctx, 1,
		metric.WithAttributes(attribute.String("playlist_id", playlistID)),
	)
}

// RecordEpochPurge is a convenience method that records n pending songs
// discarded by a playlist's prompt epoch bump.
func (m *Metrics) RecordEpochPurge(ctx context.Context, playlistID string, n int) {
	if n <= 0 {
		return
	}
	m.EpochPurges.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("playlist_id", playlistID)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordDeviceJoined/RecordDeviceLeft adjust the connected-device gauge.
func (m *Metrics) RecordDeviceJoined(ctx context.Context) { m.ConnectedDevices.Add(ctx, 1) }
func (m *Metrics) RecordDeviceLeft(ctx context.Context)   { m.ConnectedDevices.Add(ctx, -1) }

// RecordRoomBroadcast is a convenience method that records how long a room
// broadcast took to fan out, by message kind.
func (m *Metrics) RecordRoomBroadcast(ctx context.Context, kind string, d time.Duration) {
	m.RoomBroadcastDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
