// Package room implements the Room Runtime: one authoritative playback
// session per roomId, fanning directives out to joined devices over a
// full-duplex websocket channel.
//
// Each Room serializes every mutation behind one mutex, keeping it a
// single-writer actor, while outbound delivery rides each device's
// own ordered outbox, so broadcasts fan out in parallel without reordering
// messages aimed at the same device.
package room

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/observe"
	"github.com/beastyrabbit/infinitune-sub001/internal/room/wire"
)

// Default tuning, overridable via Config.
const (
	// defaultStartAtLookahead is how far ahead of now a nextSong's startAt
	// is scheduled so players have time to load the audio.
	defaultStartAtLookahead = 300 * time.Millisecond

	// defaultDriftThreshold is the maximum playback drift tolerated before
	// the room re-seeks the offending device.
	defaultDriftThreshold = 500 * time.Millisecond
)

// Room is the authoritative playback state for one roomId. All state
// mutations go through r.mu; devices never touch room state directly.
type Room struct {
	id          string
	playlistKey string

	store   data.Store
	metrics *observe.Metrics

	lookahead      time.Duration
	driftThreshold time.Duration

	mu         sync.Mutex
	playlistID string
	devices    map[string]*device
	playback   wire.Playback
	current    *data.Song
	queue      []data.Song

	// songStart is the server wall-clock instant the current song's
	// position zero maps to; the authoritative currentTime is derived from
	// it.
	songStart time.Time

	// pausedPos holds the frozen position while playback is paused.
	pausedPos time.Duration

	// lastStartAt enforces the monotonic startAt guarantee: a later
	// nextSong never schedules earlier in server time than the previous
	// one.
	lastStartAt time.Time
}

func newRoom(id, playlistKey string, store data.Store, metrics *observe.Metrics, lookahead, drift time.Duration) *Room {
	if lookahead <= 0 {
		lookahead = defaultStartAtLookahead
	}
	if drift <= 0 {
		drift = defaultDriftThreshold
	}
	return &Room{
		id:             id,
		playlistKey:    playlistKey,
		store:          store,
		metrics:        metrics,
		lookahead:      lookahead,
		driftThreshold: drift,
		devices:        make(map[string]*device),
		playback:       wire.Playback{Volume: 1.0},
	}
}

// ID returns the room's identity.
func (r *Room) ID() string { return r.id }

// PlaylistKey returns the external playlist name the room was created for.
func (r *Room) PlaylistKey() string { return r.playlistKey }

// DeviceCount reports how many devices are currently joined.
func (r *Room) DeviceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// PlaylistID returns the bound playlist id, empty until a playlist matching
// the room's playlistKey exists.
func (r *Room) PlaylistID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playlistID
}

// ─── Join / leave ────────────────────────────────────────────────────────────

// join registers d with the room, replies with joinAck, and pushes an
// immediate state+queue snapshot so a fresh device has something to
// render. A rejoin under an existing deviceId replaces the old connection.
func (r *Room) join(ctx context.Context, d *device) {
	ready := r.loadReadyQueue(ctx)

	r.mu.Lock()
	if old, ok := r.devices[d.id]; ok {
		old.close()
	}
	r.devices[d.id] = d
	r.queue = ready
	playlistID := r.playlistID
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordDeviceJoined(ctx)
	}

	d.send(wire.Envelope{Kind: wire.KindJoinAck, JoinAck: &wire.JoinAckPayload{
		RoomID:          r.id,
		PlaylistID:      playlistID,
		DeviceID:        d.id,
		Role:            d.role,
		ProtocolVersion: wire.ProtocolVersion,
	}})
	d.send(r.stateEnvelope())
	d.send(r.queueEnvelope())
}

// handleDeviceFailure removes a device whose socket failed; the room itself
// stays alive even at zero devices.
func (r *Room) handleDeviceFailure(deviceID string) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if ok {
		delete(r.devices, deviceID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	d.close()
	if r.metrics != nil {
		r.metrics.RecordDeviceLeft(context.Background())
	}
	slog.Info("room: device removed", "room_id", r.id, "device_id", deviceID)
}

// ─── Inbound dispatch ────────────────────────────────────────────────────────

// handle routes one validated inbound envelope from d. Unknown or
// ill-formed combinations get a single error reply; the connection is
// preserved.
func (r *Room) handle(ctx context.Context, d *device, env wire.Envelope) {
	switch env.Kind {
	case wire.KindCommand:
		if env.Command == nil {
			r.replyError(d, "command envelope missing payload")
			return
		}
		r.handleCommand(ctx, d, *env.Command)
	case wire.KindSync:
		if env.Sync == nil {
			r.replyError(d, "sync envelope missing payload")
			return
		}
		r.handleSync(d, *env.Sync)
	case wire.KindSongEnded:
		if env.SongEnded == nil {
			r.replyError(d, "songEnded envelope missing payload")
			return
		}
		r.handleSongEnded(ctx, *env.SongEnded)
	case wire.KindPing:
		if env.Ping == nil {
			r.replyError(d, "ping envelope missing payload")
			return
		}
		d.send(wire.Envelope{Kind: wire.KindPong, Pong: &wire.PongPayload{
			ClientTime: env.Ping.ClientTime,
			ServerTime: time.Now().UnixMilli(),
		}})
	case wire.KindSetRole:
		if env.SetRole == nil {
			r.replyError(d, "setRole envelope missing payload")
			return
		}
		d.setRole(env.SetRole.Role)
		if env.SetRole.Mode != "" {
			d.setMode(env.SetRole.Mode)
		}
	case wire.KindRenameDevice:
		if env.RenameDevice == nil {
			r.replyError(d, "renameDevice envelope missing payload")
			return
		}
		d.setName(env.RenameDevice.Name)
	case wire.KindJoin:
		r.replyError(d, "already joined")
	default:
		r.replyError(d, "unrecognized message kind "+string(env.Kind))
	}
}

func (r *Room) replyError(d *device, msg string) {
	d.send(wire.Envelope{Kind: wire.KindError, Error: &wire.ErrorPayload{Message: msg}})
}

// ─── Commands ────────────────────────────────────────────────────────────────

// handleCommand translates a control command into execute directives. Both
// player and controller roles may control the room; a command carrying
// TargetDeviceID produces a single targeted execute instead of a
// broadcast.
func (r *Room) handleCommand(ctx context.Context, d *device, cmd wire.CommandPayload) {
	if cmd.TargetDeviceID != "" {
		r.mu.Lock()
		target, ok := r.devices[cmd.TargetDeviceID]
		r.mu.Unlock()
		if !ok {
			r.replyError(d, "unknown target device "+cmd.TargetDeviceID)
			return
		}
		target.send(executeFor(cmd))
		return
	}

	switch cmd.Name {
	case wire.CmdPlay:
		r.setPlaying(true)
	case wire.CmdPause:
		r.setPlaying(false)
	case wire.CmdToggle:
		r.mu.Lock()
		playing := r.playback.IsPlaying
		r.mu.Unlock()
		r.setPlaying(!playing)
	case wire.CmdSkip:
		r.advance(ctx, "")
		return
	case wire.CmdSelectSong:
		r.selectSong(ctx, cmd.SongID)
		return
	case wire.CmdSetVolume:
		r.mu.Lock()
		r.playback.Volume = clampVolume(cmd.Volume)
		r.mu.Unlock()
	case wire.CmdSeek:
		r.seekTo(time.Duration(cmd.SeekSeconds * float64(time.Second)))
	case wire.CmdToggleMute:
		r.mu.Lock()
		r.playback.IsMuted = !r.playback.IsMuted
		r.mu.Unlock()
	}

	r.broadcast(executeFor(cmd))
	r.broadcast(r.stateEnvelope())
}

func executeFor(cmd wire.CommandPayload) wire.Envelope {
	return wire.Envelope{Kind: wire.KindExecute, Execute: &wire.ExecutePayload{
		Name:        cmd.Name,
		SeekSeconds: cmd.SeekSeconds,
		Volume:      clampVolume(cmd.Volume),
	}}
}

func clampVolume(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// setPlaying flips the authoritative playing flag, re-anchoring songStart
// so the derived currentTime freezes on pause and resumes from the same
// position on play.
func (r *Room) setPlaying(playing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if playing == r.playback.IsPlaying {
		return
	}
	now := time.Now()
	if playing {
		r.songStart = now.Add(-r.pausedPos)
	} else {
		r.pausedPos = now.Sub(r.songStart)
	}
	r.playback.IsPlaying = playing
}

// seekTo re-anchors the current song's position.
func (r *Room) seekTo(pos time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pos < 0 {
		pos = 0
	}
	r.songStart = time.Now().Add(-pos)
	r.pausedPos = pos
}

// ─── Sync / drift ────────────────────────────────────────────────────────────

// handleSync compares a player's reported playhead against the room's
// expected position; past the drift threshold it sends a corrective seek,
// targeted at that device only when the device is in individual mode,
// room-wide otherwise.
func (r *Room) handleSync(d *device, s wire.SyncPayload) {
	r.mu.Lock()
	if !r.playback.IsPlaying || r.current == nil {
		r.mu.Unlock()
		return
	}
	expected := time.Since(r.songStart)
	r.mu.Unlock()

	reported := time.Duration(s.CurrentTime * float64(time.Second))
	drift := expected - reported
	if drift < 0 {
		drift = -drift
	}
	if drift <= r.driftThreshold {
		return
	}

	correction := wire.Envelope{Kind: wire.KindExecute, Execute: &wire.ExecutePayload{
		Name:        wire.CmdSeek,
		SeekSeconds: expected.Seconds(),
	}}
	_, mode := d.snapshotRole()
	if mode == wire.ModeIndividual {
		d.send(correction)
	} else {
		r.broadcast(correction)
	}
	slog.Debug("room: drift corrected",
		"room_id", r.id, "device_id", d.id,
		"expected", expected, "reported", reported)
}

// ─── Song advancement ────────────────────────────────────────────────────────

// handleSongEnded advances the queue when a player reports natural end.
// Endings reported for a song that is no longer current are stale echoes
// from slow devices and are ignored.
func (r *Room) handleSongEnded(ctx context.Context, p wire.SongEndedPayload) {
	r.mu.Lock()
	stale := r.current == nil || r.current.SongID != p.SongID
	r.mu.Unlock()
	if stale {
		return
	}
	r.advance(ctx, "")
}

// selectSong jumps directly to songID if it is in the ready queue.
func (r *Room) selectSong(ctx context.Context, songID string) {
	r.advance(ctx, songID)
}

// advance marks the current song played, refreshes the queue, picks the
// next ready song (or wantSongID when set), and broadcasts nextSong plus a
// preload hint for the song after it.
func (r *Room) advance(ctx context.Context, wantSongID string) {
	r.mu.Lock()
	finished := r.current
	playlistID := r.playlistID
	r.mu.Unlock()

	if finished != nil {
		if err := r.store.Songs().MarkPlayed(ctx, finished.SongID); err != nil {
			slog.Warn("room: mark played failed", "room_id", r.id, "song_id", finished.SongID, "err", err)
		}
		if playlistID != "" {
			if err := r.store.Playlists().UpdateCursor(ctx, playlistID, finished.OrderIndex); err != nil {
				slog.Warn("room: cursor update failed", "room_id", r.id, "err", err)
			}
		}
	}

	ready := r.loadReadyQueue(ctx)

	var next *data.Song
	if wantSongID != "" {
		for i := range ready {
			if ready[i].SongID == wantSongID {
				next = &ready[i]
				break
			}
		}
	} else if len(ready) > 0 {
		next = &ready[0]
	}

	r.mu.Lock()
	r.queue = ready
	if next == nil {
		r.current = nil
		r.playback.CurrentSongID = ""
		r.playback.IsPlaying = false
		r.playback.Duration = 0
		r.mu.Unlock()
		r.broadcast(r.stateEnvelope())
		r.broadcast(r.queueEnvelope())
		return
	}

	startAt := time.Now().Add(r.lookahead)
	if startAt.Before(r.lastStartAt) {
		startAt = r.lastStartAt
	}
	r.lastStartAt = startAt

	song := *next
	r.current = &song
	r.songStart = startAt
	r.pausedPos = 0
	r.playback.CurrentSongID = song.SongID
	r.playback.IsPlaying = true
	r.playback.Duration = song.Metadata.AudioDuration.Seconds()

	var follow *data.Song
	for i := range ready {
		if ready[i].SongID != song.SongID {
			follow = &ready[i]
			break
		}
	}
	r.mu.Unlock()

	start := time.Now()
	r.broadcast(wire.Envelope{Kind: wire.KindNext, Next: &wire.NextSongPayload{
		SongID:   song.SongID,
		AudioURL: song.AudioURL,
		StartAt:  startAt.UnixMilli(),
		Duration: song.Metadata.AudioDuration.Seconds(),
	}})
	if follow != nil {
		r.broadcast(wire.Envelope{Kind: wire.KindPreload, Preload: &wire.PreloadPayload{
			SongID:   follow.SongID,
			AudioURL: follow.AudioURL,
		}})
	}
	r.broadcast(r.stateEnvelope())
	r.broadcast(r.queueEnvelope())
	if r.metrics != nil {
		r.metrics.RecordRoomBroadcast(ctx, string(wire.KindNext), time.Since(start))
	}
}

// loadReadyQueue fetches the playlist's ready, not-yet-consumed songs in
// orderIndex order. A room whose playlist has been deleted gets an empty
// queue; the room only ever references its playlist weakly.
func (r *Room) loadReadyQueue(ctx context.Context) []data.Song {
	r.mu.Lock()
	playlistID := r.playlistID
	currentID := ""
	if r.current != nil {
		currentID = r.current.SongID
	}
	r.mu.Unlock()

	if playlistID == "" {
		if !r.bindPlaylist(ctx) {
			return nil
		}
		r.mu.Lock()
		playlistID = r.playlistID
		r.mu.Unlock()
	}

	songs, err := r.store.Songs().ListByPlaylist(ctx, playlistID)
	if err != nil {
		slog.Warn("room: queue load failed", "room_id", r.id, "err", err)
		return nil
	}

	ready := songs[:0]
	for _, sg := range songs {
		if sg.Status == data.StatusReady && sg.SongID != currentID {
			ready = append(ready, sg)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].OrderIndex < ready[j].OrderIndex })
	return ready
}

// bindPlaylist resolves the room's playlistKey to a concrete playlist id.
// Returns false while no matching playlist exists yet.
func (r *Room) bindPlaylist(ctx context.Context) bool {
	pl, err := r.store.Playlists().GetByKey(ctx, r.playlistKey)
	if err != nil {
		return false
	}
	r.mu.Lock()
	r.playlistID = pl.PlaylistID
	r.mu.Unlock()
	return true
}

// RefreshQueue reloads the ready queue and broadcasts it; the Manager calls
// this as the generation pipeline reports new ready songs. When nothing is
// currently playing and a ready song exists, playback is kicked off.
func (r *Room) RefreshQueue(ctx context.Context) {
	ready := r.loadReadyQueue(ctx)

	r.mu.Lock()
	r.queue = ready
	idle := r.current == nil && len(ready) > 0
	r.mu.Unlock()

	if idle {
		r.advance(ctx, "")
		return
	}
	r.broadcast(r.queueEnvelope())
}

// ─── Snapshots / broadcast ───────────────────────────────────────────────────

// stateEnvelope builds the state message from the authoritative playback
// struct, deriving currentTime from server wall time.
func (r *Room) stateEnvelope() wire.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	pb := r.playback
	if r.current != nil {
		if pb.IsPlaying {
			pb.CurrentTime = time.Since(r.songStart).Seconds()
		} else {
			pb.CurrentTime = r.pausedPos.Seconds()
		}
		if pb.CurrentTime < 0 {
			pb.CurrentTime = 0
		}
	}

	var cur *wire.SongSummary
	if r.current != nil {
		s := wire.NewSongSummary(*r.current)
		cur = &s
	}
	return wire.Envelope{Kind: wire.KindState, State: &wire.StatePayload{Playback: pb, CurrentSong: cur}}
}

func (r *Room) queueEnvelope() wire.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	songs := make([]wire.SongSummary, 0, len(r.queue))
	for _, sg := range r.queue {
		songs = append(songs, wire.NewSongSummary(sg))
	}
	return wire.Envelope{Kind: wire.KindQueue, Queue: &wire.QueuePayload{Songs: songs}}
}

// isDirective reports whether a message kind drives playback. Individual-
// mode devices only execute room-scoped directives when explicitly
// targeted, so room-wide directive broadcasts skip them; informational
// state/queue snapshots still reach everyone.
func isDirective(k wire.Kind) bool {
	switch k {
	case wire.KindExecute, wire.KindNext, wire.KindPreload:
		return true
	}
	return false
}

// broadcast fans env out to every device's outbox, skipping individual-mode
// devices for playback directives. Per-device ordering is preserved by the
// outbox; a device that can't keep up is removed by its own send path.
func (r *Room) broadcast(env wire.Envelope) {
	directive := isDirective(env.Kind)
	r.mu.Lock()
	targets := make([]*device, 0, len(r.devices))
	for _, d := range r.devices {
		targets = append(targets, d)
	}
	r.mu.Unlock()
	for _, d := range targets {
		if directive {
			if _, mode := d.snapshotRole(); mode == wire.ModeIndividual {
				continue
			}
		}
		d.send(env)
	}
}

// closeAll tears down every device connection; used on room delete.
func (r *Room) closeAll() {
	r.mu.Lock()
	targets := make([]*device, 0, len(r.devices))
	for _, d := range r.devices {
		targets = append(targets, d)
	}
	r.devices = make(map[string]*device)
	r.mu.Unlock()
	for _, d := range targets {
		d.close()
	}
}
