// Package daemon implements the Playback Daemon: the long-lived local
// process that owns the audio engine, bridges the CLI's control socket to
// either a room channel or the playlist data service, and serves a
// read-only HTTP status surface.
//
// Lifecycle: a Config-struct constructor, Run blocking until the context
// ends, and an ordered teardown behind a sync.Once.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/pipelineerr"
	"github.com/beastyrabbit/infinitune-sub001/internal/room/wire"
	"github.com/beastyrabbit/infinitune-sub001/pkg/audio"
)

// Mode is the daemon's session mode.
type Mode string

const (
	ModeIdle  Mode = "idle"
	ModeRoom  Mode = "room"
	ModeLocal Mode = "local"
)

// Default tuning, overridable via Config.
const (
	defaultRoomConnectWait = 4 * time.Second
	defaultIPCTimeout      = 4 * time.Second
	defaultSyncInterval    = time.Second
	defaultPingInterval    = 5 * time.Second
	defaultLocalPoll       = 4 * time.Second
	defaultHeartbeatPeriod = 30 * time.Second
	defaultVolumeStep      = 0.05
	shutdownDrainTimeout   = 5 * time.Second
)

// Config holds the daemon's dependencies and tunables. Engine and
// SocketPath must be set; Store is required only for local mode.
type Config struct {
	Engine audio.Engine

	// Store is the playlist data service used by local mode. A daemon
	// without one can still join rooms.
	Store data.Store

	SocketPath string
	PIDFile    string

	// StatusAddr is the read-only HTTP surface's listen address. Empty
	// disables HTTP.
	StatusAddr string

	DeviceID   string
	DeviceName string

	RoomConnectWait time.Duration
	SyncInterval    time.Duration
	PingInterval    time.Duration
	LocalPoll       time.Duration
	HeartbeatPeriod time.Duration
}

// Session is the daemon's externally visible runtime state. It is replaced
// wholesale on every change and read through an atomic pointer so status
// queries never contend with session mutations.
type Session struct {
	Mode             Mode          `json:"mode"`
	RoomID           string        `json:"roomId,omitempty"`
	PlaylistKey      string        `json:"playlistKey,omitempty"`
	LocalPlaylistID  string        `json:"localPlaylistId,omitempty"`
	PlaylistName     string        `json:"playlistName,omitempty"`
	ServerURL        string        `json:"serverUrl,omitempty"`
	Connected        bool          `json:"connected"`
	LastError        string        `json:"lastError,omitempty"`
	ServerTimeOffset time.Duration `json:"serverTimeOffset"`
}

// Status is the full snapshot served by the IPC status action and the HTTP
// surface: the session plus the engine state and queue length.
type Status struct {
	Session
	Engine      audio.Snapshot `json:"engine"`
	QueueLength int            `json:"queueLength"`
}

// QueueEntry is one upcoming song as surfaced to the CLI and HTTP surface.
type QueueEntry struct {
	SongID   string  `json:"songId"`
	Title    string  `json:"title"`
	Artist   string  `json:"artist"`
	Duration float64 `json:"duration,omitempty"`
}

// Daemon is the running process state. One Daemon per machine/user; the
// socket and pid files enforce that (see CheckSocket).
type Daemon struct {
	cfg    Config
	engine audio.Engine
	store  data.Store

	// sessionMu serializes the session-mutating IPC actions (joinRoom,
	// startLocal, configure, clearSession); reads go through session.
	sessionMu sync.Mutex
	session   atomic.Pointer[Session]

	// room is the live room-mode client; nil otherwise. Guarded by
	// sessionMu for replacement, read via atomic for the hot paths.
	room  atomic.Pointer[roomClient]
	local atomic.Pointer[localSession]

	// tunables mutated by the configure action.
	tuneMu     sync.Mutex
	volumeStep float64

	stopOnce sync.Once
	done     chan struct{}

	// shutdownRequested is closed by the IPC shutdown action to unwind Run.
	shutdownRequested chan struct{}
	shutdownReqOnce   sync.Once
}

// New constructs a Daemon. The engine's song-ended callback is owned by the
// active session (room client or local loop) and rewired on every session
// change.
func New(cfg Config) (*Daemon, error) {
	if cfg.Engine == nil {
		return nil, pipelineerr.Resource("daemon requires an audio engine", nil)
	}
	if cfg.SocketPath == "" {
		return nil, pipelineerr.Resource("daemon requires a control socket path", nil)
	}
	if cfg.RoomConnectWait <= 0 {
		cfg.RoomConnectWait = defaultRoomConnectWait
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.LocalPoll <= 0 {
		cfg.LocalPoll = defaultLocalPoll
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = defaultHeartbeatPeriod
	}

	d := &Daemon{
		cfg:               cfg,
		engine:            cfg.Engine,
		store:             cfg.Store,
		volumeStep:        defaultVolumeStep,
		done:              make(chan struct{}),
		shutdownRequested: make(chan struct{}),
	}
	d.session.Store(&Session{Mode: ModeIdle})
	return d, nil
}

// Run serves the control socket and HTTP surface until ctx is cancelled or
// a shutdown IPC request arrives, then tears everything down in order.
func (d *Daemon) Run(ctx context.Context) error {
	if err := CheckSocket(d.cfg.SocketPath, d.cfg.PIDFile); err != nil {
		return err
	}
	if err := writePIDFile(d.cfg.PIDFile); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.shutdownRequested:
			cancel()
		case <-runCtx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(runCtx)
	ipc, err := newIPCServer(d, d.cfg.SocketPath)
	if err != nil {
		return err
	}
	g.Go(func() error { return ipc.serve(gctx) })

	var httpSrv *statusServer
	if d.cfg.StatusAddr != "" {
		httpSrv = newStatusServer(d, d.cfg.StatusAddr)
		g.Go(func() error { return httpSrv.serve(gctx) })
	}

	slog.Info("daemon running",
		"socket", d.cfg.SocketPath,
		"status_addr", d.cfg.StatusAddr,
		"device_id", d.cfg.DeviceID)

	<-gctx.Done()
	d.shutdown(httpSrv, ipc)
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// shutdown applies the fixed teardown order: disconnect room, stop
// local mode, stop engine, close HTTP, close IPC, remove socket/pid files.
func (d *Daemon) shutdown(httpSrv *statusServer, ipc *ipcServer) {
	d.stopOnce.Do(func() {
		close(d.done)
		d.teardownSession()
		_ = d.engine.Stop(true)
		_ = d.engine.Destroy()
		if httpSrv != nil {
			httpSrv.close(shutdownDrainTimeout)
		}
		ipc.close()
		removePIDFile(d.cfg.PIDFile)
		slog.Info("daemon stopped")
	})
}

// ─── Session state ───────────────────────────────────────────────────────────

// Session returns the current session snapshot.
func (d *Daemon) Session() Session { return *d.session.Load() }

func (d *Daemon) updateSession(mutate func(*Session)) {
	for {
		old := d.session.Load()
		next := *old
		mutate(&next)
		if d.session.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Status assembles the full status snapshot.
func (d *Daemon) Status() Status {
	return Status{
		Session:     d.Session(),
		Engine:      d.engine.Snapshot(),
		QueueLength: len(d.Queue()),
	}
}

// currentSongTitle returns the room's announced current song title, empty
// outside room mode.
func (d *Daemon) currentSongTitle() string {
	if rc := d.room.Load(); rc != nil {
		return rc.currentSongTitle()
	}
	return ""
}

// Queue returns the upcoming songs of the active session.
func (d *Daemon) Queue() []QueueEntry {
	if rc := d.room.Load(); rc != nil {
		return rc.queueSnapshot()
	}
	if ls := d.local.Load(); ls != nil {
		return ls.queueSnapshot()
	}
	return nil
}

// ─── Session mutations ───────────────────────────────────────────────────────

// JoinRoom connects the daemon to a room, waiting up to RoomConnectWait for
// the connection to reach connected state. Any previous session
// is torn down first.
func (d *Daemon) JoinRoom(ctx context.Context, serverURL, roomID, playlistKey string) error {
	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()

	cur := d.Session()
	if cur.Mode == ModeRoom && cur.Connected && cur.RoomID == roomID && cur.ServerURL == serverURL {
		return nil // idempotent re-join
	}

	d.teardownSessionLocked()

	rc := newRoomClient(roomClientConfig{
		serverURL:    serverURL,
		roomID:       roomID,
		playlistKey:  playlistKey,
		deviceID:     d.cfg.DeviceID,
		deviceName:   d.cfg.DeviceName,
		engine:       d.engine,
		syncInterval: d.cfg.SyncInterval,
		pingInterval: d.cfg.PingInterval,
		onUpdate:     d.roomStateChanged,
	})

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.RoomConnectWait)
	defer cancel()
	if err := rc.connect(dialCtx); err != nil {
		d.updateSession(func(s *Session) { s.LastError = err.Error() })
		return err
	}

	d.room.Store(rc)
	d.updateSession(func(s *Session) {
		*s = Session{
			Mode:        ModeRoom,
			RoomID:      rc.roomID(),
			PlaylistKey: playlistKey,
			ServerURL:   serverURL,
			Connected:   true,
		}
	})
	return nil
}

// StartLocal switches the daemon into local mode against playlistID,
// polling the data service directly. Returns
// ErrStaleRoomSession when the playlist no longer exists, so the CLI can
// offer a fresh selection.
func (d *Daemon) StartLocal(ctx context.Context, playlistID, playlistKey, playlistName string) error {
	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()

	if d.store == nil {
		return pipelineerr.Resource("local mode requires a data service", nil)
	}

	cur := d.Session()
	if cur.Mode == ModeLocal && cur.LocalPlaylistID == playlistID {
		return nil
	}

	if _, err := d.store.Playlists().GetByID(ctx, playlistID); err != nil {
		return fmt.Errorf("%w: playlist %s: %v", pipelineerr.ErrStaleRoomSession, playlistID, err)
	}

	d.teardownSessionLocked()

	ls := newLocalSession(localConfig{
		store:           d.store,
		engine:          d.engine,
		playlistID:      playlistID,
		pollInterval:    d.cfg.LocalPoll,
		heartbeatPeriod: d.cfg.HeartbeatPeriod,
		onError:         func(msg string) { d.updateSession(func(s *Session) { s.LastError = msg }) },
	})
	ls.start()
	d.local.Store(ls)

	d.updateSession(func(s *Session) {
		*s = Session{
			Mode:            ModeLocal,
			LocalPlaylistID: playlistID,
			PlaylistKey:     playlistKey,
			PlaylistName:    playlistName,
			Connected:       true,
		}
	})
	return nil
}

// LeaveRoom drops the room connection and returns to idle.
func (d *Daemon) LeaveRoom() {
	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()
	if d.Session().Mode != ModeRoom {
		return
	}
	d.teardownSessionLocked()
}

// LeavePlaylist stops local mode and returns to idle.
func (d *Daemon) LeavePlaylist() {
	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()
	if d.Session().Mode != ModeLocal {
		return
	}
	d.teardownSessionLocked()
}

// ClearSession unconditionally tears down whatever session is active.
func (d *Daemon) ClearSession() {
	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()
	d.teardownSessionLocked()
}

func (d *Daemon) teardownSession() {
	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()
	d.teardownSessionLocked()
}

// teardownSessionLocked stops the active room client or local loop and
// resets the session to idle. Caller holds sessionMu.
func (d *Daemon) teardownSessionLocked() {
	if rc := d.room.Swap(nil); rc != nil {
		rc.close()
	}
	if ls := d.local.Swap(nil); ls != nil {
		ls.stop()
	}
	d.engine.OnSongEnded(nil)
	_ = d.engine.Stop(false)
	d.session.Store(&Session{Mode: ModeIdle})
}

// roomStateChanged is the room client's callback for connectivity and
// clock-offset changes.
func (d *Daemon) roomStateChanged(connected bool, offset time.Duration, lastErr string) {
	d.updateSession(func(s *Session) {
		if s.Mode != ModeRoom {
			return
		}
		s.Connected = connected
		s.ServerTimeOffset = offset
		if lastErr != "" {
			s.LastError = lastErr
		}
	})
}

// ConfigureResult reports which tunables a configure action changed,
// so the CLI can confirm what took effect.
type ConfigureResult struct {
	Changed []string `json:"changed"`
}

// Configure applies runtime tunables. Only fields present in the payload
// change; the result names what changed.
func (d *Daemon) Configure(volumeStep *float64, syncInterval, localPoll *time.Duration) ConfigureResult {
	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()
	d.tuneMu.Lock()
	defer d.tuneMu.Unlock()

	var changed []string
	if volumeStep != nil && *volumeStep > 0 {
		d.volumeStep = *volumeStep
		changed = append(changed, "volumeStep")
	}
	if syncInterval != nil && *syncInterval > 0 {
		d.cfg.SyncInterval = *syncInterval
		changed = append(changed, "syncInterval")
	}
	if localPoll != nil && *localPoll > 0 {
		d.cfg.LocalPoll = *localPoll
		changed = append(changed, "localPoll")
	}
	return ConfigureResult{Changed: changed}
}

// ─── Playback commands ───────────────────────────────────────────────────────

// Command executes one playback command against the active session. In room
// mode commands relay to the server; play and pause are additionally
// applied locally at once to hide the round trip. In local mode the engine is driven directly.
func (d *Daemon) Command(name wire.CommandName, volume, seekSeconds float64, songID string) error {
	if rc := d.room.Load(); rc != nil {
		switch name {
		case wire.CmdPlay:
			_ = d.engine.Play()
		case wire.CmdPause:
			_ = d.engine.Pause()
		}
		return rc.sendCommand(name, volume, seekSeconds, songID)
	}

	if ls := d.local.Load(); ls != nil {
		return ls.command(name, volume, seekSeconds, songID)
	}

	return pipelineerr.User("no active session: join a room or start a playlist first")
}

// Play is idempotent: an already-playing engine is untouched.
func (d *Daemon) Play() error {
	if d.engine.Snapshot().IsPlaying {
		return nil
	}
	return d.Command(wire.CmdPlay, 0, 0, "")
}

// VolumeDelta nudges the volume by the configured step in either direction,
// clamped to [0, 1] before the setVolume command is issued.
func (d *Daemon) VolumeDelta(direction float64, step float64) error {
	d.tuneMu.Lock()
	if step <= 0 {
		step = d.volumeStep
	}
	d.tuneMu.Unlock()

	v := d.engine.Snapshot().Volume + direction*step
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return d.Command(wire.CmdSetVolume, v, 0, "")
}

// RequestShutdown asks Run to unwind; it returns immediately.
func (d *Daemon) RequestShutdown() {
	d.shutdownReqOnce.Do(func() { close(d.shutdownRequested) })
}
