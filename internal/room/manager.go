package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"

	"github.com/beastyrabbit/infinitune-sub001/internal/data"
	"github.com/beastyrabbit/infinitune-sub001/internal/observe"
	"github.com/beastyrabbit/infinitune-sub001/internal/room/wire"
)

// heartbeatInterval is how often the manager forwards a playlist heartbeat
// for every room that still has at least one connected device, keeping the
// playlist supervisor's inactivity timer from expiring while listeners are
// present.
const heartbeatInterval = 30 * time.Second

// Heartbeats is the narrow slice of the playlist supervisor the room
// runtime needs: report consumer liveness without importing the playlist
// package.
type Heartbeats interface {
	Heartbeat(ctx context.Context, playlistID string) error
}

// Config holds a Manager's dependencies and tunables.
type Config struct {
	Store   data.Store
	Metrics *observe.Metrics

	// Heartbeats may be nil when the process hosts no supervisor (tests).
	Heartbeats Heartbeats

	// StartAtLookahead and DriftThreshold are passed to every room; zero
	// values fall back to the documented defaults.
	StartAtLookahead time.Duration
	DriftThreshold   time.Duration
}

// Manager owns every live Room in the process, upgrades inbound websocket
// connections, and pumps data-service events into queue refreshes. One
// Manager serves the whole server.
type Manager struct {
	store      data.Store
	metrics    *observe.Metrics
	heartbeats Heartbeats
	lookahead  time.Duration
	drift      time.Duration

	validate *validator.Validate

	mu    sync.Mutex
	rooms map[string]*Room

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager constructs a Manager. Store must be set.
func NewManager(cfg Config) *Manager {
	return &Manager{
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		heartbeats: cfg.Heartbeats,
		lookahead:  cfg.StartAtLookahead,
		drift:      cfg.DriftThreshold,
		validate:   validator.New(),
		rooms:      make(map[string]*Room),
		done:       make(chan struct{}),
	}
}

// Start launches the event pump and the playlist heartbeat loop.
func (m *Manager) Start(ctx context.Context) {
	go m.eventLoop(ctx)
	go m.heartbeatLoop(ctx)
}

// Stop halts the background loops and closes every room's connections.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()
	for _, r := range rooms {
		r.closeAll()
	}
}

// Room returns the live room for id, or nil.
func (m *Manager) Room(id string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[id]
}

// DeleteRoom tears a room down explicitly; nothing else kills a room, not
// even an empty device roster.
func (m *Manager) DeleteRoom(id string) {
	m.mu.Lock()
	r, ok := m.rooms[id]
	delete(m.rooms, id)
	m.mu.Unlock()
	if ok {
		r.closeAll()
	}
}

// roomFor returns the room for id, auto-creating it bound to playlistKey
// when absent.
func (m *Manager) roomFor(id, playlistKey string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		r = newRoom(id, playlistKey, m.store, m.metrics, m.lookahead, m.drift)
		m.rooms[id] = r
		slog.Info("room: created", "room_id", id, "playlist_key", playlistKey)
	}
	return r
}

// ─── HTTP / websocket leg ────────────────────────────────────────────────────

// ServeHTTP upgrades the connection and runs its read loop until the peer
// disconnects. Mount it at /ws/room.
func (m *Manager) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-host players and controllers; no origin allowlist
	})
	if err != nil {
		slog.Warn("room: websocket accept failed", "err", err)
		return
	}
	m.serveConn(req.Context(), conn)
}

// serveConn drives one device connection: the first accepted message must
// be a join; everything after is dispatched into the joined room. Messages
// failing schema validation get a single error reply and the connection is
// preserved.
func (m *Manager) serveConn(ctx context.Context, conn *websocket.Conn) {
	var (
		r *Room
		d *device
	)
	defer func() {
		if r != nil && d != nil {
			r.handleDeviceFailure(d.id)
		} else {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
		}
	}()

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			m.sendError(ctx, conn, d, "malformed message: "+err.Error())
			continue
		}
		if err := m.validateEnvelope(env); err != nil {
			m.sendError(ctx, conn, d, "invalid message: "+err.Error())
			continue
		}

		if r == nil {
			if env.Kind != wire.KindJoin || env.Join == nil {
				m.sendError(ctx, conn, nil, "first message must be join")
				continue
			}
			r, d = m.handleJoin(ctx, conn, *env.Join)
			if r == nil {
				continue
			}
			continue
		}

		r.handle(ctx, d, env)
	}
}

// handleJoin resolves the join payload's roomId/playlistKey pair, creating
// the room when absent, and registers the device. A join naming neither a
// room nor a playlist key is a protocol error.
func (m *Manager) handleJoin(ctx context.Context, conn *websocket.Conn, p wire.JoinPayload) (*Room, *device) {
	roomID := p.RoomID
	if roomID == "" {
		if p.PlaylistKey == "" {
			m.sendError(ctx, conn, nil, "join requires roomId or playlistKey")
			return nil, nil
		}
		roomID = "room-" + p.PlaylistKey
	}
	playlistKey := p.PlaylistKey
	if playlistKey == "" {
		playlistKey = roomID
	}

	r := m.roomFor(roomID, playlistKey)
	d := newDevice(p.DeviceID, p.DeviceName, p.Role, p.Mode, conn, r)
	r.join(ctx, d)
	return r, d
}

// validateEnvelope runs struct validation over the envelope and whichever
// payload it carries.
func (m *Manager) validateEnvelope(env wire.Envelope) error {
	if err := m.validate.Struct(env); err != nil {
		return err
	}
	switch {
	case env.Join != nil:
		return m.validate.Struct(env.Join)
	case env.Command != nil:
		return m.validate.Struct(env.Command)
	case env.RenameDevice != nil:
		return m.validate.Struct(env.RenameDevice)
	case env.Sync != nil:
		return m.validate.Struct(env.Sync)
	case env.SetRole != nil:
		return m.validate.Struct(env.SetRole)
	case env.SongEnded != nil:
		return m.validate.Struct(env.SongEnded)
	case env.Ping != nil:
		return m.validate.Struct(env.Ping)
	}
	return nil
}

// sendError writes an error reply either through the device's ordered
// outbox (post-join) or straight onto the raw connection (pre-join).
func (m *Manager) sendError(ctx context.Context, conn *websocket.Conn, d *device, msg string) {
	env := wire.Envelope{Kind: wire.KindError, Error: &wire.ErrorPayload{Message: msg}}
	if d != nil {
		d.send(env)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, raw)
}

// ─── Background loops ────────────────────────────────────────────────────────

// eventLoop pumps data-service events into the rooms bound to the affected
// playlist, so newly ready songs surface as queue broadcasts without
// polling.
func (m *Manager) eventLoop(ctx context.Context) {
	events, cancel := m.store.Events().Subscribe()
	defer cancel()
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(ctx, ev)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev data.Event) {
	switch ev.Kind {
	case data.EventSongStatusChanged, data.EventSongCreated, data.EventPlaylistSteered, data.EventPlaylistDeleted:
	default:
		return
	}

	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	for _, r := range rooms {
		if ev.PlaylistID != "" && r.PlaylistID() != "" && r.PlaylistID() != ev.PlaylistID {
			continue
		}
		r.RefreshQueue(ctx)
	}
}

// heartbeatLoop reports consumer liveness for every playlist that still has
// a device listening, so attended playlists never close underneath their
// rooms.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	if m.heartbeats == nil {
		return
	}
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			rooms := make([]*Room, 0, len(m.rooms))
			for _, r := range m.rooms {
				rooms = append(rooms, r)
			}
			m.mu.Unlock()
			for _, r := range rooms {
				if r.DeviceCount() == 0 || r.PlaylistID() == "" {
					continue
				}
				if err := m.heartbeats.Heartbeat(ctx, r.PlaylistID()); err != nil {
					slog.Warn("room: playlist heartbeat failed", "room_id", r.ID(), "err", err)
				}
			}
		}
	}
}
