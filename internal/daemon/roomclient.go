package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/beastyrabbit/infinitune-sub001/internal/pipelineerr"
	"github.com/beastyrabbit/infinitune-sub001/internal/room/wire"
	"github.com/beastyrabbit/infinitune-sub001/pkg/audio"
)

// wsWriteTimeout bounds one outbound frame toward the room server.
const wsWriteTimeout = 4 * time.Second

// durationSetter is implemented by engines that accept an externally known
// song duration (the wall-clock simulation does); real decoders discover it
// from the stream instead.
type durationSetter interface {
	SetDuration(songID string, d time.Duration)
}

type roomClientConfig struct {
	serverURL   string
	roomID      string
	playlistKey string
	deviceID    string
	deviceName  string

	engine audio.Engine

	syncInterval time.Duration
	pingInterval time.Duration

	// onUpdate reports connectivity/offset changes back to the daemon.
	onUpdate func(connected bool, offset time.Duration, lastErr string)
}

// roomClient is the daemon's leg of the room channel: it joins as a player
// device, relays commands, applies execute/nextSong directives to the
// engine, emits the 1 Hz sync pulse, and estimates the server clock offset
// from ping/pong exchanges.
//
// The websocket session shape is the same bidirectional JSON read-loop the
// provider websocket clients use.
type roomClient struct {
	cfg  roomClientConfig
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	joinedID  string
	connected bool
	lastState wire.StatePayload
	lastQueue []wire.SongSummary

	// offset is the smoothed serverTime-minus-localTime estimate; pings
	// holds in-flight probes keyed by their clientTime stamp.
	offset        time.Duration
	offsetSamples int
	pings         map[int64]time.Time

	// ack signals the first joinAck; joinErr holds a pre-ack error reply.
	ack     chan struct{}
	ackOnce sync.Once
	joinErr error

	closeOnce sync.Once
}

func newRoomClient(cfg roomClientConfig) *roomClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &roomClient{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		pings:  make(map[int64]time.Time),
		ack:    make(chan struct{}),
	}
}

// connect dials the room endpoint, sends the join, and blocks until the
// joinAck arrives or ctx expires. A pre-ack error reply from the server
// surfaces as ErrStaleRoomSession so the CLI can distinguish a dead session
// from a network failure.
func (c *roomClient) connect(ctx context.Context) error {
	wsURL, err := roomEndpoint(c.cfg.serverURL)
	if err != nil {
		return pipelineerr.User("bad server url: " + err.Error())
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return pipelineerr.Transient("room dial failed", err)
	}
	c.conn = conn

	go c.readLoop()

	if err := c.write(wire.Envelope{Kind: wire.KindJoin, Join: &wire.JoinPayload{
		RoomID:      c.cfg.roomID,
		PlaylistKey: c.cfg.playlistKey,
		DeviceID:    c.cfg.deviceID,
		DeviceName:  c.cfg.deviceName,
		Role:        wire.RolePlayer,
	}}); err != nil {
		c.close()
		return pipelineerr.Transient("join send failed", err)
	}

	select {
	case <-c.ack:
		if c.joinErr != nil {
			c.close()
			return c.joinErr
		}
	case <-ctx.Done():
		c.close()
		return pipelineerr.Transient("room connect timed out", ctx.Err())
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.notify("")

	c.cfg.engine.OnSongEnded(c.songEnded)
	go c.syncLoop()
	go c.pingLoop()
	return nil
}

// roomEndpoint turns a configured http(s) base URL into the ws(s) channel
// URL at /ws/room.
func roomEndpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/room"
	return u.String(), nil
}

func (c *roomClient) roomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joinedID != "" {
		return c.joinedID
	}
	return c.cfg.roomID
}

func (c *roomClient) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "leaving")
		}
	})
}

func (c *roomClient) notify(lastErr string) {
	if c.cfg.onUpdate == nil {
		return
	}
	c.mu.Lock()
	connected := c.connected
	offset := c.offset
	c.mu.Unlock()
	c.cfg.onUpdate(connected, offset, lastErr)
}

// ─── Outbound ────────────────────────────────────────────────────────────────

func (c *roomClient) write(env wire.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, wsWriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, raw)
}

// sendCommand relays one playback command to the room.
func (c *roomClient) sendCommand(name wire.CommandName, volume, seekSeconds float64, songID string) error {
	return c.write(wire.Envelope{Kind: wire.KindCommand, Command: &wire.CommandPayload{
		Name:        name,
		Volume:      volume,
		SeekSeconds: seekSeconds,
		SongID:      songID,
	}})
}

// songEnded is the engine callback: report natural end so the server
// advances the queue.
func (c *roomClient) songEnded(songID string) {
	if songID == "" {
		return
	}
	if err := c.write(wire.Envelope{Kind: wire.KindSongEnded, SongEnded: &wire.SongEndedPayload{SongID: songID}}); err != nil {
		slog.Warn("daemon: songEnded send failed", "err", err)
	}
}

// syncLoop emits the engine snapshot at the configured cadence while
// connected.
func (c *roomClient) syncLoop() {
	ticker := time.NewTicker(c.cfg.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			snap := c.cfg.engine.Snapshot()
			if snap.SongID == "" {
				continue
			}
			_ = c.write(wire.Envelope{Kind: wire.KindSync, Sync: &wire.SyncPayload{
				CurrentTime: snap.CurrentTime,
				IsPlaying:   snap.IsPlaying,
			}})
		}
	}
}

// pingLoop issues clock-offset probes. Each pong yields one sample:
// offset = serverTime - clientTime - roundTrip/2.
func (c *roomClient) pingLoop() {
	ticker := time.NewTicker(c.cfg.pingInterval)
	defer ticker.Stop()

	probe := func() {
		now := time.Now()
		stamp := now.UnixMilli()
		c.mu.Lock()
		c.pings[stamp] = now
		c.mu.Unlock()
		_ = c.write(wire.Envelope{Kind: wire.KindPing, Ping: &wire.PingPayload{ClientTime: stamp}})
	}

	probe()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// ─── Inbound ─────────────────────────────────────────────────────────────────

func (c *roomClient) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.ackOnce.Do(func() {
			c.joinErr = pipelineerr.Transient("connection closed before joinAck", nil)
			close(c.ack)
		})
		c.notify("room connection closed")
	}()

	for {
		_, raw, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			slog.Warn("daemon: malformed room message", "err", err)
			continue
		}
		c.handle(env)
	}
}

func (c *roomClient) handle(env wire.Envelope) {
	switch env.Kind {
	case wire.KindJoinAck:
		if env.JoinAck == nil {
			return
		}
		c.mu.Lock()
		c.joinedID = env.JoinAck.RoomID
		c.mu.Unlock()
		c.ackOnce.Do(func() { close(c.ack) })

	case wire.KindError:
		if env.Error == nil {
			return
		}
		msg := env.Error.Message
		acked := false
		c.ackOnce.Do(func() {
			c.joinErr = fmt.Errorf("%w: %s", pipelineerr.ErrStaleRoomSession, msg)
			close(c.ack)
			acked = true
		})
		if !acked {
			slog.Warn("daemon: room error", "message", msg)
			c.notify(msg)
		}

	case wire.KindPong:
		if env.Pong == nil {
			return
		}
		c.handlePong(*env.Pong)

	case wire.KindExecute:
		if env.Execute == nil {
			return
		}
		c.applyExecute(*env.Execute)

	case wire.KindNext:
		if env.Next == nil {
			return
		}
		c.loadNext(*env.Next)

	case wire.KindPreload:
		if env.Preload == nil {
			return
		}
		_ = c.cfg.engine.Preload(env.Preload.SongID, env.Preload.AudioURL)

	case wire.KindState:
		if env.State == nil {
			return
		}
		c.mu.Lock()
		c.lastState = *env.State
		c.mu.Unlock()

	case wire.KindQueue:
		if env.Queue == nil {
			return
		}
		c.mu.Lock()
		c.lastQueue = env.Queue.Songs
		c.mu.Unlock()
	}
}

// handlePong folds one clock sample into the smoothed offset estimate. The
// first sample is taken as-is; later samples blend in, converging on the
// underlying network jitter after a handful of exchanges.
func (c *roomClient) handlePong(p wire.PongPayload) {
	now := time.Now()
	c.mu.Lock()
	sentAt, ok := c.pings[p.ClientTime]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pings, p.ClientTime)

	rtt := now.Sub(sentAt)
	sample := time.Duration(p.ServerTime-p.ClientTime)*time.Millisecond - rtt/2
	if c.offsetSamples == 0 {
		c.offset = sample
	} else {
		c.offset = (c.offset*3 + sample) / 4
	}
	c.offsetSamples++
	c.mu.Unlock()
	c.notify("")
}

// applyExecute drives the engine with an authoritative directive.
func (c *roomClient) applyExecute(e wire.ExecutePayload) {
	eng := c.cfg.engine
	switch e.Name {
	case wire.CmdPlay:
		_ = eng.Play()
	case wire.CmdPause:
		_ = eng.Pause()
	case wire.CmdToggle:
		_ = eng.Toggle()
	case wire.CmdSeek:
		_ = eng.Seek(time.Duration(e.SeekSeconds * float64(time.Second)))
	case wire.CmdSetVolume:
		_ = eng.SetVolume(e.Volume)
	case wire.CmdToggleMute:
		_ = eng.ToggleMute()
	}
}

// loadNext schedules the announced song. The server's startAt is in server
// time; the player starts at startAt minus its clock offset.
func (c *roomClient) loadNext(n wire.NextSongPayload) {
	c.mu.Lock()
	offset := c.offset
	c.mu.Unlock()

	localStart := time.UnixMilli(n.StartAt).Add(-offset)
	if err := c.cfg.engine.LoadSong(n.SongID, n.AudioURL, localStart, 0); err != nil {
		slog.Warn("daemon: load song failed", "song_id", n.SongID, "err", err)
		return
	}
	if n.Duration > 0 {
		if ds, ok := c.cfg.engine.(durationSetter); ok {
			ds.SetDuration(n.SongID, time.Duration(n.Duration*float64(time.Second)))
		}
	}
}

// currentSongTitle returns the authoritative current song's display title,
// empty when the room has not announced one.
func (c *roomClient) currentSongTitle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastState.CurrentSong == nil {
		return ""
	}
	return c.lastState.CurrentSong.Title
}

func (c *roomClient) queueSnapshot() []QueueEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]QueueEntry, 0, len(c.lastQueue))
	for _, s := range c.lastQueue {
		out = append(out, QueueEntry{SongID: s.SongID, Title: s.Title, Artist: s.Artist, Duration: s.Duration})
	}
	return out
}
