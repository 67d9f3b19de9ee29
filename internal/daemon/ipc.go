package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/pipelineerr"
	"github.com/beastyrabbit/infinitune-sub001/internal/room/wire"
)

// Request is one newline-delimited IPC message from the CLI.
type Request struct {
	ID      string          `json:"id"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers a Request, echoing its ID.
type Response struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Payload schemas for the session-mutating actions.
type joinRoomPayload struct {
	ServerURL   string `json:"serverUrl"`
	RoomID      string `json:"roomId"`
	PlaylistKey string `json:"playlistKey,omitempty"`
}

type startLocalPayload struct {
	ServerURL    string `json:"serverUrl,omitempty"`
	PlaylistID   string `json:"playlistId"`
	PlaylistKey  string `json:"playlistKey,omitempty"`
	PlaylistName string `json:"playlistName,omitempty"`
}

type configurePayload struct {
	VolumeStep     *float64 `json:"volumeStep,omitempty"`
	SyncIntervalMs *int64   `json:"syncIntervalMs,omitempty"`
	LocalPollMs    *int64   `json:"localPollMs,omitempty"`
}

type volumePayload struct {
	Volume float64 `json:"volume"`
}

type volumeDeltaPayload struct {
	Direction string  `json:"direction"` // "up" or "down"
	Step      float64 `json:"step,omitempty"`
}

type selectSongPayload struct {
	SongID string `json:"songId"`
}

type seekPayload struct {
	Time float64 `json:"time"`
}

// ipcServer accepts connections on the daemon's unix control socket. Each
// connection's requests are processed in order so replies preserve request
// order per connection; connections are independent of each
// other.
type ipcServer struct {
	d  *Daemon
	ln net.Listener
}

func newIPCServer(d *Daemon, socketPath string) (*ipcServer, error) {
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, pipelineerr.Resource("binding control socket "+socketPath, err)
	}
	return &ipcServer{d: d, ln: ln}, nil
}

func (s *ipcServer) serve(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *ipcServer) close() {
	_ = s.ln.Close()
}

func (s *ipcServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		resp := Response{OK: true}
		if err := json.Unmarshal(line, &req); err != nil {
			resp = Response{OK: false, Error: "malformed request: " + err.Error()}
		} else {
			resp = s.dispatch(ctx, req)
		}

		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// dispatch runs one action under the IPC deadline. Actions that mutate
// session state serialize inside the Daemon methods they call; read-only
// actions run concurrently across connections.
func (s *ipcServer) dispatch(parent context.Context, req Request) Response {
	ctx, cancel := context.WithTimeout(parent, defaultIPCTimeout)
	defer cancel()

	data, err := s.run(ctx, req)
	if err != nil {
		return Response{ID: req.ID, OK: false, Error: err.Error()}
	}
	return Response{ID: req.ID, OK: true, Data: data}
}

func (s *ipcServer) run(ctx context.Context, req Request) (any, error) {
	d := s.d
	switch req.Action {
	case "status":
		return d.Status(), nil

	case "queue":
		return d.Queue(), nil

	case "shutdown":
		d.RequestShutdown()
		return nil, nil

	case "joinRoom":
		var p joinRoomPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		if p.ServerURL == "" || (p.RoomID == "" && p.PlaylistKey == "") {
			return nil, pipelineerr.User("joinRoom requires serverUrl and roomId or playlistKey")
		}
		return nil, d.JoinRoom(ctx, p.ServerURL, p.RoomID, p.PlaylistKey)

	case "startLocal":
		var p startLocalPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		if p.PlaylistID == "" {
			return nil, pipelineerr.User("startLocal requires playlistId")
		}
		return nil, d.StartLocal(ctx, p.PlaylistID, p.PlaylistKey, p.PlaylistName)

	case "leaveRoom":
		d.LeaveRoom()
		return nil, nil

	case "leavePlaylist":
		d.LeavePlaylist()
		return nil, nil

	case "clearSession":
		d.ClearSession()
		return nil, nil

	case "configure":
		var p configurePayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		var sync, poll *time.Duration
		if p.SyncIntervalMs != nil {
			v := time.Duration(*p.SyncIntervalMs) * time.Millisecond
			sync = &v
		}
		if p.LocalPollMs != nil {
			v := time.Duration(*p.LocalPollMs) * time.Millisecond
			poll = &v
		}
		return d.Configure(p.VolumeStep, sync, poll), nil

	case "play":
		return nil, d.Play()

	case "pause":
		return nil, d.Command(wire.CmdPause, 0, 0, "")

	case "toggle":
		return nil, d.Command(wire.CmdToggle, 0, 0, "")

	case "skip":
		return nil, d.Command(wire.CmdSkip, 0, 0, "")

	case "setVolume":
		var p volumePayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		if p.Volume < 0 {
			p.Volume = 0
		}
		if p.Volume > 1 {
			p.Volume = 1
		}
		return nil, d.Command(wire.CmdSetVolume, p.Volume, 0, "")

	case "volumeDelta":
		var p volumeDeltaPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		direction := 1.0
		if p.Direction == "down" {
			direction = -1.0
		}
		return nil, d.VolumeDelta(direction, p.Step)

	case "toggleMute":
		return nil, d.Command(wire.CmdToggleMute, 0, 0, "")

	case "selectSong":
		var p selectSongPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		if p.SongID == "" {
			return nil, pipelineerr.User("selectSong requires songId")
		}
		return nil, d.Command(wire.CmdSelectSong, 0, 0, p.SongID)

	case "seek":
		var p seekPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return nil, d.Command(wire.CmdSeek, 0, p.Time, "")

	default:
		slog.Debug("daemon: unknown IPC action", "action", req.Action)
		return nil, pipelineerr.User("unknown action " + req.Action)
	}
}

func decodePayload(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return pipelineerr.Protocol("bad payload", err)
	}
	return nil
}
