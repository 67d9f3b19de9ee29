// Package cli implements the CLI Control Plane: stateless commands that
// speak newline-delimited JSON to the daemon's control socket, plus the
// bootstrap that spawns the daemon when none is running.
package cli

import (
	"bufio"
	"encoding/json"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/beastyrabbit/infinitune-sub001/internal/daemon"
)

// ipcTimeout bounds one request/response exchange with the daemon.
const ipcTimeout = 4 * time.Second

// Client speaks the daemon's IPC protocol. Each Call opens a
// fresh connection; the CLI is stateless between commands.
type Client struct {
	SocketPath string
}

// Available reports whether a daemon answers on the socket.
func (c *Client) Available() bool {
	conn, err := net.DialTimeout("unix", c.SocketPath, time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Call performs one request. The response's data field, if any, is decoded
// into out (which may be nil). A response with ok=false becomes an error
// carrying the daemon's message.
func (c *Client) Call(action string, payload any, out any) error {
	conn, err := net.DialTimeout("unix", c.SocketPath, ipcTimeout)
	if err != nil {
		return errors.Wrapf(err, "daemon not reachable at %s", c.SocketPath)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(ipcTimeout))

	req := daemon.Request{ID: uuid.NewString(), Action: action}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "encoding payload")
		}
		req.Payload = raw
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "encoding request")
	}
	if _, err := conn.Write(append(raw, '\n')); err != nil {
		return errors.Wrap(err, "sending request")
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return errors.Wrap(err, "reading response")
		}
		return errors.New("daemon closed the connection without replying")
	}

	var resp daemon.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return errors.Wrap(err, "decoding response")
	}
	if resp.ID != req.ID {
		return errors.Newf("response id %q does not match request %q", resp.ID, req.ID)
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	if out != nil && resp.Data != nil {
		raw, err := json.Marshal(resp.Data)
		if err != nil {
			return errors.Wrap(err, "re-encoding response data")
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return errors.Wrap(err, "decoding response data")
		}
	}
	return nil
}

// Status fetches the daemon's status snapshot.
func (c *Client) Status() (daemon.Status, error) {
	var st daemon.Status
	err := c.Call("status", nil, &st)
	return st, err
}

// Queue fetches the daemon's upcoming-song list.
func (c *Client) Queue() ([]daemon.QueueEntry, error) {
	var q []daemon.QueueEntry
	err := c.Call("queue", nil, &q)
	return q, err
}
