package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/beastyrabbit/infinitune-sub001/internal/room/wire"
	"github.com/coder/websocket"
)

// writeTimeout bounds how long a single outbound frame may take; a device
// that can't keep up within this window is treated as failed.
const writeTimeout = 4 * time.Second

// device is one connected participant. Outbound writes are serialized
// through outbox so messages aimed at the same device are never reordered,
// even when the room fans a broadcast out across devices in parallel.
type device struct {
	id   string
	room *Room

	mu   sync.Mutex
	name string
	role wire.Role
	mode wire.DeviceMode

	conn   *websocket.Conn
	outbox chan wire.Envelope
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newDevice(id, name string, role wire.Role, mode wire.DeviceMode, conn *websocket.Conn, r *Room) *device {
	if mode == "" {
		mode = wire.ModeDefault
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &device{
		id:     id,
		room:   r,
		name:   name,
		role:   role,
		mode:   mode,
		conn:   conn,
		outbox: make(chan wire.Envelope, 32),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go d.writeLoop()
	return d
}

func (d *device) writeLoop() {
	defer close(d.done)
	for {
		select {
		case env, ok := <-d.outbox:
			if !ok {
				return
			}
			if err := d.write(env); err != nil {
				d.room.handleDeviceFailure(d.id)
				return
			}
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *device) write(env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(d.ctx, writeTimeout)
	defer cancel()
	return d.conn.Write(ctx, websocket.MessageText, data)
}

// send enqueues env for delivery; it never blocks the caller on a slow
// device — a full outbox is itself a failure.
func (d *device) send(env wire.Envelope) bool {
	select {
	case d.outbox <- env:
		return true
	case <-d.done:
		return false
	default:
		d.room.handleDeviceFailure(d.id)
		return false
	}
}

func (d *device) snapshotRole() (wire.Role, wire.DeviceMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.role, d.mode
}

func (d *device) setMode(m wire.DeviceMode) {
	d.mu.Lock()
	d.mode = m
	d.mu.Unlock()
}

func (d *device) setRole(r wire.Role) {
	d.mu.Lock()
	d.role = r
	d.mu.Unlock()
}

func (d *device) setName(n string) {
	d.mu.Lock()
	d.name = n
	d.mu.Unlock()
}

func (d *device) getName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// close tears the device connection down; idempotent.
func (d *device) close() {
	d.closeOnce.Do(func() {
		d.cancel()
		_ = d.conn.Close(websocket.StatusNormalClosure, "device removed")
	})
}
