// ABOUTME: Websocket connection wrapper with a buffered, non-blocking send queue
// ABOUTME: Slow consumers drop events rather than stalling room broadcasts

package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// sendQueueSize is the per-connection outbound buffer (64 events, same as
// the subscriber channel depth used elsewhere)
const sendQueueSize = 64

// Frame is the wire shape of every event in both directions
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Conn adapts a websocket to the room.Conn contract. Emit never blocks:
// frames queue into a buffer drained by the write loop, and a full buffer
// drops the frame for this connection only.
type Conn struct {
	id     string
	sock   *websocket.Conn
	sendq  chan Frame
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id string, sock *websocket.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		id:     id,
		sock:   sock,
		sendq:  make(chan Frame, sendQueueSize),
		logger: logger.With("conn_id", id),
		done:   make(chan struct{}),
	}
}

// ID returns the connection's unique id
func (c *Conn) ID() string { return c.id }

// Emit queues an event for delivery. Frames are dropped when the connection
// cannot keep up or has closed.
func (c *Conn) Emit(event string, payload any) {
	select {
	case c.sendq <- Frame{Event: event, Data: payload}:
	case <-c.done:
	default:
		c.logger.Debug("dropped event for slow connection", "event", event)
	}
}

// writeLoop drains the send queue onto the socket until the connection
// closes or a write fails
func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case frame := <-c.sendq:
			if err := wsjson.Write(ctx, c.sock, frame); err != nil {
				c.logger.Debug("write failed, closing connection", "error", err)
				c.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sock.Close(code, reason)
	})
}
