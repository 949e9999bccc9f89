// ABOUTME: Websocket endpoint decoding inbound event frames onto the router
// ABOUTME: One read loop per connection; membership is torn down on disconnect

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/huddlehq/huddle/internal/auth"
	"github.com/huddlehq/huddle/internal/chat"
	"github.com/huddlehq/huddle/internal/router"
)

// rawFrame defers payload decoding until the event name is known
type rawFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Registry is the membership cleanup hook the server needs on disconnect
type Registry interface {
	LeaveAll(connID string)
}

// Server accepts websocket connections and feeds their event frames to the
// event router. Malformed frames are logged and skipped; the connection
// stays up. Handler errors never close the connection either, matching the
// no-error-codes contract of the event surface.
type Server struct {
	router   *router.Router
	registry Registry
	logger   *slog.Logger
}

// NewServer creates a websocket server. Pass nil logger for default.
func NewServer(rt *router.Router, registry Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		router:   rt,
		registry: registry,
		logger:   logger.With("component", "transport"),
	}
}

// ServeHTTP upgrades the request and runs the connection until it drops.
// Identity comes from the auth middleware; unauthenticated connections are
// accepted and simply skip identity-gated behavior.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	ident := auth.FromContext(r.Context())
	conn := newConn(uuid.New().String(), sock, s.logger)

	s.logger.Info("connection opened",
		"conn_id", conn.ID(),
		"authenticated", ident != nil)

	ctx := r.Context()
	go conn.writeLoop(ctx)

	s.readLoop(ctx, conn, ident)

	s.registry.LeaveAll(conn.ID())
	conn.close(websocket.StatusNormalClosure, "")
	s.logger.Info("connection closed", "conn_id", conn.ID())
}

func (s *Server) readLoop(ctx context.Context, conn *Conn, ident *auth.Identity) {
	for {
		var frame rawFrame
		if err := wsjson.Read(ctx, conn.sock, &frame); err != nil {
			s.logger.Debug("read loop ended", "conn_id", conn.ID(), "error", err)
			return
		}

		if err := s.dispatch(ctx, conn, ident, &frame); err != nil {
			s.logger.Warn("event handler failed",
				"conn_id", conn.ID(),
				"event", frame.Event,
				"error", err)
		}
	}
}

// dispatch routes one decoded frame to its handler
func (s *Server) dispatch(ctx context.Context, conn *Conn, ident *auth.Identity, frame *rawFrame) error {
	switch frame.Event {
	case "join_room":
		var roomID string
		if err := json.Unmarshal(frame.Data, &roomID); err != nil {
			return fmt.Errorf("decoding join_room payload: %w", err)
		}
		return s.router.JoinRoom(ctx, conn, ident, roomID)

	case "message":
		var in chat.Inbound
		if err := json.Unmarshal(frame.Data, &in); err != nil {
			return fmt.Errorf("decoding message payload: %w", err)
		}
		return s.router.Message(ctx, ident, &in)

	case "message_complete":
		var c router.Completion
		if err := json.Unmarshal(frame.Data, &c); err != nil {
			return fmt.Errorf("decoding message_complete payload: %w", err)
		}
		return s.router.MessageComplete(ctx, ident, &c)

	case "terminate":
		var req router.TerminateRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return fmt.Errorf("decoding terminate payload: %w", err)
		}
		return s.router.Terminate(ctx, &req)

	default:
		s.logger.Debug("unknown event ignored", "event", frame.Event)
		return nil
	}
}
