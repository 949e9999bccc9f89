// ABOUTME: Event router: dispatches inbound connection events to handlers
// ABOUTME: Owns task handoff, the private mirror, and termination branching

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/huddlehq/huddle/internal/auth"
	"github.com/huddlehq/huddle/internal/chat"
	"github.com/huddlehq/huddle/internal/room"
	"github.com/huddlehq/huddle/internal/state"
	"github.com/huddlehq/huddle/internal/store"
)

// DefaultDispatchRoom is the shared room pending work is announced on
const DefaultDispatchRoom = "task_queue"

// Store is what the router needs from persistence
type Store interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	UpdateSessionAgents(ctx context.Context, id string, agents []store.AgentRef, teamSpec string) error
	CreateAgents(ctx context.Context, agents []*store.Agent) error
	LatestJSONCodeBlockMessage(ctx context.Context, sessionID string) (*store.ChatMessage, error)
	HasAgentMessage(ctx context.Context, sessionID string) (bool, error)
}

// DispatchTask is the payload announced on the dispatch room when a session
// is ready for a worker to pick up
type DispatchTask struct {
	Task      string `json:"task"`
	SessionID string `json:"sessionId"`
}

// Completion is the payload of a message_complete event, closing the stream
// for one chunk family
type Completion struct {
	Room       string            `json:"room"`
	ChunkID    string            `json:"chunkId"`
	Text       string            `json:"text"`
	CodeBlocks []store.CodeBlock `json:"codeBlocks,omitempty"`
	Tokens     int               `json:"tokens,omitempty"`
}

// TerminateRequest is the payload of a terminate event
type TerminateRequest struct {
	Message struct {
		SessionID string `json:"sessionId"`
	} `json:"message"`
	Room string `json:"room"`
}

// Router dispatches inbound events from connections to the state machine,
// the chunk assembler, and the fan-out. Handler failures that would leave a
// client with nothing actionable are logged and swallowed; only malformed
// payloads surface an error to the sender.
type Router struct {
	store        Store
	machine      *state.Machine
	assembler    *chat.Assembler
	fanout       room.Fanout
	dispatchRoom string
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a router. dispatchRoom falls back to DefaultDispatchRoom, and
// a nil logger to the default logger.
func New(st Store, machine *state.Machine, assembler *chat.Assembler, fanout room.Fanout, dispatchRoom string, logger *slog.Logger) *Router {
	if dispatchRoom == "" {
		dispatchRoom = DefaultDispatchRoom
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:        st,
		machine:      machine,
		assembler:    assembler,
		fanout:       fanout,
		dispatchRoom: dispatchRoom,
		logger:       logger.With("component", "router"),
		now:          time.Now,
	}
}

// JoinRoom adds the connection to roomID. Room membership is not an
// authorization boundary; any connection may join any room. Authenticated
// connections get a joined acknowledgment, and joining an undispatched
// session announces its task on the dispatch room exactly once.
func (r *Router) JoinRoom(ctx context.Context, conn room.Conn, ident *auth.Identity, roomID string) error {
	r.fanout.Join(conn, roomID)
	if ident == nil {
		return nil
	}
	conn.Emit("joined", roomID)

	if !store.IsID(roomID) {
		return nil
	}

	sess, err := r.store.GetSession(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading session %s: %w", roomID, err)
	}
	if sess.Status == store.StatusStarted {
		return nil
	}

	// A worker-authored message means the task was already picked up.
	dispatched, err := r.store.HasAgentMessage(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("checking dispatch state: %w", err)
	}
	if dispatched {
		return nil
	}

	r.logger.Info("dispatching session task",
		"session_id", sess.ID,
		"dispatch_room", r.dispatchRoom)
	r.fanout.Broadcast(r.dispatchRoom, "TEAM", DispatchTask{Task: sess.Prompt, SessionID: sess.ID})
	return nil
}

// Message handles an inbound chat message: normalize, persist, run the
// status check, then broadcast. A malformed payload is an error back to the
// sender; a failed persistence write is logged and the broadcast still runs.
func (r *Router) Message(ctx context.Context, ident *auth.Identity, in *chat.Inbound) error {
	// Dispatch-room traffic is relayed raw: no normalization, no envelope,
	// no persistence.
	if in.Room == r.dispatchRoom {
		event := in.Event
		if event == "" {
			event = chat.DefaultEvent
		}
		r.fanout.Broadcast(in.Room, event, in.Message)
		return nil
	}

	env, err := chat.Normalize(in, ident, r.now())
	if err != nil {
		return err
	}

	sess, err := r.assembler.Persist(ctx, env)
	if err != nil {
		r.logger.Error("persisting message failed", "room", env.Room, "error", err)
	} else if sess != nil {
		if _, _, err := r.machine.ApplyMessage(ctx, sess, env.IsFeedback); err != nil {
			r.logger.Error("status check failed", "session_id", sess.ID, "error", err)
		}
	}

	r.fanout.Broadcast(env.Room, env.Event, env)
	r.mirror(env, ident)
	return nil
}

// mirror emits the inner text to the private mirror room. Only messages with
// plain string content from an incoming source or an authenticated sender
// qualify; everything else stays on the main room.
func (r *Router) mirror(env *chat.Envelope, ident *auth.Identity) {
	text, ok := env.Message.TextString()
	if !ok || text == "" {
		return
	}
	if !env.Incoming && ident == nil {
		return
	}
	r.fanout.Broadcast("_"+env.Room, env.Event, text)
}

// MessageComplete finalizes the in-flight stream for a chunk family and
// relays the completion to the room. A completion with no matching in-flight
// document is a logged no-op.
func (r *Router) MessageComplete(ctx context.Context, ident *auth.Identity, c *Completion) error {
	if !store.IsID(c.Room) {
		return nil
	}

	done, err := r.assembler.Finalize(ctx, c.Room, c.ChunkID, c.Text, c.CodeBlocks, c.Tokens)
	if err != nil {
		r.logger.Error("finalizing message failed",
			"session_id", c.Room,
			"chunk_id", c.ChunkID,
			"error", err)
		return nil
	}
	if !done {
		return nil
	}

	r.fanout.Broadcast(c.Room, "message_complete", c)
	if c.Text != "" && ident != nil {
		r.fanout.Broadcast("_"+c.Room, "message_complete", c.Text)
	}
	return nil
}

// Terminate handles a terminate event. Sessions that already have agents go
// to TERMINATED with a terminate broadcast; sessions without agents get
// their roles materialized from the latest team-specification message
// instead, which deliberately leaves the status untouched.
func (r *Router) Terminate(ctx context.Context, req *TerminateRequest) error {
	sessionID := req.Message.SessionID
	roomID := req.Room
	if roomID == "" {
		roomID = sessionID
	}

	sess, err := r.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("terminate for unknown session dropped", "session_id", sessionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading session %s: %w", sessionID, err)
	}

	if len(sess.Agents) > 0 {
		return r.machine.Terminate(ctx, sess.ID, roomID)
	}
	return r.materializeRoles(ctx, sess, roomID)
}
