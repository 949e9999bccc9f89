// ABOUTME: Session status state machine and its broadcast side effects
// ABOUTME: Drives CREATED/STARTED/RUNNING/WAITING/TERMINATED transitions

package state

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/huddlehq/huddle/internal/room"
	"github.com/huddlehq/huddle/internal/store"
)

// SessionStore is what the machine needs from persistence
type SessionStore interface {
	UpdateSessionStatus(ctx context.Context, id string, status store.SessionStatus) error
}

// Machine owns session status transitions. Statuses are inspected, never
// gated: any non-terminated status can move to RUNNING or WAITING, and
// because inbound messages carry no ordering guarantee, status may oscillate
// or move backward relative to wall-clock send order. Last write wins.
type Machine struct {
	sessions SessionStore
	fanout   room.Fanout
	logger   *slog.Logger
}

// New creates a state machine
func New(sessions SessionStore, fanout room.Fanout, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		sessions: sessions,
		fanout:   fanout,
		logger:   logger.With("component", "state"),
	}
}

// StatusForMessage maps an inbound chat message to the status it implies:
// feedback puts the session in WAITING, anything else in RUNNING.
func StatusForMessage(isFeedback bool) store.SessionStatus {
	if isFeedback {
		return store.StatusWaiting
	}
	return store.StatusRunning
}

// ApplyMessage applies transition rule one for an inbound message addressed
// to sess. The comparison runs against the status persisted at the time sess
// was loaded in the current handler, not a connection-local cache. When the
// implied status differs it is persisted and a "status" event is broadcast to
// the session's room. Returns the resulting status and whether it changed.
func (m *Machine) ApplyMessage(ctx context.Context, sess *store.Session, isFeedback bool) (store.SessionStatus, bool, error) {
	newStatus := StatusForMessage(isFeedback)
	if newStatus == sess.Status {
		return sess.Status, false, nil
	}

	if err := m.sessions.UpdateSessionStatus(ctx, sess.ID, newStatus); err != nil {
		return sess.Status, false, fmt.Errorf("persisting status %s: %w", newStatus, err)
	}

	m.logger.Debug("session status changed",
		"session_id", sess.ID,
		"from", sess.Status,
		"to", newStatus)

	m.fanout.Broadcast(sess.ID, "status", string(newStatus))
	return newStatus, true, nil
}

// Terminate forces the session into TERMINATED and broadcasts the
// termination to roomID. Only the terminate branch for sessions that already
// have agents calls this; role materialization deliberately does not.
func (m *Machine) Terminate(ctx context.Context, sessionID, roomID string) error {
	if err := m.sessions.UpdateSessionStatus(ctx, sessionID, store.StatusTerminated); err != nil {
		return fmt.Errorf("persisting terminated status: %w", err)
	}

	m.logger.Info("session terminated", "session_id", sessionID)
	m.fanout.Broadcast(roomID, "terminate", true)
	return nil
}
