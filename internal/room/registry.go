// ABOUTME: Per-process registry mapping room ids to live connection handles
// ABOUTME: Rooms are opaque broadcast groups; membership is never authorized here

package room

import (
	"log/slog"
	"sync"
)

// Conn is a handle to one live connection that can receive emitted events.
// Emit must not block; slow connections drop events rather than stall a room.
type Conn interface {
	ID() string
	Emit(event string, payload any)
}

// Registry tracks which connections have joined which rooms, in-process.
// Cross-process visibility is the Fanout adapter's concern, not the registry's.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Conn // room -> connID -> conn
	logger *slog.Logger
}

// NewRegistry creates a registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:  make(map[string]map[string]Conn),
		logger: logger.With("component", "rooms"),
	}
}

// Join adds the connection to a room. Joining twice is a no-op.
func (r *Registry) Join(roomID string, conn Conn) {
	r.mu.Lock()
	if _, ok := r.rooms[roomID]; !ok {
		r.rooms[roomID] = make(map[string]Conn)
	}
	r.rooms[roomID][conn.ID()] = conn
	r.mu.Unlock()

	r.logger.Debug("connection joined room", "room", roomID, "conn_id", conn.ID())
}

// Leave removes the connection from one room
func (r *Registry) Leave(roomID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.rooms, roomID)
	}
}

// LeaveAll removes the connection from every room it joined.
// Called on disconnect; partial writes the connection caused stay committed.
func (r *Registry) LeaveAll(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID, conns := range r.rooms {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

// Connections returns a snapshot of the room's current members
func (r *Registry) Connections(roomID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}
