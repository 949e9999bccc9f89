// ABOUTME: Fan-out adapter contract for room broadcasts across server processes
// ABOUTME: LocalFanout is the single-process implementation over the registry

package room

import "log/slog"

// Fanout replicates room broadcasts to every joined connection, across all
// server processes. Delivery is guaranteed to current members only; there is
// no ordering guarantee across rooms.
type Fanout interface {
	Broadcast(roomID, event string, payload any)
	Join(conn Conn, roomID string)
}

// LocalFanout implements Fanout for the connections held by this process.
// Multi-process deployments layer a bus-backed Fanout over the same registry;
// the event core only ever sees this interface.
type LocalFanout struct {
	registry *Registry
	logger   *slog.Logger
}

// NewLocalFanout creates a fanout over the given registry
func NewLocalFanout(registry *Registry, logger *slog.Logger) *LocalFanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalFanout{
		registry: registry,
		logger:   logger.With("component", "fanout"),
	}
}

// Broadcast emits the event to every connection currently in the room
func (f *LocalFanout) Broadcast(roomID, event string, payload any) {
	conns := f.registry.Connections(roomID)
	for _, c := range conns {
		c.Emit(event, payload)
	}
	f.logger.Debug("broadcast", "room", roomID, "event", event, "receivers", len(conns))
}

// Join adds the connection to the room
func (f *LocalFanout) Join(conn Conn, roomID string) {
	f.registry.Join(roomID, conn)
}
