package websocket

import (
	"sync"

	"careflow/pkg/interfaces"
)

// Registry tracks live connections by connection ID. It knows nothing
// about rooms; membership lives in the membership manager.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection // connID -> Connection
	users       map[string]map[string]struct{}   // userID -> connIDs
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		users:       make(map[string]map[string]struct{}),
	}
}

// Register adds a connection. One user may hold several connections
// (several tabs or devices); each is registered separately.
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	id := conn.ID()
	userID := conn.Identity().UserID

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[id]; exists {
		return ErrDuplicateConnection
	}
	r.connections[id] = conn
	if r.users[userID] == nil {
		r.users[userID] = make(map[string]struct{})
	}
	r.users[userID][id] = struct{}{}
	return nil
}

// Unregister removes conn if it is the instance currently registered
// under its ID. Reports whether anything was removed.
func (r *Registry) Unregister(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}
	id := conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.connections[id]
	if !exists || registered != conn {
		return false
	}
	delete(r.connections, id)

	userID := conn.Identity().UserID
	if conns, ok := r.users[userID]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(r.users, userID)
		}
	}
	return true
}

// Get looks a connection up by ID.
func (r *Registry) Get(connID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[connID]
	return conn, ok
}

// UserConnections returns every live connection of a user.
func (r *Registry) UserConnections(userID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []interfaces.Connection
	for id := range r.users[userID] {
		out = append(out, r.connections[id])
	}
	return out
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		out = append(out, conn)
	}
	return out
}

// GetStats returns registry statistics for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"connected_users":   len(r.users),
	}
}
