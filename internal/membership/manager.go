package membership

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"careflow/internal/logging"
	"careflow/pkg/types"
)

// Manager owns the room membership table. Rooms are never created or
// destroyed explicitly; a room exists while it has at least one member.
type Manager struct {
	mu    sync.RWMutex
	rooms map[types.RoomID]map[string]struct{} // room -> connection IDs
	conns map[string]map[types.RoomID]struct{} // connection ID -> rooms, for O(rooms) drop
	log   *zap.Logger
}

// NewManager creates an empty membership table.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		rooms: make(map[types.RoomID]map[string]struct{}),
		conns: make(map[string]map[types.RoomID]struct{}),
		log:   logging.Component(logger, "membership"),
	}
}

// Join adds connID to room. Joining twice is a no-op. Invalid rooms and
// empty connection IDs are ignored and reported as false.
func (m *Manager) Join(connID string, room types.RoomID) bool {
	if connID == "" || !room.Valid() {
		m.log.Debug("ignoring join", zap.String("conn_id", connID), zap.Stringer("room", room))
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		m.rooms[room] = members
	}
	if _, already := members[connID]; already {
		return true
	}
	members[connID] = struct{}{}

	joined, ok := m.conns[connID]
	if !ok {
		joined = make(map[types.RoomID]struct{})
		m.conns[connID] = joined
	}
	joined[room] = struct{}{}

	m.log.Debug("joined room", zap.String("conn_id", connID), zap.Stringer("room", room))
	return true
}

// Leave removes connID from room. Leaving a room you are not in is a no-op.
func (m *Manager) Leave(connID string, room types.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.removeLocked(connID, room) {
		return
	}
	m.log.Debug("left room", zap.String("conn_id", connID), zap.Stringer("room", room))
}

// DropConnection removes connID from every room it belongs to in one
// critical section, so no join can interleave with the removal.
func (m *Manager) DropConnection(connID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	joined, ok := m.conns[connID]
	if !ok {
		return 0
	}
	count := 0
	for room := range joined {
		if m.removeLocked(connID, room) {
			count++
		}
	}
	delete(m.conns, connID)

	m.log.Debug("dropped connection", zap.String("conn_id", connID), zap.Int("rooms", count))
	return count
}

// MembersOf returns a sorted copy of the room's members; empty when nobody is in it.
func (m *Manager) MembersOf(room types.RoomID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.rooms[room]
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	sort.Strings(out)
	return out
}

// RoomsOf lists the rooms a connection currently belongs to.
func (m *Manager) RoomsOf(connID string) []types.RoomID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	joined := m.conns[connID]
	out := make([]types.RoomID, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Stats reports table sizes for the health endpoint.
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	patientRooms, roleRooms, memberships := 0, 0, 0
	for room, members := range m.rooms {
		memberships += len(members)
		switch room.Kind {
		case types.RoomKindPatient:
			patientRooms++
		case types.RoomKindRole:
			roleRooms++
		}
	}
	return map[string]int{
		"members":       len(m.conns),
		"memberships":   memberships,
		"patient_rooms": patientRooms,
		"role_rooms":    roleRooms,
	}
}

// removeLocked unlinks both directions and forgets empty rooms.
func (m *Manager) removeLocked(connID string, room types.RoomID) bool {
	members, ok := m.rooms[room]
	if !ok {
		return false
	}
	if _, in := members[connID]; !in {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(m.rooms, room)
	}
	if joined, ok := m.conns[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(m.conns, connID)
		}
	}
	return true
}
