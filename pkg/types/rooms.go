package types

import (
	"strings"
)

// RoomKind distinguishes the two broadcast group families.
type RoomKind int

const (
	RoomKindPatient RoomKind = iota + 1
	RoomKindRole
)

const (
	patientRoomPrefix = "patient:"
	roleRoomPrefix    = "role:"
)

// RoomID names a broadcast group. The zero value is not a valid room;
// build one with PatientRoom or RoleRoom.
type RoomID struct {
	Kind RoomKind
	Key  string
}

// PatientRoom is the room of everyone currently viewing a patient.
func PatientRoom(patientID string) RoomID {
	return RoomID{Kind: RoomKindPatient, Key: patientID}
}

// RoleRoom is the dashboard room shared by every connection with a role.
func RoleRoom(role Role) RoomID {
	return RoomID{Kind: RoomKindRole, Key: string(role)}
}

// Valid reports whether the room was built from a known kind and a non-empty key.
func (r RoomID) Valid() bool {
	switch r.Kind {
	case RoomKindPatient:
		return IsValidPatientID(r.Key)
	case RoomKindRole:
		return IsValidRole(Role(r.Key))
	default:
		return false
	}
}

func (r RoomID) String() string {
	switch r.Kind {
	case RoomKindPatient:
		return patientRoomPrefix + r.Key
	case RoomKindRole:
		return roleRoomPrefix + r.Key
	default:
		return "invalid:" + r.Key
	}
}

// ParseRoomID reverses String. Unknown prefixes and empty keys are rejected.
func ParseRoomID(name string) (RoomID, error) {
	var room RoomID
	switch {
	case strings.HasPrefix(name, patientRoomPrefix):
		room = PatientRoom(strings.TrimPrefix(name, patientRoomPrefix))
	case strings.HasPrefix(name, roleRoomPrefix):
		room = RoleRoom(Role(strings.TrimPrefix(name, roleRoomPrefix)))
	default:
		return RoomID{}, ErrInvalidRoom
	}
	if !room.Valid() {
		return RoomID{}, ErrInvalidRoom
	}
	return room, nil
}
