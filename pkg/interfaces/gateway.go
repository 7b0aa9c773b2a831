package interfaces

import "careflow/pkg/types"

// Gateway receives connection lifecycle and membership commands from the
// transport, and action mutations from the request-handling side.
type Gateway interface {
	Register(conn Connection) error
	Unregister(conn Connection) error
	Control(connID string, msg types.ControlMessage) error
	Publish(kind Mutation, action *types.ClinicalAction) error
}

// Mutation says what happened to an action before it was handed over.
type Mutation int

const (
	MutationCreated Mutation = iota + 1
	MutationStatusChanged
	MutationNoteAdded
)

func (m Mutation) String() string {
	switch m {
	case MutationCreated:
		return "created"
	case MutationStatusChanged:
		return "status_changed"
	case MutationNoteAdded:
		return "note_added"
	default:
		return "unknown"
	}
}
