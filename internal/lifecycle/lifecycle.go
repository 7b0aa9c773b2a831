// Package lifecycle holds the status state machine of a clinical action.
//
//	pending ──► in-progress ──► completed
//	   │             │
//	   ├─────────────┼────────► cancelled
//	   └─────────────┴────────► completed
//
// completed and cancelled are terminal.
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"careflow/pkg/types"
)

var transitions = map[types.ActionStatus]map[types.ActionStatus]bool{
	types.StatusPending: {
		types.StatusInProgress: true,
		types.StatusCompleted:  true,
		types.StatusCancelled:  true,
	},
	types.StatusInProgress: {
		types.StatusCompleted: true,
		types.StatusCancelled: true,
	},
}

// TransitionRequest describes a requested status change.
type TransitionRequest struct {
	Target          types.ActionStatus
	Actor           string
	CompletionNotes string
	At              time.Time
}

// ParseStatus accepts only the four known statuses, spelled exactly.
func ParseStatus(s string) (types.ActionStatus, error) {
	status := types.ActionStatus(s)
	if !types.IsValidStatus(status) {
		return "", fmt.Errorf("%w: %q", types.ErrInvalidStatus, s)
	}
	return status, nil
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(status types.ActionStatus) bool {
	return status == types.StatusCompleted || status == types.StatusCancelled
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to types.ActionStatus) bool {
	return transitions[from][to]
}

// Transition validates the request against the action's current status and
// returns the resulting snapshot. The input is never modified, so a rejected
// request leaves the caller's copy exactly as it was.
func Transition(action *types.ClinicalAction, req TransitionRequest) (*types.ClinicalAction, error) {
	if !types.IsValidStatus(req.Target) {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidStatus, req.Target)
	}
	if !CanTransition(action.Status, req.Target) {
		return nil, &types.TransitionError{From: action.Status, To: req.Target}
	}

	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	next := action.Clone()
	next.Status = req.Target
	next.UpdatedAt = at
	if req.Target == types.StatusCompleted {
		next.CompletedAt = &at
		next.CompletedBy = req.Actor
		if req.CompletionNotes != "" {
			next.CompletionNotes = req.CompletionNotes
		}
	}
	return next, nil
}

// AppendNote adds a note in any state, terminal ones included.
// Status is never affected.
func AppendNote(action *types.ClinicalAction, note types.Note) (*types.ClinicalAction, error) {
	if strings.TrimSpace(note.Text) == "" {
		return nil, types.ErrEmptyNote
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	next := action.Clone()
	next.Notes = append(next.Notes, note)
	next.UpdatedAt = note.CreatedAt
	return next, nil
}
