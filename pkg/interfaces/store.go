package interfaces

import (
	"context"

	"careflow/pkg/types"
)

// ActionStore is the document store collaborator. Writes are committed
// before the snapshot they return is routed.
type ActionStore interface {
	CreateAction(ctx context.Context, action *types.ClinicalAction) error
	GetAction(ctx context.Context, id string) (*types.ClinicalAction, error)

	// UpdateStatus applies next only if the stored status still equals
	// expected; otherwise it returns ErrStaleAction.
	UpdateStatus(ctx context.Context, next *types.ClinicalAction, expected types.ActionStatus) error

	AppendNote(ctx context.Context, actionID string, note types.Note) error
	ListActions(ctx context.Context, filter ActionFilter) ([]*types.ClinicalAction, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// ActionFilter narrows ListActions. Empty fields match everything.
type ActionFilter struct {
	PatientID   string
	InitiatedBy string
	Departments []types.Department
}
