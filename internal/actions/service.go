package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"careflow/internal/lifecycle"
	"careflow/internal/logging"
	"careflow/internal/router"
	"careflow/pkg/interfaces"
	"careflow/pkg/types"
)

// Publisher is the slice of the gateway the service needs.
type Publisher interface {
	Publish(kind interfaces.Mutation, action *types.ClinicalAction) error
}

// CreateRequest is the body of a create call.
type CreateRequest struct {
	PatientID          string                 `json:"patientId" validate:"required,patientid"`
	ActionType         types.ActionType       `json:"actionType" validate:"required,oneof=prescription diagnostic-request referral care-instruction"`
	Title              string                 `json:"title" validate:"required,max=200"`
	Description        string                 `json:"description" validate:"required,max=4000"`
	Priority           types.Priority         `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	DepartmentAssigned types.Department       `json:"departmentAssigned" validate:"required,oneof=lab imaging pharmacy nursing"`
	AssignedTo         string                 `json:"assignedTo" validate:"omitempty,max=64"`
	Details            map[string]interface{} `json:"details"`
}

// StatusRequest is the body of a status update.
type StatusRequest struct {
	Status          string `json:"status"`
	CompletionNotes string `json:"completionNotes"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	mustRegister(v, "patientid", func(fl validator.FieldLevel) bool {
		return types.IsValidPatientID(fl.Field().String())
	})
	return v
}

// mustRegister panics when a custom tag is rejected, so a typo can never
// leave a field unchecked.
func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("actions: registering %q validation: %v", tag, err))
	}
}

// Service runs every action mutation through the lifecycle rules, commits
// it, and only then hands the committed snapshot to the gateway.
type Service struct {
	store           interfaces.ActionStore
	publisher       Publisher
	departmentRoles router.DepartmentRoles
	locks           *keyedMutex
	log             *zap.Logger
	now             func() time.Time
	newID           func() string
}

// NewService wires the service. A nil mapping falls back to the router defaults.
func NewService(store interfaces.ActionStore, publisher Publisher, departmentRoles router.DepartmentRoles, logger *zap.Logger) *Service {
	if departmentRoles == nil {
		departmentRoles = router.DefaultDepartmentRoles()
	}
	return &Service{
		store:           store,
		publisher:       publisher,
		departmentRoles: departmentRoles,
		locks:           newKeyedMutex(),
		log:             logging.Component(logger, "actions"),
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
	}
}

// Create stores a new pending action initiated by a doctor and broadcasts it.
func (s *Service) Create(ctx context.Context, caller types.Identity, req CreateRequest) (*types.ClinicalAction, error) {
	if caller.Role != types.RoleDoctor {
		return nil, fmt.Errorf("%w: %s cannot create actions", ErrForbidden, caller.Role)
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, describe(err))
	}

	priority := req.Priority
	if priority == "" {
		priority = types.PriorityMedium
	}
	at := s.now()
	action := &types.ClinicalAction{
		ID:                 s.newID(),
		PatientID:          req.PatientID,
		ActionType:         req.ActionType,
		Title:              req.Title,
		Description:        req.Description,
		DepartmentAssigned: req.DepartmentAssigned,
		Status:             types.StatusPending,
		Priority:           priority,
		InitiatedBy:        caller.UserID,
		AssignedTo:         req.AssignedTo,
		Details:            req.Details,
		Notes:              []types.Note{},
		CreatedAt:          at,
		UpdatedAt:          at,
	}
	if err := action.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	if err := s.store.CreateAction(ctx, action); err != nil {
		return nil, fmt.Errorf("failed to store action: %w", err)
	}
	s.publish(interfaces.MutationCreated, action)

	s.log.Info("action created",
		zap.String("action_id", action.ID),
		zap.String("patient_id", action.PatientID),
		zap.String("department", string(action.DepartmentAssigned)),
		zap.String("initiated_by", caller.UserID))
	return action, nil
}

// UpdateStatus applies a lifecycle transition. A rejected request changes
// nothing and broadcasts nothing.
func (s *Service) UpdateStatus(ctx context.Context, caller types.Identity, actionID string, req StatusRequest) (*types.ClinicalAction, error) {
	target, err := lifecycle.ParseStatus(req.Status)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(actionID)
	defer unlock()

	current, err := s.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	next, err := lifecycle.Transition(current, lifecycle.TransitionRequest{
		Target:          target,
		Actor:           caller.UserID,
		CompletionNotes: req.CompletionNotes,
		At:              s.now(),
	})
	if err != nil {
		s.log.Info("status change refused",
			zap.String("action_id", actionID),
			zap.String("user_id", caller.UserID),
			zap.Error(err))
		return nil, err
	}

	if err := s.store.UpdateStatus(ctx, next, current.Status); err != nil {
		return nil, fmt.Errorf("failed to store status change: %w", err)
	}
	s.publish(interfaces.MutationStatusChanged, next)

	s.log.Info("action status changed",
		zap.String("action_id", actionID),
		zap.String("from", string(current.Status)),
		zap.String("to", string(next.Status)),
		zap.String("user_id", caller.UserID))
	return next, nil
}

// AddNote appends a note in any state.
func (s *Service) AddNote(ctx context.Context, caller types.Identity, actionID, text string) (*types.ClinicalAction, error) {
	if strings.TrimSpace(text) == "" {
		return nil, types.ErrEmptyNote
	}

	unlock := s.locks.Lock(actionID)
	defer unlock()

	current, err := s.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	note := types.Note{ID: s.newID(), UserID: caller.UserID, Text: text, CreatedAt: s.now()}
	next, err := lifecycle.AppendNote(current, note)
	if err != nil {
		return nil, err
	}

	if err := s.store.AppendNote(ctx, actionID, note); err != nil {
		return nil, fmt.Errorf("failed to store note: %w", err)
	}
	s.publish(interfaces.MutationNoteAdded, next)
	return next, nil
}

// Get loads a single action.
func (s *Service) Get(ctx context.Context, actionID string) (*types.ClinicalAction, error) {
	return s.store.GetAction(ctx, actionID)
}

// ListForPatient returns a patient's actions, newest first.
func (s *Service) ListForPatient(ctx context.Context, patientID string) ([]*types.ClinicalAction, error) {
	if !types.IsValidPatientID(patientID) {
		return nil, types.ErrInvalidPatientID
	}
	return s.store.ListActions(ctx, interfaces.ActionFilter{PatientID: patientID})
}

// Dashboard lists what the caller's role works on: doctors see what they
// initiated, every other role sees the departments routed to its room.
func (s *Service) Dashboard(ctx context.Context, caller types.Identity) ([]*types.ClinicalAction, error) {
	if !types.IsValidRole(caller.Role) {
		return nil, types.ErrInvalidRole
	}
	if caller.Role == types.RoleDoctor {
		return s.store.ListActions(ctx, interfaces.ActionFilter{InitiatedBy: caller.UserID})
	}

	depts := s.departmentRoles.DepartmentsFor(caller.Role)
	if len(depts) == 0 {
		return []*types.ClinicalAction{}, nil
	}
	return s.store.ListActions(ctx, interfaces.ActionFilter{Departments: depts})
}

// publish never fails the request: the mutation is already committed and
// delivery is best effort.
func (s *Service) publish(kind interfaces.Mutation, action *types.ClinicalAction) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(kind, action); err != nil {
		s.log.Warn("broadcast not queued",
			zap.String("mutation", kind.String()),
			zap.String("action_id", action.ID),
			zap.Error(err))
	}
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
