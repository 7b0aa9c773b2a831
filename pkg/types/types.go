package types

import (
	"time"
)

// Role identifies the clinical function of an authenticated user.
type Role string

const (
	RoleDoctor          Role = "doctor"
	RoleNurse           Role = "nurse"
	RolePharmacy        Role = "pharmacy"
	RoleDiagnosticStaff Role = "diagnostic-staff"
)

// Department is the unit an action is routed to.
type Department string

const (
	DepartmentLab      Department = "lab"
	DepartmentImaging  Department = "imaging"
	DepartmentPharmacy Department = "pharmacy"
	DepartmentNursing  Department = "nursing"
)

// ActionStatus is governed by the lifecycle state machine.
type ActionStatus string

const (
	StatusPending    ActionStatus = "pending"
	StatusInProgress ActionStatus = "in-progress"
	StatusCompleted  ActionStatus = "completed"
	StatusCancelled  ActionStatus = "cancelled"
)

// ActionType classifies what kind of clinical task an action is.
type ActionType string

const (
	ActionTypePrescription      ActionType = "prescription"
	ActionTypeDiagnosticRequest ActionType = "diagnostic-request"
	ActionTypeReferral          ActionType = "referral"
	ActionTypeCareInstruction   ActionType = "care-instruction"
)

// Priority of an action. Medium when the creator does not say otherwise.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Event names pushed to websocket clients.
const (
	EventActionUpdated       = "action-updated"
	EventActionStatusChanged = "action-status-changed"
	EventError               = "error"
)

// Control message types sent by websocket clients.
const (
	ControlJoinPatient  = "join-patient"
	ControlLeavePatient = "leave-patient"
	ControlJoinRoleRoom = "join-role-room"
)

// Note is a single append-only remark on an action.
type Note struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Text      string    `json:"note"`
	CreatedAt time.Time `json:"createdAt"`
}

// ClinicalAction is the snapshot handed to the broadcast core after a commit.
// The core routes it but never writes it back.
type ClinicalAction struct {
	ID                 string                 `json:"id"`
	PatientID          string                 `json:"patientId"`
	ActionType         ActionType             `json:"actionType"`
	Title              string                 `json:"title"`
	Description        string                 `json:"description"`
	DepartmentAssigned Department             `json:"departmentAssigned"`
	Status             ActionStatus           `json:"status"`
	Priority           Priority               `json:"priority"`
	InitiatedBy        string                 `json:"initiatedBy"`
	AssignedTo         string                 `json:"assignedTo,omitempty"`
	Details            map[string]interface{} `json:"details,omitempty"`
	Notes              []Note                 `json:"notes"`
	CompletedAt        *time.Time             `json:"completedAt,omitempty"`
	CompletedBy        string                 `json:"completedBy,omitempty"`
	CompletionNotes    string                 `json:"completionNotes,omitempty"`
	CreatedAt          time.Time              `json:"createdAt"`
	UpdatedAt          time.Time              `json:"updatedAt"`
}

// Clone returns a deep copy so callers can derive a new snapshot
// without touching the one they were given.
func (a *ClinicalAction) Clone() *ClinicalAction {
	if a == nil {
		return nil
	}
	c := *a
	if a.Notes != nil {
		c.Notes = make([]Note, len(a.Notes))
		copy(c.Notes, a.Notes)
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		c.CompletedAt = &t
	}
	if a.Details != nil {
		c.Details = make(map[string]interface{}, len(a.Details))
		for k, v := range a.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// StatusChange is the payload of an action-status-changed event.
type StatusChange struct {
	ActionID  string       `json:"actionId"`
	NewStatus ActionStatus `json:"newStatus"`
	Timestamp time.Time    `json:"timestamp"`
}

// Event is one server-to-client notification.
type Event struct {
	Name string      `json:"event"`
	Data interface{} `json:"data"`
}

// ActionUpdated wraps a snapshot as an action-updated event.
func ActionUpdated(action *ClinicalAction) Event {
	return Event{Name: EventActionUpdated, Data: action}
}

// ActionStatusChanged builds the status-changed event for a snapshot.
func ActionStatusChanged(action *ClinicalAction, at time.Time) Event {
	return Event{
		Name: EventActionStatusChanged,
		Data: StatusChange{ActionID: action.ID, NewStatus: action.Status, Timestamp: at},
	}
}

// ControlMessage is a client-to-server membership command.
type ControlMessage struct {
	Type      string `json:"type"`
	PatientID string `json:"patientId,omitempty"`
}

// Identity is what the authenticator extracts from a bearer token.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// Subscription lists the rooms one live connection has joined.
type Subscription struct {
	ConnectionID string   `json:"connectionId"`
	Rooms        []string `json:"rooms"`
}
