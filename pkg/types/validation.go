package types

import (
	"regexp"
)

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidPatientID checks the format used for patient room keys.
func IsValidPatientID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}

// IsValidRole reports membership in the closed role set.
func IsValidRole(role Role) bool {
	switch role {
	case RoleDoctor, RoleNurse, RolePharmacy, RoleDiagnosticStaff:
		return true
	default:
		return false
	}
}

// IsValidDepartment reports membership in the closed department set.
func IsValidDepartment(dept Department) bool {
	switch dept {
	case DepartmentLab, DepartmentImaging, DepartmentPharmacy, DepartmentNursing:
		return true
	default:
		return false
	}
}

// IsValidStatus reports membership in the closed status set.
func IsValidStatus(status ActionStatus) bool {
	switch status {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

func IsValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

func IsValidActionType(t ActionType) bool {
	switch t {
	case ActionTypePrescription, ActionTypeDiagnosticRequest, ActionTypeReferral, ActionTypeCareInstruction:
		return true
	default:
		return false
	}
}

// Validate checks the closed-set fields of a snapshot.
func (a *ClinicalAction) Validate() error {
	if !IsValidPatientID(a.PatientID) {
		return ErrInvalidPatientID
	}
	if !IsValidDepartment(a.DepartmentAssigned) {
		return ErrInvalidDepartment
	}
	if !IsValidStatus(a.Status) {
		return ErrInvalidStatus
	}
	if !IsValidPriority(a.Priority) {
		return ErrInvalidPriority
	}
	if !IsValidActionType(a.ActionType) {
		return ErrInvalidActionType
	}
	return nil
}
