package router

import "errors"

var (
	ErrNilAction          = errors.New("action snapshot is nil")
	ErrUnroutablePatient  = errors.New("action snapshot has no valid patient ID")
	ErrInvalidRoleMapping = errors.New("department role mapping references an unknown department or role")
)
