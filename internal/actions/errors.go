package actions

import "errors"

var (
	ErrForbidden  = errors.New("role is not allowed to perform this operation")
	ErrValidation = errors.New("invalid action request")
)
