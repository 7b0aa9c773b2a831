package interfaces

import "errors"

var (
	ErrStaleAction = errors.New("action status changed concurrently")
)
