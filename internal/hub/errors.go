package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrCommandQueueFull  = errors.New("command queue is full")
	ErrNilAction         = errors.New("cannot publish a nil action")
	ErrUnknownMutation   = errors.New("unknown mutation kind")
	ErrRateLimitExceeded = errors.New("control message rate limit exceeded")
	ErrNotRegistered     = errors.New("connection is not registered")
)
