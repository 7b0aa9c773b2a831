package interfaces

import "careflow/pkg/types"

// Connection is one authenticated realtime session as seen by the gateway.
type Connection interface {
	// ID is unique per network session, even for the same user.
	ID() string

	Identity() types.Identity

	// Send queues v for delivery without blocking. Delivery is best effort.
	Send(v interface{}) error

	Close() error
}
