package interfaces

import "proctorhub/pkg/types"

// Connection is one authenticated client link as the hub sees it.
// Implementations must serialize writes internally.
type Connection interface {
	// Send enqueues an already-encoded frame without blocking.
	Send(data []byte) error

	// WriteJSON encodes v and enqueues it, waiting briefly for buffer space.
	WriteJSON(v any) error

	Close() error

	GetUserID() string
	GetRole() types.Role
	IsAuthenticated() bool
}

// Dispatcher receives connection lifecycle events and inbound frames.
type Dispatcher interface {
	RegisterConnection(conn Connection) error
	UnregisterConnection(conn Connection) error
	Dispatch(conn Connection, env *types.Envelope) error
}

// Publisher lets server components originate frames on the hub.
type Publisher interface {
	PublishSystem(env *types.Envelope) error
}
