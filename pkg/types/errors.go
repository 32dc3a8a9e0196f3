package types

import "errors"

var (
	ErrInvalidUserID     = errors.New("user ID must be 1-64 characters, alphanumeric + underscore/hyphen/dot only")
	ErrInvalidRole       = errors.New("invalid role")
	ErrInvalidRoomID     = errors.New("invalid room id")
	ErrInvalidEventType  = errors.New("invalid event type")
	ErrMissingRoom       = errors.New("room is required")
	ErrEmptyPayload      = errors.New("payload is empty")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrPayloadTooLarge   = errors.New("payload exceeds size limit")
	ErrInvalidViolation  = errors.New("invalid violation type")
	ErrInvalidSessionID  = errors.New("invalid session id")
	ErrReservedEventType = errors.New("event type is reserved for the hub")
)
