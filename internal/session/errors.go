package session

import (
	"errors"

	"proctorhub/pkg/interfaces"
)

var (
	ErrInvalidSessionID = errors.New("session id must be 1-64 characters, alphanumeric + underscore/hyphen/dot only")
	ErrInvalidViolation = errors.New("invalid violation")
	ErrSessionEnded     = errors.New("session has ended")
	ErrNoPendingRequest = errors.New("session has no approval request")
	ErrStaleRequest     = errors.New("request id does not match the pending approval request")
	ErrNotFound         = interfaces.ErrNotFound
	ErrAlreadyDecided   = interfaces.ErrAlreadyDecided
)
