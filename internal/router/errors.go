package router

import "errors"

var (
	ErrNotAuthenticated  = errors.New("connection not authenticated")
	ErrForbiddenRoom     = errors.New("role may not join this room")
	ErrEventNotPermitted = errors.New("role may not publish this event")
	ErrWrongRoomKind     = errors.New("event not allowed in this room")
	ErrRateLimitExceeded = errors.New("rate_limited")
)
