package proctor

import "errors"

var (
	// ErrSuspended is returned for signals and submissions while Blocked.
	ErrSuspended = errors.New("session suspended pending mentor approval")
	// ErrClosed is returned once a session is resolved, terminated or closed.
	ErrClosed = errors.New("session closed")
	// ErrStaleDecision marks a decision for a request that is no longer pending.
	ErrStaleDecision     = errors.New("decision does not match the pending request")
	ErrInvalidContext    = errors.New("invalid session context")
	ErrUnknownSignal     = errors.New("unknown signal")
	ErrUnhandledEvent    = errors.New("event not handled by session")
	ErrPublisherRequired = errors.New("publisher is required")
)
