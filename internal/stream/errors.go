package stream

import "errors"

var (
	// ErrMediaUnavailable means the capture device could not be opened.
	// A session must not start without it.
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrAlreadyStarted   = errors.New("stream already started")
	ErrUnhandledEvent   = errors.New("event not handled by stream")
)
