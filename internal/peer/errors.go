package peer

import "errors"

var (
	ErrClosed           = errors.New("peer manager closed")
	ErrUnknownPeer      = errors.New("no peer connection for remote")
	ErrUnsupportedTrack = errors.New("track type not supported by this factory")
	ErrTrackStopped     = errors.New("track stopped")
	ErrUnhandledEvent   = errors.New("event not handled by peer manager")
)
