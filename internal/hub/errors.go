package hub

import "errors"

var (
	ErrHubAlreadyRunning     = errors.New("hub is already running")
	ErrHubNotRunning         = errors.New("hub is not running")
	ErrNilConnection         = errors.New("nil connection")
	ErrNotMember             = errors.New("sender is not a member of the room")
	ErrMessageChannelFull    = errors.New("message channel is full")
	ErrRegisterChannelFull   = errors.New("register channel is full")
	ErrUnregisterChannelFull = errors.New("unregister channel is full")
)
