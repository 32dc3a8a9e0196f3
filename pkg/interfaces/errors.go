package interfaces

import "errors"

// Store errors shared by every implementation.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyDecided  = errors.New("approval request already decided")
	ErrAlreadyReviewed = errors.New("re-attempt request already reviewed")
)
