package reattempt

import (
	"errors"

	"proctorhub/pkg/interfaces"
)

var (
	ErrInvalidRequest   = errors.New("exam id and student id are required")
	ErrReasonTooLong    = errors.New("reason must be at most 2000 characters")
	ErrDuplicatePending = errors.New("a pending re-attempt request already exists for this student and exam")
	ErrInvalidStatus    = errors.New("status must be pending, approved or rejected")
	ErrNotFound         = interfaces.ErrNotFound
	ErrAlreadyReviewed  = interfaces.ErrAlreadyReviewed
)
