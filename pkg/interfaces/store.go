package interfaces

import (
	"context"
	"time"

	"proctorhub/pkg/types"
)

// ViolationStore persists the violation log.
type ViolationStore interface {
	SaveViolation(ctx context.Context, v *types.Violation) error
	ListViolations(ctx context.Context, sessionID string) ([]*types.Violation, error)
}

// SessionStore persists the server-side session mirror.
type SessionStore interface {
	UpsertSession(ctx context.Context, rec *types.SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (*types.SessionRecord, error)
	ListSessions(ctx context.Context, state types.SessionState) ([]*types.SessionRecord, error)
	FlagSession(ctx context.Context, sessionID, reason string) error
}

// ApprovalStore persists block requests and the decisions that answer them.
type ApprovalStore interface {
	SaveApprovalRequest(ctx context.Context, req *types.ApprovalRequest) error
	// SaveDecision fails with ErrAlreadyDecided if the request already has one.
	SaveDecision(ctx context.Context, d *types.Decision) error
	// LatestApproval returns the newest request for a session and its decision, if any.
	LatestApproval(ctx context.Context, sessionID string) (*types.ApprovalRequest, *types.Decision, error)
}

// ReAttemptStore persists re-attempt requests.
type ReAttemptStore interface {
	CreateReAttempt(ctx context.Context, req *types.ReAttemptRequest) error
	GetReAttempt(ctx context.Context, id string) (*types.ReAttemptRequest, error)
	ListReAttempts(ctx context.Context, status types.ReviewStatus) ([]*types.ReAttemptRequest, error)
	FindPendingReAttempt(ctx context.Context, studentID, examID string) (*types.ReAttemptRequest, error)
	// ReviewReAttempt moves a pending request to status; ErrAlreadyReviewed otherwise.
	ReviewReAttempt(ctx context.Context, id string, status types.ReviewStatus, comment, reviewer string, at time.Time) error
}

// Store is the complete persistence surface.
type Store interface {
	ViolationStore
	SessionStore
	ApprovalStore
	ReAttemptStore

	HealthCheck(ctx context.Context) error
	Close() error
}
