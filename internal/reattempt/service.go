// Package reattempt runs the re-attempt approval workflow: a student asks
// for another attempt at an exam and one mentor review settles it.
package reattempt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctorhub/internal/metrics"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

const maxReasonLength = 2000

// Service creates and reviews re-attempt requests and notifies the hub.
type Service struct {
	store  interfaces.ReAttemptStore
	pub    interfaces.Publisher
	logger *slog.Logger
	now    func() time.Time

	// createMu closes the window between the duplicate check and the insert.
	createMu sync.Mutex
}

func NewService(store interfaces.ReAttemptStore, pub interfaces.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		pub:    pub,
		logger: logger.With("component", "reattempt"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create files a pending request and announces it to the mentors room.
func (s *Service) Create(ctx context.Context, examID, studentID, reason string) (*types.ReAttemptRequest, error) {
	if !types.IsValidID(examID) || !types.IsValidID(studentID) {
		return nil, ErrInvalidRequest
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLength {
		return nil, ErrReasonTooLong
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	existing, err := s.store.FindPendingReAttempt(ctx, studentID, examID)
	switch {
	case err == nil && existing != nil:
		return nil, ErrDuplicatePending
	case err != nil && !errors.Is(err, interfaces.ErrNotFound):
		return nil, fmt.Errorf("check pending re-attempts: %w", err)
	}

	req := &types.ReAttemptRequest{
		ID:        uuid.NewString(),
		ExamID:    examID,
		StudentID: studentID,
		Reason:    reason,
		Status:    types.StatusPending,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateReAttempt(ctx, req); err != nil {
		return nil, fmt.Errorf("create re-attempt: %w", err)
	}
	metrics.ReAttemptsTotal.WithLabelValues(string(types.StatusPending)).Inc()
	s.logger.Info("re-attempt requested", "request_id", req.ID, "student_id", studentID, "exam_id", examID)

	s.notify(types.EventNewReAttemptRequest, types.MentorsRoom, req)
	return req, nil
}

// Review approves or rejects a pending request. A request is reviewed at
// most once; later reviews fail with ErrAlreadyReviewed.
func (s *Service) Review(ctx context.Context, id string, approved bool, comment, reviewer string) (*types.ReAttemptRequest, error) {
	status := types.StatusRejected
	if approved {
		status = types.StatusApproved
	}
	if err := s.store.ReviewReAttempt(ctx, id, status, strings.TrimSpace(comment), reviewer, s.now()); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) || errors.Is(err, interfaces.ErrAlreadyReviewed) {
			return nil, err
		}
		return nil, fmt.Errorf("review re-attempt: %w", err)
	}
	req, err := s.store.GetReAttempt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload re-attempt: %w", err)
	}
	metrics.ReAttemptsTotal.WithLabelValues(string(status)).Inc()
	s.logger.Info("re-attempt reviewed", "request_id", id, "status", status, "reviewer", reviewer)

	s.notify(types.EventReAttemptResponse, types.UserRoom(req.StudentID), req)
	return req, nil
}

func (s *Service) Get(ctx context.Context, id string) (*types.ReAttemptRequest, error) {
	return s.store.GetReAttempt(ctx, id)
}

// List returns requests newest first. An empty status lists all.
func (s *Service) List(ctx context.Context, status types.ReviewStatus) ([]*types.ReAttemptRequest, error) {
	if status != "" && !status.Valid() {
		return nil, ErrInvalidStatus
	}
	return s.store.ListReAttempts(ctx, status)
}

// notify is best effort; the stored request is the source of truth.
func (s *Service) notify(t types.EventType, room string, req *types.ReAttemptRequest) {
	if s.pub == nil {
		return
	}
	env, err := types.NewEnvelope(t, room, types.ReAttemptPayload{
		RequestID: req.ID,
		StudentID: req.StudentID,
		ExamID:    req.ExamID,
		Status:    req.Status,
		Reason:    req.Reason,
		Comment:   req.ReviewComment,
	})
	if err != nil {
		s.logger.Error("build re-attempt notification", "error", err)
		return
	}
	if err := s.pub.PublishSystem(env); err != nil {
		s.logger.Warn("re-attempt notification not delivered", "type", t, "request_id", req.ID, "error", err)
	}
}
