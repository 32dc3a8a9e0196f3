package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

const reattemptColumns = `id, exam_id, student_id, reason, status, review_comment, reviewed_by, created_at, reviewed_at`

func scanReAttempt(row rowScanner) (*types.ReAttemptRequest, error) {
	var r types.ReAttemptRequest
	var created int64
	var reviewed sql.NullInt64
	if err := row.Scan(&r.ID, &r.ExamID, &r.StudentID, &r.Reason, &r.Status,
		&r.ReviewComment, &r.ReviewedBy, &created, &reviewed); err != nil {
		return nil, err
	}
	r.CreatedAt = fromMillis(created)
	r.ReviewedAt = timePtr(reviewed)
	return &r, nil
}

// CreateReAttempt inserts a new request.
func (m *Manager) CreateReAttempt(ctx context.Context, req *types.ReAttemptRequest) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO reattempt_requests (id, exam_id, student_id, reason, status, review_comment, reviewed_by, created_at, reviewed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, req.ID, req.ExamID, req.StudentID, req.Reason, req.Status, req.ReviewComment, req.ReviewedBy,
			toMillis(req.CreatedAt), nullMillis(req.ReviewedAt))
		if err != nil {
			return fmt.Errorf("failed to insert re-attempt request: %w", err)
		}
		return nil
	})
}

// GetReAttempt fetches one request.
func (m *Manager) GetReAttempt(ctx context.Context, id string) (*types.ReAttemptRequest, error) {
	r, err := scanReAttempt(m.db.QueryRowContext(ctx, `SELECT `+reattemptColumns+` FROM reattempt_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query re-attempt request: %w", err)
	}
	return r, nil
}

// FindPendingReAttempt returns the pending request for a student and exam.
func (m *Manager) FindPendingReAttempt(ctx context.Context, studentID, examID string) (*types.ReAttemptRequest, error) {
	r, err := scanReAttempt(m.db.QueryRowContext(ctx, `
		SELECT `+reattemptColumns+` FROM reattempt_requests
		WHERE student_id = ? AND exam_id = ? AND status = 'pending'
		ORDER BY created_at DESC LIMIT 1
	`, studentID, examID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending re-attempt: %w", err)
	}
	return r, nil
}

// ListReAttempts returns requests newest first, filtered by status when set.
func (m *Manager) ListReAttempts(ctx context.Context, status types.ReviewStatus) ([]*types.ReAttemptRequest, error) {
	query := `SELECT ` + reattemptColumns + ` FROM reattempt_requests`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query re-attempt requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.ReAttemptRequest
	for rows.Next() {
		r, err := scanReAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan re-attempt row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating re-attempt rows: %w", err)
	}
	return out, nil
}

// ReviewReAttempt applies the one permitted transition out of pending.
func (m *Manager) ReviewReAttempt(ctx context.Context, id string, status types.ReviewStatus, comment, reviewer string, at time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE reattempt_requests
			SET status = ?, review_comment = ?, reviewed_by = ?, reviewed_at = ?
			WHERE id = ? AND status = 'pending'
		`, status, comment, reviewer, toMillis(at), id)
		if err != nil {
			return fmt.Errorf("failed to review re-attempt request: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}

		var current string
		err = db.QueryRowContext(ctx, `SELECT status FROM reattempt_requests WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return interfaces.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read re-attempt status: %w", err)
		}
		return interfaces.ErrAlreadyReviewed
	})
}
