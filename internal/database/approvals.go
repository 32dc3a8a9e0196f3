package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// SaveApprovalRequest records a block escalation. Duplicates are ignored.
func (m *Manager) SaveApprovalRequest(ctx context.Context, req *types.ApprovalRequest) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO approval_requests (request_id, session_id, candidate_id, reason, violation_count, risk_score, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(request_id) DO NOTHING
		`, req.RequestID, req.SessionID, req.CandidateID, req.Reason, req.ViolationCount, req.RiskScore, toMillis(req.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert approval request: %w", err)
		}
		return nil
	})
}

// SaveDecision stores the single decision for a request.
func (m *Manager) SaveDecision(ctx context.Context, d *types.Decision) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO approval_decisions (request_id, session_id, approved, comment, decided_by, decided_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(request_id) DO NOTHING
		`, d.RequestID, d.SessionID, boolInt(d.Approved), d.Comment, d.DecidedBy, toMillis(d.DecidedAt))
		if err != nil {
			return fmt.Errorf("failed to insert decision: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrAlreadyDecided
		}
		return nil
	})
}

// LatestApproval returns the newest request for a session and its decision,
// which is nil while the request is pending.
func (m *Manager) LatestApproval(ctx context.Context, sessionID string) (*types.ApprovalRequest, *types.Decision, error) {
	var req types.ApprovalRequest
	var created int64
	err := m.db.QueryRowContext(ctx, `
		SELECT request_id, session_id, candidate_id, reason, violation_count, risk_score, created_at
		FROM approval_requests
		WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, sessionID).Scan(&req.RequestID, &req.SessionID, &req.CandidateID, &req.Reason,
		&req.ViolationCount, &req.RiskScore, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query approval request: %w", err)
	}
	req.CreatedAt = fromMillis(created)

	d, err := m.getDecision(ctx, req.RequestID)
	if err != nil {
		return nil, nil, err
	}
	return &req, d, nil
}

func (m *Manager) getDecision(ctx context.Context, requestID string) (*types.Decision, error) {
	var d types.Decision
	var approved int
	var at int64
	err := m.db.QueryRowContext(ctx, `
		SELECT request_id, session_id, approved, comment, decided_by, decided_at
		FROM approval_decisions
		WHERE request_id = ?
	`, requestID).Scan(&d.RequestID, &d.SessionID, &approved, &d.Comment, &d.DecidedBy, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query decision: %w", err)
	}
	d.Approved = approved != 0
	d.DecidedAt = fromMillis(at)
	return &d, nil
}
