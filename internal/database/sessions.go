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

// UpsertSession inserts or refreshes a session mirror. Flags and the start
// time recorded first are kept.
func (m *Manager) UpsertSession(ctx context.Context, rec *types.SessionRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if rec.StartTime.IsZero() {
		rec.StartTime = rec.UpdatedAt
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO proctor_sessions (session_id, candidate_id, exam_id, state, risk_score,
				violation_count, flagged, flag_reason, pending_request, start_time, end_time, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				candidate_id    = CASE WHEN excluded.candidate_id != '' THEN excluded.candidate_id ELSE candidate_id END,
				exam_id         = CASE WHEN excluded.exam_id != '' THEN excluded.exam_id ELSE exam_id END,
				state           = excluded.state,
				risk_score      = excluded.risk_score,
				violation_count = excluded.violation_count,
				flagged         = MAX(flagged, excluded.flagged),
				flag_reason     = CASE WHEN excluded.flag_reason != '' THEN excluded.flag_reason ELSE flag_reason END,
				pending_request = excluded.pending_request,
				end_time        = COALESCE(excluded.end_time, end_time),
				updated_at      = excluded.updated_at
		`,
			rec.SessionID, rec.CandidateID, rec.ExamID, rec.State, rec.RiskScore,
			rec.ViolationCount, boolInt(rec.Flagged), rec.FlagReason, rec.PendingRequest,
			toMillis(rec.StartTime), nullMillis(rec.EndTime), toMillis(rec.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert session: %w", err)
		}
		return nil
	})
}

const sessionColumns = `session_id, candidate_id, exam_id, state, risk_score, violation_count,
	flagged, flag_reason, pending_request, start_time, end_time, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.SessionRecord, error) {
	var rec types.SessionRecord
	var flagged int
	var start, updated int64
	var end sql.NullInt64
	err := row.Scan(&rec.SessionID, &rec.CandidateID, &rec.ExamID, &rec.State, &rec.RiskScore,
		&rec.ViolationCount, &flagged, &rec.FlagReason, &rec.PendingRequest, &start, &end, &updated)
	if err != nil {
		return nil, err
	}
	rec.Flagged = flagged != 0
	rec.StartTime = fromMillis(start)
	rec.EndTime = timePtr(end)
	rec.UpdatedAt = fromMillis(updated)
	return &rec, nil
}

// GetSession retrieves a session mirror by id.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.SessionRecord, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM proctor_sessions WHERE session_id = ?`, sessionID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return rec, nil
}

// ListSessions returns sessions in state, or all sessions when state is empty.
func (m *Manager) ListSessions(ctx context.Context, state types.SessionState) ([]*types.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM proctor_sessions`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY start_time DESC`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return out, nil
}

// FlagSession marks a session for later review.
func (m *Manager) FlagSession(ctx context.Context, sessionID, reason string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE proctor_sessions SET flagged = 1, flag_reason = ?, updated_at = ? WHERE session_id = ?`,
			reason, toMillis(time.Now()), sessionID)
		if err != nil {
			return fmt.Errorf("failed to flag session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}
