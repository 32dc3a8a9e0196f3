package database

import (
	"context"
	"database/sql"
	"fmt"

	"proctorhub/pkg/types"
)

// SaveViolation appends to the violation log. Re-sending the same id is a no-op.
func (m *Manager) SaveViolation(ctx context.Context, v *types.Violation) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO violations (id, session_id, type, severity, score_delta, details, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, v.ID, v.SessionID, v.Type, v.Severity, v.ScoreDelta, v.Details, toMillis(v.Timestamp))
		if err != nil {
			return fmt.Errorf("failed to insert violation: %w", err)
		}
		return nil
	})
}

// ListViolations returns a session's violations oldest first.
func (m *Manager) ListViolations(ctx context.Context, sessionID string) ([]*types.Violation, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, session_id, type, severity, score_delta, details, occurred_at
		FROM violations
		WHERE session_id = ?
		ORDER BY occurred_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Violation
	for rows.Next() {
		var v types.Violation
		var at int64
		if err := rows.Scan(&v.ID, &v.SessionID, &v.Type, &v.Severity, &v.ScoreDelta, &v.Details, &at); err != nil {
			return nil, fmt.Errorf("failed to scan violation row: %w", err)
		}
		v.Timestamp = fromMillis(at)
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating violation rows: %w", err)
	}
	return out, nil
}
