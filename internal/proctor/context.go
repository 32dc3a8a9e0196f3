package proctor

import (
	"fmt"
	"time"

	"proctorhub/pkg/types"
)

const (
	DefaultThreshold       = 5
	DefaultPollInterval    = 5 * time.Second
	DefaultApprovalTimeout = 30 * time.Minute
)

// SessionContext holds everything one engine instance needs. Nothing in
// this package is shared between sessions.
type SessionContext struct {
	SessionID   string
	CandidateID string
	ExamID      string

	// Threshold is the violation count that blocks the session.
	Threshold int
	// WarnAt is the violation count that moves Active to Warned.
	// Zero means Threshold-1.
	WarnAt int
	// PollInterval paces the decision fallback while Blocked.
	PollInterval time.Duration
	// ApprovalTimeout bounds one approval wait. It is applied twice: the
	// first expiry re-escalates, the second terminates. Zero waits forever.
	ApprovalTimeout time.Duration
	// DisallowedCombos overrides the default blocked key combinations.
	DisallowedCombos []string

	combos map[string]struct{}
	faces  int
}

// NewSessionContext returns a context with default tuning.
func NewSessionContext(sessionID, candidateID, examID string) SessionContext {
	return SessionContext{
		SessionID:       sessionID,
		CandidateID:     candidateID,
		ExamID:          examID,
		Threshold:       DefaultThreshold,
		PollInterval:    DefaultPollInterval,
		ApprovalTimeout: DefaultApprovalTimeout,
	}
}

func (sc *SessionContext) normalize() error {
	if !types.IsValidID(sc.SessionID) {
		return fmt.Errorf("%w: session id %q", ErrInvalidContext, sc.SessionID)
	}
	if !types.IsValidID(sc.CandidateID) {
		return fmt.Errorf("%w: candidate id %q", ErrInvalidContext, sc.CandidateID)
	}
	if sc.Threshold <= 0 {
		sc.Threshold = DefaultThreshold
	}
	if sc.WarnAt <= 0 || sc.WarnAt >= sc.Threshold {
		sc.WarnAt = sc.Threshold - 1
	}
	if sc.PollInterval < 0 || sc.ApprovalTimeout < 0 {
		return fmt.Errorf("%w: negative interval", ErrInvalidContext)
	}
	combos := sc.DisallowedCombos
	if len(combos) == 0 {
		combos = defaultDisallowedCombos
	}
	sc.combos = make(map[string]struct{}, len(combos))
	for _, c := range combos {
		sc.combos[NormalizeCombo(c)] = struct{}{}
	}
	sc.faces = 1
	return nil
}
