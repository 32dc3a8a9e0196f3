// Package session keeps the server-side mirror of proctoring sessions. It
// learns state from hub traffic, stores violations, approval requests and
// decisions, and issues mentor controls through the hub.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// TrackedEvents are the hub events Manager.Handle consumes.
var TrackedEvents = []types.EventType{
	types.EventSessionState,
	types.EventMentorRequest,
	types.EventMentorResponse,
}

const tapTimeout = 5 * time.Second

// DecisionStatus answers the candidate's poll for its latest block.
type DecisionStatus struct {
	SessionID string             `json:"sessionId"`
	RequestID string             `json:"requestId"`
	Status    types.ReviewStatus `json:"status"`
	Comment   string             `json:"comment,omitempty"`
	DecidedBy string             `json:"decidedBy,omitempty"`
	DecidedAt *time.Time         `json:"decidedAt,omitempty"`
}

// Manager caches live sessions in memory and persists every change.
type Manager struct {
	store  interfaces.Store
	pub    interfaces.Publisher
	logger *slog.Logger

	activeSessions map[string]*types.SessionRecord
	mu             sync.RWMutex
}

func NewManager(store interfaces.Store, pub interfaces.Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:          store,
		pub:            pub,
		logger:         logger.With("component", "session"),
		activeSessions: make(map[string]*types.SessionRecord),
	}
}

// LoadActiveSessions fills the cache with every non-terminal session.
func (m *Manager) LoadActiveSessions(ctx context.Context) error {
	var loaded []*types.SessionRecord
	for _, state := range []types.SessionState{types.StateActive, types.StateWarned, types.StateBlocked} {
		recs, err := m.store.ListSessions(ctx, state)
		if err != nil {
			return fmt.Errorf("failed to load active sessions: %w", err)
		}
		loaded = append(loaded, recs...)
	}

	m.mu.Lock()
	for _, rec := range loaded {
		m.activeSessions[rec.SessionID] = rec
	}
	m.mu.Unlock()

	m.logger.Info("loaded active sessions", "count", len(loaded))
	return nil
}

// Handle is the tap for TrackedEvents.
func (m *Manager) Handle(env *types.Envelope) {
	handler, ok := tapHandlers[env.Type]
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), tapTimeout)
	defer cancel()
	if err := handler(m, ctx, env); err != nil {
		m.logger.Warn("session event not recorded", "type", env.Type, "room", env.Room, "error", err)
	}
}

var tapHandlers = map[types.EventType]func(*Manager, context.Context, *types.Envelope) error{
	types.EventSessionState: func(m *Manager, ctx context.Context, env *types.Envelope) error {
		var p types.SessionStatePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if p.SessionID == "" {
			p.SessionID = types.SessionIDFromRoom(env.Room)
		}
		if p.CandidateID == "" && env.From != types.SystemSender {
			p.CandidateID = env.From
		}
		return m.RecordState(ctx, p)
	},
	types.EventMentorRequest: func(m *Manager, ctx context.Context, env *types.Envelope) error {
		var p types.MentorRequestPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return m.RecordRequest(ctx, p)
	},
	types.EventMentorResponse: func(m *Manager, ctx context.Context, env *types.Envelope) error {
		var p types.MentorResponsePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if p.SessionID == "" {
			p.SessionID = types.SessionIDFromRoom(env.Room)
		}
		err := m.store.SaveDecision(ctx, &types.Decision{
			RequestID: p.RequestID,
			SessionID: p.SessionID,
			Approved:  p.Approved,
			Comment:   p.Comment,
			DecidedBy: env.From,
			DecidedAt: env.Timestamp,
		})
		if errors.Is(err, interfaces.ErrAlreadyDecided) {
			return nil
		}
		return err
	},
}

// RecordState mirrors a session-state event.
func (m *Manager) RecordState(ctx context.Context, p types.SessionStatePayload) error {
	if !types.IsValidID(p.SessionID) {
		return ErrInvalidSessionID
	}
	if !p.State.Valid() {
		return fmt.Errorf("unknown state %q", p.State)
	}
	now := time.Now().UTC()

	m.mu.Lock()
	rec, cached := m.activeSessions[p.SessionID]
	if !cached {
		rec = &types.SessionRecord{SessionID: p.SessionID, StartTime: now}
	}
	next := *rec
	if p.CandidateID != "" {
		next.CandidateID = p.CandidateID
	}
	if p.ExamID != "" {
		next.ExamID = p.ExamID
	}
	next.State = p.State
	next.RiskScore = p.RiskScore
	next.ViolationCount = p.ViolationCount
	next.UpdatedAt = now
	if p.State != types.StateBlocked {
		next.PendingRequest = ""
	}
	if p.State.IsTerminal() {
		next.EndTime = &now
		delete(m.activeSessions, p.SessionID)
	} else {
		m.activeSessions[p.SessionID] = &next
	}
	m.mu.Unlock()

	if err := m.store.UpsertSession(ctx, &next); err != nil {
		return err
	}
	if p.State.IsTerminal() {
		m.logger.Info("session ended", "session_id", p.SessionID, "state", p.State, "reason", p.Reason)
	}
	return nil
}

// RecordRequest stores an approval request and marks it pending on the
// session.
func (m *Manager) RecordRequest(ctx context.Context, p types.MentorRequestPayload) error {
	if !types.IsValidID(p.SessionID) {
		return ErrInvalidSessionID
	}
	if err := m.store.SaveApprovalRequest(ctx, &types.ApprovalRequest{
		RequestID:      p.RequestID,
		SessionID:      p.SessionID,
		CandidateID:    p.CandidateID,
		Reason:         p.Reason,
		ViolationCount: p.ViolationCount,
		RiskScore:      p.RiskScore,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return err
	}

	m.mu.Lock()
	rec, ok := m.activeSessions[p.SessionID]
	if !ok {
		rec = &types.SessionRecord{SessionID: p.SessionID, CandidateID: p.CandidateID, ExamID: p.ExamID, StartTime: time.Now().UTC()}
		m.activeSessions[p.SessionID] = rec
	}
	next := *rec
	next.State = types.StateBlocked
	next.PendingRequest = p.RequestID
	next.RiskScore = p.RiskScore
	next.ViolationCount = p.ViolationCount
	next.UpdatedAt = time.Now().UTC()
	m.activeSessions[p.SessionID] = &next
	m.mu.Unlock()

	if p.Escalated {
		m.logger.Warn("approval request re-escalated", "session_id", p.SessionID, "request_id", p.RequestID)
	}
	return m.store.UpsertSession(ctx, &next)
}

// LogViolation appends v to the session's violation log. Missing id,
// severity and timestamp are filled in.
func (m *Manager) LogViolation(ctx context.Context, v types.Violation) (*types.Violation, error) {
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidViolation, err)
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Severity == "" {
		v.Severity = v.Type.DefaultSeverity()
	}
	if v.ScoreDelta == 0 {
		v.ScoreDelta = v.Severity.ScoreDelta()
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	if err := m.store.SaveViolation(ctx, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetSession returns a session, from the cache while it is live.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.SessionRecord, error) {
	m.mu.RLock()
	if rec, ok := m.activeSessions[sessionID]; ok {
		cp := *rec
		m.mu.RUnlock()
		// Flags are written straight to the store.
		if stored, err := m.store.GetSession(ctx, sessionID); err == nil {
			cp.Flagged, cp.FlagReason = stored.Flagged, stored.FlagReason
		}
		return &cp, nil
	}
	m.mu.RUnlock()
	return m.store.GetSession(ctx, sessionID)
}

func (m *Manager) Violations(ctx context.Context, sessionID string) ([]*types.Violation, error) {
	if _, err := m.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.ListViolations(ctx, sessionID)
}

// ListSessions lists stored sessions, optionally filtered by state.
func (m *Manager) ListSessions(ctx context.Context, state types.SessionState) ([]*types.SessionRecord, error) {
	return m.store.ListSessions(ctx, state)
}

// ListActiveSessions returns cached live sessions sorted by id.
func (m *Manager) ListActiveSessions() []*types.SessionRecord {
	m.mu.RLock()
	out := make([]*types.SessionRecord, 0, len(m.activeSessions))
	for _, rec := range m.activeSessions {
		cp := *rec
		out = append(out, &cp)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (m *Manager) IsSessionActive(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.activeSessions[sessionID]
	return ok
}

// Flag marks the session for review and tells the candidate.
func (m *Manager) Flag(ctx context.Context, sessionID, reason string) error {
	reason = strings.TrimSpace(reason)
	if err := m.store.FlagSession(ctx, sessionID, reason); err != nil {
		return err
	}
	m.logger.Warn("session flagged", "session_id", sessionID, "reason", reason)
	return m.control(types.EventFlagSession, sessionID, reason)
}

// Terminate orders the candidate client to force-submit and end.
func (m *Manager) Terminate(ctx context.Context, sessionID, reason string) error {
	rec, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.State.IsTerminal() {
		return ErrSessionEnded
	}
	m.logger.Warn("terminating session", "session_id", sessionID, "reason", reason)
	return m.control(types.EventTerminateSession, sessionID, strings.TrimSpace(reason))
}

func (m *Manager) control(t types.EventType, sessionID, reason string) error {
	env, err := types.NewEnvelope(t, types.SessionRoom(sessionID), types.ControlPayload{SessionID: sessionID, Reason: reason})
	if err != nil {
		return err
	}
	return m.pub.PublishSystem(env)
}

// Decide records a mentor decision for the session's latest request and
// pushes it to the candidate. An empty requestID means the latest one.
func (m *Manager) Decide(ctx context.Context, sessionID, requestID string, approved bool, comment, decidedBy string) (*types.Decision, error) {
	req, existing, err := m.store.LatestApproval(ctx, sessionID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, ErrNoPendingRequest
	}
	if err != nil {
		return nil, err
	}
	if requestID != "" && requestID != req.RequestID {
		return nil, ErrStaleRequest
	}
	if existing != nil {
		return nil, ErrAlreadyDecided
	}

	d := &types.Decision{
		RequestID: req.RequestID,
		SessionID: sessionID,
		Approved:  approved,
		Comment:   strings.TrimSpace(comment),
		DecidedBy: decidedBy,
		DecidedAt: time.Now().UTC(),
	}
	if err := m.store.SaveDecision(ctx, d); err != nil {
		return nil, err
	}
	m.logger.Info("mentor decision recorded", "session_id", sessionID, "request_id", d.RequestID, "approved", approved, "by", decidedBy)

	env, err := types.NewEnvelope(types.EventMentorResponse, types.SessionRoom(sessionID), types.MentorResponsePayload{
		RequestID: d.RequestID, SessionID: sessionID, Approved: approved, Comment: d.Comment,
	})
	if err != nil {
		return d, err
	}
	// The candidate also polls, so a failed push still reaches it.
	if err := m.pub.PublishSystem(env); err != nil {
		m.logger.Warn("decision push failed", "session_id", sessionID, "error", err)
	}
	return d, nil
}

// Status reports the latest approval request of a session and its outcome.
func (m *Manager) Status(ctx context.Context, sessionID string) (*DecisionStatus, error) {
	req, d, err := m.store.LatestApproval(ctx, sessionID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, ErrNoPendingRequest
	}
	if err != nil {
		return nil, err
	}
	st := &DecisionStatus{SessionID: sessionID, RequestID: req.RequestID, Status: d.Status()}
	if d != nil {
		st.Comment, st.DecidedBy = d.Comment, d.DecidedBy
		at := d.DecidedAt
		st.DecidedAt = &at
	}
	return st, nil
}

// Decision returns the decision for requestID, or nil while it is pending.
// It serves in-process candidates as their poll source.
func (m *Manager) Decision(ctx context.Context, sessionID, requestID string) (*types.Decision, error) {
	req, d, err := m.store.LatestApproval(ctx, sessionID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if req.RequestID != requestID {
		return nil, nil
	}
	return d, nil
}

// Stats reports cache counters.
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blocked := 0
	for _, rec := range m.activeSessions {
		if rec.State == types.StateBlocked {
			blocked++
		}
	}
	return map[string]any{
		"active_sessions":  len(m.activeSessions),
		"blocked_sessions": blocked,
	}
}
