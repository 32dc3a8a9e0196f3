// Package proctor is the candidate-side violation and risk engine. A
// Session scores behavioral signals and drives the state machine
// Active -> Warned -> Blocked -> Resolved/Terminated, escalating blocks
// to mentors over the hub.
package proctor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"proctorhub/internal/metrics"
	"proctorhub/internal/traces"
	"proctorhub/pkg/types"
)

// Publisher sends an envelope over the hub. Implementations must not block.
type Publisher interface {
	Publish(env *types.Envelope) error
}

// Reporter records violations with the collaborator REST surface.
type Reporter interface {
	LogViolation(ctx context.Context, v types.Violation) error
}

// DecisionSource is polled while Blocked. A nil decision means pending.
type DecisionSource interface {
	Decision(ctx context.Context, sessionID, requestID string) (*types.Decision, error)
}

// Hooks are optional callbacks into the exam client.
type Hooks struct {
	// Submit performs the exam submission. It runs at most once per
	// session whether the candidate submits or a mentor terminates.
	Submit      func(reason string) error
	OnSuspend   func(reason string)
	OnResume    func()
	OnTerminate func(reason string)
	OnFlag      func(reason string)
	OnWarning   func(v types.Violation, remaining int)
}

type Deps struct {
	Publisher Publisher
	Reporter  Reporter
	Decisions DecisionSource
	Hooks     Hooks
	Logger    *slog.Logger
}

// Snapshot is a consistent copy of session state.
type Snapshot struct {
	SessionID      string             `json:"sessionId"`
	CandidateID    string             `json:"candidateId"`
	ExamID         string             `json:"examId,omitempty"`
	State          types.SessionState `json:"state"`
	RiskScore      int                `json:"riskScore"`
	Violations     []types.Violation  `json:"violations"`
	PendingRequest string             `json:"pendingRequest,omitempty"`
	Escalated      bool               `json:"escalated,omitempty"`
	StartTime      time.Time          `json:"startTime"`
	// Faces is the last face count the camera reported.
	Faces int `json:"faces"`
}

// Session is one proctoring attempt. It owns its approval timers and any
// resources attached to it, and releases all of them on Close.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	deps   Deps
	logger *slog.Logger

	mu         sync.Mutex
	sc         SessionContext
	state      types.SessionState
	riskScore  int
	violations []types.Violation
	startTime  time.Time
	requestID  string
	escalated  bool
	waitCancel context.CancelFunc
	waitDone   chan struct{}
	releasers  []func()

	closed     atomic.Bool
	submitOnce sync.Once
	reports    sync.WaitGroup
}

// NewSession validates sc and starts a session in Active.
func NewSession(ctx context.Context, sc SessionContext, deps Deps) (*Session, error) {
	if err := sc.normalize(); err != nil {
		return nil, err
	}
	if deps.Publisher == nil {
		return nil, ErrPublisherRequired
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ctx:       sctx,
		cancel:    cancel,
		deps:      deps,
		logger:    logger.With("component", "proctor", "session_id", sc.SessionID),
		sc:        sc,
		state:     types.StateActive,
		startTime: time.Now().UTC(),
	}
	s.publishState(s.statePayloadLocked(""))
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.sc.SessionID }

// Room is the hub room the session publishes to.
func (s *Session) Room() string { return types.SessionRoom(s.sc.SessionID) }

// State returns the current lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot copies the session's observable fields.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:      s.sc.SessionID,
		CandidateID:    s.sc.CandidateID,
		ExamID:         s.sc.ExamID,
		State:          s.state,
		RiskScore:      s.riskScore,
		Violations:     append([]types.Violation(nil), s.violations...),
		PendingRequest: s.requestID,
		Escalated:      s.escalated,
		StartTime:      s.startTime,
		Faces:          s.sc.faces,
	}
}

// Attach registers release to run once when the session closes. If the
// session is already closed it runs immediately.
func (s *Session) Attach(release func()) {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		release()
		return
	}
	s.releasers = append(s.releasers, release)
	s.mu.Unlock()
}

// VisibilityHidden reports that the exam tab lost visibility.
func (s *Session) VisibilityHidden() (*types.Violation, error) {
	return s.Observe(Signal{Kind: SignalVisibilityHidden})
}

// PointerLeft reports that the pointer left the exam window.
func (s *Session) PointerLeft() (*types.Violation, error) {
	return s.Observe(Signal{Kind: SignalPointerLeft})
}

// KeyCombo reports a pressed key combination such as "ctrl+c".
func (s *Session) KeyCombo(combo string) (*types.Violation, error) {
	return s.Observe(Signal{Kind: SignalKeyCombo, Combo: combo})
}

// FullscreenExited reports that the candidate left fullscreen.
func (s *Session) FullscreenExited() (*types.Violation, error) {
	return s.Observe(Signal{Kind: SignalFullscreenExited})
}

// ContextMenu reports a right-click.
func (s *Session) ContextMenu() (*types.Violation, error) {
	return s.Observe(Signal{Kind: SignalContextMenu})
}

// FaceCount reports how many faces the camera currently sees.
func (s *Session) FaceCount(n int) (*types.Violation, error) {
	return s.Observe(Signal{Kind: SignalFaceCount, Faces: n})
}

// Observe records sig. It returns the violation created, or nil when the
// signal is not a violation. The threshold is evaluated before returning.
func (s *Session) Observe(sig Signal) (*types.Violation, error) {
	s.mu.Lock()
	if s.closed.Load() || s.state.IsTerminal() {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.state == types.StateBlocked {
		s.mu.Unlock()
		return nil, ErrSuspended
	}
	vt, details, ok, err := s.sc.classify(sig)
	if err != nil || !ok {
		s.mu.Unlock()
		return nil, err
	}

	severity := vt.DefaultSeverity()
	v := types.Violation{
		ID:         uuid.NewString(),
		SessionID:  s.sc.SessionID,
		Type:       vt,
		Severity:   severity,
		ScoreDelta: severity.ScoreDelta(),
		Timestamp:  time.Now().UTC(),
		Details:    details,
	}
	s.violations = append(s.violations, v)
	s.riskScore = min(s.riskScore+v.ScoreDelta, types.MaxRiskScore)
	count := len(s.violations)

	var (
		warned  bool
		blocked *types.MentorRequestPayload
	)
	switch {
	case count >= s.sc.Threshold:
		blocked = s.blockLocked()
	case count == s.sc.WarnAt && s.state == types.StateActive:
		s.setStateLocked(types.StateWarned)
		warned = true
	}
	state := s.statePayloadLocked("")
	remaining := s.sc.Threshold - count
	s.mu.Unlock()

	metrics.ViolationsTotal.WithLabelValues(string(vt)).Inc()
	s.report(v)

	switch {
	case blocked != nil:
		s.escalate(blocked, state)
	case warned:
		s.logger.Warn("violation warning", "violations", count, "remaining", remaining, "risk_score", state.RiskScore)
		s.publish(types.EventViolationWarning, types.ViolationWarningPayload{
			SessionID: s.sc.SessionID, Violation: v, Remaining: remaining,
		})
		s.publishState(state)
		if s.deps.Hooks.OnWarning != nil {
			s.deps.Hooks.OnWarning(v, remaining)
		}
	default:
		s.publishState(state)
	}
	return &v, nil
}

// blockLocked enters Blocked with a fresh request id and starts the
// approval wait.
func (s *Session) blockLocked() *types.MentorRequestPayload {
	s.setStateLocked(types.StateBlocked)
	s.requestID = uuid.NewString()
	s.escalated = false

	wctx, cancel := context.WithCancel(s.ctx)
	s.waitCancel = cancel
	s.waitDone = make(chan struct{})
	go s.awaitDecision(wctx, s.requestID, s.waitDone)

	return s.mentorRequestLocked()
}

func (s *Session) mentorRequestLocked() *types.MentorRequestPayload {
	return &types.MentorRequestPayload{
		RequestID:      s.requestID,
		SessionID:      s.sc.SessionID,
		CandidateID:    s.sc.CandidateID,
		ExamID:         s.sc.ExamID,
		Reason:         "violation threshold reached",
		ViolationCount: len(s.violations),
		RiskScore:      s.riskScore,
		Escalated:      s.escalated,
	}
}

func (s *Session) escalate(req *types.MentorRequestPayload, state types.SessionStatePayload) {
	if req.Escalated {
		s.logger.Warn("approval request unanswered, re-escalating", "request_id", req.RequestID)
	} else {
		metrics.BlocksTotal.Inc()
		s.logger.Warn("violation threshold reached, session blocked",
			"request_id", req.RequestID, "violations", req.ViolationCount, "risk_score", req.RiskScore)
	}
	env, err := types.NewEnvelope(types.EventMentorRequest, types.MentorsRoom, req)
	if err == nil {
		s.send(env)
	}
	if req.Escalated {
		return
	}
	state.Reason = req.Reason
	s.publishState(state)
	if s.deps.Hooks.OnSuspend != nil {
		s.deps.Hooks.OnSuspend(req.Reason)
	}
}

func (s *Session) awaitDecision(ctx context.Context, requestID string, done chan<- struct{}) {
	defer close(done)

	var poll <-chan time.Time
	if s.deps.Decisions != nil && s.sc.PollInterval > 0 {
		ticker := time.NewTicker(s.sc.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}
	var (
		ceiling <-chan time.Time
		timer   *time.Timer
	)
	if s.sc.ApprovalTimeout > 0 {
		timer = time.NewTimer(s.sc.ApprovalTimeout)
		defer timer.Stop()
		ceiling = timer.C
	}

	escalated := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll:
			d, err := s.deps.Decisions.Decision(ctx, s.sc.SessionID, requestID)
			if err != nil {
				s.logger.Debug("decision poll failed", "request_id", requestID, "error", err)
				continue
			}
			if d == nil {
				continue
			}
			if err := s.applyDecision(d, "poll"); err == nil {
				return
			}
		case <-ceiling:
			if !escalated {
				escalated = true
				if req := s.reescalate(requestID); req != nil {
					s.escalate(req, types.SessionStatePayload{})
				}
				timer.Reset(s.sc.ApprovalTimeout)
				continue
			}
			s.logger.Warn("approval ceiling reached, terminating", "request_id", requestID)
			metrics.ApprovalDecisionsTotal.WithLabelValues("timeout", "ceiling").Inc()
			s.terminate(requestID, "approval-timeout")
			return
		}
	}
}

func (s *Session) reescalate(requestID string) *types.MentorRequestPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.StateBlocked || s.requestID != requestID {
		return nil
	}
	s.escalated = true
	return s.mentorRequestLocked()
}

// HandleMentorResponse applies a pushed decision. Decisions for any
// request other than the pending one return ErrStaleDecision.
func (s *Session) HandleMentorResponse(p types.MentorResponsePayload) error {
	if p.SessionID != "" && p.SessionID != s.sc.SessionID {
		return ErrStaleDecision
	}
	return s.applyDecision(&types.Decision{
		RequestID: p.RequestID,
		SessionID: s.sc.SessionID,
		Approved:  p.Approved,
		Comment:   p.Comment,
		DecidedAt: time.Now().UTC(),
	}, "push")
}

func (s *Session) applyDecision(d *types.Decision, path string) error {
	_, span := traces.StartSpan(s.ctx, "proctor.decision", traces.SessionID(s.sc.SessionID), traces.RequestID(d.RequestID))
	defer span.End()

	if !d.Approved {
		s.mu.Lock()
		pending := s.state == types.StateBlocked && s.requestID == d.RequestID
		s.mu.Unlock()
		if !pending {
			return ErrStaleDecision
		}
		metrics.ApprovalDecisionsTotal.WithLabelValues("rejected", path).Inc()
		reason := "rejected by mentor"
		if d.Comment != "" {
			reason = d.Comment
		}
		s.logger.Warn("mentor rejected session", "request_id", d.RequestID, "path", path)
		if !s.terminate(d.RequestID, reason) {
			return ErrStaleDecision
		}
		return nil
	}

	s.mu.Lock()
	if s.state != types.StateBlocked || s.requestID != d.RequestID {
		s.mu.Unlock()
		return ErrStaleDecision
	}
	s.violations = nil
	s.riskScore = 0
	s.requestID = ""
	s.escalated = false
	s.stopWaitLocked()
	s.setStateLocked(types.StateActive)
	state := s.statePayloadLocked("approved")
	s.mu.Unlock()

	metrics.ApprovalDecisionsTotal.WithLabelValues("approved", path).Inc()
	s.logger.Info("mentor approved session", "request_id", d.RequestID, "path", path)
	s.publishState(state)
	if s.deps.Hooks.OnResume != nil {
		s.deps.Hooks.OnResume()
	}
	return nil
}

// Handle is the session's dispatch table for inbound hub envelopes.
func (s *Session) Handle(env *types.Envelope) error {
	handler, ok := sessionHandlers[env.Type]
	if !ok {
		return ErrUnhandledEvent
	}
	return handler(s, env)
}

var sessionHandlers = map[types.EventType]func(*Session, *types.Envelope) error{
	types.EventMentorResponse: func(s *Session, env *types.Envelope) error {
		var p types.MentorResponsePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return s.HandleMentorResponse(p)
	},
	types.EventTerminateSession: func(s *Session, env *types.Envelope) error {
		var p types.ControlPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return s.Terminate(p.Reason)
	},
	types.EventFlagSession: func(s *Session, env *types.Envelope) error {
		var p types.ControlPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		s.Flag(p.Reason)
		return nil
	},
}

// Flag notes a mentor flag. It does not change state.
func (s *Session) Flag(reason string) {
	s.logger.Warn("session flagged by mentor", "reason", reason)
	if s.deps.Hooks.OnFlag != nil {
		s.deps.Hooks.OnFlag(reason)
	}
}

// Submit is the candidate's normal submission from Active or Warned.
func (s *Session) Submit() error {
	s.mu.Lock()
	switch {
	case s.state == types.StateBlocked:
		s.mu.Unlock()
		return ErrSuspended
	case s.closed.Load() || s.state.IsTerminal():
		s.mu.Unlock()
		return ErrClosed
	}
	s.setStateLocked(types.StateResolved)
	state := s.statePayloadLocked("submitted")
	s.mu.Unlock()

	s.runSubmit("submitted")
	s.publishState(state)
	s.Close()
	return nil
}

// Terminate forces submission and ends the session. Repeated calls and
// calls after Resolved are no-ops.
func (s *Session) Terminate(reason string) error {
	if reason == "" {
		reason = "terminated by mentor"
	}
	s.terminate("", reason)
	return nil
}

// terminate ends the session. A non-empty requestID makes it conditional
// on that request still pending.
func (s *Session) terminate(requestID, reason string) bool {
	s.mu.Lock()
	if s.state.IsTerminal() || (requestID != "" && (s.state != types.StateBlocked || s.requestID != requestID)) {
		s.mu.Unlock()
		return false
	}
	s.setStateLocked(types.StateTerminated)
	s.requestID = ""
	state := s.statePayloadLocked(reason)
	s.mu.Unlock()

	s.logger.Warn("session terminated", "reason", reason)
	s.runSubmit(reason)
	s.publishState(state)
	if s.deps.Hooks.OnTerminate != nil {
		s.deps.Hooks.OnTerminate(reason)
	}
	s.Close()
	return true
}

func (s *Session) runSubmit(reason string) {
	s.submitOnce.Do(func() {
		if s.deps.Hooks.Submit == nil {
			return
		}
		if err := s.deps.Hooks.Submit(reason); err != nil {
			s.logger.Error("exam submission failed", "reason", reason, "error", err)
		}
	})
}

// Close cancels timers and runs attached releasers. It is safe to call
// more than once and from within a releaser.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	s.stopWaitLocked()
	releasers := s.releasers
	s.releasers = nil
	s.mu.Unlock()

	s.cancel()
	for i := len(releasers) - 1; i >= 0; i-- {
		releasers[i]()
	}
	return nil
}

// Wait blocks until pending violation reports have finished.
func (s *Session) Wait() {
	s.reports.Wait()
}

func (s *Session) stopWaitLocked() {
	if s.waitCancel != nil {
		s.waitCancel()
		s.waitCancel = nil
	}
}

func (s *Session) setStateLocked(to types.SessionState) {
	if s.state == to {
		return
	}
	s.state = to
	metrics.SessionTransitionsTotal.WithLabelValues(string(to)).Inc()
}

func (s *Session) statePayloadLocked(reason string) types.SessionStatePayload {
	return types.SessionStatePayload{
		SessionID:      s.sc.SessionID,
		CandidateID:    s.sc.CandidateID,
		ExamID:         s.sc.ExamID,
		State:          s.state,
		RiskScore:      s.riskScore,
		ViolationCount: len(s.violations),
		Reason:         reason,
	}
}

// report logs v with the collaborator. Failures never affect scoring.
func (s *Session) report(v types.Violation) {
	if s.deps.Reporter == nil {
		return
	}
	s.reports.Add(1)
	go func() {
		defer s.reports.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 10*time.Second)
		defer cancel()
		if err := s.deps.Reporter.LogViolation(ctx, v); err != nil {
			s.logger.Debug("violation report failed", "violation_id", v.ID, "error", err)
		}
	}()
}

func (s *Session) publishState(p types.SessionStatePayload) {
	if p.SessionID == "" {
		return
	}
	s.publish(types.EventSessionState, p)
}

func (s *Session) publish(t types.EventType, payload any) {
	env, err := types.NewEnvelope(t, s.Room(), payload)
	if err != nil {
		s.logger.Error("build envelope", "type", t, "error", err)
		return
	}
	s.send(env)
}

func (s *Session) send(env *types.Envelope) {
	if err := s.deps.Publisher.Publish(env); err != nil {
		s.logger.Debug("publish failed", "type", env.Type, "room", env.Room, "error", err)
	}
}
