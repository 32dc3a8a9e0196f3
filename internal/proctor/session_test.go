package proctor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorhub/internal/logging"
	"proctorhub/pkg/types"
)

type recordingPublisher struct {
	mu   sync.Mutex
	envs []*types.Envelope
}

func (p *recordingPublisher) Publish(env *types.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

func (p *recordingPublisher) ofType(t types.EventType) []*types.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*types.Envelope
	for _, e := range p.envs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) lastRequest(t *testing.T) types.MentorRequestPayload {
	t.Helper()
	reqs := p.ofType(types.EventMentorRequest)
	require.NotEmpty(t, reqs)
	var req types.MentorRequestPayload
	require.NoError(t, reqs[len(reqs)-1].Decode(&req))
	return req
}

type failingReporter struct {
	calls atomic.Int32
}

func (r *failingReporter) LogViolation(context.Context, types.Violation) error {
	r.calls.Add(1)
	return errors.New("collaborator down")
}

type stubDecisions struct {
	mu       sync.Mutex
	decision *types.Decision
	polls    atomic.Int32
}

func (d *stubDecisions) Decision(_ context.Context, sessionID, requestID string) (*types.Decision, error) {
	d.polls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.decision == nil || d.decision.RequestID != requestID {
		return nil, nil
	}
	return d.decision, nil
}

func (d *stubDecisions) set(dec *types.Decision) {
	d.mu.Lock()
	d.decision = dec
	d.mu.Unlock()
}

type harness struct {
	sess      *Session
	pub       *recordingPublisher
	submits   atomic.Int32
	suspended atomic.Int32
	resumed   atomic.Int32
}

func newHarness(t *testing.T, mutate func(*SessionContext, *Deps)) *harness {
	t.Helper()
	h := &harness{pub: &recordingPublisher{}}
	sc := NewSessionContext("s1", "alice", "exam-1")
	sc.PollInterval = 0
	sc.ApprovalTimeout = 0
	deps := Deps{
		Publisher: h.pub,
		Logger:    logging.Discard(),
		Hooks: Hooks{
			Submit:    func(string) error { h.submits.Add(1); return nil },
			OnSuspend: func(string) { h.suspended.Add(1) },
			OnResume:  func() { h.resumed.Add(1) },
		},
	}
	if mutate != nil {
		mutate(&sc, &deps)
	}
	sess, err := NewSession(context.Background(), sc, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	h.sess = sess
	return h
}

func (h *harness) block(t *testing.T) types.MentorRequestPayload {
	t.Helper()
	for i := 0; i < DefaultThreshold; i++ {
		_, err := h.sess.PointerLeft()
		require.NoError(t, err)
	}
	require.Equal(t, types.StateBlocked, h.sess.State())
	return h.pub.lastRequest(t)
}

func TestNewSession_Validation(t *testing.T) {
	_, err := NewSession(context.Background(), NewSessionContext("bad id", "alice", ""), Deps{Publisher: &recordingPublisher{}})
	assert.ErrorIs(t, err, ErrInvalidContext)

	_, err = NewSession(context.Background(), NewSessionContext("s1", "alice", ""), Deps{})
	assert.ErrorIs(t, err, ErrPublisherRequired)
}

func TestSession_EscalationScenario(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.sess.VisibilityHidden()
	require.NoError(t, err)
	_, err = h.sess.FullscreenExited()
	require.NoError(t, err)
	_, err = h.sess.FullscreenExited()
	require.NoError(t, err)

	snap := h.sess.Snapshot()
	assert.Equal(t, 100, snap.RiskScore)
	assert.Equal(t, types.StateActive, snap.State)
	assert.Len(t, snap.Violations, 3)

	_, err = h.sess.PointerLeft()
	require.NoError(t, err)
	assert.Equal(t, types.StateWarned, h.sess.State())
	require.Len(t, h.pub.ofType(types.EventViolationWarning), 1)

	_, err = h.sess.PointerLeft()
	require.NoError(t, err)
	snap = h.sess.Snapshot()
	assert.Equal(t, types.StateBlocked, snap.State)
	assert.Equal(t, 100, snap.RiskScore)
	assert.NotEmpty(t, snap.PendingRequest)
	assert.Equal(t, int32(1), h.suspended.Load())

	req := h.pub.lastRequest(t)
	assert.Equal(t, types.MentorsRoom, h.pub.ofType(types.EventMentorRequest)[0].Room)
	assert.Equal(t, snap.PendingRequest, req.RequestID)
	assert.Equal(t, 5, req.ViolationCount)
	assert.Equal(t, 100, req.RiskScore)
	assert.Equal(t, "alice", req.CandidateID)
}

func TestSession_BlockedIffThreshold(t *testing.T) {
	for threshold := 1; threshold <= 6; threshold++ {
		h := newHarness(t, func(sc *SessionContext, _ *Deps) { sc.Threshold = threshold })
		for i := 1; i <= threshold; i++ {
			_, err := h.sess.ContextMenu()
			require.NoError(t, err)
			assert.Equal(t, i >= threshold, h.sess.State() == types.StateBlocked, "threshold %d after %d", threshold, i)
		}
	}
}

func TestSession_ScoreIsClampedSum(t *testing.T) {
	h := newHarness(t, func(sc *SessionContext, _ *Deps) { sc.Threshold = 10 })

	steps := []struct {
		observe func() (*types.Violation, error)
		score   int
	}{
		{h.sess.ContextMenu, 10},
		{func() (*types.Violation, error) { return h.sess.KeyCombo("Ctrl+C") }, 35},
		{h.sess.VisibilityHidden, 85},
		{h.sess.PointerLeft, 95},
		{func() (*types.Violation, error) { return h.sess.FaceCount(3) }, 100},
	}
	for _, step := range steps {
		v, err := step.observe()
		require.NoError(t, err)
		require.NotNil(t, v)
		assert.Equal(t, step.score, h.sess.Snapshot().RiskScore)
	}
}

func TestSession_NonViolatingSignals(t *testing.T) {
	h := newHarness(t, nil)

	for _, sig := range []Signal{
		{Kind: SignalKeyCombo, Combo: "shift+a"},
		{Kind: SignalFaceCount, Faces: 1},
		{Kind: SignalFaceCount, Faces: 0},
		{Kind: SignalFaceCount, Faces: -4},
	} {
		v, err := h.sess.Observe(sig)
		require.NoError(t, err)
		assert.Nil(t, v)
	}
	_, err := h.sess.Observe(Signal{Kind: "telepathy"})
	assert.ErrorIs(t, err, ErrUnknownSignal)
	assert.Empty(t, h.sess.Snapshot().Violations)

	v, err := h.sess.KeyCombo("Shift+Ctrl+I")
	require.NoError(t, err)
	assert.Equal(t, types.ViolationKeyboardShortcut, v.Type)
	assert.Equal(t, "ctrl+shift+i", v.Details)
}

func TestSession_SignalsRejectedWhileBlocked(t *testing.T) {
	h := newHarness(t, nil)
	h.block(t)

	_, err := h.sess.VisibilityHidden()
	assert.ErrorIs(t, err, ErrSuspended)
	assert.ErrorIs(t, h.sess.Submit(), ErrSuspended)
	assert.Len(t, h.sess.Snapshot().Violations, DefaultThreshold)
}

func TestSession_ApprovalResets(t *testing.T) {
	h := newHarness(t, nil)
	req := h.block(t)

	require.NoError(t, h.sess.HandleMentorResponse(types.MentorResponsePayload{RequestID: req.RequestID, SessionID: "s1", Approved: true}))
	snap := h.sess.Snapshot()
	assert.Equal(t, types.StateActive, snap.State)
	assert.Empty(t, snap.Violations)
	assert.Zero(t, snap.RiskScore)
	assert.Empty(t, snap.PendingRequest)
	assert.Equal(t, int32(1), h.resumed.Load())

	// The same decision cannot be replayed onto a later block.
	next := h.block(t)
	assert.NotEqual(t, req.RequestID, next.RequestID)
	assert.ErrorIs(t, h.sess.HandleMentorResponse(types.MentorResponsePayload{RequestID: req.RequestID, Approved: true}), ErrStaleDecision)
	assert.Equal(t, types.StateBlocked, h.sess.State())
}

func TestSession_RejectionTerminates(t *testing.T) {
	var terminated atomic.Value
	h := newHarness(t, func(_ *SessionContext, d *Deps) {
		d.Hooks.OnTerminate = func(reason string) { terminated.Store(reason) }
	})
	req := h.block(t)

	assert.ErrorIs(t, h.sess.HandleMentorResponse(types.MentorResponsePayload{RequestID: "other", Approved: false}), ErrStaleDecision)
	assert.Equal(t, types.StateBlocked, h.sess.State())

	require.NoError(t, h.sess.HandleMentorResponse(types.MentorResponsePayload{RequestID: req.RequestID, Approved: false, Comment: "copied answers"}))
	assert.Equal(t, types.StateTerminated, h.sess.State())
	assert.Equal(t, int32(1), h.submits.Load())
	assert.Equal(t, "copied answers", terminated.Load())

	_, err := h.sess.PointerLeft()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSession_PollFallback(t *testing.T) {
	decisions := &stubDecisions{}
	h := newHarness(t, func(sc *SessionContext, d *Deps) {
		sc.PollInterval = 5 * time.Millisecond
		d.Decisions = decisions
	})
	req := h.block(t)

	require.Eventually(t, func() bool { return decisions.polls.Load() >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, types.StateBlocked, h.sess.State(), "a pending poll keeps waiting")

	decisions.set(&types.Decision{RequestID: req.RequestID, Approved: true})
	require.Eventually(t, func() bool { return h.sess.State() == types.StateActive }, time.Second, time.Millisecond)

	// The wait goroutine exits once the decision is applied.
	polls := decisions.polls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, polls, decisions.polls.Load())
}

func TestSession_ApprovalCeilingEscalatesThenTerminates(t *testing.T) {
	h := newHarness(t, func(sc *SessionContext, _ *Deps) { sc.ApprovalTimeout = 20 * time.Millisecond })
	h.block(t)

	require.Eventually(t, func() bool { return len(h.pub.ofType(types.EventMentorRequest)) == 2 }, time.Second, time.Millisecond)
	assert.True(t, h.pub.lastRequest(t).Escalated)

	require.Eventually(t, func() bool { return h.sess.State() == types.StateTerminated }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), h.submits.Load())

	states := h.pub.ofType(types.EventSessionState)
	var last types.SessionStatePayload
	require.NoError(t, states[len(states)-1].Decode(&last))
	assert.Equal(t, "approval-timeout", last.Reason)
}

func TestSession_SubmitAndTerminateRunSubmissionOnce(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.sess.Submit())
	assert.Equal(t, types.StateResolved, h.sess.State())
	assert.ErrorIs(t, h.sess.Submit(), ErrClosed)
	require.NoError(t, h.sess.Terminate("late"))
	assert.Equal(t, types.StateResolved, h.sess.State())
	assert.Equal(t, int32(1), h.submits.Load())

	h2 := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, h2.sess.Terminate("cheating"))
	}
	assert.Equal(t, int32(1), h2.submits.Load())
	assert.Equal(t, types.StateTerminated, h2.sess.State())
}

func TestSession_CloseReleasesOnce(t *testing.T) {
	decisions := &stubDecisions{}
	h := newHarness(t, func(sc *SessionContext, d *Deps) {
		sc.PollInterval = time.Millisecond
		d.Decisions = decisions
	})
	var released atomic.Int32
	h.sess.Attach(func() { released.Add(1) })
	h.sess.Attach(func() { _ = h.sess.Close() })
	h.block(t)

	h.sess.mu.Lock()
	waitDone := h.sess.waitDone
	h.sess.mu.Unlock()

	require.NoError(t, h.sess.Close())
	require.NoError(t, h.sess.Close())
	assert.Equal(t, int32(1), released.Load())

	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("approval wait still running after Close")
	}

	late := false
	h.sess.Attach(func() { late = true })
	assert.True(t, late)

	_, err := h.sess.PointerLeft()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSession_AttachRacingCloseAlwaysReleases(t *testing.T) {
	for i := 0; i < 200; i++ {
		sc := NewSessionContext("s1", "alice", "exam-1")
		sess, err := NewSession(context.Background(), sc, Deps{Publisher: &recordingPublisher{}, Logger: logging.Discard()})
		require.NoError(t, err)

		var released atomic.Int32
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			sess.Attach(func() { released.Add(1) })
		}()
		go func() {
			defer wg.Done()
			_ = sess.Close()
		}()
		wg.Wait()
		require.Equal(t, int32(1), released.Load(), "iteration %d", i)
	}
}

func TestSession_SnapshotTracksFaceCount(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, 1, h.sess.Snapshot().Faces)

	v, err := h.sess.FaceCount(2)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 2, h.sess.Snapshot().Faces)

	_, err = h.sess.FaceCount(0)
	require.NoError(t, err)
	assert.Equal(t, 0, h.sess.Snapshot().Faces)

	_, err = h.sess.FaceCount(-1)
	require.NoError(t, err)
	assert.Equal(t, 0, h.sess.Snapshot().Faces, "negative counts are ignored")
}

func TestSession_ReporterFailuresAreSwallowed(t *testing.T) {
	reporter := &failingReporter{}
	h := newHarness(t, func(_ *SessionContext, d *Deps) { d.Reporter = reporter })

	for i := 0; i < 3; i++ {
		_, err := h.sess.PointerLeft()
		require.NoError(t, err)
	}
	h.sess.Wait()
	assert.Equal(t, int32(3), reporter.calls.Load())
	assert.Len(t, h.sess.Snapshot().Violations, 3)
}

func TestSession_HandleDispatch(t *testing.T) {
	var flagged atomic.Value
	h := newHarness(t, func(_ *SessionContext, d *Deps) {
		d.Hooks.OnFlag = func(reason string) { flagged.Store(reason) }
	})

	flag, err := types.NewEnvelope(types.EventFlagSession, "session:s1", types.ControlPayload{SessionID: "s1", Reason: "phone visible"})
	require.NoError(t, err)
	require.NoError(t, h.sess.Handle(flag))
	assert.Equal(t, "phone visible", flagged.Load())

	chat, err := types.NewEnvelope(types.EventChat, "session:s1", types.ChatPayload{Text: "hi"})
	require.NoError(t, err)
	assert.ErrorIs(t, h.sess.Handle(chat), ErrUnhandledEvent)

	term, err := types.NewEnvelope(types.EventTerminateSession, "session:s1", types.ControlPayload{SessionID: "s1", Reason: "ended"})
	require.NoError(t, err)
	require.NoError(t, h.sess.Handle(term))
	require.NoError(t, h.sess.Handle(term))
	assert.Equal(t, types.StateTerminated, h.sess.State())
	assert.Equal(t, int32(1), h.submits.Load())
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		line string
		want Signal
	}{
		{"tab", Signal{Kind: SignalVisibilityHidden}},
		{"mouse", Signal{Kind: SignalPointerLeft}},
		{"fullscreen", Signal{Kind: SignalFullscreenExited}},
		{"rightclick", Signal{Kind: SignalContextMenu}},
		{"key Ctrl+V", Signal{Kind: SignalKeyCombo, Combo: "ctrl+v"}},
		{"faces 2", Signal{Kind: SignalFaceCount, Faces: 2}},
	}
	for _, tt := range tests {
		got, err := ParseSignal(tt.line)
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got)
	}
	for _, bad := range []string{"", "key", "faces x", "sneeze"} {
		_, err := ParseSignal(bad)
		assert.ErrorIs(t, err, ErrUnknownSignal, bad)
	}
}

func TestNormalizeCombo(t *testing.T) {
	assert.Equal(t, "ctrl+shift+i", NormalizeCombo("Shift + Control + I"))
	assert.Equal(t, "alt+tab", NormalizeCombo("Option+Tab"))
	assert.Equal(t, "meta+tab", NormalizeCombo("cmd+tab"))
}
