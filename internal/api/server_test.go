package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorhub/internal/database"
	"proctorhub/internal/health"
	"proctorhub/internal/logging"
	"proctorhub/internal/reattempt"
	"proctorhub/internal/session"
	dbconfig "proctorhub/pkg/database"
	"proctorhub/pkg/types"
)

type recordingPublisher struct {
	mu   sync.Mutex
	envs []*types.Envelope
}

func (p *recordingPublisher) PublishSystem(env *types.Envelope) error {
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

type fakeStreams []types.StreamInfo

func (f fakeStreams) Active() []types.StreamInfo { return f }

type testServer struct {
	srv      *Server
	sessions *session.Manager
	pub      *recordingPublisher
	health   *health.Registry
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := dbconfig.DefaultConfig()
	cfg.Driver = dbconfig.DriverPureGo
	cfg.DatabasePath = filepath.Join(t.TempDir(), "api.db")
	store, err := database.NewManager(cfg, logging.Discard(), database.WithRetryDelay(time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, dbconfig.MigrateUp(context.Background(), store.GetDB()))
	t.Cleanup(func() { _ = store.Close() })

	pub := &recordingPublisher{}
	sessions := session.NewManager(store, pub, logging.Discard())
	reg := health.NewRegistry()
	reg.RegisterFunc("database", store.HealthCheck)

	srv := NewServer(Deps{
		Sessions:   sessions,
		ReAttempts: reattempt.NewService(store, pub, logging.Discard()),
		Streams:    fakeStreams{{SessionID: "s1", CandidateID: "alice", Observers: []string{"mona"}, Frames: 12}},
		Health:     reg,
		Logger:     logging.Discard(),
	})
	return &testServer{srv: srv, sessions: sessions, pub: pub, health: reg}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (ts *testServer) seed(t *testing.T, state types.SessionState) {
	t.Helper()
	require.NoError(t, ts.sessions.RecordState(context.Background(), types.SessionStatePayload{
		SessionID: "s1", CandidateID: "alice", ExamID: "e1", State: state,
	}))
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "database", resp.Checks[0].Name)

	ts.health.RegisterFunc("hub", func(context.Context) error { return errors.New("hub is not running") })
	w = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	ts.do(t, http.MethodGet, "/health", nil)

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "proctorhub_http_requests_total")
}

func TestViolationsAndSession(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, w).Error)

	ts.seed(t, types.StateActive)

	w = ts.do(t, http.MethodPost, "/api/violations", map[string]any{"sessionId": "s1", "type": "tab-switch", "details": "hidden"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[struct {
		Violation types.Violation `json:"violation"`
	}](t, w)
	assert.Equal(t, types.SeverityHigh, created.Violation.Severity)

	w = ts.do(t, http.MethodPost, "/api/violations", map[string]any{"sessionId": "s1", "type": "yawn"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/sessions/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		Session    types.SessionRecord `json:"session"`
		Violations []types.Violation   `json:"violations"`
	}](t, w)
	assert.Equal(t, "alice", got.Session.CandidateID)
	assert.Len(t, got.Violations, 1)

	w = ts.do(t, http.MethodGet, "/api/sessions/s1/violations", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/sessions?state=active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]types.SessionRecord](t, w)["sessions"], 1)

	w = ts.do(t, http.MethodGet, "/api/sessions?state=asleep", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestControls(t *testing.T) {
	ts := setupTestServer(t)
	ts.seed(t, types.StateActive)

	w := ts.do(t, http.MethodPost, "/api/sessions/s1/flag", ControlRequest{Reason: "phone"})
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, "/api/sessions/s1/terminate", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	assert.Len(t, ts.pub.ofType(types.EventFlagSession), 1)
	terms := ts.pub.ofType(types.EventTerminateSession)
	require.Len(t, terms, 1)
	assert.Equal(t, "session:s1", terms[0].Room)

	w = ts.do(t, http.MethodPost, "/api/sessions/ghost/terminate", ControlRequest{})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, http.MethodPost, "/api/sessions/bad%20id/flag", ControlRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ts.seed(t, types.StateTerminated)
	w = ts.do(t, http.MethodPost, "/api/sessions/s1/terminate", ControlRequest{})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDecisionEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	ts.seed(t, types.StateActive)

	w := ts.do(t, http.MethodGet, "/api/sessions/s1/decision", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, ts.sessions.RecordRequest(context.Background(), types.MentorRequestPayload{
		RequestID: "r1", SessionID: "s1", CandidateID: "alice", ViolationCount: 5, RiskScore: 100,
	}))

	w = ts.do(t, http.MethodGet, "/api/sessions/s1/decision", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[session.DecisionStatus](t, w)
	assert.Equal(t, types.StatusPending, st.Status)
	assert.Equal(t, "r1", st.RequestID)

	w = ts.do(t, http.MethodPost, "/api/sessions/s1/decision", map[string]any{"requestId": "r1"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "approved is required")

	w = ts.do(t, http.MethodPost, "/api/sessions/s1/decision", map[string]any{"requestId": "r0", "approved": true})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/api/sessions/s1/decision", map[string]any{"requestId": "r1", "approved": false, "comment": "notes", "mentorId": "mona"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, ts.pub.ofType(types.EventMentorResponse), 1)

	w = ts.do(t, http.MethodPost, "/api/sessions/s1/decision", map[string]any{"approved": true})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodGet, "/api/sessions/s1/decision", nil)
	st = decode[session.DecisionStatus](t, w)
	assert.Equal(t, types.StatusRejected, st.Status)
	assert.Equal(t, "mona", st.DecidedBy)
}

func TestStreams(t *testing.T) {
	ts := setupTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/streams", nil)
	require.Equal(t, http.StatusOK, w.Code)
	streams := decode[map[string][]types.StreamInfo](t, w)["streams"]
	require.Len(t, streams, 1)
	assert.Equal(t, []string{"mona"}, streams[0].Observers)
}

func TestReAttemptEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/reattempts", map[string]any{"examId": "e1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/reattempts", CreateReAttemptRequest{ExamID: "e1", StudentID: "alice", Reason: "network"})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[map[string]types.ReAttemptRequest](t, w)["reattempt"]
	assert.Equal(t, types.StatusPending, created.Status)

	w = ts.do(t, http.MethodPost, "/api/reattempts", CreateReAttemptRequest{ExamID: "e1", StudentID: "alice"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodGet, "/api/reattempts?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]types.ReAttemptRequest](t, w)["reattempts"], 1)

	w = ts.do(t, http.MethodGet, "/api/reattempts?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	approve := true
	w = ts.do(t, http.MethodPost, "/api/reattempts/"+created.ID+"/review", ReviewRequest{Approved: &approve, ReviewerID: "mona"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.StatusApproved, decode[map[string]types.ReAttemptRequest](t, w)["reattempt"].Status)

	w = ts.do(t, http.MethodPost, "/api/reattempts/"+created.ID+"/review", ReviewRequest{Approved: &approve})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodGet, "/api/reattempts/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Len(t, ts.pub.ofType(types.EventNewReAttemptRequest), 1)
	assert.Len(t, ts.pub.ofType(types.EventReAttemptResponse), 1)
}

func TestRecoveryReturnsJSON(t *testing.T) {
	ts := setupTestServer(t)
	ts.srv.Router().GET("/boom", func(*gin.Context) { panic("boom") })

	w := ts.do(t, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal_error", decode[ErrorResponse](t, w).Error)
}
