package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"proctorhub/internal/traces"
	"proctorhub/pkg/types"
)

type ControlRequest struct {
	Reason string `json:"reason"`
}

type DecisionRequest struct {
	RequestID string `json:"requestId"`
	Approved  *bool  `json:"approved" binding:"required"`
	Comment   string `json:"comment"`
	MentorID  string `json:"mentorId"`
}

type CreateReAttemptRequest struct {
	ExamID    string `json:"examId" binding:"required"`
	StudentID string `json:"studentId" binding:"required"`
	Reason    string `json:"reason"`
}

type ReviewRequest struct {
	Approved   *bool  `json:"approved" binding:"required"`
	Comment    string `json:"comment"`
	ReviewerID string `json:"reviewerId"`
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		sendError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return false
	}
	return true
}

func sessionParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !types.IsValidID(id) {
		sendError(c, types.ErrInvalidSessionID)
		return "", false
	}
	return id, true
}

// logViolation handles POST /api/violations
func (s *Server) logViolation(c *gin.Context) {
	var v types.Violation
	if !bind(c, &v) {
		return
	}
	saved, err := s.deps.Sessions.LogViolation(c.Request.Context(), v)
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"violation": saved})
}

// listSessions handles GET /api/sessions?state=
func (s *Server) listSessions(c *gin.Context) {
	state := types.SessionState(c.Query("state"))
	if state != "" && !state.Valid() {
		sendError(c, fmt.Errorf("%w: unknown state %q", errBadRequest, state))
		return
	}
	recs, err := s.deps.Sessions.ListSessions(c.Request.Context(), state)
	if err != nil {
		sendError(c, err)
		return
	}
	if recs == nil {
		recs = []*types.SessionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": recs})
}

// getSession handles GET /api/sessions/:id
func (s *Server) getSession(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}
	rec, err := s.deps.Sessions.GetSession(c.Request.Context(), id)
	if err != nil {
		sendError(c, err)
		return
	}
	violations, err := s.deps.Sessions.Violations(c.Request.Context(), id)
	if err != nil {
		sendError(c, err)
		return
	}
	if violations == nil {
		violations = []*types.Violation{}
	}
	c.JSON(http.StatusOK, gin.H{"session": rec, "violations": violations})
}

// listViolations handles GET /api/sessions/:id/violations
func (s *Server) listViolations(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}
	violations, err := s.deps.Sessions.Violations(c.Request.Context(), id)
	if err != nil {
		sendError(c, err)
		return
	}
	if violations == nil {
		violations = []*types.Violation{}
	}
	c.JSON(http.StatusOK, gin.H{"violations": violations})
}

// terminateSession handles POST /api/sessions/:id/terminate
func (s *Server) terminateSession(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}
	var req ControlRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	ctx, span := traces.StartSpan(c.Request.Context(), "api.terminate", traces.SessionID(id))
	defer span.End()

	if err := s.deps.Sessions.Terminate(ctx, id, req.Reason); err != nil {
		span.RecordError(err)
		sendError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sessionId": id, "status": "terminating"})
}

// flagSession handles POST /api/sessions/:id/flag
func (s *Server) flagSession(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}
	var req ControlRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	if err := s.deps.Sessions.Flag(c.Request.Context(), id, req.Reason); err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "flagged": true})
}

// getDecision handles GET /api/sessions/:id/decision, the candidate's poll.
func (s *Server) getDecision(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}
	st, err := s.deps.Sessions.Status(c.Request.Context(), id)
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// postDecision handles POST /api/sessions/:id/decision
func (s *Server) postDecision(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}
	var req DecisionRequest
	if !bind(c, &req) {
		return
	}
	ctx, span := traces.StartSpan(c.Request.Context(), "api.decision", traces.SessionID(id), traces.RequestID(req.RequestID))
	defer span.End()

	d, err := s.deps.Sessions.Decide(ctx, id, req.RequestID, *req.Approved, req.Comment, req.MentorID)
	if err != nil {
		span.RecordError(err)
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d})
}

// listStreams handles GET /api/streams
func (s *Server) listStreams(c *gin.Context) {
	streams := s.deps.Streams.Active()
	if streams == nil {
		streams = []types.StreamInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"streams": streams})
}

// listRooms handles GET /api/rooms
func (s *Server) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": s.deps.Hub.Rooms(), "stats": s.deps.Hub.Stats()})
}

// createReAttempt handles POST /api/reattempts
func (s *Server) createReAttempt(c *gin.Context) {
	var req CreateReAttemptRequest
	if !bind(c, &req) {
		return
	}
	r, err := s.deps.ReAttempts.Create(c.Request.Context(), req.ExamID, req.StudentID, req.Reason)
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"reattempt": r})
}

// listReAttempts handles GET /api/reattempts?status=
func (s *Server) listReAttempts(c *gin.Context) {
	list, err := s.deps.ReAttempts.List(c.Request.Context(), types.ReviewStatus(c.Query("status")))
	if err != nil {
		sendError(c, err)
		return
	}
	if list == nil {
		list = []*types.ReAttemptRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"reattempts": list})
}

// getReAttempt handles GET /api/reattempts/:id
func (s *Server) getReAttempt(c *gin.Context) {
	r, err := s.deps.ReAttempts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reattempt": r})
}

// reviewReAttempt handles POST /api/reattempts/:id/review
func (s *Server) reviewReAttempt(c *gin.Context) {
	var req ReviewRequest
	if !bind(c, &req) {
		return
	}
	id := c.Param("id")
	ctx, span := traces.StartSpan(c.Request.Context(), "api.reattempt_review", traces.ReAttemptID(id))
	defer span.End()

	r, err := s.deps.ReAttempts.Review(ctx, id, *req.Approved, req.Comment, req.ReviewerID)
	if err != nil {
		span.RecordError(err)
		sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reattempt": r})
}
