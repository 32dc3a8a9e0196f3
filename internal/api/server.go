// Package api is the collaborator REST surface: violation logging, session
// records and mentor controls, decisions, streams and re-attempts, plus the
// websocket upgrade, health and metrics endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"proctorhub/internal/health"
	"proctorhub/internal/hub"
	"proctorhub/internal/logging"
	"proctorhub/internal/metrics"
	"proctorhub/internal/reattempt"
	"proctorhub/internal/session"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// Sessions is the session record service the API fronts.
type Sessions interface {
	LogViolation(ctx context.Context, v types.Violation) (*types.Violation, error)
	GetSession(ctx context.Context, sessionID string) (*types.SessionRecord, error)
	ListSessions(ctx context.Context, state types.SessionState) ([]*types.SessionRecord, error)
	Violations(ctx context.Context, sessionID string) ([]*types.Violation, error)
	Flag(ctx context.Context, sessionID, reason string) error
	Terminate(ctx context.Context, sessionID, reason string) error
	Status(ctx context.Context, sessionID string) (*session.DecisionStatus, error)
	Decide(ctx context.Context, sessionID, requestID string, approved bool, comment, decidedBy string) (*types.Decision, error)
}

type ReAttempts interface {
	Create(ctx context.Context, examID, studentID, reason string) (*types.ReAttemptRequest, error)
	Review(ctx context.Context, id string, approved bool, comment, reviewer string) (*types.ReAttemptRequest, error)
	Get(ctx context.Context, id string) (*types.ReAttemptRequest, error)
	List(ctx context.Context, status types.ReviewStatus) ([]*types.ReAttemptRequest, error)
}

type Streams interface {
	Active() []types.StreamInfo
}

// Hub exposes room and traffic snapshots.
type Hub interface {
	Rooms() []hub.RoomInfo
	Stats() hub.Stats
}

type Deps struct {
	Sessions   Sessions
	ReAttempts ReAttempts
	Streams    Streams
	Hub        Hub
	Health     *health.Registry
	WebSocket  http.HandlerFunc
	Logger     *slog.Logger
}

// Server is a thin HTTP layer; it holds no proctoring logic of its own.
type Server struct {
	deps   Deps
	logger *slog.Logger
	router *gin.Engine
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Health == nil {
		deps.Health = health.NewRegistry()
	}
	s := &Server{
		deps:   deps,
		logger: deps.Logger.With("component", "api"),
		router: gin.New(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered", "error", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An unexpected error occurred",
		})
	}))
	s.router.Use(corsMiddleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", metrics.Handler())
	if s.deps.WebSocket != nil {
		s.router.GET("/ws", gin.WrapF(s.deps.WebSocket))
	}

	api := s.router.Group("/api")
	if s.deps.Sessions != nil {
		api.POST("/violations", s.logViolation)
		api.GET("/sessions", s.listSessions)
		api.GET("/sessions/:id", s.getSession)
		api.GET("/sessions/:id/violations", s.listViolations)
		api.POST("/sessions/:id/terminate", s.terminateSession)
		api.POST("/sessions/:id/flag", s.flagSession)
		api.GET("/sessions/:id/decision", s.getDecision)
		api.POST("/sessions/:id/decision", s.postDecision)
	}
	if s.deps.Streams != nil {
		api.GET("/streams", s.listStreams)
	}
	if s.deps.Hub != nil {
		api.GET("/rooms", s.listRooms)
	}
	if s.deps.ReAttempts != nil {
		api.POST("/reattempts", s.createReAttempt)
		api.GET("/reattempts", s.listReAttempts)
		api.GET("/reattempts/:id", s.getReAttempt)
		api.POST("/reattempts/:id/review", s.reviewReAttempt)
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := logging.WithLogger(c.Request.Context(), s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

type HealthResponse struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Checks    []health.Status `json:"checks"`
	Hub       *hub.Stats      `json:"hub,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.deps.Health.CheckAll(ctx)
	resp := HealthResponse{Status: "healthy", Timestamp: time.Now().UTC(), Checks: checks}
	if s.deps.Hub != nil {
		stats := s.deps.Hub.Stats()
		resp.Hub = &stats
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

var errBadRequest = errors.New("invalid request body")

// sendError maps service errors onto HTTP statuses. Unknown errors are
// reported as 500 without their text.
func sendError(c *gin.Context, err error) {
	var (
		code  int
		label string
	)
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, types.ErrInvalidSessionID),
		errors.Is(err, session.ErrInvalidSessionID),
		errors.Is(err, session.ErrInvalidViolation),
		errors.Is(err, reattempt.ErrInvalidRequest),
		errors.Is(err, reattempt.ErrReasonTooLong),
		errors.Is(err, reattempt.ErrInvalidStatus):
		code, label = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, interfaces.ErrNotFound),
		errors.Is(err, session.ErrNoPendingRequest):
		code, label = http.StatusNotFound, "not_found"
	case errors.Is(err, interfaces.ErrAlreadyDecided),
		errors.Is(err, interfaces.ErrAlreadyReviewed),
		errors.Is(err, reattempt.ErrDuplicatePending),
		errors.Is(err, session.ErrStaleRequest),
		errors.Is(err, session.ErrSessionEnded):
		code, label = http.StatusConflict, "conflict"
	case errors.Is(err, hub.ErrHubNotRunning), errors.Is(err, hub.ErrMessageChannelFull):
		code, label = http.StatusServiceUnavailable, "unavailable"
	default:
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "Internal server error"})
		return
	}
	c.AbortWithStatusJSON(code, ErrorResponse{Error: label, Message: err.Error()})
}
