package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// HandlerConfig carries the socket timing and size limits.
type HandlerConfig struct {
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	BufferSize      int
	MaxMessageBytes int64
}

// Handler upgrades HTTP requests and pumps frames into a Dispatcher.
type Handler struct {
	registry   *Registry
	dispatcher interfaces.Dispatcher
	config     HandlerConfig
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

func NewHandler(registry *Registry, dispatcher interfaces.Dispatcher, config HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ReadTimeout <= config.PingInterval {
		config.ReadTimeout = 2 * config.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		config:     config,
		upgrader: websocket.Upgrader{
			// Identity comes from the fronting portal; origin is not a trust boundary here.
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "websocket"),
	}
}

// HandleWebSocket authenticates from the user_id and role query parameters,
// then upgrades. Requests without a valid identity never reach the hub.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	roleParam := r.URL.Query().Get("role")
	if userID == "" || roleParam == "" {
		http.Error(w, "Missing required query parameters: user_id, role", http.StatusBadRequest)
		return
	}
	if !types.IsValidID(userID) {
		http.Error(w, "Invalid user_id format", http.StatusBadRequest)
		return
	}
	role, err := types.ParseRole(roleParam)
	if err != nil {
		http.Error(w, "Invalid role: must be 'candidate' or 'mentor'", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", "error", err)
		return
	}

	conn := NewConnection(ws, ConnectionOptions{BufferSize: h.config.BufferSize, WriteTimeout: h.config.WriteTimeout})
	if err := conn.SetCredentials(userID, role); err != nil {
		_ = conn.Close()
		return
	}

	replaced, err := h.registry.RegisterConnection(conn)
	if err != nil {
		h.logger.Warn("failed to register connection", "user_id", userID, "error", err)
		_ = conn.Close()
		return
	}
	if replaced != nil {
		h.logger.Info("connection replaced", "user_id", userID)
		go func() { _ = replaced.Close() }()
	}

	if err := h.dispatcher.RegisterConnection(conn); err != nil {
		h.logger.Warn("hub refused connection", "user_id", userID, "error", err)
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		return
	}

	go h.handleConnection(conn)
}

// handleConnection runs the read pump and heartbeat for one socket.
func (h *Handler) handleConnection(conn *Connection) {
	log := h.logger.With("user_id", conn.GetUserID(), "conn_id", conn.ID())
	defer func() {
		h.registry.UnregisterConnection(conn)
		if err := h.dispatcher.UnregisterConnection(conn); err != nil {
			log.Debug("unregister failed", "error", err)
		}
		_ = conn.Close()
	}()

	if h.config.MaxMessageBytes > 0 {
		conn.conn.SetReadLimit(h.config.MaxMessageBytes)
	}
	readTimeout := h.config.ReadTimeout
	if err := conn.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read error", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.replyError(conn, "", ErrInvalidJSON)
			continue
		}
		if err := h.dispatcher.Dispatch(conn, &env); err != nil {
			h.replyError(conn, env.Type, err)
		}
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// WriteControl may run concurrently with the write loop.
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func (h *Handler) replyError(conn *Connection, event types.EventType, err error) {
	env, mErr := types.NewEnvelope(types.EventRoomError, "", types.RoomErrorPayload{Event: event, Error: err.Error()})
	if mErr != nil {
		return
	}
	env.From = types.SystemSender
	data, mErr := json.Marshal(env)
	if mErr != nil {
		return
	}
	if sErr := conn.Send(data); sErr != nil && !errors.Is(sErr, ErrConnectionClosed) {
		h.logger.Debug("dropped error reply", "user_id", conn.GetUserID(), "error", sErr)
	}
}
