package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"proctorhub/pkg/types"
)

// Handler receives one inbound envelope. Handlers run on the read goroutine
// in arrival order and must not block.
type Handler func(env *types.Envelope)

// HubOptions tunes the websocket client. Zero values take defaults.
type HubOptions struct {
	SendBuffer   int
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
}

// Hub is one member's link to the signaling hub. It has a single writer
// goroutine and a single reader goroutine that dispatches by event type.
type Hub struct {
	conn         *websocket.Conn
	userID       string
	role         types.Role
	writeTimeout time.Duration
	logger       *slog.Logger

	send       chan []byte
	closing    chan struct{}
	writerDone chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup

	mu       sync.RWMutex
	handlers map[types.EventType][]Handler
	any      []Handler
	err      error

	closeOnce   sync.Once
	closingOnce sync.Once
}

// DialHub connects to the server's /ws endpoint as userID with role.
// serverURL may use http(s) or ws(s); an empty path means /ws.
func DialHub(ctx context.Context, serverURL, userID string, role types.Role, opts HubOptions) (*Hub, error) {
	if !types.IsValidID(userID) {
		return nil, types.ErrInvalidUserID
	}
	wsURL, err := hubURL(serverURL, userID, role)
	if err != nil {
		return nil, err
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	conn, resp, err := opts.Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial hub: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial hub: %w", err)
	}

	h := &Hub{
		conn:         conn,
		userID:       userID,
		role:         role,
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger.With("component", "hub_client", "user_id", userID),
		send:         make(chan []byte, opts.SendBuffer),
		closing:      make(chan struct{}),
		writerDone:   make(chan struct{}),
		done:         make(chan struct{}),
		handlers:     make(map[types.EventType][]Handler),
	}
	h.wg.Add(2)
	go h.readLoop()
	go h.writeLoop()
	return h, nil
}

func hubURL(serverURL, userID string, role types.Role) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, serverURL)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, serverURL)
	}
	if strings.Trim(u.Path, "/") == "" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("user_id", userID)
	q.Set("role", string(role))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (h *Hub) UserID() string   { return h.userID }
func (h *Hub) Role() types.Role { return h.role }

// On registers fn for envelopes of type t. Several handlers per type run in
// registration order.
func (h *Hub) On(t types.EventType, fn Handler) {
	h.mu.Lock()
	h.handlers[t] = append(h.handlers[t], fn)
	h.mu.Unlock()
}

// OnAny registers fn for every inbound envelope, after typed handlers.
func (h *Hub) OnAny(fn Handler) {
	h.mu.Lock()
	h.any = append(h.any, fn)
	h.mu.Unlock()
}

// Publish enqueues env without blocking. A zero timestamp is stamped now.
func (h *Hub) Publish(env *types.Envelope) error {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	select {
	case <-h.closing:
		return ErrClientClosed
	case <-h.done:
		return ErrClientClosed
	default:
	}
	select {
	case h.send <- data:
		return nil
	case <-h.done:
		return ErrClientClosed
	default:
		return ErrSendBufferFull
	}
}

func (h *Hub) Join(room string) error {
	return h.Publish(&types.Envelope{Type: types.EventJoinRoom, Room: room})
}

func (h *Hub) Leave(room string) error {
	return h.Publish(&types.Envelope{Type: types.EventLeaveRoom, Room: room})
}

// Done is closed once the link is down.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Err returns why the link went down, or nil while it is up.
func (h *Hub) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Close flushes queued frames, sends a normal close frame and waits for
// both pumps to exit.
func (h *Hub) Close() error {
	h.closingOnce.Do(func() {
		h.mu.Lock()
		close(h.closing)
		h.mu.Unlock()
	})
	select {
	case <-h.writerDone:
	case <-time.After(h.writeTimeout):
	}
	h.shutdown(ErrClientClosed)
	h.wg.Wait()
	return nil
}

func (h *Hub) shutdown(err error) {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
		_ = h.conn.Close()
	})
}

func (h *Hub) readLoop() {
	defer h.wg.Done()
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			select {
			case <-h.closing:
				err = ErrClientClosed
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Info("hub link lost", "error", err)
				}
			}
			h.shutdown(err)
			return
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		h.dispatch(&env)
	}
}

func (h *Hub) dispatch(env *types.Envelope) {
	h.mu.RLock()
	typed := h.handlers[env.Type]
	all := h.any
	h.mu.RUnlock()

	for _, fn := range typed {
		fn(env)
	}
	for _, fn := range all {
		fn(env)
	}
}

func (h *Hub) writeLoop() {
	defer h.wg.Done()
	defer close(h.writerDone)
	for {
		select {
		case <-h.done:
			return
		case <-h.closing:
			h.flush()
			return
		case data := <-h.send:
			if !h.write(data) {
				return
			}
		}
	}
}

// flush writes what is still queued, then the close frame.
func (h *Hub) flush() {
	for {
		select {
		case data := <-h.send:
			if !h.write(data) {
				return
			}
		default:
			_ = h.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (h *Hub) write(data []byte) bool {
	_ = h.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	if err := h.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Debug("write failed", "error", err)
		h.shutdown(err)
		return false
	}
	return true
}
