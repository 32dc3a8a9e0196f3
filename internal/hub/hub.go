// Package hub is the signaling hub: it owns rooms, applies membership, and
// fans envelopes out to room members without reading their payloads.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"proctorhub/internal/metrics"
	"proctorhub/internal/router"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

var (
	_ interfaces.Dispatcher = (*Hub)(nil)
	_ interfaces.Publisher  = (*Hub)(nil)
)

// ObserverFunc sees an envelope after the hub has forwarded it.
type ObserverFunc func(env *types.Envelope)

// Options sizes the hub's queues. TapBuffer bounds how many video frames
// may wait on a single observer.
type Options struct {
	MessageBuffer   int
	LifecycleBuffer int
	TapBuffer       int
}

func DefaultOptions() Options {
	return Options{MessageBuffer: 1000, LifecycleBuffer: 100, TapBuffer: 1024}
}

// Stats are cumulative hub counters plus current sizes.
type Stats struct {
	Rooms       int    `json:"rooms"`
	Members     int    `json:"members"`
	Connections int    `json:"connections"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

type inbound struct {
	conn interfaces.Connection // nil for system frames
	env  *types.Envelope
}

// Hub serializes every membership change and publish through one goroutine.
type Hub struct {
	messageChannel    chan inbound
	registerChannel   chan interfaces.Connection
	unregisterChannel chan interfaces.Connection
	shutdownChannel   chan struct{}
	done              chan struct{}

	router *router.Router
	logger *slog.Logger

	mu          sync.RWMutex
	rooms       map[string]*room
	memberships map[interfaces.Connection]map[string]struct{}
	observers   map[types.EventType][]*observer
	tapBuffer   int
	running     bool
	started     bool
	stopOnce    sync.Once

	allObservers []*observer
	observerWG   sync.WaitGroup

	connections atomic.Int64
	published   atomic.Uint64
	delivered   atomic.Uint64
	dropped     atomic.Uint64
}

func NewHub(r *router.Router, logger *slog.Logger, opts Options) *Hub {
	def := DefaultOptions()
	if opts.MessageBuffer <= 0 {
		opts.MessageBuffer = def.MessageBuffer
	}
	if opts.LifecycleBuffer <= 0 {
		opts.LifecycleBuffer = def.LifecycleBuffer
	}
	if opts.TapBuffer <= 0 {
		opts.TapBuffer = def.TapBuffer
	}
	return &Hub{
		messageChannel:    make(chan inbound, opts.MessageBuffer),
		registerChannel:   make(chan interfaces.Connection, opts.LifecycleBuffer),
		unregisterChannel: make(chan interfaces.Connection, opts.LifecycleBuffer),
		shutdownChannel:   make(chan struct{}),
		done:              make(chan struct{}),
		router:            r,
		logger:            logger.With("component", "hub"),
		rooms:             make(map[string]*room),
		memberships:       make(map[interfaces.Connection]map[string]struct{}),
		observers:         make(map[types.EventType][]*observer),
		tapBuffer:         opts.TapBuffer,
	}
}

// Observe registers fn for every forwarded envelope whose type is in
// events, including hub-generated joined and left. Each registration gets
// its own goroutine and sees its events in publish order.
func (h *Hub) Observe(fn ObserverFunc, events ...types.EventType) {
	o := newObserver(fn, h.tapBuffer, h.logger)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range events {
		h.observers[t] = append(h.observers[t], o)
	}
	h.allObservers = append(h.allObservers, o)
	if h.running {
		h.observerWG.Add(1)
		go o.run(&h.observerWG)
	}
}

func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.started = true
	h.running = true
	for _, o := range h.allObservers {
		h.observerWG.Add(1)
		go o.run(&h.observerWG)
	}
	h.mu.Unlock()

	h.logger.Info("starting hub")
	go func() {
		h.run(ctx)
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
		h.stopObservers()
		close(h.done)
	}()
	return nil
}

// Stop ends the run loop and waits for queued observer calls to finish.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.mu.Unlock()

	h.logger.Info("stopping hub")
	h.stopOnce.Do(func() { close(h.shutdownChannel) })
	<-h.done
	return nil
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// RegisterConnection counts a new authenticated connection.
func (h *Hub) RegisterConnection(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	select {
	case h.registerChannel <- conn:
		return nil
	default:
		return ErrRegisterChannelFull
	}
}

// UnregisterConnection removes conn from every room it joined, emitting
// left to the remaining members. It waits for queue space so that no
// disconnect is lost.
func (h *Hub) UnregisterConnection(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	select {
	case h.unregisterChannel <- conn:
		return nil
	case <-h.done:
		return ErrHubNotRunning
	}
}

// Dispatch authorizes env from conn and queues it for routing. Policy
// errors are returned to the caller, which reports them to the sender.
func (h *Hub) Dispatch(conn interfaces.Connection, env *types.Envelope) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	if h.router != nil {
		if err := h.router.Authorize(conn, env); err != nil {
			metrics.HubRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
			return err
		}
	}
	env.From = conn.GetUserID()
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	select {
	case h.messageChannel <- inbound{conn: conn, env: env}:
		return nil
	default:
		metrics.HubDroppedTotal.WithLabelValues("hub_full").Inc()
		return ErrMessageChannelFull
	}
}

// PublishSystem relays a server-originated envelope to every member of
// env.Room, or only to env.Target when set.
func (h *Hub) PublishSystem(env *types.Envelope) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	if _, _, err := types.ParseRoom(env.Room); err != nil {
		return err
	}
	env.From = types.SystemSender
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	select {
	case h.messageChannel <- inbound{env: env}:
		return nil
	case <-h.done:
		return ErrHubNotRunning
	}
}

func (h *Hub) run(ctx context.Context) {
	defer h.logger.Info("hub processing stopped")

	for {
		select {
		case in := <-h.messageChannel:
			h.handleMessage(in)

		case conn := <-h.registerChannel:
			metrics.HubConnections.Set(float64(h.connections.Add(1)))
			h.logger.Debug("connection registered", "user_id", conn.GetUserID(), "role", conn.GetRole())

		case conn := <-h.unregisterChannel:
			h.handleDisconnect(conn)
			metrics.HubConnections.Set(float64(h.connections.Add(-1)))

		case <-h.shutdownChannel:
			return

		case <-ctx.Done():
			h.logger.Info("hub context cancelled")
			return
		}
	}
}

func (h *Hub) handleMessage(in inbound) {
	env := in.env
	metrics.HubMessagesTotal.WithLabelValues(string(env.Type)).Inc()

	if in.conn == nil {
		h.publish(env, "")
		return
	}

	switch env.Type {
	case types.EventJoinRoom:
		h.handleJoin(in.conn, env.Room)
	case types.EventLeaveRoom:
		h.handleLeave(in.conn, env.Room)
	default:
		h.handlePublish(in.conn, env)
	}
}

func (h *Hub) handleJoin(conn interfaces.Connection, roomID string) {
	userID := conn.GetUserID()

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = newRoom(roomID)
		h.rooms[roomID] = r
		metrics.HubRooms.Set(float64(len(h.rooms)))
	}
	prev, rejoin := r.members[userID]
	r.members[userID] = member{conn: conn, role: conn.GetRole()}
	if rejoin && prev.conn != conn {
		h.forget(prev.conn, roomID)
	}
	h.remember(conn, roomID)
	h.mu.Unlock()

	if rejoin && prev.conn == conn {
		return
	}
	h.logger.Debug("joined room", "user_id", userID, "room", roomID)
	h.emitMembership(types.EventJoined, roomID, userID, conn.GetRole())
}

func (h *Hub) handleLeave(conn interfaces.Connection, roomID string) {
	if !h.removeMember(conn, roomID) {
		return
	}
	h.emitMembership(types.EventLeft, roomID, conn.GetUserID(), conn.GetRole())
}

func (h *Hub) handleDisconnect(conn interfaces.Connection) {
	h.mu.RLock()
	joined := make([]string, 0, len(h.memberships[conn]))
	for roomID := range h.memberships[conn] {
		joined = append(joined, roomID)
	}
	h.mu.RUnlock()
	sort.Strings(joined)

	for _, roomID := range joined {
		h.handleLeave(conn, roomID)
	}
	h.mu.Lock()
	delete(h.memberships, conn)
	h.mu.Unlock()
	if h.router != nil {
		h.router.Forget(conn.GetUserID())
	}
}

// removeMember reports whether conn was the current member for its user.
func (h *Hub) removeMember(conn interfaces.Connection, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.forget(conn, roomID)
	r, ok := h.rooms[roomID]
	if !ok {
		return false
	}
	m, ok := r.members[conn.GetUserID()]
	if !ok || m.conn != conn {
		return false
	}
	delete(r.members, conn.GetUserID())
	if len(r.members) == 0 {
		delete(h.rooms, roomID)
		metrics.HubRooms.Set(float64(len(h.rooms)))
	}
	return true
}

func (h *Hub) remember(conn interfaces.Connection, roomID string) {
	set, ok := h.memberships[conn]
	if !ok {
		set = make(map[string]struct{})
		h.memberships[conn] = set
	}
	set[roomID] = struct{}{}
}

func (h *Hub) forget(conn interfaces.Connection, roomID string) {
	if set, ok := h.memberships[conn]; ok {
		delete(set, roomID)
	}
}

func (h *Hub) handlePublish(conn interfaces.Connection, env *types.Envelope) {
	h.mu.RLock()
	r, ok := h.rooms[env.Room]
	isMember := ok && r.has(conn.GetUserID())
	h.mu.RUnlock()

	if !ok {
		// Nobody to deliver to. Open events still reach server-side taps
		// so an escalation with no mentor online is recorded.
		if !router.RequiresMembership(env.Type) {
			h.tap(env)
		}
		return
	}
	if !isMember && router.RequiresMembership(env.Type) {
		metrics.HubRejectedTotal.WithLabelValues("not_member").Inc()
		h.sendError(conn, env, ErrNotMember)
		return
	}
	h.publish(env, conn.GetUserID())
}

// publish fans env out to the room, skipping exclude. The envelope is
// encoded once and every member gets a non-blocking enqueue.
func (h *Hub) publish(env *types.Envelope, exclude string) {
	h.mu.RLock()
	r, ok := h.rooms[env.Room]
	var recipients []interfaces.Connection
	if ok {
		if env.Target != "" {
			if m, found := r.members[env.Target]; found && env.Target != exclude {
				recipients = append(recipients, m.conn)
			}
		} else {
			recipients = make([]interfaces.Connection, 0, len(r.members))
			for id, m := range r.members {
				if id != exclude {
					recipients = append(recipients, m.conn)
				}
			}
		}
	}
	h.mu.RUnlock()

	if len(recipients) > 0 {
		data, err := json.Marshal(env)
		if err != nil {
			h.logger.Error("encode envelope", "type", env.Type, "room", env.Room, "error", err)
			return
		}
		h.published.Add(1)
		for _, c := range recipients {
			h.deliver(c, data)
		}
	}
	h.tap(env)
}

func (h *Hub) deliver(conn interfaces.Connection, data []byte) {
	if err := conn.Send(data); err != nil {
		h.dropped.Add(1)
		metrics.HubDroppedTotal.WithLabelValues("queue_full").Inc()
		h.logger.Debug("dropped delivery", "user_id", conn.GetUserID(), "error", err)
		return
	}
	h.delivered.Add(1)
	metrics.HubDeliveriesTotal.Inc()
}

func (h *Hub) emitMembership(t types.EventType, roomID, userID string, role types.Role) {
	env, err := types.NewEnvelope(t, roomID, types.RoomPayload{RoomID: roomID, MemberID: userID, Role: role})
	if err != nil {
		h.logger.Error("build membership event", "type", t, "error", err)
		return
	}
	env.From = userID
	h.publish(env, userID)
}

func (h *Hub) sendError(conn interfaces.Connection, env *types.Envelope, cause error) {
	reply, err := types.NewEnvelope(types.EventRoomError, env.Room, types.RoomErrorPayload{Event: env.Type, Error: cause.Error()})
	if err != nil {
		return
	}
	reply.From = types.SystemSender
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_ = conn.Send(data)
}

// Rooms returns a snapshot of every live room, sorted by id.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]RoomInfo, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, r.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Members returns the sorted member ids of roomID, or nil if it does not exist.
func (h *Hub) Members(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	return r.info().Members
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	rooms := len(h.rooms)
	members := 0
	for _, r := range h.rooms {
		members += len(r.members)
	}
	h.mu.RUnlock()
	return Stats{
		Rooms:       rooms,
		Members:     members,
		Connections: int(h.connections.Load()),
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// HealthCheck fails when the run loop is not accepting frames.
func (h *Hub) HealthCheck(context.Context) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, router.ErrRateLimitExceeded):
		return "rate_limited"
	case errors.Is(err, router.ErrNotAuthenticated):
		return "unauthenticated"
	case errors.Is(err, router.ErrForbiddenRoom), errors.Is(err, router.ErrEventNotPermitted), errors.Is(err, router.ErrWrongRoomKind):
		return "forbidden"
	default:
		return "invalid"
	}
}
