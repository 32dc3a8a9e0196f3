// Package peer negotiates one WebRTC connection per remote participant of
// a meeting room, using the hub for offer, answer and ICE relay.
package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"proctorhub/internal/metrics"
	"proctorhub/internal/retry"
	"proctorhub/pkg/types"
)

const (
	DefaultMaxRenegotiations = 3
	DefaultRenegotiateDelay  = 500 * time.Millisecond
)

// Publisher sends an envelope over the hub without blocking.
type Publisher interface {
	Publish(env *types.Envelope) error
}

type Options struct {
	RoomID            string
	SelfID            string
	MaxRenegotiations int
	RenegotiateDelay  time.Duration
	Logger            *slog.Logger
}

type remotePeer struct {
	pc        PeerConnection
	offerer   bool
	remoteSet bool
	pending   []ICECandidate
	failures  int
}

// Manager owns the local tracks and every peer connection in one room.
type Manager struct {
	factory Factory
	pub     Publisher
	opts    Options
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	peers       map[string]*remotePeer
	early       map[string][]ICECandidate
	failures    map[string]int
	tracks      []LocalTrack
	remoteMedia map[string]types.MediaStatePayload
	closed      bool
	wg          sync.WaitGroup
}

func NewManager(factory Factory, pub Publisher, tracks []LocalTrack, opts Options) (*Manager, error) {
	if _, _, err := types.ParseRoom(opts.RoomID); err != nil {
		return nil, err
	}
	if !types.IsValidID(opts.SelfID) {
		return nil, types.ErrInvalidUserID
	}
	if opts.MaxRenegotiations <= 0 {
		opts.MaxRenegotiations = DefaultMaxRenegotiations
	}
	if opts.RenegotiateDelay <= 0 {
		opts.RenegotiateDelay = DefaultRenegotiateDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		factory:     factory,
		pub:         pub,
		opts:        opts,
		logger:      opts.Logger.With("component", "peer", "room", opts.RoomID),
		ctx:         ctx,
		cancel:      cancel,
		peers:       make(map[string]*remotePeer),
		early:       make(map[string][]ICECandidate),
		failures:    make(map[string]int),
		tracks:      tracks,
		remoteMedia: make(map[string]types.MediaStatePayload),
	}, nil
}

// Handle is the manager's dispatch table for room envelopes.
func (m *Manager) Handle(env *types.Envelope) error {
	if env.Room != m.opts.RoomID {
		return nil
	}
	handler, ok := peerHandlers[env.Type]
	if !ok {
		return ErrUnhandledEvent
	}
	if env.Target != "" && env.Target != m.opts.SelfID {
		return nil
	}
	return handler(m, env)
}

var peerHandlers = map[types.EventType]func(*Manager, *types.Envelope) error{
	types.EventJoined: func(m *Manager, env *types.Envelope) error {
		var p types.RoomPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if p.MemberID == m.opts.SelfID {
			return nil
		}
		return m.Offer(p.MemberID)
	},
	types.EventLeft: func(m *Manager, env *types.Envelope) error {
		var p types.RoomPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		m.Remove(p.MemberID)
		return nil
	},
	types.EventOffer: func(m *Manager, env *types.Envelope) error {
		var p types.SDPPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return m.HandleOffer(env.From, p.SDP)
	},
	types.EventAnswer: func(m *Manager, env *types.Envelope) error {
		var p types.SDPPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return m.HandleAnswer(env.From, p.SDP)
	},
	types.EventICECandidate: func(m *Manager, env *types.Envelope) error {
		var p types.ICECandidatePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return m.HandleCandidate(env.From, ICECandidate{Candidate: p.Candidate, SDPMid: p.SDPMid, SDPMLineIndex: p.SDPMLineIndex})
	},
	types.EventMediaState: func(m *Manager, env *types.Envelope) error {
		var p types.MediaStatePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		m.mu.Lock()
		m.remoteMedia[env.From] = p
		m.mu.Unlock()
		return nil
	},
}

// newPeerLocked replaces any connection to remote with a fresh one that
// carries every local track.
func (m *Manager) newPeerLocked(remote string, offerer bool) (*remotePeer, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if old, ok := m.peers[remote]; ok {
		m.closePeer(remote, old)
	}
	pc, err := m.factory.NewPeerConnection()
	if err != nil {
		return nil, err
	}
	for _, t := range m.tracks {
		if err := pc.AddTrack(t); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}
	rp := &remotePeer{pc: pc, offerer: offerer, pending: m.early[remote]}
	delete(m.early, remote)
	m.peers[remote] = rp
	metrics.PeerConnections.Inc()

	pc.OnICECandidate(func(c ICECandidate) {
		if !m.current(remote, pc) {
			return
		}
		m.send(types.EventICECandidate, remote, types.ICECandidatePayload{
			Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex,
		})
	})
	pc.OnConnectionStateChange(func(s ConnectionState) {
		if !m.current(remote, pc) {
			return
		}
		switch s {
		case StateConnected:
			m.mu.Lock()
			delete(m.failures, remote)
			m.mu.Unlock()
			metrics.PeerNegotiationsTotal.WithLabelValues("connected").Inc()
			m.logger.Info("peer connected", "remote", remote)
		case StateFailed:
			m.logger.Warn("peer connection failed", "remote", remote)
			m.renegotiate(remote)
		}
	})
	return rp, nil
}

func (m *Manager) current(remote string, pc PeerConnection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rp, ok := m.peers[remote]
	return ok && rp.pc == pc
}

// Offer creates a connection to remote and sends it an offer.
func (m *Manager) Offer(remote string) error {
	m.mu.Lock()
	rp, err := m.newPeerLocked(remote, true)
	m.mu.Unlock()
	if err != nil {
		metrics.PeerNegotiationsTotal.WithLabelValues("failed").Inc()
		return err
	}
	offer, err := rp.pc.CreateOffer()
	if err == nil {
		err = rp.pc.SetLocalDescription(offer)
	}
	if err != nil {
		metrics.PeerNegotiationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("offer to %s: %w", remote, err)
	}
	metrics.PeerNegotiationsTotal.WithLabelValues("offer").Inc()
	m.send(types.EventOffer, remote, types.SDPPayload{SDP: offer.SDP})
	return nil
}

// HandleOffer answers an offer from remote, reusing its connection when
// one exists and has not yet seen a remote description.
func (m *Manager) HandleOffer(remote, sdp string) error {
	m.mu.Lock()
	rp, ok := m.peers[remote]
	if !ok || rp.remoteSet || rp.offerer {
		var err error
		if rp, err = m.newPeerLocked(remote, false); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.mu.Unlock()

	if err := rp.pc.SetRemoteDescription(SessionDescription{Type: SDPTypeOffer, SDP: sdp}); err != nil {
		metrics.PeerNegotiationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("offer from %s: %w", remote, err)
	}
	m.flush(remote, rp)

	answer, err := rp.pc.CreateAnswer()
	if err == nil {
		err = rp.pc.SetLocalDescription(answer)
	}
	if err != nil {
		metrics.PeerNegotiationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("answer to %s: %w", remote, err)
	}
	metrics.PeerNegotiationsTotal.WithLabelValues("answer").Inc()
	m.send(types.EventAnswer, remote, types.SDPPayload{SDP: answer.SDP})
	return nil
}

func (m *Manager) HandleAnswer(remote, sdp string) error {
	m.mu.Lock()
	rp, ok := m.peers[remote]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	if err := rp.pc.SetRemoteDescription(SessionDescription{Type: SDPTypeAnswer, SDP: sdp}); err != nil {
		metrics.PeerNegotiationsTotal.WithLabelValues("failed").Inc()
		m.renegotiate(remote)
		return fmt.Errorf("answer from %s: %w", remote, err)
	}
	m.flush(remote, rp)
	return nil
}

// HandleCandidate applies c, or queues it until the remote description
// has been set.
func (m *Manager) HandleCandidate(remote string, c ICECandidate) error {
	m.mu.Lock()
	rp, ok := m.peers[remote]
	if !ok {
		m.early[remote] = append(m.early[remote], c)
		m.mu.Unlock()
		return nil
	}
	if !rp.remoteSet {
		rp.pending = append(rp.pending, c)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return rp.pc.AddICECandidate(c)
}

// flush marks the remote description set and applies queued candidates.
func (m *Manager) flush(remote string, rp *remotePeer) {
	m.mu.Lock()
	rp.remoteSet = true
	pending := rp.pending
	rp.pending = nil
	m.mu.Unlock()

	for _, c := range pending {
		if err := rp.pc.AddICECandidate(c); err != nil {
			m.logger.Debug("queued candidate rejected", "remote", remote, "error", err)
		}
	}
}

// renegotiate recreates the connection to remote with backoff. Only the
// side that made the original offer re-offers; the other side drops its
// connection and waits. After MaxRenegotiations the remote is dropped.
func (m *Manager) renegotiate(remote string) {
	m.mu.Lock()
	rp, ok := m.peers[remote]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	if !rp.offerer {
		m.closePeer(remote, rp)
		m.mu.Unlock()
		return
	}
	m.failures[remote]++
	attempt := m.failures[remote]
	if attempt > m.opts.MaxRenegotiations {
		m.closePeer(remote, rp)
		delete(m.failures, remote)
		m.mu.Unlock()
		metrics.PeerNegotiationsTotal.WithLabelValues("abandoned").Inc()
		m.logger.Error("giving up on peer", "remote", remote, "attempts", attempt-1)
		return
	}
	m.closePeer(remote, rp)
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.PeerNegotiationsTotal.WithLabelValues("renegotiate").Inc()
	go func() {
		defer m.wg.Done()
		delay := retry.Jitter(m.opts.RenegotiateDelay << (attempt - 1))
		select {
		case <-time.After(delay):
		case <-m.ctx.Done():
			return
		}
		err := retry.Do(m.ctx, m.opts.MaxRenegotiations, m.opts.RenegotiateDelay, func(int) error {
			err := m.Offer(remote)
			if err == ErrClosed {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			m.logger.Error("renegotiation failed", "remote", remote, "error", err)
			m.Remove(remote)
		}
	}()
}

// closePeer must be called with m.mu held.
func (m *Manager) closePeer(remote string, rp *remotePeer) {
	if cur, ok := m.peers[remote]; ok && cur == rp {
		delete(m.peers, remote)
	}
	if err := rp.pc.Close(); err != nil {
		m.logger.Debug("close peer connection", "remote", remote, "error", err)
	}
	metrics.PeerConnections.Dec()
}

// Remove closes the connection to a participant that left.
func (m *Manager) Remove(remote string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rp, ok := m.peers[remote]; ok {
		m.closePeer(remote, rp)
		m.logger.Info("peer removed", "remote", remote)
	}
	delete(m.early, remote)
	delete(m.failures, remote)
	delete(m.remoteMedia, remote)
}

func (m *Manager) SetAudioEnabled(enabled bool) { m.setEnabled(KindAudio, enabled) }

func (m *Manager) SetVideoEnabled(enabled bool) { m.setEnabled(KindVideo, enabled) }

func (m *Manager) setEnabled(kind string, enabled bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	for _, t := range m.tracks {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
	state := m.mediaStateLocked()
	m.mu.Unlock()
	m.send(types.EventMediaState, "", state)
}

// MediaState reports the local enabled flags. A kind with no track is off.
func (m *Manager) MediaState() types.MediaStatePayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mediaStateLocked()
}

func (m *Manager) mediaStateLocked() types.MediaStatePayload {
	var s types.MediaStatePayload
	for _, t := range m.tracks {
		switch t.Kind() {
		case KindAudio:
			s.Audio = s.Audio || t.Enabled()
		case KindVideo:
			s.Video = s.Video || t.Enabled()
		}
	}
	return s
}

// RemoteMedia returns the last media-state advertised by remote.
func (m *Manager) RemoteMedia(remote string) (types.MediaStatePayload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.remoteMedia[remote]
	return s, ok
}

// Peers lists remotes with an open connection.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close closes every connection and stops every local track. It is safe
// to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for remote, rp := range m.peers {
		m.closePeer(remote, rp)
	}
	tracks := m.tracks
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			m.logger.Debug("stop track", "kind", t.Kind(), "error", err)
		}
	}
	m.logger.Info("peer manager closed")
	return nil
}

func (m *Manager) send(t types.EventType, target string, payload any) {
	env, err := types.NewEnvelope(t, m.opts.RoomID, payload)
	if err != nil {
		m.logger.Error("build envelope", "type", t, "error", err)
		return
	}
	if target != "" {
		env = env.To(target)
	}
	if err := m.pub.Publish(env); err != nil {
		m.logger.Debug("publish failed", "type", t, "target", target, "error", err)
	}
}
