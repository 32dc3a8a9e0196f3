package stream

import (
	"log/slog"
	"sort"
	"sync"

	"proctorhub/internal/metrics"
	"proctorhub/pkg/types"
)

// TrackedEvents are the hub events a Tracker must observe.
var TrackedEvents = []types.EventType{
	types.EventJoined, types.EventLeft, types.EventVideoFrame, types.EventStreamEnded,
}

type subscription struct {
	observers map[string]struct{}
	stream    *types.StreamInfo
}

// Tracker is the server's view of live streams and who watches them. It
// is rebuilt entirely from hub events.
type Tracker struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	logger *slog.Logger
}

func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{subs: make(map[string]*subscription), logger: logger.With("component", "stream-tracker")}
}

func (t *Tracker) sub(sessionID string) *subscription {
	s, ok := t.subs[sessionID]
	if !ok {
		s = &subscription{observers: make(map[string]struct{})}
		t.subs[sessionID] = s
	}
	return s
}

// Handle is registered as a hub observer for each of TrackedEvents.
func (t *Tracker) Handle(env *types.Envelope) {
	sessionID := types.SessionIDFromRoom(env.Room)
	if sessionID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.updateGauges()

	switch env.Type {
	case types.EventJoined:
		var p types.RoomPayload
		if env.Decode(&p) != nil || p.Role != types.RoleMentor {
			return
		}
		t.sub(sessionID).observers[p.MemberID] = struct{}{}

	case types.EventLeft:
		var p types.RoomPayload
		if env.Decode(&p) != nil {
			return
		}
		s, ok := t.subs[sessionID]
		if !ok {
			return
		}
		delete(s.observers, p.MemberID)
		if s.stream != nil && s.stream.CandidateID == p.MemberID {
			t.logger.Info("candidate left while streaming", "session_id", sessionID, "candidate_id", p.MemberID)
			s.stream = nil
		}
		t.gc(sessionID, s)

	case types.EventVideoFrame:
		s := t.sub(sessionID)
		if s.stream == nil {
			s.stream = &types.StreamInfo{SessionID: sessionID, CandidateID: env.From, StartedAt: env.Timestamp}
			t.logger.Info("stream live", "session_id", sessionID, "candidate_id", env.From)
		}
		s.stream.Frames++
		s.stream.LastFrameAt = env.Timestamp
		metrics.FramesRelayedTotal.Inc()

	case types.EventStreamEnded:
		s, ok := t.subs[sessionID]
		if !ok || s.stream == nil {
			return
		}
		t.logger.Info("stream ended", "session_id", sessionID, "frames", s.stream.Frames)
		s.stream = nil
		t.gc(sessionID, s)
	}
}

func (t *Tracker) gc(sessionID string, s *subscription) {
	if s.stream == nil && len(s.observers) == 0 {
		delete(t.subs, sessionID)
	}
}

func (t *Tracker) updateGauges() {
	active, observers := 0, 0
	for _, s := range t.subs {
		if s.stream != nil {
			active++
		}
		observers += len(s.observers)
	}
	metrics.ActiveStreams.Set(float64(active))
	metrics.StreamObservers.Set(float64(observers))
}

func (t *Tracker) infoLocked(s *subscription) types.StreamInfo {
	info := *s.stream
	info.Observers = make([]string, 0, len(s.observers))
	for id := range s.observers {
		info.Observers = append(info.Observers, id)
	}
	sort.Strings(info.Observers)
	return info
}

// Active lists live streams sorted by session id.
func (t *Tracker) Active() []types.StreamInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.StreamInfo, 0, len(t.subs))
	for _, s := range t.subs {
		if s.stream != nil {
			out = append(out, t.infoLocked(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Get returns the live stream for sessionID.
func (t *Tracker) Get(sessionID string) (types.StreamInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.subs[sessionID]
	if !ok || s.stream == nil {
		return types.StreamInfo{}, false
	}
	return t.infoLocked(s), true
}

// Observers returns the mentors subscribed to sessionID, streaming or not.
func (t *Tracker) Observers(sessionID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.subs[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.observers))
	for id := range s.observers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
