package stream

import (
	"encoding/base64"
	"sort"
	"sync"
	"time"

	"proctorhub/pkg/types"
)

// Frame is the most recent sample an observer has for a session.
type Frame struct {
	SessionID   string
	CandidateID string
	Data        string
	Seq         uint64
	CapturedAt  time.Time
	ReceivedAt  time.Time
}

// Image decodes the frame's JPEG bytes.
func (f Frame) Image() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.Data)
}

// Viewer is the observer-side view of every session it watches.
type Viewer struct {
	mu       sync.RWMutex
	latest   map[string]Frame
	counts   map[string]uint64
	streamer map[string]string
	ended    map[string]string
	onFrame  func(Frame)
	onEnded  func(sessionID, reason string)
}

func NewViewer() *Viewer {
	return &Viewer{
		latest:   make(map[string]Frame),
		counts:   make(map[string]uint64),
		streamer: make(map[string]string),
		ended:    make(map[string]string),
	}
}

// OnFrame sets a callback run for every accepted frame.
func (v *Viewer) OnFrame(fn func(Frame)) { v.onFrame = fn }

// OnEnded sets a callback run when a session's view is cleared.
func (v *Viewer) OnEnded(fn func(sessionID, reason string)) { v.onEnded = fn }

// Handle consumes video-frame, stream-ended and left envelopes.
func (v *Viewer) Handle(env *types.Envelope) error {
	handler, ok := viewerHandlers[env.Type]
	if !ok {
		return ErrUnhandledEvent
	}
	return handler(v, env)
}

var viewerHandlers = map[types.EventType]func(*Viewer, *types.Envelope) error{
	types.EventVideoFrame: func(v *Viewer, env *types.Envelope) error {
		var p types.VideoFramePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if p.SessionID == "" {
			p.SessionID = types.SessionIDFromRoom(env.Room)
		}
		f := Frame{
			SessionID:   p.SessionID,
			CandidateID: env.From,
			Data:        p.FrameData,
			Seq:         p.Seq,
			CapturedAt:  p.Timestamp,
			ReceivedAt:  time.Now(),
		}
		v.mu.Lock()
		if prev, ok := v.latest[f.SessionID]; ok && prev.Seq >= f.Seq && f.Seq != 0 {
			v.mu.Unlock()
			return nil
		}
		v.latest[f.SessionID] = f
		v.counts[f.SessionID]++
		v.streamer[f.SessionID] = env.From
		delete(v.ended, f.SessionID)
		v.mu.Unlock()
		if v.onFrame != nil {
			v.onFrame(f)
		}
		return nil
	},
	types.EventStreamEnded: func(v *Viewer, env *types.Envelope) error {
		var p types.StreamEndedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if p.SessionID == "" {
			p.SessionID = types.SessionIDFromRoom(env.Room)
		}
		v.clear(p.SessionID, p.Reason)
		return nil
	},
	types.EventLeft: func(v *Viewer, env *types.Envelope) error {
		var p types.RoomPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		sessionID := types.SessionIDFromRoom(p.RoomID)
		v.mu.RLock()
		streamer := v.streamer[sessionID]
		v.mu.RUnlock()
		if sessionID != "" && streamer != "" && streamer == p.MemberID {
			v.clear(sessionID, "candidate left")
		}
		return nil
	},
}

func (v *Viewer) clear(sessionID, reason string) {
	v.mu.Lock()
	_, had := v.latest[sessionID]
	delete(v.latest, sessionID)
	delete(v.streamer, sessionID)
	v.ended[sessionID] = reason
	v.mu.Unlock()
	if had && v.onEnded != nil {
		v.onEnded(sessionID, reason)
	}
}

// Latest returns the newest frame for sessionID while its stream is live.
func (v *Viewer) Latest(sessionID string) (Frame, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	f, ok := v.latest[sessionID]
	return f, ok
}

// Count returns how many frames were accepted for sessionID.
func (v *Viewer) Count(sessionID string) uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.counts[sessionID]
}

// EndReason reports why sessionID's view was last cleared.
func (v *Viewer) EndReason(sessionID string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r, ok := v.ended[sessionID]
	return r, ok
}

// Live lists sessions that currently have a frame, sorted.
func (v *Viewer) Live() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.latest))
	for id := range v.latest {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
