package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"proctorhub/internal/client"
	"proctorhub/internal/peer"
	"proctorhub/pkg/types"
)

type MeetingOptions struct {
	ServerURL         string
	MeetingID         string
	UserID            string
	Role              types.Role
	ICEServers        []string
	MaxRenegotiations int

	// Factory and Tracks default to pion with one audio and one video track.
	Factory peer.Factory
	Tracks  []peer.LocalTrack

	// OnChat receives chat text from other participants.
	OnChat func(from, text string)
	Logger *slog.Logger
}

// Meeting is one participant in a meeting room.
type Meeting struct {
	hub     *client.Hub
	manager *peer.Manager
	room    string
	logger  *slog.Logger

	closeOnce sync.Once
}

// JoinMeeting dials the hub and joins the meeting room. Members already in
// the room offer to us; we answer.
func JoinMeeting(ctx context.Context, opts MeetingOptions) (*Meeting, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Role == "" {
		opts.Role = types.RoleMentor
	}
	room := types.MeetingRoom(opts.MeetingID)

	tracks := opts.Tracks
	if opts.Factory == nil {
		opts.Factory = peer.NewPionFactory(opts.ICEServers)
		if len(tracks) == 0 {
			var err error
			if tracks, err = defaultTracks(opts.UserID); err != nil {
				return nil, err
			}
		}
	}

	hub, err := client.DialHub(ctx, opts.ServerURL, opts.UserID, opts.Role, client.HubOptions{Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	manager, err := peer.NewManager(opts.Factory, hub, tracks, peer.Options{
		RoomID:            room,
		SelfID:            opts.UserID,
		MaxRenegotiations: opts.MaxRenegotiations,
		Logger:            opts.Logger,
	})
	if err != nil {
		_ = hub.Close()
		return nil, err
	}

	m := &Meeting{
		hub:     hub,
		manager: manager,
		room:    room,
		logger:  opts.Logger.With("component", "meeting", "room", room),
	}
	hub.On(types.EventChat, func(env *types.Envelope) {
		if opts.OnChat == nil || env.Room != room {
			return
		}
		var p types.ChatPayload
		if env.Decode(&p) == nil {
			opts.OnChat(env.From, p.Text)
		}
	})
	hub.OnAny(m.route)

	if err := hub.Join(room); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("join meeting room: %w", err)
	}
	return m, nil
}

func defaultTracks(userID string) ([]peer.LocalTrack, error) {
	var tracks []peer.LocalTrack
	for _, kind := range []string{peer.KindAudio, peer.KindVideo} {
		t, err := peer.NewPionTrack(kind, userID)
		if err != nil {
			return nil, fmt.Errorf("create %s track: %w", kind, err)
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (m *Meeting) route(env *types.Envelope) {
	if err := m.manager.Handle(env); err != nil && !errors.Is(err, peer.ErrUnhandledEvent) {
		m.logger.Debug("negotiation step failed", "type", env.Type, "from", env.From, "error", err)
	}
}

func (m *Meeting) Manager() *peer.Manager { return m.manager }

// Chat sends text to everyone else in the room.
func (m *Meeting) Chat(text string) error {
	env, err := types.NewEnvelope(types.EventChat, m.room, types.ChatPayload{Text: text})
	if err != nil {
		return err
	}
	return m.hub.Publish(env)
}

func (m *Meeting) Done() <-chan struct{} { return m.hub.Done() }

// Close leaves the room, closes every peer connection and hangs up.
func (m *Meeting) Close() error {
	var err error
	m.closeOnce.Do(func() {
		_ = m.hub.Leave(m.room)
		err = m.manager.Close()
		if cerr := m.hub.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
