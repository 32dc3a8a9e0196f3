// Package agent runs the client side of proctorhub against a remote server:
// a candidate's proctoring engine with its frame stream, and a meeting
// participant's peer connections.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proctorhub/internal/client"
	"proctorhub/internal/proctor"
	"proctorhub/internal/stream"
	"proctorhub/pkg/types"
)

// CandidateOptions configure one proctored attempt. Zero tuning values
// take the engine defaults.
type CandidateOptions struct {
	ServerURL   string
	SessionID   string
	CandidateID string
	ExamID      string

	Threshold       int
	PollInterval    time.Duration
	ApprovalTimeout time.Duration

	// Source enables the frame stream when set.
	Source          stream.FrameSource
	CaptureInterval time.Duration
	MaxFailures     int

	Hooks  proctor.Hooks
	Logger *slog.Logger
}

// Candidate is a running proctored attempt: hub link, REST client,
// engine session and optional broadcaster.
type Candidate struct {
	hub         *client.Hub
	rest        *client.REST
	session     *proctor.Session
	broadcaster *stream.Broadcaster
	logger      *slog.Logger

	closeOnce sync.Once
}

// StartCandidate dials the hub, joins the session room, starts the frame
// stream when a source is given and then the engine.
func StartCandidate(ctx context.Context, opts CandidateOptions) (*Candidate, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "candidate", "session_id", opts.SessionID)

	rest, err := client.NewREST(opts.ServerURL, client.RESTOptions{Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	hub, err := client.DialHub(ctx, opts.ServerURL, opts.CandidateID, types.RoleCandidate, client.HubOptions{Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	// Frames leave in order on one socket, so the join lands before the
	// session's first state.
	if err := hub.Join(types.SessionRoom(opts.SessionID)); err != nil {
		_ = hub.Close()
		return nil, fmt.Errorf("join session room: %w", err)
	}

	// Observation capability is required: a source that cannot be opened
	// fails the attempt before the session exists.
	var b *stream.Broadcaster
	if opts.Source != nil {
		b = stream.NewBroadcaster(hub, opts.Source, stream.Options{
			Interval:    opts.CaptureInterval,
			MaxFailures: opts.MaxFailures,
			Logger:      opts.Logger,
		})
		if err := b.Start(ctx, opts.SessionID); err != nil {
			_ = hub.Close()
			return nil, err
		}
	}

	sc := proctor.NewSessionContext(opts.SessionID, opts.CandidateID, opts.ExamID)
	if opts.Threshold > 0 {
		sc.Threshold = opts.Threshold
	}
	if opts.PollInterval > 0 {
		sc.PollInterval = opts.PollInterval
	}
	if opts.ApprovalTimeout > 0 {
		sc.ApprovalTimeout = opts.ApprovalTimeout
	}
	session, err := proctor.NewSession(ctx, sc, proctor.Deps{
		Publisher: hub,
		Reporter:  rest,
		Decisions: rest,
		Hooks:     opts.Hooks,
		Logger:    opts.Logger,
	})
	if err != nil {
		if b != nil {
			b.Stop("session-failed")
		}
		_ = hub.Close()
		return nil, err
	}

	c := &Candidate{hub: hub, rest: rest, session: session, broadcaster: b, logger: logger}
	if b != nil {
		session.Attach(func() {
			reason := "session-closed"
			if session.State() == types.StateTerminated {
				reason = "terminated"
			}
			b.Stop(reason)
		})
	}

	hub.OnAny(c.route)
	return c, nil
}

// route hands inbound envelopes to the session first. A terminate runs
// the forced submission and then closes the session, whose releaser ends
// the stream.
func (c *Candidate) route(env *types.Envelope) {
	if err := c.session.Handle(env); err != nil && !errors.Is(err, proctor.ErrUnhandledEvent) {
		c.logger.Debug("session ignored envelope", "type", env.Type, "error", err)
	}
	if c.broadcaster != nil {
		if err := c.broadcaster.HandleControl(env); err != nil && !errors.Is(err, stream.ErrUnhandledEvent) {
			c.logger.Debug("stream control rejected", "type", env.Type, "error", err)
		}
	}
}

func (c *Candidate) Session() *proctor.Session { return c.session }

func (c *Candidate) Streaming() bool { return c.broadcaster != nil }

// Done is closed when the hub link drops.
func (c *Candidate) Done() <-chan struct{} { return c.hub.Done() }

// Close ends the session, flushes violation reports and hangs up.
func (c *Candidate) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.session.Close()
		c.session.Wait()
		if c.broadcaster != nil {
			c.broadcaster.Stop("session-closed")
		}
		if cerr := c.hub.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
