// Package stream relays a candidate's camera as periodic still frames
// through the hub. Frames are encoded once and fanned out by the hub, so
// the candidate's cost does not grow with the number of observers.
package stream

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proctorhub/internal/metrics"
	"proctorhub/pkg/types"
)

const (
	DefaultCaptureInterval    = 100 * time.Millisecond
	DefaultMaxCaptureFailures = 50
)

// Publisher sends an envelope over the hub without blocking.
type Publisher interface {
	Publish(env *types.Envelope) error
}

type Options struct {
	Interval    time.Duration
	MaxFailures int
	// Submit runs the candidate's submission path when a mentor terminates.
	Submit func(reason string) error
	OnFlag func(reason string)
	Logger *slog.Logger
}

// Broadcaster owns one capture loop for one session.
type Broadcaster struct {
	pub    Publisher
	source FrameSource
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	sessionID string
	started   bool
	stopped   bool
	endReason string
	cancel    context.CancelFunc
	loopDone  chan struct{}
	ended     chan struct{}
	seq       uint64

	terminateOnce sync.Once
}

func NewBroadcaster(pub Publisher, source FrameSource, opts Options) *Broadcaster {
	if opts.Interval <= 0 {
		opts.Interval = DefaultCaptureInterval
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxCaptureFailures
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Broadcaster{
		pub:    pub,
		source: source,
		opts:   opts,
		logger: opts.Logger.With("component", "stream"),
		ended:  make(chan struct{}),
	}
}

// Start opens the frame source and begins capturing. A source that cannot
// be opened fails with ErrMediaUnavailable and nothing is published.
func (b *Broadcaster) Start(ctx context.Context, sessionID string) error {
	if !types.IsValidID(sessionID) {
		return types.ErrInvalidSessionID
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrAlreadyStarted
	}
	if err := b.source.Open(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.sessionID = sessionID
	b.started = true
	b.cancel = cancel
	b.loopDone = make(chan struct{})
	b.logger = b.logger.With("session_id", sessionID)

	go b.run(loopCtx, b.loopDone)
	b.logger.Info("stream started", "interval", b.opts.Interval)
	return nil
}

func (b *Broadcaster) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.captureOne(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				metrics.FrameCaptureErrorsTotal.Inc()
				b.logger.Debug("frame capture failed", "consecutive", failures, "error", err)
				if failures >= b.opts.MaxFailures {
					b.logger.Error("too many capture failures, stopping stream", "failures", failures)
					go b.Stop("capture-failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (b *Broadcaster) captureOne(ctx context.Context) error {
	raw, err := b.source.Capture(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.seq++
	seq := b.seq
	sessionID := b.sessionID
	b.mu.Unlock()

	now := time.Now().UTC()
	env, err := types.NewEnvelope(types.EventVideoFrame, types.SessionRoom(sessionID), types.VideoFramePayload{
		SessionID: sessionID,
		FrameData: base64.StdEncoding.EncodeToString(raw),
		Timestamp: now,
		Seq:       seq,
	})
	if err != nil {
		return err
	}
	env.Timestamp = now
	if err := b.pub.Publish(env); err != nil {
		// A dropped frame is not a capture failure; the next tick replaces it.
		b.logger.Debug("frame publish failed", "seq", seq, "error", err)
		return nil
	}
	metrics.FramesPublishedTotal.Inc()
	return nil
}

// Stop ends the capture loop, releases the source and emits stream-ended
// exactly once. Later calls are no-ops.
func (b *Broadcaster) Stop(reason string) {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	if b.endReason == "" {
		b.endReason = reason
	}
	reason = b.endReason
	cancel, loopDone, sessionID := b.cancel, b.loopDone, b.sessionID
	b.mu.Unlock()

	cancel()
	<-loopDone
	if err := b.source.Close(); err != nil {
		b.logger.Debug("close frame source", "error", err)
	}

	env, err := types.NewEnvelope(types.EventStreamEnded, types.SessionRoom(sessionID), types.StreamEndedPayload{
		SessionID: sessionID, Reason: reason,
	})
	if err == nil {
		if err := b.pub.Publish(env); err != nil {
			b.logger.Warn("stream-ended not delivered", "error", err)
		}
	}
	b.logger.Info("stream stopped", "reason", reason)
	close(b.ended)
}

// Done is closed after stream-ended has been published.
func (b *Broadcaster) Done() <-chan struct{} {
	return b.ended
}

// Frames returns how many frames have been captured.
func (b *Broadcaster) Frames() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// HandleControl applies a mentor control envelope addressed to this stream.
func (b *Broadcaster) HandleControl(env *types.Envelope) error {
	handler, ok := controlHandlers[env.Type]
	if !ok {
		return ErrUnhandledEvent
	}
	var p types.ControlPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	b.mu.Lock()
	sessionID := b.sessionID
	b.mu.Unlock()
	if p.SessionID != "" && sessionID != "" && p.SessionID != sessionID {
		return nil
	}
	handler(b, p.Reason)
	return nil
}

var controlHandlers = map[types.EventType]func(*Broadcaster, string){
	types.EventFlagSession: func(b *Broadcaster, reason string) {
		b.logger.Warn("session flagged", "reason", reason)
		if b.opts.OnFlag != nil {
			b.opts.OnFlag(reason)
		}
	},
	types.EventTerminateSession: func(b *Broadcaster, reason string) {
		b.terminateOnce.Do(func() {
			b.mu.Lock()
			if b.endReason == "" {
				b.endReason = "terminated"
			}
			b.mu.Unlock()
			if b.opts.Submit != nil {
				if err := b.opts.Submit(reason); err != nil {
					b.logger.Error("forced submission failed", "error", err)
				}
			}
			b.Stop("terminated")
		})
	},
}
