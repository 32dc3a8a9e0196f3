package hub

import (
	"log/slog"
	"sync"

	"proctorhub/internal/metrics"
	"proctorhub/pkg/types"
)

// observer owns one ordered queue and the goroutine that drains it, so a
// slow observer only ever delays itself. Once the queue holds limit
// entries further video frames are dropped; every other event is kept.
type observer struct {
	fn     ObserverFunc
	limit  int
	logger *slog.Logger

	mu     sync.Mutex
	queue  []*types.Envelope
	closed bool
	wake   chan struct{}
}

func newObserver(fn ObserverFunc, limit int, logger *slog.Logger) *observer {
	return &observer{fn: fn, limit: limit, logger: logger, wake: make(chan struct{}, 1)}
}

// push queues env and reports whether it was kept.
func (o *observer) push(env *types.Envelope) bool {
	o.mu.Lock()
	if o.closed || (env.Type == types.EventVideoFrame && len(o.queue) >= o.limit) {
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, env)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops accepting envelopes; run drains what is already queued.
func (o *observer) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *observer) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		closed := o.closed
		o.mu.Unlock()

		for _, env := range batch {
			o.call(env)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-o.wake
	}
}

func (o *observer) call(env *types.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("observer panicked", "type", env.Type, "panic", r)
		}
	}()
	o.fn(env)
}

func (h *Hub) tap(env *types.Envelope) {
	h.mu.RLock()
	targets := h.observers[env.Type]
	h.mu.RUnlock()

	for _, o := range targets {
		if !o.push(env) {
			h.dropped.Add(1)
			metrics.HubDroppedTotal.WithLabelValues("tap_full").Inc()
			h.logger.Debug("observer queue full, dropping frame", "type", env.Type, "room", env.Room)
		}
	}
}

// stopObservers closes every observer queue and waits for them to drain.
func (h *Hub) stopObservers() {
	h.mu.RLock()
	all := h.allObservers
	h.mu.RUnlock()
	for _, o := range all {
		o.close()
	}
	h.observerWG.Wait()
}
