package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"proctorhub/pkg/types"
)

// RateLimiter keeps two token buckets per user: one for video frames and
// one for everything else, so a streaming candidate cannot starve its own
// control traffic.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientLimit
	control  rate.Limit
	burst    int
	frames   rate.Limit
	frameCap int
}

type clientLimit struct {
	control  *rate.Limiter
	frames   *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(perSecond float64, burst int, framesPerSecond float64, frameBurst int) *RateLimiter {
	return &RateLimiter{
		clients:  make(map[string]*clientLimit),
		control:  rate.Limit(perSecond),
		burst:    burst,
		frames:   rate.Limit(framesPerSecond),
		frameCap: frameBurst,
	}
}

// Allow consumes one token for userID's event.
func (rl *RateLimiter) Allow(userID string, event types.EventType) bool {
	rl.mu.Lock()
	limit, ok := rl.clients[userID]
	if !ok {
		limit = &clientLimit{
			control: rate.NewLimiter(rl.control, rl.burst),
			frames:  rate.NewLimiter(rl.frames, rl.frameCap),
		}
		rl.clients[userID] = limit
	}
	limit.lastSeen = time.Now()
	rl.mu.Unlock()

	if event == types.EventVideoFrame {
		return limit.frames.Allow()
	}
	return limit.control.Allow()
}

// Forget drops a user's buckets when their connection ends.
func (rl *RateLimiter) Forget(userID string) {
	rl.mu.Lock()
	delete(rl.clients, userID)
	rl.mu.Unlock()
}

// Cleanup removes buckets idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for userID, limit := range rl.clients {
		if now.Sub(limit.lastSeen) > maxIdle {
			delete(rl.clients, userID)
		}
	}
}

// Tracked returns how many users currently have buckets.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
