// Package router decides whether an inbound frame may enter the hub:
// authentication, envelope shape, role policy and per-user rate limits.
package router

import (
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// Router gates frames before the hub acts on them.
type Router struct {
	limiter *RateLimiter
}

func NewRouter(limiter *RateLimiter) *Router {
	return &Router{limiter: limiter}
}

// Authorize validates env from conn. Membership is checked by the hub,
// which owns rooms.
func (r *Router) Authorize(conn interfaces.Connection, env *types.Envelope) error {
	if !conn.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	if err := env.Validate(); err != nil {
		return err
	}
	if r.limiter != nil && !r.limiter.Allow(conn.GetUserID(), env.Type) {
		return ErrRateLimitExceeded
	}

	switch env.Type {
	case types.EventJoinRoom:
		return CanJoin(conn.GetUserID(), conn.GetRole(), env.Room)
	case types.EventLeaveRoom:
		return nil
	}
	return CanPublish(conn.GetRole(), env)
}

// Forget releases per-user state after a disconnect.
func (r *Router) Forget(userID string) {
	if r.limiter != nil {
		r.limiter.Forget(userID)
	}
}
