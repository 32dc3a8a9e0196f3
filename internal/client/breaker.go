package client

import (
	"sync"
	"time"

	"proctorhub/internal/metrics"
)

// BreakerState is the state of one endpoint's circuit.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type circuit struct {
	state    BreakerState
	failures int
	since    time.Time
}

// Breaker trips per endpoint after consecutive failures. An open circuit
// lets one probe through after cooldown; the probe's outcome closes or
// reopens it.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a request to endpoint may proceed.
func (b *Breaker) Allow(endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[endpoint]
	if !ok {
		return true
	}
	switch c.state {
	case BreakerOpen:
		if b.now().Sub(c.since) < b.cooldown {
			return false
		}
		b.transition(endpoint, c, BreakerHalfOpen)
		return true
	case BreakerHalfOpen:
		// A probe that never reported back must not wedge the circuit.
		if b.now().Sub(c.since) >= b.cooldown {
			c.since = b.now()
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) Success(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[endpoint]
	if !ok {
		return
	}
	c.failures = 0
	if c.state != BreakerClosed {
		b.transition(endpoint, c, BreakerClosed)
	}
}

func (b *Breaker) Failure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[endpoint]
	if !ok {
		c = &circuit{state: BreakerClosed}
		b.circuits[endpoint] = c
	}
	c.failures++
	switch {
	case c.state == BreakerHalfOpen:
		b.transition(endpoint, c, BreakerOpen)
	case c.state == BreakerClosed && c.failures >= b.threshold:
		b.transition(endpoint, c, BreakerOpen)
	}
}

func (b *Breaker) State(endpoint string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[endpoint]; ok {
		return c.state
	}
	return BreakerClosed
}

// transition requires b.mu.
func (b *Breaker) transition(endpoint string, c *circuit, to BreakerState) {
	from := c.state
	c.state = to
	c.since = b.now()
	metrics.ClientBreakerTransitionsTotal.WithLabelValues(endpoint, from.String(), to.String()).Inc()
}
