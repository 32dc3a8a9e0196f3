package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(threshold, cooldown)
	b.now = clock.now
	return b, clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.Failure("violations")
		assert.True(t, b.Allow("violations"))
	}
	b.Failure("violations")
	assert.Equal(t, BreakerOpen, b.State("violations"))
	assert.False(t, b.Allow("violations"))
	assert.True(t, b.Allow("decision"), "circuits are per endpoint")
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	b.Failure("x")
	b.Success("x")
	b.Failure("x")
	assert.Equal(t, BreakerClosed, b.State("x"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	b.Failure("x")
	assert.False(t, b.Allow("x"))

	clock.advance(time.Minute)
	assert.True(t, b.Allow("x"), "one probe after cooldown")
	assert.Equal(t, BreakerHalfOpen, b.State("x"))
	assert.False(t, b.Allow("x"), "only one probe in flight")

	b.Failure("x")
	assert.Equal(t, BreakerOpen, b.State("x"))
	assert.False(t, b.Allow("x"))

	clock.advance(time.Minute)
	assert.True(t, b.Allow("x"))
	b.Success("x")
	assert.Equal(t, BreakerClosed, b.State("x"))
	assert.True(t, b.Allow("x"))
}

func TestBreaker_AbandonedProbeIsRetried(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second)

	b.Failure("x")
	clock.advance(time.Second)
	assert.True(t, b.Allow("x"))
	assert.False(t, b.Allow("x"))

	clock.advance(time.Second)
	assert.True(t, b.Allow("x"))
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half_open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}
