package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanhq/brightside/internal/clock"
)

func newTestBreaker() (*Breaker, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, time.September, 14, 8, 0, 0, 0, time.UTC))
	b := New("stripe", Config{FailureThreshold: 3, Cooldown: 30 * time.Second, ProbeSuccesses: 2}, clk)
	return b, clk
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker()

	b.Failure()
	b.Failure()
	require.NoError(t, b.Allow())

	b.Failure()
	assert.ErrorIs(t, b.Allow(), ErrOpen)
	assert.Equal(t, Open, b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker()

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.NoError(t, b.Allow())
}

func TestBreakerHalfOpensAfterCooldown(t *testing.T) {
	b, clk := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	require.ErrorIs(t, b.Allow(), ErrOpen)

	clk.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	clk.Advance(time.Second)
	assert.NoError(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreakerClosesAfterProbeSuccesses(t *testing.T) {
	b, clk := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	clk.Advance(30 * time.Second)
	require.NoError(t, b.Allow())

	b.Success()
	assert.Equal(t, HalfOpen, b.State())
	b.Success()
	assert.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	clk.Advance(30 * time.Second)
	require.NoError(t, b.Allow())

	b.Failure()
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	// The reopen restarts the cooldown.
	clk.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrOpen)
	clk.Advance(time.Second)
	assert.NoError(t, b.Allow())
}

func TestBreakerDo(t *testing.T) {
	b, _ := newTestBreaker()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(func() error { return boom }), boom)
	}
	assert.ErrorIs(t, b.Do(func() error { return nil }), ErrOpen)
}
