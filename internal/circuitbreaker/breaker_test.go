package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream 500")

func newTestBreaker(threshold int, openTimeout time.Duration) (*Breaker, *time.Time) {
	b := New(threshold, openTimeout)
	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Record(errUpstream)
	}
	assert.Equal(t, StateClosed, b.State())

	// A success resets the consecutive-failure count.
	require.NoError(t, b.Allow())
	b.Record(nil)
	require.NoError(t, b.Allow())
	b.Record(errUpstream)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.Record(errUpstream)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	require.NoError(t, b.Allow())
	b.Record(errUpstream)
	require.Equal(t, StateOpen, b.State())

	// Before the timeout the breaker still rejects.
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	*clock = clock.Add(2 * time.Minute)
	require.NoError(t, b.Allow(), "one probe passes after the timeout")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen, "concurrent probe rejected")
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	require.NoError(t, b.Allow())
	b.Record(errUpstream)
	*clock = clock.Add(2 * time.Minute)

	require.NoError(t, b.Allow())
	b.Record(nil)
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	require.NoError(t, b.Allow())
	b.Record(errUpstream)
	*clock = clock.Add(2 * time.Minute)

	require.NoError(t, b.Allow())
	b.Record(errUpstream)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}
