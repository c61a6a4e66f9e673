package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPollBackoff_GrowsUntilCap(t *testing.T) {
	t.Parallel()

	b := NewPollBackoff()

	// Each failure doubles the window; the returned delay is half the window
	// plus jitter, so it lands in [window/2, window).
	first := b.Failure()
	require.GreaterOrEqual(t, first, 250*time.Millisecond)
	require.Less(t, first, 500*time.Millisecond)

	second := b.Failure()
	require.GreaterOrEqual(t, second, 500*time.Millisecond)
	require.Less(t, second, time.Second)

	third := b.Failure()
	require.GreaterOrEqual(t, third, time.Second)
	require.Less(t, third, 2*time.Second)
}

func TestPollBackoff_CappedAtMax(t *testing.T) {
	t.Parallel()

	b := NewPollBackoff()
	var last time.Duration
	for i := 0; i < 20; i++ {
		last = b.Failure()
	}
	require.Less(t, last, 30*time.Second)
	require.GreaterOrEqual(t, last, 15*time.Second)
}

func TestPollBackoff_ResetRestartsStreak(t *testing.T) {
	t.Parallel()

	b := NewPollBackoff()
	for i := 0; i < 5; i++ {
		b.Failure()
	}
	b.Reset()

	d := b.Failure()
	require.GreaterOrEqual(t, d, 250*time.Millisecond)
	require.Less(t, d, 500*time.Millisecond)
}
