package synchronizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewViewDurationAppliesDefaultsForNonPositiveInputs(t *testing.T) {
	d := newViewDuration(0, 0, 0)
	require.Equal(t, 100*time.Millisecond, d.Duration())
	require.Equal(t, 100*time.Millisecond, d.initial)
	require.Equal(t, 10000*time.Millisecond, d.max)
	require.Equal(t, 1.5, d.multiplier)
}

func TestViewTimedOutGrowsDurationByMultiplier(t *testing.T) {
	d := newViewDuration(100, 10000, 2.0)
	d.ViewTimedOut()
	require.Equal(t, 200*time.Millisecond, d.Duration())
	d.ViewTimedOut()
	require.Equal(t, 400*time.Millisecond, d.Duration())
}

func TestViewTimedOutClampsAtMax(t *testing.T) {
	d := newViewDuration(100, 150, 2.0)
	d.ViewTimedOut() // would be 200ms, clamped to 150ms
	require.Equal(t, 150*time.Millisecond, d.Duration())
}

func TestViewSucceededResetsToInitialDuration(t *testing.T) {
	d := newViewDuration(100, 10000, 2.0)
	d.ViewTimedOut()
	d.ViewTimedOut()
	require.NotEqual(t, 100*time.Millisecond, d.Duration())

	d.ViewSucceeded()
	require.Equal(t, 100*time.Millisecond, d.Duration())
}
