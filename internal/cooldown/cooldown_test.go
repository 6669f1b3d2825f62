package cooldown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_InitiallyCanProceed(t *testing.T) {
	l := New(50 * time.Millisecond)
	require.True(t, l.CanProceed())
}

func TestLimiter_BlocksUntilIntervalElapses(t *testing.T) {
	l := New(50 * time.Millisecond)
	l.Mark()

	require.False(t, l.CanProceed())

	time.Sleep(60 * time.Millisecond)
	require.True(t, l.CanProceed())
}

func TestLimiter_Reset(t *testing.T) {
	l := New(time.Hour)
	l.Mark()
	require.False(t, l.CanProceed())

	l.Reset()
	require.True(t, l.CanProceed())
}

func TestLimiter_DefaultIntervalUsedWhenNonPositive(t *testing.T) {
	l := New(0)
	require.Equal(t, DefaultInterval, l.minInterval)
}
