package timeutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealClockSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := RealClock{}.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRealClockSleep(t *testing.T) {
	start := time.Now()
	require.NoError(t, RealClock{}.Sleep(context.Background(), 5*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestMockClockSleepAdvances(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	require.NoError(t, clock.Sleep(context.Background(), 3*time.Second))
	require.NoError(t, clock.Sleep(context.Background(), 500*time.Millisecond))
	clock.Advance(time.Minute)

	assert.Equal(t, start.Add(time.Minute+3500*time.Millisecond), clock.Now())
	assert.Equal(t, []time.Duration{3 * time.Second, 500 * time.Millisecond}, clock.Sleeps())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, clock.Sleep(ctx, time.Second))
	assert.Len(t, clock.Sleeps(), 2)
}

func TestBackoff(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
		50 * time.Millisecond,
	}, got)

	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.Next())
}
