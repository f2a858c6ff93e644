package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDelayFirstAttemptImmediate(t *testing.T) {
	policy := DefaultPolicy()
	assert.Equal(t, time.Duration(0), policy.NextDelay(0))
}

func TestNextDelayGrowsAndCaps(t *testing.T) {
	policy := Policy{
		InitialDelay: time.Second,
		MaxDelay:     8 * time.Second,
		Multiplier:   2,
	}

	// Without jitter the schedule is exact: 1s, 2s, 4s, 8s, 8s, ...
	assert.Equal(t, time.Second, policy.NextDelay(1))
	assert.Equal(t, 2*time.Second, policy.NextDelay(2))
	assert.Equal(t, 4*time.Second, policy.NextDelay(3))
	assert.Equal(t, 8*time.Second, policy.NextDelay(4))
	assert.Equal(t, 8*time.Second, policy.NextDelay(10))
	assert.Equal(t, 8*time.Second, policy.NextDelay(100))
}

func TestNextDelayJitterBounds(t *testing.T) {
	policy := Policy{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		Jitter:       true,
	}

	for attempt := 1; attempt <= 6; attempt++ {
		base := time.Second * time.Duration(1<<(attempt-1))
		floor := time.Duration(float64(base) * 0.75)
		if floor < policy.InitialDelay {
			// Jitter never drops a delay below the initial delay.
			floor = policy.InitialDelay
		}
		for i := 0; i < 50; i++ {
			delay := policy.NextDelay(attempt)
			assert.GreaterOrEqual(t, delay, floor,
				"attempt %d delay below jitter floor", attempt)
			assert.LessOrEqual(t, delay, time.Duration(float64(base)*1.25),
				"attempt %d delay above jitter ceiling", attempt)
		}
	}
}

func TestWaitHonorsContext(t *testing.T) {
	policy := Policy{
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
		Multiplier:   2,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := policy.Wait(ctx, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitZeroDelayReturnsImmediately(t *testing.T) {
	require.NoError(t, DefaultPolicy().Wait(context.Background(), 0))
}
