package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_Success(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    false, // Disable for predictable tests
	}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    false,
	}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("persistent error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	ctx := context.Background()

	attempts := 0
	fatal := errors.New("auth rejected")
	err := Do(ctx, DefaultConfig(), func() error {
		attempts++
		return NonRetryable(fatal)
	})

	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
	assert.True(t, errors.Is(err, fatal))
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		AddJitter:    false,
	}

	attempts := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5)
}

func TestRetry_InvalidDelayOrdering(t *testing.T) {
	err := Do(context.Background(), Config{
		MaxAttempts:  2,
		InitialDelay: time.Second,
		MaxDelay:     time.Millisecond,
	}, func() error { return nil })

	assert.Error(t, err)
}

func TestDoWithResult(t *testing.T) {
	attempts := 0
	result, err := DoWithResult(context.Background(), Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	}, func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("not yet")
		}
		return "done", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, 2, attempts)
}

func TestBackoffPolicy_GrowsAndCaps(t *testing.T) {
	p := &BackoffPolicy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     400 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  0,
	}

	// Jitter adds at most 25%, so check lower bounds per attempt and the cap.
	d1, ok := p.NextDelay()
	require.True(t, ok)
	assert.GreaterOrEqual(t, d1, 100*time.Millisecond)
	assert.Less(t, d1, 200*time.Millisecond)

	d2, ok := p.NextDelay()
	require.True(t, ok)
	assert.GreaterOrEqual(t, d2, 200*time.Millisecond)

	for i := 0; i < 10; i++ {
		d, ok := p.NextDelay()
		require.True(t, ok)
		assert.LessOrEqual(t, d, 500*time.Millisecond) // 400ms cap + 25% jitter
	}
}

func TestBackoffPolicy_GivesUpAfterMaxAttempts(t *testing.T) {
	p := &BackoffPolicy{
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  2,
	}

	_, ok := p.NextDelay()
	assert.True(t, ok)
	_, ok = p.NextDelay()
	assert.True(t, ok)
	_, ok = p.NextDelay()
	assert.False(t, ok)

	// Reset restores the attempt budget
	p.Reset()
	_, ok = p.NextDelay()
	assert.True(t, ok)
	assert.Equal(t, 1, p.Attempts())
}
