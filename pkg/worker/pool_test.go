package worker

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/chatsync/errors"
)

func TestPoolProcessesItems(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]bool{}

	p, err := NewPool(2, 16, func(_ context.Context, n int) error {
		mu.Lock()
		seen[n] = true
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(i))
	}
	require.NoError(t, p.Stop(time.Second))

	assert.Len(t, seen, 10)
	submitted, processed, failed, dropped := p.Stats()
	assert.Equal(t, int64(10), submitted)
	assert.Equal(t, int64(10), processed)
	assert.Zero(t, failed)
	assert.Zero(t, dropped)
}

func TestPoolSubmitBeforeStart(t *testing.T) {
	p, err := NewPool(1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, err)

	err = p.Submit(1)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotStarted)
}

func TestPoolQueueFullDrops(t *testing.T) {
	block := make(chan struct{})
	p, err := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer func() {
		close(block)
		_ = p.Stop(time.Second)
	}()

	// First item occupies the worker, second fills the queue; the third
	// must be dropped, not block the producer.
	require.NoError(t, p.Submit(1))
	require.Eventually(t, func() bool {
		return p.Submit(2) == nil
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		err := p.Submit(3)
		return err != nil && stderrors.Is(err, errors.ErrQueueFull)
	}, time.Second, time.Millisecond)
}

func TestPoolCountsFailures(t *testing.T) {
	p, err := NewPool(1, 8, func(_ context.Context, n int) error {
		if n%2 == 0 {
			return stderrors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 6; i++ {
		require.NoError(t, p.Submit(i))
	}
	require.NoError(t, p.Stop(time.Second))

	_, processed, failed, _ := p.Stats()
	assert.Equal(t, int64(3), processed)
	assert.Equal(t, int64(3), failed)
}

func TestPoolDoubleStartAndStop(t *testing.T) {
	p, err := NewPool(1, 1, func(context.Context, int) error { return nil })
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))

	require.NoError(t, p.Stop(time.Second))
	require.NoError(t, p.Stop(time.Second)) // idempotent

	err = p.Submit(1)
	assert.Error(t, err)
}

func TestPoolNilProcessor(t *testing.T) {
	_, err := NewPool[int](1, 1, nil)
	require.Error(t, err)
}
