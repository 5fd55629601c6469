package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/chatsync/errors"
	"github.com/c360/chatsync/ws"
)

func connected(id string) ws.State {
	return ws.State{Status: ws.StatusConnected, ConnectionID: id}
}

func disconnected() ws.State {
	return ws.State{Status: ws.StatusDisconnected, Source: ws.SourceError}
}

func TestConnIDProviderResolvesWaitersInOrder(t *testing.T) {
	p := NewConnIDProvider(nil)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		p.Provide(func(id string, err error) {
			require.NoError(t, err)
			assert.Equal(t, "conn-1", id)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	p.HandleState(connected("conn-1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order, "waiters resolve in registration order")
}

func TestConnIDProviderResolvesExactlyOnce(t *testing.T) {
	p := NewConnIDProvider(nil)

	var calls int
	var mu sync.Mutex
	p.Provide(func(string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	p.HandleState(connected("conn-1"))
	p.HandleState(disconnected())
	p.HandleState(connected("conn-2"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestConnIDProviderSynchronousWhenAvailable(t *testing.T) {
	p := NewConnIDProvider(nil)
	p.HandleState(connected("conn-1"))

	var got string
	p.Provide(func(id string, err error) {
		require.NoError(t, err)
		got = id
	})
	assert.Equal(t, "conn-1", got, "callback runs before Provide returns")

	id, err := p.ConnectionID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "conn-1", id)
}

func TestConnIDProviderCallbackFailsOnDisconnect(t *testing.T) {
	p := NewConnIDProvider(nil)

	var gotErr error
	p.Provide(func(_ string, err error) { gotErr = err })

	p.HandleState(disconnected())

	require.Error(t, gotErr)
	assert.ErrorIs(t, gotErr, errors.ErrConnectionIDMissing)
}

func TestConnIDProviderBlockingWaiterSurvivesDrop(t *testing.T) {
	p := NewConnIDProvider(nil)

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := p.ConnectionID(context.Background())
		done <- result{id, err}
	}()

	// Give the goroutine time to queue, then drop the connection. The
	// blocking waiter keeps waiting for the next connected transition.
	time.Sleep(50 * time.Millisecond)
	p.HandleState(disconnected())

	select {
	case r := <-done:
		t.Fatalf("waiter resolved on disconnect: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}

	p.HandleState(connected("conn-2"))
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "conn-2", r.id)
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}
}

func TestConnIDProviderWaitBoundedByContext(t *testing.T) {
	p := NewConnIDProvider(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.ConnectionID(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnIDProviderTeardownFailsFast(t *testing.T) {
	p := NewConnIDProvider(nil)

	var gotErr error
	p.Provide(func(_ string, err error) { gotErr = err })

	done := make(chan error, 1)
	go func() {
		_, err := p.ConnectionID(context.Background())
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	p.Teardown()

	require.Error(t, gotErr)
	assert.ErrorIs(t, gotErr, errors.ErrSessionClosed)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errors.ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("blocking waiter not failed on teardown")
	}

	// The provider stays usable for the next session.
	p.HandleState(connected("conn-3"))
	id, err := p.ConnectionID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "conn-3", id)
}
