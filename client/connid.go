package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/chatsync/errors"
	"github.com/c360/chatsync/ws"
)

// connResult is what a waiter eventually receives: a connection id or the
// reason none will arrive.
type connResult struct {
	id  string
	err error
}

// connWaiter is one queued request for the connection id. failOnDrop
// waiters are resolved with an error on the next disconnected transition
// instead of staying queued for the connection after that.
type connWaiter struct {
	deliver    func(connResult)
	failOnDrop bool
}

// ConnIDProvider hands out the current connection id. The id is single
// writer (the streaming connection, via HandleState) and multi reader.
// Requests made while disconnected queue and are resolved in FIFO order,
// exactly once, when the next connected transition fires. Teardown fails
// every queued waiter immediately.
type ConnIDProvider struct {
	mu      sync.Mutex
	current string
	waiters []connWaiter
	logger  *slog.Logger
}

// NewConnIDProvider builds an empty provider.
func NewConnIDProvider(logger *slog.Logger) *ConnIDProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnIDProvider{logger: logger.With("component", "conn_id_provider")}
}

// ConnectionID returns the current connection id, waiting through
// disconnects for the next connected transition when none is available.
// The wait is bounded by ctx. Satisfies the transport client's provider
// contract.
func (p *ConnIDProvider) ConnectionID(ctx context.Context) (string, error) {
	return p.wait(ctx, false)
}

// Provide invokes cb with the connection id, synchronously when one is
// available. Otherwise cb queues and runs on the next connected
// transition, or with an error on the next disconnected transition:
// callback callers do not wait across connection drops.
func (p *ConnIDProvider) Provide(cb func(id string, err error)) {
	p.mu.Lock()
	if p.current != "" {
		id := p.current
		p.mu.Unlock()
		cb(id, nil)
		return
	}
	p.waiters = append(p.waiters, connWaiter{
		deliver:    func(r connResult) { cb(r.id, r.err) },
		failOnDrop: true,
	})
	p.mu.Unlock()
}

func (p *ConnIDProvider) wait(ctx context.Context, failOnDrop bool) (string, error) {
	p.mu.Lock()
	if p.current != "" {
		id := p.current
		p.mu.Unlock()
		return id, nil
	}

	ch := make(chan connResult, 1)
	p.waiters = append(p.waiters, connWaiter{
		deliver:    func(r connResult) { ch <- r },
		failOnDrop: failOnDrop,
	})
	p.mu.Unlock()

	select {
	case r := <-ch:
		return r.id, r.err
	case <-ctx.Done():
		return "", errors.WrapTransient(ctx.Err(), "ConnIDProvider", "ConnectionID", "wait for connection")
	}
}

// HandleState tracks connection transitions. On connected it records the id
// and resolves every queued waiter in registration order; on disconnected
// it clears the id and fails the waiters that opted out of waiting across
// drops.
func (p *ConnIDProvider) HandleState(st ws.State) {
	switch st.Status {
	case ws.StatusConnected:
		p.mu.Lock()
		p.current = st.ConnectionID
		resolved := p.waiters
		p.waiters = nil
		p.mu.Unlock()

		for _, w := range resolved {
			w.deliver(connResult{id: st.ConnectionID})
		}
	case ws.StatusDisconnected:
		p.mu.Lock()
		p.current = ""
		var kept []connWaiter
		var failed []connWaiter
		for _, w := range p.waiters {
			if w.failOnDrop {
				failed = append(failed, w)
			} else {
				kept = append(kept, w)
			}
		}
		p.waiters = kept
		p.mu.Unlock()

		err := errors.WrapTransient(errors.ErrConnectionIDMissing, "ConnIDProvider", "HandleState", "resolve waiter")
		for _, w := range failed {
			w.deliver(connResult{err: err})
		}
	}
}

// Teardown fails every queued waiter and forgets the current id. The
// provider stays usable for the next session.
func (p *ConnIDProvider) Teardown() {
	p.mu.Lock()
	p.current = ""
	failed := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	if len(failed) > 0 {
		p.logger.Debug("failing queued connection id waiters", "count", len(failed))
	}
	err := errors.Wrap(errors.ErrSessionClosed, "ConnIDProvider", "Teardown", "resolve waiter")
	for _, w := range failed {
		w.deliver(connResult{err: err})
	}
}
