// Package pipeline processes decoded streaming events through an ordered
// middleware chain before they reach subscribers. Persistence runs first so
// every later stage observes already-committed state; a failing middleware
// drops that one event and never tears down the connection.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/chatsync/event"
	"github.com/c360/chatsync/metric"
	"github.com/c360/chatsync/store"
)

// Middleware is one processing stage. Returning a nil event stops the chain
// and drops the event; returning an error drops the event and is logged by
// the pipeline.
type Middleware interface {
	Name() string
	Handle(ctx context.Context, ev *event.Event) (*event.Event, error)
}

// Pipeline runs events through its middleware chain in registration order.
// Events arrive from more than one producer (the connection read loop,
// missed-event replay, synthetic typing stops); dispatchMu serializes them
// into a single application sequence so the read-modify-write stages never
// interleave on the same record.
type Pipeline struct {
	middlewares []Middleware
	logger      *slog.Logger

	dispatchMu sync.Mutex

	processed prometheus.Counter
	dropped   prometheus.Counter
}

// New builds a pipeline over the given middlewares, in order.
func New(logger *slog.Logger, metrics *metric.Registry, middlewares ...Middleware) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		middlewares: middlewares,
		logger:      logger.With("component", "pipeline"),
	}

	if metrics != nil {
		p.processed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_pipeline_events_processed_total",
			Help: "Events that completed the middleware chain",
		})
		if err := metrics.RegisterCounter("pipeline", "events_processed_total", p.processed); err != nil {
			return nil, err
		}
		p.dropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_pipeline_events_dropped_total",
			Help: "Events dropped by a middleware",
		})
		if err := metrics.RegisterCounter("pipeline", "events_dropped_total", p.dropped); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// NewStandard assembles the production chain: persistence first so every
// later stage reads committed state, typing cleanup before the typing-state
// stage so synthetic stops clear flags through the same path, read updates
// last. The returned cleanup stage must be closed on session teardown.
func NewStandard(
	s store.Store,
	typingTimeout time.Duration,
	emit func(*event.Event),
	logger *slog.Logger,
	metrics *metric.Registry,
) (*Pipeline, *TypingStartCleanup, error) {
	cleanup := NewTypingStartCleanup(typingTimeout, emit, logger)
	p, err := New(logger, metrics,
		NewEntityPersistence(s, logger),
		cleanup,
		NewMemberTypingState(s, logger),
		NewChannelReadUpdater(s, logger),
	)
	if err != nil {
		cleanup.Close()
		return nil, nil, err
	}
	return p, cleanup, nil
}

// Process runs one event through the chain and returns the event that
// survived, or nil when a middleware dropped it. Middleware errors are
// contained: logged, counted, never propagated to the connection. Safe for
// concurrent use; calls are applied one at a time in lock-acquisition order.
func (p *Pipeline) Process(ctx context.Context, ev *event.Event) *event.Event {
	if ev == nil {
		return nil
	}

	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()

	current := ev
	for _, mw := range p.middlewares {
		next, err := mw.Handle(ctx, current)
		if err != nil {
			p.logger.Warn("middleware dropped event",
				"middleware", mw.Name(),
				"event_type", string(current.Type),
				"error", err)
			if p.dropped != nil {
				p.dropped.Inc()
			}
			return nil
		}
		if next == nil {
			p.logger.Debug("middleware filtered event",
				"middleware", mw.Name(),
				"event_type", string(current.Type))
			if p.dropped != nil {
				p.dropped.Inc()
			}
			return nil
		}
		current = next
	}

	if p.processed != nil {
		p.processed.Inc()
	}
	return current
}
