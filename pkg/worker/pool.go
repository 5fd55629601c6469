// Package worker provides a small generic worker pool used to run
// independent drain tasks concurrently while each task stays sequential.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/chatsync/errors"
	"github.com/c360/chatsync/metric"
)

// Pool processes items of type T on a fixed set of goroutines. Submit is
// non-blocking: when the queue is full the item is dropped and the caller
// told, so producers degrade instead of stalling.
type Pool[T any] struct {
	workers   int
	processor func(context.Context, T) error
	workChan  chan T

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	queueDepth      prometheus.Gauge
	processedMetric prometheus.Counter
	failedMetric    prometheus.Counter
	droppedMetric   prometheus.Counter
}

// Option configures a Pool.
type Option[T any] func(*Pool[T]) error

// WithMetrics registers pool gauges and counters under the given component
// name.
func WithMetrics[T any](registry *metric.Registry, component string) Option[T] {
	return func(p *Pool[T]) error {
		p.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_" + component + "_queue_depth",
			Help: "Items waiting in the worker pool queue",
		})
		if err := registry.RegisterGauge(component, "queue_depth", p.queueDepth); err != nil {
			return err
		}
		p.processedMetric = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_" + component + "_processed_total",
			Help: "Items processed by the worker pool",
		})
		if err := registry.RegisterCounter(component, "processed_total", p.processedMetric); err != nil {
			return err
		}
		p.failedMetric = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_" + component + "_failed_total",
			Help: "Items whose processing returned an error",
		})
		if err := registry.RegisterCounter(component, "failed_total", p.failedMetric); err != nil {
			return err
		}
		p.droppedMetric = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_" + component + "_dropped_total",
			Help: "Items dropped because the queue was full",
		})
		return registry.RegisterCounter(component, "dropped_total", p.droppedMetric)
	}
}

// NewPool creates a pool of the given size. processor runs once per item.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if processor == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Pool", "NewPool", "nil processor")
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &Pool[T]{
		workers:   workers,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Start launches the workers.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Pool", "Start", "start workers")
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return nil
}

// Submit enqueues an item without blocking. Returns an error when the pool
// is not running or the queue is full.
func (p *Pool[T]) Submit(item T) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return errors.WrapFatal(errors.ErrNotStarted, "Pool", "Submit", "enqueue item")
	}
	if p.stopped {
		p.mu.Unlock()
		return errors.Wrap(errors.ErrShuttingDown, "Pool", "Submit", "enqueue item")
	}
	p.mu.Unlock()

	select {
	case p.workChan <- item:
		p.submitted.Add(1)
		if p.queueDepth != nil {
			p.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.droppedMetric != nil {
			p.droppedMetric.Inc()
		}
		return errors.WrapTransient(errors.ErrQueueFull, "Pool", "Submit", "enqueue item")
	}
}

// Stop closes the queue and waits up to timeout for in-flight items.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Pool", "Stop", "drain workers")
	}
}

// Stats reports lifetime counts: submitted, processed, failed, dropped.
func (p *Pool[T]) Stats() (submitted, processed, failed, dropped int64) {
	return p.submitted.Load(), p.processed.Load(), p.failed.Load(), p.dropped.Load()
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for item := range p.workChan {
		if ctx.Err() != nil {
			return
		}
		if err := p.processor(ctx, item); err != nil {
			p.failed.Add(1)
			if p.failedMetric != nil {
				p.failedMetric.Inc()
			}
			continue
		}
		p.processed.Add(1)
		if p.processedMetric != nil {
			p.processedMetric.Inc()
		}
		if p.queueDepth != nil {
			p.queueDepth.Set(float64(len(p.workChan)))
		}
	}
}
