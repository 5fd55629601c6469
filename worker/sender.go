package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/chatsync/errors"
	"github.com/c360/chatsync/metric"
	"github.com/c360/chatsync/pkg/worker"
	"github.com/c360/chatsync/store"
	"github.com/c360/chatsync/transport"
	"github.com/c360/chatsync/types"
)

// senderSweepInterval is the fallback drain cadence for items whose change
// notification was missed (dropped by a full subscriber buffer).
const senderSweepInterval = 30 * time.Second

// MessageSender drains the pending-send queue. Each queued item moves
// pending -> in_flight -> sent, with the canonical server message upserted
// before the item is marked sent; a rejected send marks the item failed
// with its cause. Channels drain concurrently, items within one channel in
// order.
type MessageSender struct {
	store   store.Store
	api     MessageAPI
	logger  *slog.Logger
	metrics *metric.Registry

	pool *worker.Pool[string]

	// draining guards per-channel drains so one channel never has two
	// concurrent drain tasks reordering its sends.
	drainMu  sync.Mutex
	draining map[string]bool

	changes  <-chan store.Change
	unsub    func()
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewMessageSender builds the sender worker.
func NewMessageSender(s store.Store, api MessageAPI, logger *slog.Logger, metrics *metric.Registry) *MessageSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageSender{
		store:    s,
		api:      api,
		logger:   logger.With("worker", "message_sender"),
		metrics:  metrics,
		draining: make(map[string]bool),
	}
}

// Name identifies the worker in logs.
func (w *MessageSender) Name() string { return "message_sender" }

// Initialize builds the drain pool.
func (w *MessageSender) Initialize() error {
	var opts []worker.Option[string]
	if w.metrics != nil {
		opts = append(opts, worker.WithMetrics[string](w.metrics, "message_sender"))
	}

	pool, err := worker.NewPool(4, 64, w.drainChannel, opts...)
	if err != nil {
		return err
	}
	w.pool = pool
	return nil
}

// Start launches the pool, requeues items stranded in flight by a previous
// run, drains whatever is already queued, and then reacts to queue inserts.
func (w *MessageSender) Start(ctx context.Context) error {
	if w.pool == nil {
		return errors.WrapFatal(errors.ErrNotStarted, "MessageSender", "Start", "initialize first")
	}
	if err := w.pool.Start(ctx); err != nil {
		return err
	}

	w.shutdown = make(chan struct{})
	w.changes, w.unsub = w.store.Subscribe(64)

	if err := w.requeueStranded(ctx); err != nil {
		w.logger.Warn("failed to requeue stranded items", "error", err)
	}
	w.drainAll(ctx)

	w.wg.Add(1)
	go w.watch(ctx, w.shutdown, w.changes)
	return nil
}

// Stop unsubscribes and drains the pool.
func (w *MessageSender) Stop(timeout time.Duration) error {
	if w.shutdown == nil {
		// Initialized but never started: release the pool's collectors so
		// a later Initialize can register them again.
		if w.pool != nil && w.metrics != nil {
			w.metrics.UnregisterComponent("message_sender")
		}
		w.pool = nil
		return nil
	}
	close(w.shutdown)
	w.shutdown = nil
	if w.unsub != nil {
		w.unsub()
		w.unsub = nil
	}
	w.wg.Wait()

	err := w.pool.Stop(timeout)
	if w.metrics != nil {
		w.metrics.UnregisterComponent("message_sender")
	}
	w.pool = nil
	return err
}

// requeueStranded resets in-flight items from a previous run back to
// pending. LocalID keeps the resend idempotent server-side.
func (w *MessageSender) requeueStranded(ctx context.Context) error {
	stranded, err := w.store.PendingByStatus(ctx, types.PendingKindSend, types.PendingStatusInFlight)
	if err != nil {
		return err
	}
	for _, item := range stranded {
		w.logger.Info("requeueing stranded send", "local_id", item.LocalID)
		if err := w.store.RequeuePending(ctx, item.LocalID); err != nil {
			return err
		}
	}
	return nil
}

// watch takes the shutdown and change channels as arguments so Stop can
// clear the struct fields without racing the loop.
func (w *MessageSender) watch(ctx context.Context, shutdown <-chan struct{}, changes <-chan store.Change) {
	defer w.wg.Done()

	ticker := time.NewTicker(senderSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainAll(ctx)
		case change, ok := <-changes:
			if !ok {
				return
			}
			if change.Entity != "pending" || change.Kind == store.ChangeDelete {
				continue
			}
			item, err := w.store.GetPending(ctx, change.ID)
			if err != nil || item.Kind != types.PendingKindSend {
				continue
			}
			// Updates cover requeues; only queued items need a drain.
			if item.Status != types.PendingStatusPending {
				continue
			}
			w.submitDrain(item.ChannelID)
		}
	}
}

// drainAll submits a drain task for every channel with queued sends.
func (w *MessageSender) drainAll(ctx context.Context) {
	queued, err := w.store.PendingByStatus(ctx, types.PendingKindSend, types.PendingStatusPending)
	if err != nil {
		w.logger.Warn("failed to list pending sends", "error", err)
		return
	}

	channels := make(map[string]bool)
	for _, item := range queued {
		channels[item.ChannelID] = true
	}
	for channelID := range channels {
		w.submitDrain(channelID)
	}
}

func (w *MessageSender) submitDrain(channelID string) {
	if err := w.pool.Submit(channelID); err != nil {
		w.logger.Warn("drain task dropped", "channel_id", channelID, "error", err)
	}
}

// drainChannel sends a channel's queued items oldest first. Runs on the
// pool; the draining set keeps one drain per channel at a time.
func (w *MessageSender) drainChannel(ctx context.Context, channelID string) error {
	w.drainMu.Lock()
	if w.draining[channelID] {
		w.drainMu.Unlock()
		return nil
	}
	w.draining[channelID] = true
	w.drainMu.Unlock()

	defer func() {
		w.drainMu.Lock()
		delete(w.draining, channelID)
		w.drainMu.Unlock()
	}()

	for {
		queued, err := w.store.PendingByStatus(ctx, types.PendingKindSend, types.PendingStatusPending)
		if err != nil {
			return err
		}

		var next *types.PendingMessage
		for _, item := range queued {
			if item.ChannelID == channelID {
				next = item
				break
			}
		}
		if next == nil {
			return nil
		}
		if err := w.sendOne(ctx, next); err != nil {
			return err
		}
	}
}

func (w *MessageSender) sendOne(ctx context.Context, item *types.PendingMessage) error {
	if err := w.store.MarkPendingInFlight(ctx, item.LocalID); err != nil {
		return err
	}

	msg, err := w.api.SendMessage(ctx, item.ChannelID, transport.SendMessageRequest{
		LocalID: item.LocalID,
		Text:    item.Text,
	})
	if err != nil {
		w.logger.Warn("send rejected", "local_id", item.LocalID, "error", err)
		return w.store.MarkPendingFailed(ctx, item.LocalID, err)
	}

	// The canonical record lands before the item is marked sent, so an
	// interruption between the two resends (idempotently) rather than
	// losing the message.
	if err := w.store.UpsertMessage(ctx, msg); err != nil {
		return err
	}
	if err := w.store.MarkPendingSent(ctx, item.LocalID, msg.ID); err != nil {
		return err
	}

	w.logger.Debug("message sent", "local_id", item.LocalID, "server_id", msg.ID)
	return nil
}
