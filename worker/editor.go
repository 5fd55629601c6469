package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/chatsync/store"
	"github.com/c360/chatsync/transport"
	"github.com/c360/chatsync/types"
)

// MessageEditor drains the pending-edit queue. Edits for one message must
// land in submission order, so the editor is a single sequential drain
// rather than a pool.
type MessageEditor struct {
	store  store.Store
	api    MessageAPI
	logger *slog.Logger

	changes  <-chan store.Change
	unsub    func()
	kick     chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewMessageEditor builds the editor worker.
func NewMessageEditor(s store.Store, api MessageAPI, logger *slog.Logger) *MessageEditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageEditor{
		store:  s,
		api:    api,
		logger: logger.With("worker", "message_editor"),
		kick:   make(chan struct{}, 1),
	}
}

// Name identifies the worker in logs.
func (w *MessageEditor) Name() string { return "message_editor" }

// Initialize is a no-op; the editor needs no resources beyond its deps.
func (w *MessageEditor) Initialize() error { return nil }

// Start requeues stranded edits and begins reacting to queue inserts.
func (w *MessageEditor) Start(ctx context.Context) error {
	w.shutdown = make(chan struct{})
	w.changes, w.unsub = w.store.Subscribe(64)

	stranded, err := w.store.PendingByStatus(ctx, types.PendingKindEdit, types.PendingStatusInFlight)
	if err == nil {
		for _, item := range stranded {
			if requeueErr := w.store.RequeuePending(ctx, item.LocalID); requeueErr != nil {
				w.logger.Warn("failed to requeue stranded edit", "local_id", item.LocalID, "error", requeueErr)
			}
		}
	}

	w.wg.Add(1)
	go w.loop(ctx, w.shutdown, w.changes)
	w.nudge()
	return nil
}

// Stop unsubscribes and waits for the drain loop.
func (w *MessageEditor) Stop(_ time.Duration) error {
	if w.shutdown == nil {
		return nil
	}
	close(w.shutdown)
	w.shutdown = nil
	if w.unsub != nil {
		w.unsub()
		w.unsub = nil
	}
	w.wg.Wait()
	return nil
}

func (w *MessageEditor) nudge() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// loop takes the shutdown and change channels as arguments so Stop can
// clear the struct fields without racing the select.
func (w *MessageEditor) loop(ctx context.Context, shutdown <-chan struct{}, changes <-chan store.Change) {
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
			w.drain(ctx)
		case <-w.kick:
			w.drain(ctx)
		case change, ok := <-changes:
			if !ok {
				return
			}
			if change.Entity == "pending" && change.Kind != store.ChangeDelete {
				w.drain(ctx)
			}
		}
	}
}

func (w *MessageEditor) drain(ctx context.Context) {
	for {
		queued, err := w.store.PendingByStatus(ctx, types.PendingKindEdit, types.PendingStatusPending)
		if err != nil {
			w.logger.Warn("failed to list pending edits", "error", err)
			return
		}
		if len(queued) == 0 {
			return
		}
		if err := w.editOne(ctx, queued[0]); err != nil {
			w.logger.Warn("edit drain interrupted", "error", err)
			return
		}
	}
}

func (w *MessageEditor) editOne(ctx context.Context, item *types.PendingMessage) error {
	if err := w.store.MarkPendingInFlight(ctx, item.LocalID); err != nil {
		return err
	}

	msg, err := w.api.UpdateMessage(ctx, item.ServerID, transport.UpdateMessageRequest{
		Text: item.Text,
	})
	if err != nil {
		w.logger.Warn("edit rejected", "local_id", item.LocalID, "message_id", item.ServerID, "error", err)
		return w.store.MarkPendingFailed(ctx, item.LocalID, err)
	}

	if err := w.store.UpsertMessage(ctx, msg); err != nil {
		return err
	}
	return w.store.MarkPendingSent(ctx, item.LocalID, msg.ID)
}
