package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/chatsync/store"
	"github.com/c360/chatsync/transport"
)

// ChannelWatchUpdater restores channel subscriptions after a connection is
// (re)established. The backend scopes watch subscriptions to one streaming
// connection, so every new connection id starts with no watches; this
// worker re-issues them from the persisted watched set and folds the
// returned snapshots back into the store.
type ChannelWatchUpdater struct {
	store  store.Store
	api    WatchAPI
	logger *slog.Logger

	trigger  chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewChannelWatchUpdater builds the watch-restore worker.
func NewChannelWatchUpdater(s store.Store, api WatchAPI, logger *slog.Logger) *ChannelWatchUpdater {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelWatchUpdater{
		store:   s,
		api:     api,
		logger:  logger.With("worker", "channel_watch_updater"),
		trigger: make(chan struct{}, 1),
	}
}

// Name identifies the worker in logs.
func (w *ChannelWatchUpdater) Name() string { return "channel_watch_updater" }

// Initialize is a no-op.
func (w *ChannelWatchUpdater) Initialize() error { return nil }

// Start launches the restore loop. Connected notifies it.
func (w *ChannelWatchUpdater) Start(ctx context.Context) error {
	w.shutdown = make(chan struct{})
	w.wg.Add(1)
	go w.loop(ctx, w.shutdown)
	return nil
}

// Stop waits for the restore loop to exit.
func (w *ChannelWatchUpdater) Stop(_ time.Duration) error {
	if w.shutdown == nil {
		return nil
	}
	close(w.shutdown)
	w.shutdown = nil
	w.wg.Wait()
	return nil
}

// Connected signals that a new connection is established. Coalesces when a
// restore is already queued.
func (w *ChannelWatchUpdater) Connected() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// loop takes the shutdown channel as an argument so Stop can clear the
// struct field without racing the select.
func (w *ChannelWatchUpdater) loop(ctx context.Context, shutdown <-chan struct{}) {
	defer w.wg.Done()

	for {
		select {
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		case <-w.trigger:
			w.restore(ctx)
		}
	}
}

func (w *ChannelWatchUpdater) restore(ctx context.Context) {
	watched, err := w.store.WatchedChannels(ctx)
	if err != nil {
		w.logger.Warn("failed to read watched set", "error", err)
		return
	}

	for _, channelID := range watched {
		state, err := w.api.WatchChannel(ctx, channelID)
		if err != nil {
			w.logger.Warn("failed to restore watch", "channel_id", channelID, "error", err)
			continue
		}
		PersistChannelState(ctx, w.store, state, w.logger)
		w.logger.Debug("watch restored", "channel_id", channelID)
	}
}

// PersistChannelState folds a watch response into the store so local state
// catches up with whatever changed while unwatched.
func PersistChannelState(ctx context.Context, s store.Store, state *transport.ChannelState, logger *slog.Logger) {
	if state == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if state.Channel != nil {
		if err := s.UpsertChannel(ctx, state.Channel); err != nil {
			logger.Warn("failed to persist channel snapshot", "error", err)
		}
	}
	for _, msg := range state.Messages {
		if err := s.UpsertMessage(ctx, msg); err != nil {
			logger.Warn("failed to persist message snapshot", "message_id", msg.ID, "error", err)
		}
	}
	for _, member := range state.Members {
		if err := s.UpsertMember(ctx, member); err != nil {
			logger.Warn("failed to persist member snapshot", "error", err)
		}
	}
}
