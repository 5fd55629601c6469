package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/chatsync/event"
	"github.com/c360/chatsync/store"
)

// MissedEventSyncer fills the gap after a reconnect: it fetches the events
// that fired between the last-received-event watermark and now for all
// watched channels, and replays them in order through the same pipeline
// live events take, so recovery and live delivery share one code path.
type MissedEventSyncer struct {
	store  store.Store
	api    SyncAPI
	replay func(*event.Event)
	logger *slog.Logger

	// maxGap bounds how stale a watermark may be and still be synced; a
	// staler one is discarded and the watched snapshots repopulate state
	// instead.
	maxGap time.Duration

	trigger  chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewMissedEventSyncer builds the gap-recovery worker. replay feeds an
// event into the processing pipeline and must preserve call order.
func NewMissedEventSyncer(s store.Store, api SyncAPI, replay func(*event.Event), maxGap time.Duration, logger *slog.Logger) *MissedEventSyncer {
	if logger == nil {
		logger = slog.Default()
	}
	if maxGap <= 0 {
		maxGap = 5 * time.Minute
	}
	return &MissedEventSyncer{
		store:   s,
		api:     api,
		replay:  replay,
		logger:  logger.With("worker", "missed_event_syncer"),
		maxGap:  maxGap,
		trigger: make(chan struct{}, 1),
	}
}

// Name identifies the worker in logs.
func (w *MissedEventSyncer) Name() string { return "missed_event_syncer" }

// Initialize is a no-op.
func (w *MissedEventSyncer) Initialize() error { return nil }

// Start launches the sync loop. Connected notifies it.
func (w *MissedEventSyncer) Start(ctx context.Context) error {
	w.shutdown = make(chan struct{})
	w.wg.Add(1)
	go w.loop(ctx, w.shutdown)
	return nil
}

// Stop waits for the sync loop to exit.
func (w *MissedEventSyncer) Stop(_ time.Duration) error {
	if w.shutdown == nil {
		return nil
	}
	close(w.shutdown)
	w.shutdown = nil
	w.wg.Wait()
	return nil
}

// Connected signals that a new connection is established.
func (w *MissedEventSyncer) Connected() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// loop takes the shutdown channel as an argument so Stop can clear the
// struct field without racing the select.
func (w *MissedEventSyncer) loop(ctx context.Context, shutdown <-chan struct{}) {
	defer w.wg.Done()

	for {
		select {
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		case <-w.trigger:
			w.sync(ctx)
		}
	}
}

func (w *MissedEventSyncer) sync(ctx context.Context) {
	since, err := w.store.LastEventAt(ctx)
	if err != nil {
		w.logger.Warn("failed to read event watermark", "error", err)
		return
	}
	if since.IsZero() {
		// First connection of this installation; nothing to recover.
		return
	}
	if gap := time.Since(since); gap > w.maxGap {
		// Too stale to replay event by event; the channel watch snapshots
		// bring state current instead.
		w.logger.Info("event watermark too old, skipping replay", "gap", gap.String())
		return
	}

	watched, err := w.store.WatchedChannels(ctx)
	if err != nil {
		w.logger.Warn("failed to read watched set", "error", err)
		return
	}
	if len(watched) == 0 {
		return
	}

	events, err := w.api.Sync(ctx, watched, since)
	if err != nil {
		w.logger.Warn("missed-event fetch failed", "error", err)
		return
	}

	w.logger.Info("replaying missed events", "count", len(events))
	for _, ev := range events {
		if ev == nil {
			continue
		}
		w.replay(ev)
	}
}
