package worker

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/chatsync/event"
	"github.com/c360/chatsync/store"
	"github.com/c360/chatsync/transport"
	"github.com/c360/chatsync/types"
)

// fakeAPI implements the worker-facing API slices with scriptable behavior.
type fakeAPI struct {
	mu          sync.Mutex
	sent        []transport.SendMessageRequest
	edited      []string
	watched     []string
	syncedSince time.Time
	syncCalls   int
	failSends   int
	syncEvents  []*event.Event

	// watchEntered/watchGate let a test hold WatchChannel mid-call.
	watchEntered chan<- struct{}
	watchGate    <-chan struct{}
}

func (f *fakeAPI) SendMessage(_ context.Context, channelID string, req transport.SendMessageRequest) (*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends > 0 {
		f.failSends--
		return nil, stderrors.New("send rejected")
	}
	f.sent = append(f.sent, req)
	now := time.Now().UTC()
	return &types.Message{
		ID: "srv-" + req.LocalID, ChannelID: channelID, UserID: "u1",
		Text: req.Text, CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (f *fakeAPI) UpdateMessage(_ context.Context, messageID string, req transport.UpdateMessageRequest) (*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, messageID)
	now := time.Now().UTC()
	return &types.Message{
		ID: messageID, ChannelID: "ch1", UserID: "u1",
		Text: req.Text, CreatedAt: now.Add(-time.Hour), UpdatedAt: now,
	}, nil
}

func (f *fakeAPI) WatchChannel(_ context.Context, channelID string) (*transport.ChannelState, error) {
	if f.watchEntered != nil {
		f.watchEntered <- struct{}{}
	}
	if f.watchGate != nil {
		<-f.watchGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, channelID)
	now := time.Now().UTC()
	return &transport.ChannelState{
		Channel: &types.Channel{ID: channelID, Name: "restored-" + channelID, CreatedAt: now, UpdatedAt: now},
		Messages: []*types.Message{
			{ID: "snap-" + channelID, ChannelID: channelID, UserID: "u1", Text: "snapshot", CreatedAt: now, UpdatedAt: now},
		},
	}, nil
}

func (f *fakeAPI) Sync(_ context.Context, channelIDs []string, since time.Time) ([]*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls++
	f.syncedSince = since
	return f.syncEvents, nil
}

func (f *fakeAPI) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func enqueueSend(t *testing.T, s store.Store, localID, channelID, text string) {
	t.Helper()
	require.NoError(t, s.EnqueuePending(context.Background(), &types.PendingMessage{
		LocalID: localID, Kind: types.PendingKindSend,
		ChannelID: channelID, UserID: "u1", Text: text,
	}))
}

func TestMessageSenderDrainsQueue(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	defer func() { _ = s.Close() }()
	api := &fakeAPI{}

	w := NewMessageSender(s, api, nil, nil)
	require.NoError(t, w.Initialize())
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(time.Second) }()

	enqueueSend(t, s, "l1", "ch1", "hello")

	require.Eventually(t, func() bool {
		item, err := s.GetPending(ctx, "l1")
		return err == nil && item.Status == types.PendingStatusSent
	}, 3*time.Second, 10*time.Millisecond)

	item, err := s.GetPending(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, "srv-l1", item.ServerID)

	// The canonical server message landed in the store.
	msg, err := s.GetMessage(ctx, "srv-l1")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Text)
}

func TestMessageSenderOfflineQueueDrainsAtStart(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	defer func() { _ = s.Close() }()
	api := &fakeAPI{}

	// Messages queued before the worker runs (typed while offline).
	enqueueSend(t, s, "l1", "ch1", "first")
	enqueueSend(t, s, "l2", "ch1", "second")

	w := NewMessageSender(s, api, nil, nil)
	require.NoError(t, w.Initialize())
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(time.Second) }()

	require.Eventually(t, func() bool {
		return api.sentCount() == 2
	}, 3*time.Second, 10*time.Millisecond)

	// Submission order preserved within the channel.
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, "l1", api.sent[0].LocalID)
	assert.Equal(t, "l2", api.sent[1].LocalID)
}

func TestMessageSenderMarksFailed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	defer func() { _ = s.Close() }()
	api := &fakeAPI{failSends: 1}

	w := NewMessageSender(s, api, nil, nil)
	require.NoError(t, w.Initialize())
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(time.Second) }()

	enqueueSend(t, s, "l1", "ch1", "doomed")

	require.Eventually(t, func() bool {
		item, err := s.GetPending(ctx, "l1")
		return err == nil && item.Status == types.PendingStatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	item, err := s.GetPending(ctx, "l1")
	require.NoError(t, err)
	assert.Contains(t, item.FailedErr, "send rejected")

	// A requeue retries through the normal path and succeeds.
	require.NoError(t, s.RequeuePending(ctx, "l1"))
	require.Eventually(t, func() bool {
		item, err := s.GetPending(ctx, "l1")
		return err == nil && item.Status == types.PendingStatusSent
	}, 3*time.Second, 10*time.Millisecond)
}

func TestMessageSenderRequeuesStrandedInFlight(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	defer func() { _ = s.Close() }()
	api := &fakeAPI{}

	// Simulate a previous run that died mid-send.
	enqueueSend(t, s, "l1", "ch1", "stranded")
	require.NoError(t, s.MarkPendingInFlight(ctx, "l1"))

	w := NewMessageSender(s, api, nil, nil)
	require.NoError(t, w.Initialize())
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(time.Second) }()

	require.Eventually(t, func() bool {
		item, err := s.GetPending(ctx, "l1")
		return err == nil && item.Status == types.PendingStatusSent
	}, 3*time.Second, 10*time.Millisecond)
}

func TestMessageEditorDrainsEdits(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	defer func() { _ = s.Close() }()
	api := &fakeAPI{}

	w := NewMessageEditor(s, api, nil)
	require.NoError(t, w.Initialize())
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(time.Second) }()

	require.NoError(t, s.EnqueuePending(ctx, &types.PendingMessage{
		LocalID: "e1", Kind: types.PendingKindEdit, ServerID: "srv-9",
		ChannelID: "ch1", UserID: "u1", Text: "edited text",
	}))

	require.Eventually(t, func() bool {
		item, err := s.GetPending(ctx, "e1")
		return err == nil && item.Status == types.PendingStatusSent
	}, 3*time.Second, 10*time.Millisecond)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"srv-9"}, api.edited)
}

func TestChannelWatchUpdaterRestoresWatches(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	defer func() { _ = s.Close() }()
	api := &fakeAPI{}

	require.NoError(t, s.SetChannelWatched(ctx, "ch1", true))
	require.NoError(t, s.SetChannelWatched(ctx, "ch2", true))

	w := NewChannelWatchUpdater(s, api, nil)
	require.NoError(t, w.Initialize())
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(time.Second) }()

	w.Connected()

	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.watched) == 2
	}, 3*time.Second, 10*time.Millisecond)

	// The snapshot was folded into the store.
	require.Eventually(t, func() bool {
		ch, err := s.GetChannel(ctx, "ch1")
		return err == nil && ch.Name == "restored-ch1"
	}, 3*time.Second, 10*time.Millisecond)

	msg, err := s.GetMessage(ctx, "snap-ch1")
	require.NoError(t, err)
	assert.Equal(t, "snapshot", msg.Text)
}

func TestChannelWatchUpdaterStopsMidRestore(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	defer func() { _ = s.Close() }()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	api := &fakeAPI{watchEntered: entered, watchGate: release}

	require.NoError(t, s.SetChannelWatched(ctx, "ch1", true))

	w := NewChannelWatchUpdater(s, api, nil)
	require.NoError(t, w.Initialize())
	require.NoError(t, w.Start(ctx))

	w.Connected()
	<-entered

	// Stop while the restore call is still in flight. The loop must exit
	// once the call returns instead of parking forever.
	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop(time.Second) }()
	close(release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after restore finished")
	}

	// A second Stop on an already-stopped worker is a no-op.
	require.NoError(t, w.Stop(time.Second))
}

func TestMissedEventSyncerReplaysGap(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	defer func() { _ = s.Close() }()

	watermark := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.SetLastEventAt(ctx, watermark))
	require.NoError(t, s.SetChannelWatched(ctx, "ch1", true))

	api := &fakeAPI{syncEvents: []*event.Event{
		{Type: event.TypeMessageNew, CreatedAt: watermark.Add(time.Second)},
		{Type: event.TypeMessageRead, CreatedAt: watermark.Add(2 * time.Second)},
	}}

	var mu sync.Mutex
	var replayed []event.Type
	w := NewMissedEventSyncer(s, api, func(ev *event.Event) {
		mu.Lock()
		replayed = append(replayed, ev.Type)
		mu.Unlock()
	}, 5*time.Minute, nil)

	require.NoError(t, w.Initialize())
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(time.Second) }()

	w.Connected()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replayed) == 2
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []event.Type{event.TypeMessageNew, event.TypeMessageRead}, replayed,
		"missed events replay oldest first")
	mu.Unlock()

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.True(t, watermark.Equal(api.syncedSince))
}

func TestMissedEventSyncerSkipsWithoutWatermark(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	defer func() { _ = s.Close() }()
	require.NoError(t, s.SetChannelWatched(ctx, "ch1", true))

	api := &fakeAPI{}
	w := NewMissedEventSyncer(s, api, func(*event.Event) {}, 5*time.Minute, nil)
	require.NoError(t, w.Initialize())
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(time.Second) }()

	w.Connected()
	time.Sleep(100 * time.Millisecond)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Zero(t, api.syncCalls, "no watermark means nothing to recover")
}

func TestMissedEventSyncerSkipsStaleWatermark(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	defer func() { _ = s.Close() }()

	require.NoError(t, s.SetLastEventAt(ctx, time.Now().UTC().Add(-time.Hour)))
	require.NoError(t, s.SetChannelWatched(ctx, "ch1", true))

	api := &fakeAPI{}
	w := NewMissedEventSyncer(s, api, func(*event.Event) {}, 5*time.Minute, nil)
	require.NoError(t, w.Initialize())
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(time.Second) }()

	w.Connected()
	time.Sleep(100 * time.Millisecond)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Zero(t, api.syncCalls, "stale watermark falls back to snapshots instead of replay")
}
