package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/chatsync/event"
	"github.com/c360/chatsync/pkg/cache"
	"github.com/c360/chatsync/types"
)

// DefaultTypingTimeout is how long a typing.start stays live without a
// matching typing.stop before a synthetic stop is emitted. Mobile clients
// lose connectivity mid-typing often enough that indicators would otherwise
// stick forever.
const DefaultTypingTimeout = 30 * time.Second

type typingEntry struct {
	channelID string
	userID    string
	cancelled *atomic.Bool
}

// TypingStartCleanup watches typing.start events and emits a synthetic
// typing.stop when no real stop arrives within the timeout. It must run
// before MemberTypingState so the typing flag is cleared through the same
// path a real stop takes.
type TypingStartCleanup struct {
	timers  *cache.TTL[typingEntry]
	emit    func(*event.Event)
	logger  *slog.Logger
	timeout time.Duration
}

// NewTypingStartCleanup builds the cleanup stage. emit feeds the synthetic
// stop event back into the dispatch sequence; it is called on its own
// goroutine, never from inside a running chain.
func NewTypingStartCleanup(timeout time.Duration, emit func(*event.Event), logger *slog.Logger) *TypingStartCleanup {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &TypingStartCleanup{
		emit:    emit,
		logger:  logger.With("middleware", "typing_start_cleanup"),
		timeout: timeout,
	}
	m.timers = cache.NewTTL(timeout, timeout/2,
		cache.WithEvictCallback(m.onExpire))
	return m
}

// Name identifies the stage in logs.
func (m *TypingStartCleanup) Name() string { return "typing_start_cleanup" }

// Handle arms a cleanup timer on typing.start and disarms it on
// typing.stop. All events pass through unchanged.
func (m *TypingStartCleanup) Handle(_ context.Context, ev *event.Event) (*event.Event, error) {
	if !ev.IsTyping() || ev.User == nil || ev.ChannelID == "" {
		return ev, nil
	}

	key := ev.ChannelID + "/" + ev.User.ID
	switch ev.Type {
	case event.TypeTypingStart:
		m.timers.Set(key, typingEntry{
			channelID: ev.ChannelID,
			userID:    ev.User.ID,
			cancelled: &atomic.Bool{},
		})
	case event.TypeTypingStop:
		// Delete fires the evict callback; the flag suppresses the
		// synthetic stop since a real one just arrived.
		if entry, ok := m.timers.Get(key); ok {
			entry.cancelled.Store(true)
		}
		m.timers.Delete(key)
	}
	return ev, nil
}

// Close releases the timer cache.
func (m *TypingStartCleanup) Close() {
	m.timers.Close()
}

func (m *TypingStartCleanup) onExpire(_ string, entry typingEntry) {
	if entry.cancelled.Load() {
		return
	}
	if m.emit == nil {
		return
	}

	m.logger.Debug("typing start expired, emitting synthetic stop",
		"channel_id", entry.channelID, "user_id", entry.userID)
	// Emit on a fresh goroutine: evictions can fire from inside Handle
	// (expired entry observed on Get), and the dispatch sequence must not
	// be re-entered from a stage running inside it.
	ev := &event.Event{
		Type:      event.TypeTypingStop,
		CreatedAt: time.Now().UTC(),
		ChannelID: entry.channelID,
		User:      &types.User{ID: entry.userID},
	}
	go m.emit(ev)
}
