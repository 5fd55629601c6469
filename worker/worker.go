// Package worker hosts the background workers that push local state to the
// backend and recover remote state after reconnects: the message sender and
// editor drain the pending outbound queue, the channel watcher restores
// subscriptions, and the missed-event syncer replays the gap.
package worker

import (
	"context"
	"time"

	"github.com/c360/chatsync/event"
	"github.com/c360/chatsync/transport"
	"github.com/c360/chatsync/types"
)

// Worker is a background component with an explicit lifecycle. Initialize
// builds resources, Start launches goroutines tied to ctx, Stop waits up to
// timeout for them to drain.
type Worker interface {
	Name() string
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// MessageAPI is the slice of the HTTP client the queue workers need.
type MessageAPI interface {
	SendMessage(ctx context.Context, channelID string, req transport.SendMessageRequest) (*types.Message, error)
	UpdateMessage(ctx context.Context, messageID string, req transport.UpdateMessageRequest) (*types.Message, error)
}

// WatchAPI restores channel subscriptions after reconnects.
type WatchAPI interface {
	WatchChannel(ctx context.Context, channelID string) (*transport.ChannelState, error)
}

// SyncAPI fetches events missed while disconnected.
type SyncAPI interface {
	Sync(ctx context.Context, channelIDs []string, since time.Time) ([]*event.Event, error)
}
