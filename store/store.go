// Package store provides the persistent store the synchronization engine
// writes into: durable SQLite-backed storage with an in-memory fallback,
// idempotent upserts keyed by entity id, soft deletes, and change
// notifications for UI collaborators.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/chatsync/errors"
	"github.com/c360/chatsync/types"
)

// Kind identifies which backing implementation a Store uses.
type Kind string

// Store kinds
const (
	KindSQLite Kind = "sqlite"
	KindMemory Kind = "memory"
)

// ChangeKind classifies a lifecycle notification.
type ChangeKind int

// Change kinds
const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

// String returns the string representation of ChangeKind
func (ck ChangeKind) String() string {
	switch ck {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is a lifecycle notification emitted after a committed write.
type Change struct {
	Kind   ChangeKind
	Entity string // "user", "channel", "message", "member", "reaction", "pending"
	ID     string
}

// MessageFilter selects messages for fetch operations. Zero values mean
// "no constraint". Soft-deleted messages are excluded unless IncludeDeleted.
type MessageFilter struct {
	ChannelID      string
	UserID         string
	CreatedAfter   time.Time
	IncludeDeleted bool
	Limit          int
}

// Store is the single mutation gate shared by the event pipeline and the
// background workers. Writers serialize inside the implementation; reads see
// a consistent snapshot. All upserts are idempotent and keyed by entity id,
// with last-write-wins resolution by UpdatedAt for same-id writes.
type Store interface {
	// Kind reports the backing implementation, so the deliberate
	// degrade-not-fail fallback to memory is observable.
	Kind() Kind

	// Entity upserts. UpsertMessage persists referenced parents first
	// (user, then channel, then message) inside one transaction so a
	// message never commits with a dangling reference.
	UpsertUser(ctx context.Context, user *types.User) error
	UpsertChannel(ctx context.Context, channel *types.Channel) error
	UpsertMessage(ctx context.Context, msg *types.Message) error
	UpsertMember(ctx context.Context, member *types.Member) error
	UpsertReaction(ctx context.Context, reaction *types.Reaction) error

	GetUser(ctx context.Context, id string) (*types.User, error)
	GetChannel(ctx context.Context, id string) (*types.Channel, error)
	GetMessage(ctx context.Context, id string) (*types.Message, error)
	GetMember(ctx context.Context, channelID, userID string) (*types.Member, error)
	Messages(ctx context.Context, filter MessageFilter) ([]*types.Message, error)

	// Soft deletes set DeletedAt; records are never removed physically.
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) error
	SoftDeleteChannel(ctx context.Context, id string, at time.Time) error

	// Pending outbound queue. Enqueue rejects duplicate local ids with an
	// already-exists error. Status transitions are worker-driven.
	EnqueuePending(ctx context.Context, item *types.PendingMessage) error
	GetPending(ctx context.Context, localID string) (*types.PendingMessage, error)
	PendingByStatus(ctx context.Context, kind types.PendingKind, status types.PendingStatus) ([]*types.PendingMessage, error)
	MarkPendingInFlight(ctx context.Context, localID string) error
	MarkPendingSent(ctx context.Context, localID, serverID string) error
	MarkPendingFailed(ctx context.Context, localID string, cause error) error
	// RequeuePending moves an in-flight or failed item back to pending,
	// clearing its failure cause.
	RequeuePending(ctx context.Context, localID string) error

	// Watched channels: the set the channel-watch updater restores after a
	// reconnect. Owned by the session; cleared on ClearSessionState.
	SetChannelWatched(ctx context.Context, channelID string, watched bool) error
	WatchedChannels(ctx context.Context) ([]string, error)

	// Last-received-event watermark for the missed-events publisher.
	SetLastEventAt(ctx context.Context, at time.Time) error
	LastEventAt(ctx context.Context) (time.Time, error)

	// ClearSessionState removes watched channels, the watermark, and the
	// pending outbound queue without touching entity records, which
	// survive across sessions.
	ClearSessionState(ctx context.Context) error

	// Subscribe registers a change listener. The returned cancel func must
	// be called to release it. Slow subscribers miss notifications rather
	// than blocking writers.
	Subscribe(buffer int) (<-chan Change, func())

	Close() error
}

// Config selects and configures the backing store.
type Config struct {
	// Kind is the requested backend; empty defaults to sqlite when Path is
	// set, memory otherwise.
	Kind Kind
	// Path is the SQLite database file path.
	Path string
}

// Open builds the configured store. When SQLite construction fails the
// engine deliberately degrades to the in-memory store instead of failing:
// offline persistence is lost but synchronization still works. The fallback
// is logged and observable via Kind().
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kind := cfg.Kind
	if kind == "" {
		if cfg.Path != "" {
			kind = KindSQLite
		} else {
			kind = KindMemory
		}
	}

	switch kind {
	case KindMemory:
		return NewMemory(), nil
	case KindSQLite:
		s, err := NewSQLite(cfg.Path)
		if err != nil {
			logger.Warn("sqlite store unavailable, degrading to in-memory store",
				"path", cfg.Path, "error", err)
			return NewMemory(), nil
		}
		return s, nil
	default:
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "store", "Open", "unknown store kind "+string(kind))
	}
}
