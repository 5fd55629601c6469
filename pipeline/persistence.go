package pipeline

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/c360/chatsync/errors"
	"github.com/c360/chatsync/event"
	"github.com/c360/chatsync/store"
)

// EntityPersistence writes every entity payload an event carries into the
// store before any later middleware or subscriber sees the event. It must be
// the first stage in the chain. A failed write drops the event so nothing
// downstream observes state that was never committed.
type EntityPersistence struct {
	store  store.Store
	logger *slog.Logger
}

// NewEntityPersistence builds the persistence stage.
func NewEntityPersistence(s store.Store, logger *slog.Logger) *EntityPersistence {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityPersistence{
		store:  s,
		logger: logger.With("middleware", "entity_persistence"),
	}
}

// Name identifies the stage in logs.
func (m *EntityPersistence) Name() string { return "entity_persistence" }

// Handle persists the event's payloads in dependency order (user, channel,
// message, member, reaction), applies deletions, and advances the
// last-event watermark.
func (m *EntityPersistence) Handle(ctx context.Context, ev *event.Event) (*event.Event, error) {
	if ev.User != nil {
		if err := m.store.UpsertUser(ctx, ev.User); err != nil {
			return nil, err
		}
	}
	if ev.Me != nil {
		if err := m.store.UpsertUser(ctx, ev.Me); err != nil {
			return nil, err
		}
	}
	if ev.Channel != nil {
		if err := m.store.UpsertChannel(ctx, ev.Channel); err != nil {
			return nil, err
		}
	}
	if ev.Message != nil {
		if err := m.persistMessage(ctx, ev); err != nil {
			return nil, err
		}
	}
	if ev.Member != nil {
		if err := m.persistMember(ctx, ev); err != nil {
			return nil, err
		}
	}
	if ev.Reaction != nil {
		if err := m.persistReaction(ctx, ev); err != nil {
			return nil, err
		}
	}

	if ev.Type == event.TypeChannelDeleted && ev.ChannelID != "" {
		if err := m.store.SoftDeleteChannel(ctx, ev.ChannelID, ev.CreatedAt); err != nil &&
			!stderrors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
	}

	if !ev.CreatedAt.IsZero() {
		if err := m.store.SetLastEventAt(ctx, ev.CreatedAt); err != nil {
			m.logger.Warn("failed to advance event watermark", "error", err)
		}
	}

	return ev, nil
}

func (m *EntityPersistence) persistMessage(ctx context.Context, ev *event.Event) error {
	msg := ev.Message
	if msg.ChannelID == "" {
		msg.ChannelID = ev.ChannelID
	}

	if ev.Type == event.TypeMessageDeleted {
		err := m.store.SoftDeleteMessage(ctx, msg.ID, ev.CreatedAt)
		if stderrors.Is(err, errors.ErrNotFound) {
			// Deleting a message this client never saw; persist the tombstone.
			deletedAt := ev.CreatedAt
			msg.DeletedAt = &deletedAt
			return m.store.UpsertMessage(ctx, msg)
		}
		return err
	}
	return m.store.UpsertMessage(ctx, msg)
}

func (m *EntityPersistence) persistMember(ctx context.Context, ev *event.Event) error {
	member := ev.Member
	if member.ChannelID == "" {
		member.ChannelID = ev.ChannelID
	}
	if ev.Type == event.TypeMemberRemoved {
		deletedAt := ev.CreatedAt
		member.DeletedAt = &deletedAt
		member.UpdatedAt = ev.CreatedAt
	}
	return m.store.UpsertMember(ctx, member)
}

func (m *EntityPersistence) persistReaction(ctx context.Context, ev *event.Event) error {
	reaction := ev.Reaction
	if ev.Type == event.TypeReactionDeleted {
		deletedAt := ev.CreatedAt
		reaction.DeletedAt = &deletedAt
		reaction.UpdatedAt = ev.CreatedAt
	}

	err := m.store.UpsertReaction(ctx, reaction)
	if errors.IsStoreIntegrity(err) {
		// The reaction's message has not arrived yet. Drop quietly; the
		// reaction rides along again on the next message sync.
		m.logger.Debug("reaction references unknown message, dropped",
			"message_id", reaction.MessageID)
		return nil
	}
	return err
}
