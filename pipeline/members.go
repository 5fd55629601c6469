package pipeline

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/c360/chatsync/errors"
	"github.com/c360/chatsync/event"
	"github.com/c360/chatsync/store"
	"github.com/c360/chatsync/types"
)

// MemberTypingState flips the member's typing flag on typing events. Runs
// after TypingStartCleanup so synthetic stops clear the flag through the
// same path as real ones.
type MemberTypingState struct {
	store  store.Store
	logger *slog.Logger
}

// NewMemberTypingState builds the typing-state stage.
func NewMemberTypingState(s store.Store, logger *slog.Logger) *MemberTypingState {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemberTypingState{
		store:  s,
		logger: logger.With("middleware", "member_typing_state"),
	}
}

// Name identifies the stage in logs.
func (m *MemberTypingState) Name() string { return "member_typing_state" }

// Handle updates the member record's typing flag for typing events; all
// other events pass through untouched.
func (m *MemberTypingState) Handle(ctx context.Context, ev *event.Event) (*event.Event, error) {
	if !ev.IsTyping() || ev.User == nil || ev.ChannelID == "" {
		return ev, nil
	}

	member, err := m.store.GetMember(ctx, ev.ChannelID, ev.User.ID)
	if stderrors.Is(err, errors.ErrNotFound) {
		member = &types.Member{
			ChannelID: ev.ChannelID,
			UserID:    ev.User.ID,
			CreatedAt: ev.CreatedAt,
		}
	} else if err != nil {
		return nil, err
	}

	member.IsTyping = ev.Type == event.TypeTypingStart
	if ev.CreatedAt.After(member.UpdatedAt) {
		member.UpdatedAt = ev.CreatedAt
	}
	if err := m.store.UpsertMember(ctx, member); err != nil {
		return nil, err
	}
	return ev, nil
}

// ChannelReadUpdater maintains per-channel read state: message.new advances
// the channel's last-message time, message.read advances the reader's
// last-read watermark.
type ChannelReadUpdater struct {
	store  store.Store
	logger *slog.Logger
}

// NewChannelReadUpdater builds the read-state stage.
func NewChannelReadUpdater(s store.Store, logger *slog.Logger) *ChannelReadUpdater {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelReadUpdater{
		store:  s,
		logger: logger.With("middleware", "channel_read_updater"),
	}
}

// Name identifies the stage in logs.
func (m *ChannelReadUpdater) Name() string { return "channel_read_updater" }

// Handle applies read-state bookkeeping for message.new and message.read.
func (m *ChannelReadUpdater) Handle(ctx context.Context, ev *event.Event) (*event.Event, error) {
	switch ev.Type {
	case event.TypeMessageNew:
		if err := m.bumpLastMessage(ctx, ev); err != nil {
			return nil, err
		}
	case event.TypeMessageRead:
		if err := m.advanceLastRead(ctx, ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

func (m *ChannelReadUpdater) bumpLastMessage(ctx context.Context, ev *event.Event) error {
	channelID := ev.ChannelID
	if channelID == "" && ev.Message != nil {
		channelID = ev.Message.ChannelID
	}
	if channelID == "" {
		return nil
	}

	channel, err := m.store.GetChannel(ctx, channelID)
	if stderrors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if channel.LastMessageAt != nil && !ev.CreatedAt.After(*channel.LastMessageAt) {
		return nil
	}
	at := ev.CreatedAt
	channel.LastMessageAt = &at
	if ev.CreatedAt.After(channel.UpdatedAt) {
		channel.UpdatedAt = ev.CreatedAt
	}
	return m.store.UpsertChannel(ctx, channel)
}

func (m *ChannelReadUpdater) advanceLastRead(ctx context.Context, ev *event.Event) error {
	if ev.User == nil || ev.ChannelID == "" {
		return nil
	}

	member, err := m.store.GetMember(ctx, ev.ChannelID, ev.User.ID)
	if stderrors.Is(err, errors.ErrNotFound) {
		member = &types.Member{
			ChannelID: ev.ChannelID,
			UserID:    ev.User.ID,
			CreatedAt: ev.CreatedAt,
		}
	} else if err != nil {
		return err
	}

	if member.LastReadAt != nil && !ev.CreatedAt.After(*member.LastReadAt) {
		return nil
	}
	at := ev.CreatedAt
	member.LastReadAt = &at
	if ev.CreatedAt.After(member.UpdatedAt) {
		member.UpdatedAt = ev.CreatedAt
	}
	return m.store.UpsertMember(ctx, member)
}
