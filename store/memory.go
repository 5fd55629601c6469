package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/c360/chatsync/errors"
	"github.com/c360/chatsync/types"
)

// Memory is the in-memory store implementation. It is the fallback when the
// SQLite store cannot be constructed and the default for tests. A single
// mutex serializes writers so no reader observes a torn intermediate state.
type Memory struct {
	mu sync.RWMutex

	users     map[string]*types.User
	channels  map[string]*types.Channel
	messages  map[string]*types.Message
	members   map[string]*types.Member
	reactions map[string]*types.Reaction
	pending   map[string]*types.PendingMessage

	watched     map[string]bool
	lastEventAt time.Time

	notifier *notifier
	closed   bool
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]*types.User),
		channels:  make(map[string]*types.Channel),
		messages:  make(map[string]*types.Message),
		members:   make(map[string]*types.Member),
		reactions: make(map[string]*types.Reaction),
		pending:   make(map[string]*types.PendingMessage),
		watched:   make(map[string]bool),
		notifier:  newNotifier(),
	}
}

// Kind reports the backing implementation.
func (m *Memory) Kind() Kind {
	return KindMemory
}

func (m *Memory) checkOpen() error {
	if m.closed {
		return errors.ErrStoreClosed
	}
	return nil
}

// upsertUserLocked writes a user record under the held write lock.
// Same-id writes are last-write-wins by UpdatedAt.
func (m *Memory) upsertUserLocked(user *types.User) ChangeKind {
	existing, ok := m.users[user.ID]
	if ok && existing.UpdatedAt.After(user.UpdatedAt) {
		return ChangeUpdate
	}
	cp := *user
	m.users[user.ID] = &cp
	if ok {
		return ChangeUpdate
	}
	return ChangeInsert
}

func (m *Memory) upsertChannelLocked(channel *types.Channel) ChangeKind {
	existing, ok := m.channels[channel.ID]
	if ok && existing.UpdatedAt.After(channel.UpdatedAt) {
		return ChangeUpdate
	}
	cp := *channel
	m.channels[channel.ID] = &cp
	if ok {
		return ChangeUpdate
	}
	return ChangeInsert
}

// UpsertUser writes a user record, keyed by id.
func (m *Memory) UpsertUser(ctx context.Context, user *types.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if user == nil || user.ID == "" {
		return errors.WrapFatal(errors.ErrInvalidPayload, "Memory", "UpsertUser", "validate user id")
	}

	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return err
	}
	kind := m.upsertUserLocked(user)
	m.mu.Unlock()

	m.notifier.publish(Change{Kind: kind, Entity: "user", ID: user.ID})
	return nil
}

// UpsertChannel writes a channel record, keyed by id.
func (m *Memory) UpsertChannel(ctx context.Context, channel *types.Channel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if channel == nil || channel.ID == "" {
		return errors.WrapFatal(errors.ErrInvalidPayload, "Memory", "UpsertChannel", "validate channel id")
	}

	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return err
	}
	kind := m.upsertChannelLocked(channel)
	m.mu.Unlock()

	m.notifier.publish(Change{Kind: kind, Entity: "channel", ID: channel.ID})
	return nil
}

// UpsertMessage writes a message record, creating placeholder parents for
// its user and channel references first so the message never commits with
// a dangling reference. Order is user, then channel, then message.
func (m *Memory) UpsertMessage(ctx context.Context, msg *types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg == nil || msg.ID == "" {
		return errors.WrapFatal(errors.ErrInvalidPayload, "Memory", "UpsertMessage", "validate message id")
	}
	if msg.ChannelID == "" || msg.UserID == "" {
		return errors.WrapStoreIntegrity(errors.ErrDanglingRef, "Memory", "UpsertMessage", "validate message references")
	}

	var changes []Change

	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return err
	}

	if _, ok := m.users[msg.UserID]; !ok {
		placeholder := &types.User{ID: msg.UserID, CreatedAt: msg.CreatedAt, UpdatedAt: time.Time{}}
		m.upsertUserLocked(placeholder)
		changes = append(changes, Change{Kind: ChangeInsert, Entity: "user", ID: msg.UserID})
	}
	if _, ok := m.channels[msg.ChannelID]; !ok {
		placeholder := &types.Channel{ID: msg.ChannelID, CreatedAt: msg.CreatedAt, UpdatedAt: time.Time{}}
		m.upsertChannelLocked(placeholder)
		changes = append(changes, Change{Kind: ChangeInsert, Entity: "channel", ID: msg.ChannelID})
	}

	existing, ok := m.messages[msg.ID]
	if !ok || !existing.UpdatedAt.After(msg.UpdatedAt) {
		cp := *msg
		m.messages[msg.ID] = &cp
	}
	kind := ChangeInsert
	if ok {
		kind = ChangeUpdate
	}
	changes = append(changes, Change{Kind: kind, Entity: "message", ID: msg.ID})
	m.mu.Unlock()

	for _, c := range changes {
		m.notifier.publish(c)
	}
	return nil
}

// UpsertMember writes a membership record, keyed by (channel, user).
func (m *Memory) UpsertMember(ctx context.Context, member *types.Member) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if member == nil || member.ChannelID == "" || member.UserID == "" {
		return errors.WrapFatal(errors.ErrInvalidPayload, "Memory", "UpsertMember", "validate member keys")
	}

	key := types.MemberKey(member.ChannelID, member.UserID)

	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return err
	}
	existing, ok := m.members[key]
	if !ok || !existing.UpdatedAt.After(member.UpdatedAt) {
		cp := *member
		m.members[key] = &cp
	}
	m.mu.Unlock()

	kind := ChangeInsert
	if ok {
		kind = ChangeUpdate
	}
	m.notifier.publish(Change{Kind: kind, Entity: "member", ID: key})
	return nil
}

// UpsertReaction writes a reaction record, keyed by (message, user, type).
func (m *Memory) UpsertReaction(ctx context.Context, reaction *types.Reaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if reaction == nil || reaction.MessageID == "" || reaction.UserID == "" || reaction.Type == "" {
		return errors.WrapFatal(errors.ErrInvalidPayload, "Memory", "UpsertReaction", "validate reaction keys")
	}

	key := types.ReactionKey(reaction.MessageID, reaction.UserID, reaction.Type)

	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return err
	}
	// A reaction for a message that has not arrived yet cannot be parked
	// with invented parents; callers treat the integrity error as
	// retry-later.
	if _, ok := m.messages[reaction.MessageID]; !ok {
		m.mu.Unlock()
		return errors.WrapStoreIntegrity(errors.ErrDanglingRef, "Memory", "UpsertReaction", "resolve message "+reaction.MessageID)
	}
	existing, ok := m.reactions[key]
	if !ok || !existing.UpdatedAt.After(reaction.UpdatedAt) {
		cp := *reaction
		m.reactions[key] = &cp
	}
	m.mu.Unlock()

	kind := ChangeInsert
	if ok {
		kind = ChangeUpdate
	}
	m.notifier.publish(Change{Kind: kind, Entity: "reaction", ID: key})
	return nil
}

// GetUser fetches a user by id.
func (m *Memory) GetUser(ctx context.Context, id string) (*types.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetChannel fetches a channel by id.
func (m *Memory) GetChannel(ctx context.Context, id string) (*types.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// GetMessage fetches a message by id, including soft-deleted ones.
func (m *Memory) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

// GetMember fetches a membership record.
func (m *Memory) GetMember(ctx context.Context, channelID, userID string) (*types.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[types.MemberKey(channelID, userID)]
	if !ok {
		return nil, errors.ErrNotFound
	}
	cp := *mem
	return &cp, nil
}

// Messages fetches messages matching the filter, newest first.
func (m *Memory) Messages(ctx context.Context, filter MessageFilter) ([]*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	out := make([]*types.Message, 0)
	for _, msg := range m.messages {
		if filter.ChannelID != "" && msg.ChannelID != filter.ChannelID {
			continue
		}
		if filter.UserID != "" && msg.UserID != filter.UserID {
			continue
		}
		if !filter.CreatedAfter.IsZero() && !msg.CreatedAt.After(filter.CreatedAfter) {
			continue
		}
		if !filter.IncludeDeleted && msg.DeletedAt != nil {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SoftDeleteMessage marks a message deleted without removing the record.
func (m *Memory) SoftDeleteMessage(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	msg, ok := m.messages[id]
	if !ok {
		m.mu.Unlock()
		return errors.ErrNotFound
	}
	msg.DeletedAt = &at
	msg.UpdatedAt = at
	m.mu.Unlock()

	m.notifier.publish(Change{Kind: ChangeDelete, Entity: "message", ID: id})
	return nil
}

// SoftDeleteChannel marks a channel deleted without removing the record.
func (m *Memory) SoftDeleteChannel(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	ch, ok := m.channels[id]
	if !ok {
		m.mu.Unlock()
		return errors.ErrNotFound
	}
	ch.DeletedAt = &at
	ch.UpdatedAt = at
	m.mu.Unlock()

	m.notifier.publish(Change{Kind: ChangeDelete, Entity: "channel", ID: id})
	return nil
}

// EnqueuePending queues a locally created outbound item. Duplicate local ids
// are rejected, not retried.
func (m *Memory) EnqueuePending(ctx context.Context, item *types.PendingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if item == nil || item.LocalID == "" {
		return errors.WrapFatal(errors.ErrInvalidPayload, "Memory", "EnqueuePending", "validate local id")
	}

	m.mu.Lock()
	if _, exists := m.pending[item.LocalID]; exists {
		m.mu.Unlock()
		return errors.WrapAlreadyExists(errors.ErrAlreadyExists, "Memory", "EnqueuePending", "enqueue "+item.LocalID)
	}
	cp := *item
	if cp.Status == "" {
		cp.Status = types.PendingStatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.pending[item.LocalID] = &cp
	m.mu.Unlock()

	m.notifier.publish(Change{Kind: ChangeInsert, Entity: "pending", ID: item.LocalID})
	return nil
}

// GetPending fetches a pending item by local id.
func (m *Memory) GetPending(ctx context.Context, localID string) (*types.PendingMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.pending[localID]
	if !ok {
		return nil, errors.ErrNotFound
	}
	cp := *item
	return &cp, nil
}

// PendingByStatus fetches pending items of a kind in a given status,
// oldest first so send order is preserved.
func (m *Memory) PendingByStatus(
	ctx context.Context, kind types.PendingKind, status types.PendingStatus,
) ([]*types.PendingMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	out := make([]*types.PendingMessage, 0)
	for _, item := range m.pending {
		if item.Kind != kind || item.Status != status {
			continue
		}
		cp := *item
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) setPendingStatus(localID string, status types.PendingStatus, mutate func(*types.PendingMessage)) error {
	m.mu.Lock()
	item, ok := m.pending[localID]
	if !ok {
		m.mu.Unlock()
		return errors.ErrNotFound
	}
	item.Status = status
	item.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(item)
	}
	m.mu.Unlock()

	m.notifier.publish(Change{Kind: ChangeUpdate, Entity: "pending", ID: localID})
	return nil
}

// MarkPendingInFlight transitions a pending item to in-flight.
func (m *Memory) MarkPendingInFlight(ctx context.Context, localID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.setPendingStatus(localID, types.PendingStatusInFlight, nil)
}

// MarkPendingSent transitions a pending item to sent, recording the
// canonical server id.
func (m *Memory) MarkPendingSent(ctx context.Context, localID, serverID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.setPendingStatus(localID, types.PendingStatusSent, func(item *types.PendingMessage) {
		item.ServerID = serverID
	})
}

// MarkPendingFailed transitions a pending item to failed, surfacing the
// cause as entity state rather than an error channel.
func (m *Memory) MarkPendingFailed(ctx context.Context, localID string, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.setPendingStatus(localID, types.PendingStatusFailed, func(item *types.PendingMessage) {
		if cause != nil {
			item.FailedErr = cause.Error()
		}
	})
}

// RequeuePending moves an item back to pending, clearing its failure cause.
func (m *Memory) RequeuePending(ctx context.Context, localID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.setPendingStatus(localID, types.PendingStatusPending, func(item *types.PendingMessage) {
		item.FailedErr = ""
	})
}

// SetChannelWatched adds or removes a channel from the watched set.
func (m *Memory) SetChannelWatched(ctx context.Context, channelID string, watched bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if watched {
		m.watched[channelID] = true
	} else {
		delete(m.watched, channelID)
	}
	return nil
}

// WatchedChannels returns the watched channel ids, sorted for determinism.
func (m *Memory) WatchedChannels(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	out := make([]string, 0, len(m.watched))
	for id := range m.watched {
		out = append(out, id)
	}
	m.mu.RUnlock()

	sort.Strings(out)
	return out, nil
}

// SetLastEventAt records the last-received-event watermark.
func (m *Memory) SetLastEventAt(ctx context.Context, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if at.After(m.lastEventAt) {
		m.lastEventAt = at
	}
	return nil
}

// LastEventAt returns the last-received-event watermark, zero if unset.
func (m *Memory) LastEventAt(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastEventAt, nil
}

// ClearSessionState drops watched channels, the watermark, and the pending
// outbound queue: queued items must never be delivered under the next
// session's identity. Entity records survive across sessions.
func (m *Memory) ClearSessionState(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched = make(map[string]bool)
	m.lastEventAt = time.Time{}
	m.pending = make(map[string]*types.PendingMessage)
	return nil
}

// Subscribe registers a change listener.
func (m *Memory) Subscribe(buffer int) (<-chan Change, func()) {
	return m.notifier.subscribe(buffer)
}

// Close marks the store closed and releases subscribers.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.notifier.closeAll()
	return nil
}
