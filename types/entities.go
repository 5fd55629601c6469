// Package types defines the domain entities shared across the chatsync
// engine: users, channels, messages, members, reactions and the locally
// queued outbound items the background workers drive.
package types

import "time"

// User is a chat participant.
type User struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Role       string     `json:"role,omitempty"`
	Online     bool       `json:"online,omitempty"`
	LastActive *time.Time `json:"last_active,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// Channel is a conversation containing messages and members.
type Channel struct {
	ID            string     `json:"id"`
	Type          string     `json:"type,omitempty"`
	Name          string     `json:"name,omitempty"`
	CreatedByID   string     `json:"created_by_id,omitempty"`
	MemberCount   int        `json:"member_count,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// Message is a single chat message. ChannelID and UserID are foreign keys
// that must reference existing records before the message is committed.
type Message struct {
	ID               string     `json:"id"`
	ChannelID        string     `json:"channel_id"`
	UserID           string     `json:"user_id"`
	Text             string     `json:"text"`
	Type             string     `json:"type,omitempty"`
	ParentID         string     `json:"parent_id,omitempty"`
	MentionedUserIDs []string   `json:"mentioned_user_ids,omitempty"`
	ReplyCount       int        `json:"reply_count,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// Member is a user's membership in a channel.
type Member struct {
	ChannelID  string     `json:"channel_id"`
	UserID     string     `json:"user_id"`
	Role       string     `json:"role,omitempty"`
	IsTyping   bool       `json:"is_typing,omitempty"`
	LastReadAt *time.Time `json:"last_read_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// Reaction is a user's reaction to a message.
type Reaction struct {
	MessageID string     `json:"message_id"`
	UserID    string     `json:"user_id"`
	Type      string     `json:"type"`
	Score     int        `json:"score,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// PendingStatus tracks the lifecycle of a locally queued outbound item.
// Transitions are driven solely by background workers.
type PendingStatus string

// Pending item statuses
const (
	PendingStatusPending  PendingStatus = "pending"
	PendingStatusInFlight PendingStatus = "in_flight"
	PendingStatusSent     PendingStatus = "sent"
	PendingStatusFailed   PendingStatus = "failed"
)

// PendingKind distinguishes the operation a pending item represents.
type PendingKind string

// Pending item kinds
const (
	PendingKindSend PendingKind = "send"
	PendingKindEdit PendingKind = "edit"
)

// PendingMessage is a message created locally before a confirmed connection,
// or an edit queued while offline. LocalID is client-generated; ServerID is
// set once the server acknowledges the create.
type PendingMessage struct {
	LocalID   string        `json:"local_id"`
	ServerID  string        `json:"server_id,omitempty"`
	Kind      PendingKind   `json:"kind"`
	ChannelID string        `json:"channel_id"`
	UserID    string        `json:"user_id"`
	Text      string        `json:"text"`
	Status    PendingStatus `json:"status"`
	FailedErr string        `json:"failed_err,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// MemberKey returns the composite key of a membership record.
func MemberKey(channelID, userID string) string {
	return channelID + ":" + userID
}

// ReactionKey returns the composite key of a reaction record.
func ReactionKey(messageID, userID, reactionType string) string {
	return messageID + ":" + userID + ":" + reactionType
}
