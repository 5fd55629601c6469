// Package event defines the typed notifications delivered over the streaming
// connection and the decoder that turns raw frames into them.
package event

import (
	"time"

	"github.com/c360/chatsync/types"
)

// Type tags an event with the kind of remote state change it announces.
type Type string

// Event types the engine reacts to. The set is open: structurally valid
// events with unlisted types still flow through the pipeline so entity
// payloads they carry are persisted.
const (
	// TypeHealthCheck is the connection acknowledgment/keepalive frame. The
	// first one after a connect carries the authoritative connection id.
	TypeHealthCheck Type = "health.check"

	TypeMessageNew     Type = "message.new"
	TypeMessageUpdated Type = "message.updated"
	TypeMessageDeleted Type = "message.deleted"
	TypeMessageRead    Type = "message.read"

	TypeReactionNew     Type = "reaction.new"
	TypeReactionDeleted Type = "reaction.deleted"

	TypeTypingStart Type = "typing.start"
	TypeTypingStop  Type = "typing.stop"

	TypeMemberAdded   Type = "member.added"
	TypeMemberUpdated Type = "member.updated"
	TypeMemberRemoved Type = "member.removed"

	TypeChannelUpdated Type = "channel.updated"
	TypeChannelDeleted Type = "channel.deleted"

	TypeUserUpdated  Type = "user.updated"
	TypeUserBanned   Type = "user.banned"
	TypeUserUnbanned Type = "user.unbanned"
)

// Event is a decoded notification of a remote state change. Payload fields
// are optional; which ones are set depends on the event type. Applying the
// same event twice must not change final store state.
type Event struct {
	Type         Type      `json:"type"`
	CreatedAt    time.Time `json:"created_at"`
	ConnectionID string    `json:"connection_id,omitempty"`
	ChannelID    string    `json:"channel_id,omitempty"`

	User     *types.User     `json:"user,omitempty"`
	Channel  *types.Channel  `json:"channel,omitempty"`
	Message  *types.Message  `json:"message,omitempty"`
	Member   *types.Member   `json:"member,omitempty"`
	Reaction *types.Reaction `json:"reaction,omitempty"`

	// Me carries the authenticated user on the connection acknowledgment.
	Me *types.User `json:"me,omitempty"`
}

// IsConnectionAck reports whether this event is the acknowledgment frame that
// establishes the connection identity.
func (e *Event) IsConnectionAck() bool {
	return e.Type == TypeHealthCheck && e.ConnectionID != ""
}

// IsTyping reports whether this is a typing indicator event.
func (e *Event) IsTyping() bool {
	return e.Type == TypeTypingStart || e.Type == TypeTypingStop
}
