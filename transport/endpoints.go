package transport

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/c360/chatsync/errors"
	"github.com/c360/chatsync/event"
	"github.com/c360/chatsync/types"
)

// SendMessageRequest is the payload for creating a message. LocalID is the
// client-generated idempotency key; resending with the same id is safe.
type SendMessageRequest struct {
	LocalID          string   `json:"local_id"`
	Text             string   `json:"text"`
	ParentID         string   `json:"parent_id,omitempty"`
	MentionedUserIDs []string `json:"mentioned_user_ids,omitempty"`
}

type messageResponse struct {
	Message *types.Message `json:"message"`
}

// SendMessage creates a message in a channel and returns the canonical
// server record.
func (c *Client) SendMessage(ctx context.Context, channelID string, req SendMessageRequest) (*types.Message, error) {
	if channelID == "" || req.LocalID == "" {
		return nil, errors.WrapFatal(errors.ErrInvalidPayload, "Client", "SendMessage", "validate request keys")
	}

	var resp messageResponse
	err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/message",
		nil, req, &resp, "SendMessage")
	if err != nil {
		return nil, err
	}
	if resp.Message == nil {
		return nil, errors.WrapDecode(errors.ErrInvalidPayload, "Client", "SendMessage", "decode message response")
	}
	return resp.Message, nil
}

// UpdateMessageRequest is the payload for editing an existing message.
type UpdateMessageRequest struct {
	Text             string   `json:"text"`
	MentionedUserIDs []string `json:"mentioned_user_ids,omitempty"`
}

// UpdateMessage edits a message and returns the canonical server record.
func (c *Client) UpdateMessage(ctx context.Context, messageID string, req UpdateMessageRequest) (*types.Message, error) {
	if messageID == "" {
		return nil, errors.WrapFatal(errors.ErrInvalidPayload, "Client", "UpdateMessage", "validate message id")
	}

	var resp messageResponse
	err := c.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID), nil, req, &resp, "UpdateMessage")
	if err != nil {
		return nil, err
	}
	if resp.Message == nil {
		return nil, errors.WrapDecode(errors.ErrInvalidPayload, "Client", "UpdateMessage", "decode message response")
	}
	return resp.Message, nil
}

// DeleteMessage soft-deletes a message server-side.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if messageID == "" {
		return errors.WrapFatal(errors.ErrInvalidPayload, "Client", "DeleteMessage", "validate message id")
	}
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil, nil, "DeleteMessage")
}

// ChannelState is the channel snapshot returned by watch requests.
type ChannelState struct {
	Channel  *types.Channel   `json:"channel"`
	Messages []*types.Message `json:"messages"`
	Members  []*types.Member  `json:"members"`
}

// WatchChannel subscribes the current streaming connection to a channel's
// events and returns the channel snapshot. Blocks until a connection id is
// available.
func (c *Client) WatchChannel(ctx context.Context, channelID string) (*ChannelState, error) {
	if channelID == "" {
		return nil, errors.WrapFatal(errors.ErrInvalidPayload, "Client", "WatchChannel", "validate channel id")
	}
	connID, err := c.connectionID(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]any{"watch": true, "connection_id": connID}
	var state ChannelState
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/query",
		nil, body, &state, "WatchChannel"); err != nil {
		return nil, err
	}
	return &state, nil
}

// StopWatching unsubscribes the current streaming connection from a channel.
func (c *Client) StopWatching(ctx context.Context, channelID string) error {
	if channelID == "" {
		return errors.WrapFatal(errors.ErrInvalidPayload, "Client", "StopWatching", "validate channel id")
	}
	connID, err := c.connectionID(ctx)
	if err != nil {
		return err
	}

	body := map[string]any{"connection_id": connID}
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/stop-watching",
		nil, body, nil, "StopWatching")
}

// MarkRead marks a channel read for the current user, optionally up to a
// specific message.
func (c *Client) MarkRead(ctx context.Context, channelID, messageID string) error {
	if channelID == "" {
		return errors.WrapFatal(errors.ErrInvalidPayload, "Client", "MarkRead", "validate channel id")
	}

	body := map[string]any{}
	if messageID != "" {
		body["message_id"] = messageID
	}
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/read",
		nil, body, nil, "MarkRead")
}

type syncResponse struct {
	Events []*event.Event `json:"events"`
}

// Sync fetches the events missed since a watermark for the given channels,
// oldest first, so they can be replayed through the pipeline.
func (c *Client) Sync(ctx context.Context, channelIDs []string, since time.Time) ([]*event.Event, error) {
	if len(channelIDs) == 0 {
		return nil, nil
	}
	if since.IsZero() {
		return nil, errors.WrapFatal(errors.ErrInvalidPayload, "Client", "Sync", "validate watermark")
	}

	body := map[string]any{
		"channel_ids":  channelIDs,
		"last_sync_at": since.UTC().Format(time.RFC3339Nano),
	}
	var resp syncResponse
	if err := c.do(ctx, http.MethodPost, "/sync", nil, body, &resp, "Sync"); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// UpdateUsers upserts user records server-side.
func (c *Client) UpdateUsers(ctx context.Context, users ...*types.User) error {
	if len(users) == 0 {
		return nil
	}
	byID := make(map[string]*types.User, len(users))
	for _, u := range users {
		if u == nil || u.ID == "" {
			return errors.WrapFatal(errors.ErrInvalidPayload, "Client", "UpdateUsers", "validate user ids")
		}
		byID[u.ID] = u
	}

	body := map[string]any{"users": byID}
	return c.do(ctx, http.MethodPost, "/users", nil, body, nil, "UpdateUsers")
}

// Channels queries channels visible to the current user, most recent first.
func (c *Client) Channels(ctx context.Context, limit int) ([]*types.Channel, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var resp struct {
		Channels []*types.Channel `json:"channels"`
	}
	if err := c.do(ctx, http.MethodGet, "/channels", query, nil, &resp, "Channels"); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}
