package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/chatsync/config"
	"github.com/c360/chatsync/errors"
	"github.com/c360/chatsync/store"
	"github.com/c360/chatsync/types"
	"github.com/c360/chatsync/ws"
)

// startBackend runs fake HTTP and WebSocket endpoints: the socket sends a
// connection ack on upgrade, the API answers message creates with a
// canonical record derived from the request.
func startBackend(t *testing.T) (apiURL, wsURL string) {
	t.Helper()

	var connSeq atomic.Int64
	upgrader := websocket.Upgrader{}
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := connSeq.Add(1)
		ack := fmt.Sprintf(`{"type":"health.check","created_at":%q,"connection_id":"conn-%d"}`,
			time.Now().UTC().Format(time.RFC3339Nano), n)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(ack))
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(wsSrv.Close)

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/message") {
			var req struct {
				LocalID string `json:"local_id"`
				Text    string `json:"text"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			parts := strings.Split(r.URL.Path, "/")
			channelID := parts[2]
			now := time.Now().UTC()
			_ = json.NewEncoder(w).Encode(map[string]any{
				"message": &types.Message{
					ID:        "srv-" + req.LocalID,
					ChannelID: channelID,
					UserID:    "u1",
					Text:      req.Text,
					CreatedAt: now,
					UpdatedAt: now,
				},
			})
			return
		}
		_, _ = w.Write([]byte("{}"))
	}))
	t.Cleanup(apiSrv.Close)

	return apiSrv.URL, "ws" + strings.TrimPrefix(wsSrv.URL, "http")
}

func testConfig(apiURL, wsURL string) config.Config {
	cfg := config.Config{
		APIKey:  "test-key",
		BaseURL: apiURL,
		WSURL:   wsURL,
		Storage: config.StorageConfig{Kind: "memory"},
		Reconnect: config.ReconnectConfig{
			InitialDelay: config.Duration(10 * time.Millisecond),
			MaxDelay:     config.Duration(50 * time.Millisecond),
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestClient(t *testing.T, apiURL, wsURL string) *Client {
	t.Helper()
	c, err := New(testConfig(apiURL, wsURL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func setUser(t *testing.T, c *Client, id string) {
	t.Helper()
	require.NoError(t, c.SetUser(context.Background(), &types.User{ID: id}, "token-"+id))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(config.Config{})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestConnectRequiresUser(t *testing.T) {
	apiURL, wsURL := startBackend(t)
	c := newTestClient(t, apiURL, wsURL)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoCurrentUser)
}

func TestSetUserPersistsUser(t *testing.T) {
	apiURL, wsURL := startBackend(t)
	c := newTestClient(t, apiURL, wsURL)
	setUser(t, c, "u1")

	u, err := c.Store().GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, u.CreatedAt.IsZero())
}

func TestSendMessageQueuesPending(t *testing.T) {
	apiURL, wsURL := startBackend(t)
	c := newTestClient(t, apiURL, wsURL)
	ctx := context.Background()
	setUser(t, c, "u1")

	id1, err := c.SendMessage(ctx, "ch1", "one")
	require.NoError(t, err)
	id2, err := c.SendMessage(ctx, "ch1", "two")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	item, err := c.Store().GetPending(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, types.PendingStatusPending, item.Status)
	assert.Equal(t, "u1", item.UserID)
}

func TestSendMessageRequiresUser(t *testing.T) {
	apiURL, wsURL := startBackend(t)
	c := newTestClient(t, apiURL, wsURL)

	_, err := c.SendMessage(context.Background(), "ch1", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoCurrentUser)
}

func TestOfflineSendDeliversOnConnect(t *testing.T) {
	apiURL, wsURL := startBackend(t)
	c := newTestClient(t, apiURL, wsURL)
	ctx := context.Background()
	setUser(t, c, "u1")

	// Queued while offline: nothing drains it yet.
	localID, err := c.SendMessage(ctx, "ch1", "typed while offline")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	item, err := c.Store().GetPending(ctx, localID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingStatusPending, item.Status)

	require.NoError(t, c.Connect(ctx))

	require.Eventually(t, func() bool {
		item, err := c.Store().GetPending(ctx, localID)
		return err == nil && item.Status == types.PendingStatusSent
	}, 5*time.Second, 10*time.Millisecond)

	item, err = c.Store().GetPending(ctx, localID)
	require.NoError(t, err)
	assert.Equal(t, "srv-"+localID, item.ServerID)

	// Exactly one canonical message with that content.
	msgs, err := c.Messages(ctx, store.MessageFilter{ChannelID: "ch1"})
	require.NoError(t, err)
	var matching int
	for _, m := range msgs {
		if m.Text == "typed while offline" {
			matching++
		}
	}
	assert.Equal(t, 1, matching)

	require.NoError(t, c.Disconnect(ctx))
	assert.Equal(t, ws.StatusDisconnected, c.ConnectionStatus().Status)
}

func TestConnectionStatusSubscription(t *testing.T) {
	apiURL, wsURL := startBackend(t)
	c := newTestClient(t, apiURL, wsURL)
	ctx := context.Background()
	setUser(t, c, "u1")

	states, unsubscribe := c.SubscribeConnectionStatus(8)
	defer unsubscribe()

	require.NoError(t, c.Connect(ctx))

	var seen []ws.Status
	deadline := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case st := <-states:
			seen = append(seen, st.Status)
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	assert.Equal(t, ws.StatusConnecting, seen[0], "connecting always precedes connected")
	assert.Equal(t, ws.StatusConnected, seen[1])
}

func TestConnectionIDResolvedOnConnect(t *testing.T) {
	apiURL, wsURL := startBackend(t)
	c := newTestClient(t, apiURL, wsURL)
	ctx := context.Background()
	setUser(t, c, "u1")

	got := make(chan string, 1)
	c.ProvideConnectionID(func(id string, err error) {
		if err == nil {
			got <- id
		}
	})

	require.NoError(t, c.Connect(ctx))

	select {
	case id := <-got:
		assert.Equal(t, "conn-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("connection id never delivered")
	}
}

func TestUserSwitchClearsSessionState(t *testing.T) {
	apiURL, wsURL := startBackend(t)
	c := newTestClient(t, apiURL, wsURL)
	ctx := context.Background()
	setUser(t, c, "user-a")

	localID, err := c.SendMessage(ctx, "ch1", "from a")
	require.NoError(t, err)
	require.NoError(t, c.Store().SetChannelWatched(ctx, "ch1", true))

	setUser(t, c, "user-b")

	// Session state from user A is gone.
	_, err = c.Store().GetPending(ctx, localID)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	watched, err := c.Store().WatchedChannels(ctx)
	require.NoError(t, err)
	assert.Empty(t, watched)

	// Entities survive the switch.
	_, err = c.Store().GetUser(ctx, "user-a")
	assert.NoError(t, err)
	_, err = c.Store().GetUser(ctx, "user-b")
	assert.NoError(t, err)
}

func TestReconnectSameUserKeepsQueue(t *testing.T) {
	apiURL, wsURL := startBackend(t)
	c := newTestClient(t, apiURL, wsURL)
	ctx := context.Background()
	setUser(t, c, "u1")

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Disconnect(ctx))

	localID, err := c.SendMessage(ctx, "ch1", "queued between sessions")
	require.NoError(t, err)

	require.NoError(t, c.Connect(ctx))
	require.Eventually(t, func() bool {
		item, err := c.Store().GetPending(ctx, localID)
		return err == nil && item.Status == types.PendingStatusSent
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSetUserSameUserEndsRunningSession(t *testing.T) {
	apiURL, wsURL := startBackend(t)
	c := newTestClient(t, apiURL, wsURL)
	ctx := context.Background()
	setUser(t, c, "u1")

	require.NoError(t, c.Connect(ctx))
	require.Eventually(t, func() bool {
		return c.ConnectionStatus().Status == ws.StatusConnected
	}, 5*time.Second, 10*time.Millisecond)

	localID, err := c.SendMessage(ctx, "ch1", "before refresh")
	require.NoError(t, err)

	// A fresh token for the same user replaces the session; workers are
	// never carried across an authentication change.
	require.NoError(t, c.SetUser(ctx, &types.User{ID: "u1"}, "token-refreshed"))
	assert.Equal(t, ws.StatusDisconnected, c.ConnectionStatus().Status)

	// Store state survives the restart and drains on the next session.
	_, err = c.Store().GetPending(ctx, localID)
	require.NoError(t, err)

	require.NoError(t, c.Connect(ctx))
	require.Eventually(t, func() bool {
		item, err := c.Store().GetPending(ctx, localID)
		return err == nil && item.Status == types.PendingStatusSent
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClosedClientRejectsUse(t *testing.T) {
	apiURL, wsURL := startBackend(t)
	c := newTestClient(t, apiURL, wsURL)
	ctx := context.Background()
	setUser(t, c, "u1")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")

	err := c.Connect(ctx)
	assert.ErrorIs(t, err, errors.ErrSessionClosed)
	err = c.SetUser(ctx, &types.User{ID: "u2"}, "t")
	assert.ErrorIs(t, err, errors.ErrSessionClosed)
}

func TestConnectIsIdempotent(t *testing.T) {
	apiURL, wsURL := startBackend(t)
	c := newTestClient(t, apiURL, wsURL)
	ctx := context.Background()
	setUser(t, c, "u1")

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Connect(ctx))

	require.Eventually(t, func() bool {
		return c.ConnectionStatus().Status == ws.StatusConnected
	}, 5*time.Second, 10*time.Millisecond)
}
