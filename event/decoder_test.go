package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/chatsync/errors"
)

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder()
	require.NoError(t, err)
	return d
}

func TestDecoder_MessageNew(t *testing.T) {
	d := newTestDecoder(t)

	raw := `{
		"type": "message.new",
		"created_at": "2026-03-01T10:00:00Z",
		"channel_id": "general",
		"message": {
			"id": "m1",
			"channel_id": "general",
			"user_id": "u1",
			"text": "hello",
			"created_at": "2026-03-01T10:00:00Z",
			"updated_at": "2026-03-01T10:00:00Z"
		},
		"user": {"id": "u1", "created_at": "2026-01-01T00:00:00Z", "updated_at": "2026-01-01T00:00:00Z"}
	}`

	ev, err := d.Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, TypeMessageNew, ev.Type)
	assert.Equal(t, "general", ev.ChannelID)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "m1", ev.Message.ID)
	assert.Equal(t, "hello", ev.Message.Text)
	require.NotNil(t, ev.User)
	assert.Equal(t, "u1", ev.User.ID)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), ev.CreatedAt)
}

func TestDecoder_ConnectionAck(t *testing.T) {
	d := newTestDecoder(t)

	raw := `{
		"type": "health.check",
		"created_at": "2026-03-01T10:00:00Z",
		"connection_id": "conn-42",
		"me": {"id": "u1", "created_at": "2026-01-01T00:00:00Z", "updated_at": "2026-01-01T00:00:00Z"}
	}`

	ev, err := d.Decode([]byte(raw))
	require.NoError(t, err)
	assert.True(t, ev.IsConnectionAck())
	assert.Equal(t, "conn-42", ev.ConnectionID)
	require.NotNil(t, ev.Me)
	assert.Equal(t, "u1", ev.Me.ID)
}

func TestDecoder_KeepaliveWithoutConnectionID_NotAck(t *testing.T) {
	d := newTestDecoder(t)

	ev, err := d.Decode([]byte(`{"type": "health.check", "created_at": "2026-03-01T10:00:01Z"}`))
	require.NoError(t, err)
	assert.False(t, ev.IsConnectionAck())
}

func TestDecoder_UnknownTypePassesStructuralContract(t *testing.T) {
	d := newTestDecoder(t)

	ev, err := d.Decode([]byte(`{"type": "channel.frozen", "created_at": "2026-03-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, Type("channel.frozen"), ev.Type)
}

func TestDecoder_MalformedFrames(t *testing.T) {
	d := newTestDecoder(t)

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"missing type", `{"created_at": "2026-03-01T10:00:00Z"}`},
		{"empty type", `{"type": "", "created_at": "2026-03-01T10:00:00Z"}`},
		{"missing created_at", `{"type": "message.new"}`},
		{"payload wrong shape", `{"type": "message.new", "created_at": "2026-03-01T10:00:00Z", "message": "not-an-object"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.IsDecode(err), "expected decode-class error, got %v", err)
		})
	}
}

func TestEvent_IsTyping(t *testing.T) {
	assert.True(t, (&Event{Type: TypeTypingStart}).IsTyping())
	assert.True(t, (&Event{Type: TypeTypingStop}).IsTyping())
	assert.False(t, (&Event{Type: TypeMessageNew}).IsTyping())
}
