package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/c360/chatsync/errors"
	"github.com/c360/chatsync/types"
)

// schema is the logical store layout. Times are unix nanoseconds so
// last-write-wins comparisons stay integer comparisons. Soft deletes keep
// the row and set deleted_at.
const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS users (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	role        TEXT NOT NULL DEFAULT '',
	online      INTEGER NOT NULL DEFAULT 0,
	last_active INTEGER,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	deleted_at  INTEGER
);

CREATE TABLE IF NOT EXISTS channels (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL DEFAULT '',
	name            TEXT NOT NULL DEFAULT '',
	created_by_id   TEXT NOT NULL DEFAULT '',
	member_count    INTEGER NOT NULL DEFAULT 0,
	last_message_at INTEGER,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	deleted_at      INTEGER
);

CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	channel_id  TEXT NOT NULL REFERENCES channels(id),
	user_id     TEXT NOT NULL REFERENCES users(id),
	text        TEXT NOT NULL DEFAULT '',
	type        TEXT NOT NULL DEFAULT '',
	parent_id   TEXT NOT NULL DEFAULT '',
	mentioned   TEXT NOT NULL DEFAULT '[]',
	reply_count INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	deleted_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages(channel_id, created_at DESC);

CREATE TABLE IF NOT EXISTS members (
	channel_id   TEXT NOT NULL REFERENCES channels(id),
	user_id      TEXT NOT NULL REFERENCES users(id),
	role         TEXT NOT NULL DEFAULT '',
	is_typing    INTEGER NOT NULL DEFAULT 0,
	last_read_at INTEGER,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	deleted_at   INTEGER,
	PRIMARY KEY (channel_id, user_id)
);

CREATE TABLE IF NOT EXISTS reactions (
	message_id TEXT NOT NULL REFERENCES messages(id),
	user_id    TEXT NOT NULL REFERENCES users(id),
	type       TEXT NOT NULL,
	score      INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER,
	PRIMARY KEY (message_id, user_id, type)
);

CREATE TABLE IF NOT EXISTS pending (
	local_id   TEXT PRIMARY KEY,
	server_id  TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	text       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	failed_err TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS watched_channels (
	channel_id TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS session_state (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

const lastEventKey = "last_event_at"

// SQLite is the durable store implementation backed by modernc.org/sqlite.
type SQLite struct {
	db       *sql.DB
	notifier *notifier
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (or creates) the database at path and applies the schema.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "SQLite", "NewSQLite", "database path required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLite", "NewSQLite", "open database")
	}
	// A single connection sidesteps modernc's per-connection transaction
	// locking and serializes writers at the driver level.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, "SQLite", "NewSQLite", "apply schema")
	}

	return &SQLite{db: db, notifier: newNotifier()}, nil
}

// Kind reports the backing implementation.
func (s *SQLite) Kind() Kind {
	return KindSQLite
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertUserTx(ctx context.Context, ex execer, user *types.User) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO users (id, name, role, online, last_active, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			online = excluded.online,
			last_active = excluded.last_active,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
		WHERE excluded.updated_at >= users.updated_at`,
		user.ID, user.Name, user.Role, user.Online, nullNanos(user.LastActive),
		nanos(user.CreatedAt), nanos(user.UpdatedAt), nullNanos(user.DeletedAt))
	return err
}

func upsertChannelTx(ctx context.Context, ex execer, channel *types.Channel) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO channels (id, type, name, created_by_id, member_count, last_message_at, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			created_by_id = excluded.created_by_id,
			member_count = excluded.member_count,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
		WHERE excluded.updated_at >= channels.updated_at`,
		channel.ID, channel.Type, channel.Name, channel.CreatedByID, channel.MemberCount,
		nullNanos(channel.LastMessageAt), nanos(channel.CreatedAt), nanos(channel.UpdatedAt),
		nullNanos(channel.DeletedAt))
	return err
}

// UpsertUser writes a user record, keyed by id.
func (s *SQLite) UpsertUser(ctx context.Context, user *types.User) error {
	if user == nil || user.ID == "" {
		return errors.WrapFatal(errors.ErrInvalidPayload, "SQLite", "UpsertUser", "validate user id")
	}
	if err := upsertUserTx(ctx, s.db, user); err != nil {
		return errors.WrapTransient(err, "SQLite", "UpsertUser", "upsert user")
	}
	s.notifier.publish(Change{Kind: ChangeUpdate, Entity: "user", ID: user.ID})
	return nil
}

// UpsertChannel writes a channel record, keyed by id.
func (s *SQLite) UpsertChannel(ctx context.Context, channel *types.Channel) error {
	if channel == nil || channel.ID == "" {
		return errors.WrapFatal(errors.ErrInvalidPayload, "SQLite", "UpsertChannel", "validate channel id")
	}
	if err := upsertChannelTx(ctx, s.db, channel); err != nil {
		return errors.WrapTransient(err, "SQLite", "UpsertChannel", "upsert channel")
	}
	s.notifier.publish(Change{Kind: ChangeUpdate, Entity: "channel", ID: channel.ID})
	return nil
}

// UpsertMessage writes a message inside one transaction, persisting
// placeholder parents first (user, then channel) so the foreign keys always
// resolve. Commit-or-rollback is guaranteed on every exit path.
func (s *SQLite) UpsertMessage(ctx context.Context, msg *types.Message) error {
	if msg == nil || msg.ID == "" {
		return errors.WrapFatal(errors.ErrInvalidPayload, "SQLite", "UpsertMessage", "validate message id")
	}
	if msg.ChannelID == "" || msg.UserID == "" {
		return errors.WrapStoreIntegrity(errors.ErrDanglingRef, "SQLite", "UpsertMessage", "validate message references")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "SQLite", "UpsertMessage", "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	// Parent placeholders carry a zero updated_at so any real record wins.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (id, created_at, updated_at) VALUES (?, ?, 0)`,
		msg.UserID, nanos(msg.CreatedAt)); err != nil {
		return errors.WrapTransient(err, "SQLite", "UpsertMessage", "ensure user")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO channels (id, created_at, updated_at) VALUES (?, ?, 0)`,
		msg.ChannelID, nanos(msg.CreatedAt)); err != nil {
		return errors.WrapTransient(err, "SQLite", "UpsertMessage", "ensure channel")
	}

	mentioned, err := json.Marshal(msg.MentionedUserIDs)
	if err != nil {
		return errors.WrapFatal(err, "SQLite", "UpsertMessage", "encode mentions")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, channel_id, user_id, text, type, parent_id, mentioned, reply_count, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_id = excluded.channel_id,
			user_id = excluded.user_id,
			text = excluded.text,
			type = excluded.type,
			parent_id = excluded.parent_id,
			mentioned = excluded.mentioned,
			reply_count = excluded.reply_count,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
		WHERE excluded.updated_at >= messages.updated_at`,
		msg.ID, msg.ChannelID, msg.UserID, msg.Text, msg.Type, msg.ParentID, string(mentioned),
		msg.ReplyCount, nanos(msg.CreatedAt), nanos(msg.UpdatedAt), nullNanos(msg.DeletedAt)); err != nil {
		return errors.WrapTransient(err, "SQLite", "UpsertMessage", "upsert message")
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "SQLite", "UpsertMessage", "commit tx")
	}

	s.notifier.publish(Change{Kind: ChangeUpdate, Entity: "message", ID: msg.ID})
	return nil
}

// UpsertMember writes a membership record, creating parent placeholders
// first inside the same transaction.
func (s *SQLite) UpsertMember(ctx context.Context, member *types.Member) error {
	if member == nil || member.ChannelID == "" || member.UserID == "" {
		return errors.WrapFatal(errors.ErrInvalidPayload, "SQLite", "UpsertMember", "validate member keys")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "SQLite", "UpsertMember", "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (id, created_at, updated_at) VALUES (?, ?, 0)`,
		member.UserID, nanos(member.CreatedAt)); err != nil {
		return errors.WrapTransient(err, "SQLite", "UpsertMember", "ensure user")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO channels (id, created_at, updated_at) VALUES (?, ?, 0)`,
		member.ChannelID, nanos(member.CreatedAt)); err != nil {
		return errors.WrapTransient(err, "SQLite", "UpsertMember", "ensure channel")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO members (channel_id, user_id, role, is_typing, last_read_at, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, user_id) DO UPDATE SET
			role = excluded.role,
			is_typing = excluded.is_typing,
			last_read_at = excluded.last_read_at,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
		WHERE excluded.updated_at >= members.updated_at`,
		member.ChannelID, member.UserID, member.Role, member.IsTyping, nullNanos(member.LastReadAt),
		nanos(member.CreatedAt), nanos(member.UpdatedAt), nullNanos(member.DeletedAt)); err != nil {
		return errors.WrapTransient(err, "SQLite", "UpsertMember", "upsert member")
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "SQLite", "UpsertMember", "commit tx")
	}

	s.notifier.publish(Change{Kind: ChangeUpdate, Entity: "member", ID: types.MemberKey(member.ChannelID, member.UserID)})
	return nil
}

// UpsertReaction writes a reaction record, ensuring the referenced message
// and user exist first.
func (s *SQLite) UpsertReaction(ctx context.Context, reaction *types.Reaction) error {
	if reaction == nil || reaction.MessageID == "" || reaction.UserID == "" || reaction.Type == "" {
		return errors.WrapFatal(errors.ErrInvalidPayload, "SQLite", "UpsertReaction", "validate reaction keys")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "SQLite", "UpsertReaction", "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (id, created_at, updated_at) VALUES (?, ?, 0)`,
		reaction.UserID, nanos(reaction.CreatedAt)); err != nil {
		return errors.WrapTransient(err, "SQLite", "UpsertReaction", "ensure user")
	}

	// A reaction can reference a message that has not arrived yet; the
	// message row needs channel and author placeholders of its own, which
	// cannot be invented here, so the reaction is parked until its message
	// exists. Callers treat not-found as retry-later.
	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages WHERE id = ?`, reaction.MessageID).Scan(&exists); err != nil {
		return errors.WrapTransient(err, "SQLite", "UpsertReaction", "check message")
	}
	if exists == 0 {
		return errors.WrapStoreIntegrity(errors.ErrDanglingRef, "SQLite", "UpsertReaction", "resolve message "+reaction.MessageID)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reactions (message_id, user_id, type, score, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id, user_id, type) DO UPDATE SET
			score = excluded.score,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
		WHERE excluded.updated_at >= reactions.updated_at`,
		reaction.MessageID, reaction.UserID, reaction.Type, reaction.Score,
		nanos(reaction.CreatedAt), nanos(reaction.UpdatedAt), nullNanos(reaction.DeletedAt)); err != nil {
		return errors.WrapTransient(err, "SQLite", "UpsertReaction", "upsert reaction")
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "SQLite", "UpsertReaction", "commit tx")
	}

	s.notifier.publish(Change{Kind: ChangeUpdate, Entity: "reaction",
		ID: types.ReactionKey(reaction.MessageID, reaction.UserID, reaction.Type)})
	return nil
}

// GetUser fetches a user by id.
func (s *SQLite) GetUser(ctx context.Context, id string) (*types.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, online, last_active, created_at, updated_at, deleted_at FROM users WHERE id = ?`, id)

	var u types.User
	var lastActive, deletedAt sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(&u.ID, &u.Name, &u.Role, &u.Online, &lastActive, &createdAt, &updatedAt, &deletedAt); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.WrapTransient(err, "SQLite", "GetUser", "query user")
	}
	u.LastActive = fromNullNanos(lastActive)
	u.CreatedAt = fromNanos(createdAt)
	u.UpdatedAt = fromNanos(updatedAt)
	u.DeletedAt = fromNullNanos(deletedAt)
	return &u, nil
}

// GetChannel fetches a channel by id.
func (s *SQLite) GetChannel(ctx context.Context, id string) (*types.Channel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, name, created_by_id, member_count, last_message_at, created_at, updated_at, deleted_at
		FROM channels WHERE id = ?`, id)

	var c types.Channel
	var lastMessageAt, deletedAt sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(&c.ID, &c.Type, &c.Name, &c.CreatedByID, &c.MemberCount,
		&lastMessageAt, &createdAt, &updatedAt, &deletedAt); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.WrapTransient(err, "SQLite", "GetChannel", "query channel")
	}
	c.LastMessageAt = fromNullNanos(lastMessageAt)
	c.CreatedAt = fromNanos(createdAt)
	c.UpdatedAt = fromNanos(updatedAt)
	c.DeletedAt = fromNullNanos(deletedAt)
	return &c, nil
}

func scanMessage(scan func(dest ...any) error) (*types.Message, error) {
	var m types.Message
	var mentioned string
	var deletedAt sql.NullInt64
	var createdAt, updatedAt int64
	if err := scan(&m.ID, &m.ChannelID, &m.UserID, &m.Text, &m.Type, &m.ParentID, &mentioned,
		&m.ReplyCount, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}
	if mentioned != "" && mentioned != "null" {
		if err := json.Unmarshal([]byte(mentioned), &m.MentionedUserIDs); err != nil {
			return nil, err
		}
	}
	m.CreatedAt = fromNanos(createdAt)
	m.UpdatedAt = fromNanos(updatedAt)
	m.DeletedAt = fromNullNanos(deletedAt)
	return &m, nil
}

const messageColumns = `id, channel_id, user_id, text, type, parent_id, mentioned, reply_count, created_at, updated_at, deleted_at`

// GetMessage fetches a message by id, including soft-deleted ones.
func (s *SQLite) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row.Scan)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.WrapTransient(err, "SQLite", "GetMessage", "query message")
	}
	return m, nil
}

// GetMember fetches a membership record.
func (s *SQLite) GetMember(ctx context.Context, channelID, userID string) (*types.Member, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT channel_id, user_id, role, is_typing, last_read_at, created_at, updated_at, deleted_at
		FROM members WHERE channel_id = ? AND user_id = ?`, channelID, userID)

	var m types.Member
	var lastReadAt, deletedAt sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(&m.ChannelID, &m.UserID, &m.Role, &m.IsTyping, &lastReadAt,
		&createdAt, &updatedAt, &deletedAt); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.WrapTransient(err, "SQLite", "GetMember", "query member")
	}
	m.LastReadAt = fromNullNanos(lastReadAt)
	m.CreatedAt = fromNanos(createdAt)
	m.UpdatedAt = fromNanos(updatedAt)
	m.DeletedAt = fromNullNanos(deletedAt)
	return &m, nil
}

// Messages fetches messages matching the filter, newest first.
func (s *SQLite) Messages(ctx context.Context, filter MessageFilter) ([]*types.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE 1=1`
	args := []any{}

	if filter.ChannelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, filter.ChannelID)
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, nanos(filter.CreatedAfter))
	}
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLite", "Messages", "query messages")
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, errors.WrapTransient(err, "SQLite", "Messages", "scan message")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "SQLite", "Messages", "iterate messages")
	}
	return out, nil
}

func (s *SQLite) softDelete(ctx context.Context, table, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET deleted_at = ?, updated_at = ? WHERE id = ?`,
		nanos(at), nanos(at), id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// SoftDeleteMessage marks a message deleted without removing the row.
func (s *SQLite) SoftDeleteMessage(ctx context.Context, id string, at time.Time) error {
	ok, err := s.softDelete(ctx, "messages", id, at)
	if err != nil {
		return errors.WrapTransient(err, "SQLite", "SoftDeleteMessage", "update message")
	}
	if !ok {
		return errors.ErrNotFound
	}
	s.notifier.publish(Change{Kind: ChangeDelete, Entity: "message", ID: id})
	return nil
}

// SoftDeleteChannel marks a channel deleted without removing the row.
func (s *SQLite) SoftDeleteChannel(ctx context.Context, id string, at time.Time) error {
	ok, err := s.softDelete(ctx, "channels", id, at)
	if err != nil {
		return errors.WrapTransient(err, "SQLite", "SoftDeleteChannel", "update channel")
	}
	if !ok {
		return errors.ErrNotFound
	}
	s.notifier.publish(Change{Kind: ChangeDelete, Entity: "channel", ID: id})
	return nil
}

// EnqueuePending queues a locally created outbound item, rejecting
// duplicate local ids.
func (s *SQLite) EnqueuePending(ctx context.Context, item *types.PendingMessage) error {
	if item == nil || item.LocalID == "" {
		return errors.WrapFatal(errors.ErrInvalidPayload, "SQLite", "EnqueuePending", "validate local id")
	}

	status := item.Status
	if status == "" {
		status = types.PendingStatusPending
	}
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending (local_id, server_id, kind, channel_id, user_id, text, status, failed_err, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		item.LocalID, item.ServerID, item.Kind, item.ChannelID, item.UserID, item.Text,
		status, nanos(createdAt), nanos(createdAt))
	if err != nil {
		if isConstraintError(err) {
			return errors.WrapAlreadyExists(errors.ErrAlreadyExists, "SQLite", "EnqueuePending", "enqueue "+item.LocalID)
		}
		return errors.WrapTransient(err, "SQLite", "EnqueuePending", "insert pending")
	}

	s.notifier.publish(Change{Kind: ChangeInsert, Entity: "pending", ID: item.LocalID})
	return nil
}

func scanPending(scan func(dest ...any) error) (*types.PendingMessage, error) {
	var p types.PendingMessage
	var createdAt, updatedAt int64
	if err := scan(&p.LocalID, &p.ServerID, &p.Kind, &p.ChannelID, &p.UserID, &p.Text,
		&p.Status, &p.FailedErr, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = fromNanos(createdAt)
	p.UpdatedAt = fromNanos(updatedAt)
	return &p, nil
}

const pendingColumns = `local_id, server_id, kind, channel_id, user_id, text, status, failed_err, created_at, updated_at`

// GetPending fetches a pending item by local id.
func (s *SQLite) GetPending(ctx context.Context, localID string) (*types.PendingMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending WHERE local_id = ?`, localID)
	p, err := scanPending(row.Scan)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.WrapTransient(err, "SQLite", "GetPending", "query pending")
	}
	return p, nil
}

// PendingByStatus fetches pending items of a kind in a given status,
// oldest first so send order is preserved.
func (s *SQLite) PendingByStatus(
	ctx context.Context, kind types.PendingKind, status types.PendingStatus,
) ([]*types.PendingMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pendingColumns+` FROM pending WHERE kind = ? AND status = ? ORDER BY created_at ASC`,
		kind, status)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLite", "PendingByStatus", "query pending")
	}
	defer func() { _ = rows.Close() }()

	var out []*types.PendingMessage
	for rows.Next() {
		p, err := scanPending(rows.Scan)
		if err != nil {
			return nil, errors.WrapTransient(err, "SQLite", "PendingByStatus", "scan pending")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "SQLite", "PendingByStatus", "iterate pending")
	}
	return out, nil
}

func (s *SQLite) setPendingStatus(ctx context.Context, localID string, status types.PendingStatus, serverID, failedErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending SET status = ?, updated_at = ?,
			server_id = CASE WHEN ? != '' THEN ? ELSE server_id END,
			failed_err = ?
		WHERE local_id = ?`,
		status, nanos(time.Now().UTC()), serverID, serverID, failedErr, localID)
	if err != nil {
		return errors.WrapTransient(err, "SQLite", "setPendingStatus", "update pending")
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errors.ErrNotFound
	}

	s.notifier.publish(Change{Kind: ChangeUpdate, Entity: "pending", ID: localID})
	return nil
}

// MarkPendingInFlight transitions a pending item to in-flight.
func (s *SQLite) MarkPendingInFlight(ctx context.Context, localID string) error {
	return s.setPendingStatus(ctx, localID, types.PendingStatusInFlight, "", "")
}

// MarkPendingSent transitions a pending item to sent with its server id.
func (s *SQLite) MarkPendingSent(ctx context.Context, localID, serverID string) error {
	return s.setPendingStatus(ctx, localID, types.PendingStatusSent, serverID, "")
}

// MarkPendingFailed transitions a pending item to failed.
func (s *SQLite) MarkPendingFailed(ctx context.Context, localID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.setPendingStatus(ctx, localID, types.PendingStatusFailed, "", msg)
}

// RequeuePending moves an item back to pending, clearing its failure cause.
func (s *SQLite) RequeuePending(ctx context.Context, localID string) error {
	return s.setPendingStatus(ctx, localID, types.PendingStatusPending, "", "")
}

// SetChannelWatched adds or removes a channel from the watched set.
func (s *SQLite) SetChannelWatched(ctx context.Context, channelID string, watched bool) error {
	var err error
	if watched {
		_, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO watched_channels (channel_id) VALUES (?)`, channelID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM watched_channels WHERE channel_id = ?`, channelID)
	}
	if err != nil {
		return errors.WrapTransient(err, "SQLite", "SetChannelWatched", "update watched set")
	}
	return nil
}

// WatchedChannels returns the watched channel ids, sorted.
func (s *SQLite) WatchedChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id FROM watched_channels ORDER BY channel_id`)
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLite", "WatchedChannels", "query watched set")
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WrapTransient(err, "SQLite", "WatchedChannels", "scan watched channel")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SetLastEventAt records the last-received-event watermark.
func (s *SQLite) SetLastEventAt(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
		WHERE excluded.value > session_state.value`,
		lastEventKey, nanos(at))
	if err != nil {
		return errors.WrapTransient(err, "SQLite", "SetLastEventAt", "upsert watermark")
	}
	return nil
}

// LastEventAt returns the last-received-event watermark, zero if unset.
func (s *SQLite) LastEventAt(ctx context.Context) (time.Time, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM session_state WHERE key = ?`, lastEventKey).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.WrapTransient(err, "SQLite", "LastEventAt", "query watermark")
	}
	return fromNanos(value), nil
}

// ClearSessionState drops watched channels, the watermark, and the pending
// outbound queue so nothing queued leaks into the next session's identity.
func (s *SQLite) ClearSessionState(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "SQLite", "ClearSessionState", "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM watched_channels`); err != nil {
		return errors.WrapTransient(err, "SQLite", "ClearSessionState", "clear watched set")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_state`); err != nil {
		return errors.WrapTransient(err, "SQLite", "ClearSessionState", "clear watermark")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending`); err != nil {
		return errors.WrapTransient(err, "SQLite", "ClearSessionState", "clear pending queue")
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "SQLite", "ClearSessionState", "commit tx")
	}
	return nil
}

// Subscribe registers a change listener.
func (s *SQLite) Subscribe(buffer int) (<-chan Change, func()) {
	return s.notifier.subscribe(buffer)
}

// Close releases subscribers and the database handle.
func (s *SQLite) Close() error {
	s.notifier.closeAll()
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "SQLite", "Close", "close database")
	}
	return nil
}

// isConstraintError checks for sqlite unique/primary-key violations.
func isConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
