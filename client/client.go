// Package client is the engine facade. It owns the session: the persistent
// store, the HTTP and streaming transports, the event pipeline, and the
// background workers, wired together and torn down as one unit. UI layers
// talk to the Client and subscribe to store changes and connection status.
package client

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360/chatsync/config"
	"github.com/c360/chatsync/errors"
	"github.com/c360/chatsync/event"
	"github.com/c360/chatsync/metric"
	"github.com/c360/chatsync/pipeline"
	"github.com/c360/chatsync/pkg/retry"
	"github.com/c360/chatsync/store"
	"github.com/c360/chatsync/transport"
	"github.com/c360/chatsync/types"
	"github.com/c360/chatsync/worker"
	"github.com/c360/chatsync/ws"
)

// stopTimeout bounds how long teardown waits for each worker to drain.
const stopTimeout = 5 * time.Second

// TokenProvider supplies a fresh session token. Configured providers are
// consulted when the server rejects the current token.
type TokenProvider func(ctx context.Context) (string, error)

// Option configures a Client.
type Option func(*Client) error

// WithLogger sets the base logger for the client and every component it
// builds.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithStore overrides the store the configuration would open. The client
// takes ownership and closes it on Close.
func WithStore(s store.Store) Option {
	return func(c *Client) error {
		c.store = s
		return nil
	}
}

// WithWSOptions appends options to the streaming connection, after the ones
// derived from the configuration.
func WithWSOptions(opts ...ws.Option) Option {
	return func(c *Client) error {
		c.wsOpts = append(c.wsOpts, opts...)
		return nil
	}
}

// Client is the single entry point for applications. All methods are safe
// for concurrent use.
type Client struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metric.Registry
	store   store.Store
	api     *transport.Client
	conn    *ws.Connection
	connIDs *ConnIDProvider

	pipe   *pipeline.Pipeline
	typing *pipeline.TypingStartCleanup

	sender  *worker.MessageSender
	editor  *worker.MessageEditor
	watcher *worker.ChannelWatchUpdater
	syncer  *worker.MissedEventSyncer
	workers []worker.Worker

	wsOpts []ws.Option

	mu            sync.Mutex
	userID        string
	token         string
	tokenProvider TokenProvider
	started       bool
	closed        bool
	sessionCancel context.CancelFunc

	subMu   sync.Mutex
	subs    map[int]chan ws.State
	nextSub int
}

// New builds a client from the configuration. The store opens immediately;
// nothing connects until Connect.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	c := &Client{cfg: cfg, subs: make(map[int]chan ws.State)}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "client")

	c.cfg.ApplyDefaults()
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	c.metrics = metric.NewRegistry()
	c.connIDs = NewConnIDProvider(c.logger)

	if c.store == nil {
		st, err := store.Open(store.Config{
			Kind: store.Kind(c.cfg.Storage.Kind),
			Path: c.cfg.Storage.Path,
		}, c.logger)
		if err != nil {
			return nil, err
		}
		c.store = st
	}

	api, err := transport.New(c.cfg.BaseURL, c.cfg.APIKey,
		transport.WithHTTPClient(&http.Client{Timeout: c.cfg.Transport.RequestTimeout.Std()}),
		transport.WithRateLimit(c.cfg.Transport.RateLimit, c.cfg.Transport.RateBurst),
		transport.WithConnectionIDProvider(c.connIDs),
		transport.WithTokenRefresher(c.refreshToken),
		transport.WithLogger(c.logger),
	)
	if err != nil {
		return nil, err
	}
	c.api = api

	pipe, typing, err := pipeline.NewStandard(c.store, pipeline.DefaultTypingTimeout, c.replay, c.logger, c.metrics)
	if err != nil {
		return nil, err
	}
	c.pipe = pipe
	c.typing = typing

	c.sender = worker.NewMessageSender(c.store, api, c.logger, c.metrics)
	c.editor = worker.NewMessageEditor(c.store, api, c.logger)
	c.watcher = worker.NewChannelWatchUpdater(c.store, api, c.logger)
	c.syncer = worker.NewMissedEventSyncer(c.store, api, c.replay, c.cfg.Sync.EventGapWindow.Std(), c.logger)
	c.workers = []worker.Worker{c.sender, c.editor, c.watcher, c.syncer}

	wsOpts := append([]ws.Option{
		ws.WithKeepalive(c.cfg.WebSocket.PingInterval.Std(), c.cfg.WebSocket.PongTimeout.Std()),
		ws.WithAckTimeout(c.cfg.WebSocket.HandshakeTimeout.Std()),
		ws.WithReconnectPolicy(&retry.BackoffPolicy{
			InitialDelay: c.cfg.Reconnect.InitialDelay.Std(),
			MaxDelay:     c.cfg.Reconnect.MaxDelay.Std(),
			Multiplier:   2,
			MaxAttempts:  c.cfg.Reconnect.MaxAttempts,
		}),
		ws.WithAuthParams(c.authParams),
		ws.WithLogger(c.logger),
		ws.WithMetrics(c.metrics),
	}, c.wsOpts...)

	conn, err := ws.New(c.cfg.WSURL, wsOpts...)
	if err != nil {
		return nil, err
	}
	conn.OnEvent(c.replay)
	conn.OnStateChange(c.handleState)
	c.conn = conn

	return c, nil
}

// replay feeds an event through the pipeline. Used for live events,
// synthetic events, and missed-event recovery alike so everything takes the
// same path.
func (c *Client) replay(ev *event.Event) {
	c.pipe.Process(context.Background(), ev)
}

// handleState runs synchronously in transition order: the identity provider
// learns the connection id before any event from that connection reaches
// the pipeline.
func (c *Client) handleState(st ws.State) {
	c.connIDs.HandleState(st)

	c.subMu.Lock()
	for _, ch := range c.subs {
		select {
		case ch <- st:
		default:
		}
	}
	c.subMu.Unlock()

	if st.Status == ws.StatusConnected {
		c.watcher.Connected()
		c.syncer.Connected()
	}
}

// authParams builds the streaming handshake parameters. Called on every
// dial so reconnects pick up refreshed tokens.
func (c *Client) authParams() (url.Values, error) {
	c.mu.Lock()
	userID := c.userID
	token := c.token
	provider := c.tokenProvider
	c.mu.Unlock()

	if userID == "" {
		return nil, errors.WrapAuth(errors.ErrNoCurrentUser, "Client", "authParams", "build handshake params")
	}
	if provider != nil {
		fresh, err := provider(context.Background())
		if err == nil && fresh != "" {
			token = fresh
			c.mu.Lock()
			c.token = fresh
			c.mu.Unlock()
			c.api.SetToken(fresh)
		}
	}

	v := url.Values{}
	v.Set("api_key", c.cfg.APIKey)
	v.Set("user_id", userID)
	v.Set("authorization", token)
	return v, nil
}

// refreshToken backs the HTTP transport's token-refresh flow.
func (c *Client) refreshToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	provider := c.tokenProvider
	c.mu.Unlock()

	if provider == nil {
		return "", errors.WrapAuth(errors.ErrTokenExpired, "Client", "refreshToken", "refresh session token")
	}
	token, err := provider(ctx)
	if err != nil {
		return "", errors.WrapAuth(err, "Client", "refreshToken", "refresh session token")
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return token, nil
}

// SetUser sets the current user with a static token. Switching to a
// different user tears the previous session down first: workers stop,
// the connection closes, and per-session store state is cleared so nothing
// from the old session bleeds into the new one.
func (c *Client) SetUser(ctx context.Context, user *types.User, token string) error {
	return c.setUser(ctx, user, token, nil)
}

// SetUserWithProvider sets the current user with a token provider consulted
// on auth failures and reconnects.
func (c *Client) SetUserWithProvider(ctx context.Context, user *types.User, provider TokenProvider) error {
	if provider == nil {
		return errors.WrapFatal(errors.ErrInvalidPayload, "Client", "SetUserWithProvider", "require token provider")
	}
	token, err := provider(ctx)
	if err != nil {
		return errors.WrapAuth(err, "Client", "SetUserWithProvider", "fetch initial token")
	}
	return c.setUser(ctx, user, token, provider)
}

func (c *Client) setUser(ctx context.Context, user *types.User, token string, provider TokenProvider) error {
	if user == nil || user.ID == "" {
		return errors.WrapFatal(errors.ErrInvalidPayload, "Client", "SetUser", "require user id")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Wrap(errors.ErrSessionClosed, "Client", "SetUser", "set user")
	}
	switching := c.userID != "" && c.userID != user.ID
	active := c.started
	c.mu.Unlock()

	if switching {
		c.logger.Info("switching user, tearing down previous session", "user_id", user.ID)
		if err := c.teardown(ctx, true); err != nil {
			return err
		}
	} else if active {
		// Re-authenticating the same user still ends the running session:
		// workers are bound to one session and never reused. The store
		// keeps its state, the next Connect picks it up.
		c.logger.Info("re-authenticating, restarting session", "user_id", user.ID)
		if err := c.teardown(ctx, false); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.userID = user.ID
	c.token = token
	c.tokenProvider = provider
	c.mu.Unlock()
	c.api.SetToken(token)

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}
	return c.store.UpsertUser(ctx, user)
}

// Connect starts the session: workers come up first so the queue drains and
// watches restore as soon as the connection acks, then the streaming loop
// starts. Calling Connect while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Wrap(errors.ErrSessionClosed, "Client", "Connect", "start session")
	}
	if c.userID == "" {
		c.mu.Unlock()
		return errors.WrapAuth(errors.ErrNoCurrentUser, "Client", "Connect", "start session")
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	sessionCtx, cancel := context.WithCancel(context.Background())
	c.sessionCancel = cancel
	c.started = true
	c.mu.Unlock()

	var g errgroup.Group
	for _, w := range c.workers {
		w := w
		g.Go(func() error {
			if err := w.Initialize(); err != nil {
				return errors.Wrap(err, "Client", "Connect", "initialize "+w.Name())
			}
			if err := w.Start(sessionCtx); err != nil {
				return errors.Wrap(err, "Client", "Connect", "start "+w.Name())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.stopSession()
		return err
	}

	return c.conn.Connect(sessionCtx)
}

// Disconnect tears the session down: the connection closes, workers stop,
// queued connection-id waiters fail fast. The persistent store survives, so
// messages queued offline are sent on the next Connect.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.teardown(ctx, false)
}

// teardown stops the session. clearState additionally wipes per-session
// store state (pending queue, watched set, event watermark) and is only
// used when the session identity changes.
func (c *Client) teardown(ctx context.Context, clearState bool) error {
	c.stopSession()
	c.connIDs.Teardown()

	if clearState {
		if err := c.store.ClearSessionState(ctx); err != nil {
			return err
		}
	}
	return nil
}

// stopSession halts the connection and workers if running. Workers stop
// before the context is cancelled so in-flight drains finish cleanly.
func (c *Client) stopSession() {
	c.mu.Lock()
	started := c.started
	c.started = false
	cancel := c.sessionCancel
	c.sessionCancel = nil
	c.mu.Unlock()

	if !started {
		return
	}

	if err := c.conn.Disconnect(); err != nil {
		c.logger.Warn("disconnect failed", "error", err)
	}
	for _, w := range c.workers {
		if err := w.Stop(stopTimeout); err != nil {
			c.logger.Warn("worker stop failed", "worker", w.Name(), "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
}

// Close shuts the client down for good: session teardown, typing cache,
// store. The client cannot be reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stopSession()
	c.connIDs.Teardown()
	c.typing.Close()

	c.subMu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subMu.Unlock()

	return c.store.Close()
}

// SendMessage queues a message for delivery and returns its local id. The
// sender worker picks it up immediately when connected; offline it stays
// queued until the next Connect. Delivery progress is observable through
// the pending record's status.
func (c *Client) SendMessage(ctx context.Context, channelID, text string) (string, error) {
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()
	if userID == "" {
		return "", errors.WrapAuth(errors.ErrNoCurrentUser, "Client", "SendMessage", "queue message")
	}

	localID := uuid.NewString()
	item := &types.PendingMessage{
		LocalID:   localID,
		Kind:      types.PendingKindSend,
		ChannelID: channelID,
		UserID:    userID,
		Text:      text,
	}
	if err := c.store.EnqueuePending(ctx, item); err != nil {
		return "", err
	}
	return localID, nil
}

// EditMessage queues an edit of a server-acknowledged message.
func (c *Client) EditMessage(ctx context.Context, messageID, text string) (string, error) {
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()
	if userID == "" {
		return "", errors.WrapAuth(errors.ErrNoCurrentUser, "Client", "EditMessage", "queue edit")
	}

	var channelID string
	if msg, err := c.store.GetMessage(ctx, messageID); err == nil {
		channelID = msg.ChannelID
	}

	localID := uuid.NewString()
	item := &types.PendingMessage{
		LocalID:   localID,
		ServerID:  messageID,
		Kind:      types.PendingKindEdit,
		ChannelID: channelID,
		UserID:    userID,
		Text:      text,
	}
	if err := c.store.EnqueuePending(ctx, item); err != nil {
		return "", err
	}
	return localID, nil
}

// RetryMessage requeues a failed or stuck pending item.
func (c *Client) RetryMessage(ctx context.Context, localID string) error {
	return c.store.RequeuePending(ctx, localID)
}

// DeleteMessage deletes a message on the server and soft-deletes it
// locally. A locally unknown message is not an error; the deletion event
// settles it.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if err := c.api.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	if err := c.store.SoftDeleteMessage(ctx, messageID, time.Now().UTC()); err != nil && !errors.IsNotFound(err) {
		return err
	}
	return nil
}

// WatchChannel subscribes to a channel's events and folds the returned
// snapshot into the store. The channel joins the watched set first, so a
// failed request is retried by the watch worker on the next connect.
func (c *Client) WatchChannel(ctx context.Context, channelID string) (*transport.ChannelState, error) {
	if err := c.store.SetChannelWatched(ctx, channelID, true); err != nil {
		return nil, err
	}
	state, err := c.api.WatchChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	worker.PersistChannelState(ctx, c.store, state, c.logger)
	return state, nil
}

// StopWatching removes a channel from the watched set and tells the server.
func (c *Client) StopWatching(ctx context.Context, channelID string) error {
	if err := c.store.SetChannelWatched(ctx, channelID, false); err != nil {
		return err
	}
	return c.api.StopWatching(ctx, channelID)
}

// MarkRead marks the channel read up to the given message.
func (c *Client) MarkRead(ctx context.Context, channelID, messageID string) error {
	return c.api.MarkRead(ctx, channelID, messageID)
}

// Messages reads messages from the local store.
func (c *Client) Messages(ctx context.Context, filter store.MessageFilter) ([]*types.Message, error) {
	return c.store.Messages(ctx, filter)
}

// Store exposes the local store for read access and change subscriptions.
func (c *Client) Store() store.Store {
	return c.store
}

// Metrics exposes the metric registry, e.g. to mount its HTTP handler.
func (c *Client) Metrics() *metric.Registry {
	return c.metrics
}

// ConnectionStatus returns the current streaming connection state.
func (c *Client) ConnectionStatus() ws.State {
	return c.conn.State()
}

// SubscribeConnectionStatus returns a channel of state transitions and an
// unsubscribe func. Delivery follows transition order; a full channel drops
// transitions rather than blocking the connection.
func (c *Client) SubscribeConnectionStatus(buffer int) (<-chan ws.State, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan ws.State, buffer)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	unsubscribe := func() {
		c.subMu.Lock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
		c.subMu.Unlock()
	}
	return ch, unsubscribe
}

// ConnectionID returns the current connection id, waiting for the next
// connected transition when none is available. Bounded by ctx.
func (c *Client) ConnectionID(ctx context.Context) (string, error) {
	return c.connIDs.ConnectionID(ctx)
}

// ProvideConnectionID invokes cb with the connection id, synchronously when
// available, otherwise once on the next connected transition. See
// ConnIDProvider.Provide for the exact resolution rules.
func (c *Client) ProvideConnectionID(cb func(id string, err error)) {
	c.connIDs.Provide(cb)
}
