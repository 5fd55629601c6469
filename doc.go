// Package chatsync is a client-side chat synchronization engine. It keeps a
// local persistent store in sync with a chat backend over two transports: a
// request/response HTTP API and a streaming WebSocket connection.
//
// # Architecture
//
// Events arriving on the streaming connection flow through an ordered
// middleware pipeline that persists entities, maintains typing indicators,
// and advances read state. Background workers push local changes the other
// way: the message sender and editor drain a persistent outbound queue, the
// channel watcher restores subscriptions after reconnects, and the missed
// event syncer replays the gap after an outage.
//
//	┌─────────────────────────────────────┐
//	│          Client Facade              │  Session lifecycle,
//	│  (connect, set user, send, watch)   │  connection identity
//	└─────────────────────────────────────┘
//	           ↓ owns
//	┌─────────────────────────────────────┐
//	│   Streaming + Request Transports    │  WebSocket state machine,
//	│     (ws connection, HTTP API)       │  retry, rate limiting
//	└─────────────────────────────────────┘
//	           ↓ feeds               ↑ drains
//	┌──────────────────┐   ┌──────────────────┐
//	│  Event Pipeline  │   │Background Workers│
//	└──────────────────┘   └──────────────────┘
//	           ↓ writes              ↑ reads
//	┌─────────────────────────────────────┐
//	│         Persistent Store            │  SQLite or in-memory,
//	│  (entities, pending queue, session) │  single mutation gate
//	└─────────────────────────────────────┘
//
// The store is the single mutation gate. Upserts are idempotent, keyed by
// entity id, and resolve same-id conflicts last-write-wins by update time,
// so replaying an event is always safe. A message upsert creates missing
// parent records first; nothing ever commits with a dangling reference.
//
// # Packages
//
//   - client: the facade applications use. Owns the session and the
//     connection identity provider.
//   - store: persistent entity store, SQLite-backed with an in-memory
//     fallback, plus the pending outbound queue.
//   - ws: the streaming connection with its explicit state machine and
//     pluggable reconnection policy.
//   - transport: the HTTP API client with retry, rate limiting, and token
//     refresh.
//   - pipeline: the ordered event middleware chain.
//   - worker: the background workers.
//   - event, types: wire events and domain entities.
//   - config, errors, metric: configuration, error classification, and
//     Prometheus metrics.
//
// # Usage
//
//	cfg := config.Default(apiKey)
//	c, err := client.New(*cfg)
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	if err := c.SetUser(ctx, &types.User{ID: "alice"}, token); err != nil {
//		return err
//	}
//	if err := c.Connect(ctx); err != nil {
//		return err
//	}
//	localID, err := c.SendMessage(ctx, "general", "hello")
//
// Messages queue locally while offline and drain automatically on the next
// connect; delivery progress is observable through the pending record's
// status and the store's change subscription.
package chatsync
