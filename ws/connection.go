package ws

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/chatsync/errors"
	"github.com/c360/chatsync/event"
	"github.com/c360/chatsync/metric"
	"github.com/c360/chatsync/pkg/retry"
)

// EventHandler receives decoded events in arrival order, from a single
// goroutine. It must not block for long; slow work belongs downstream.
type EventHandler func(*event.Event)

// StateHandler observes connection state transitions, in order, with no
// consecutive duplicates.
type StateHandler func(State)

// AuthParams supplies the query parameters of the connect URL (api key,
// user token). Called before every dial so refreshed tokens take effect on
// reconnect.
type AuthParams func() (url.Values, error)

// ReachabilityCheck reports whether a network path is currently available.
// When wired, connect attempts are skipped entirely while it returns false,
// instead of burning dials that cannot succeed.
type ReachabilityCheck func(ctx context.Context) bool

// Connection is the streaming transport. One Connect starts a background
// loop that dials, reads, and reconnects per policy; Disconnect stops it.
type Connection struct {
	url        string
	dialer     *websocket.Dialer
	decoder    *event.Decoder
	policy     retry.Policy
	logger     *slog.Logger
	authParams AuthParams
	reachable  ReachabilityCheck

	pingInterval time.Duration
	pongTimeout  time.Duration
	ackTimeout   time.Duration

	onEvent       EventHandler
	stateHandlers []StateHandler

	// transitionMu serializes state transitions and observer delivery so
	// observers see transitions in order.
	transitionMu sync.Mutex
	state        atomic.Value // State

	mu       sync.Mutex
	conn     *websocket.Conn
	shutdown chan struct{}
	done     chan struct{}
	running  bool

	reconnects  prometheus.Counter
	connectedUp prometheus.Gauge
}

// Option configures a Connection.
type Option func(*Connection) error

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Connection) error {
		if d == nil {
			return errors.WrapFatal(errors.ErrMissingConfig, "Connection", "WithDialer", "nil dialer")
		}
		c.dialer = d
		return nil
	}
}

// WithKeepalive tunes the ping interval and pong wait.
func WithKeepalive(pingInterval, pongTimeout time.Duration) Option {
	return func(c *Connection) error {
		if pingInterval <= 0 || pongTimeout <= 0 {
			return errors.WrapFatal(errors.ErrInvalidConfig, "Connection", "WithKeepalive", "non-positive interval")
		}
		c.pingInterval = pingInterval
		c.pongTimeout = pongTimeout
		return nil
	}
}

// WithAckTimeout bounds how long a dialed connection may go without the
// server acknowledgment before it counts as a failed attempt.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Connection) error {
		if d <= 0 {
			return errors.WrapFatal(errors.ErrInvalidConfig, "Connection", "WithAckTimeout", "non-positive timeout")
		}
		c.ackTimeout = d
		return nil
	}
}

// WithReconnectPolicy replaces the reconnection backoff policy.
func WithReconnectPolicy(p retry.Policy) Option {
	return func(c *Connection) error {
		if p == nil {
			return errors.WrapFatal(errors.ErrMissingConfig, "Connection", "WithReconnectPolicy", "nil policy")
		}
		c.policy = p
		return nil
	}
}

// WithAuthParams wires the connect-URL query parameter source.
func WithAuthParams(fn AuthParams) Option {
	return func(c *Connection) error {
		c.authParams = fn
		return nil
	}
}

// WithReachability wires a network-path probe consulted before each dial.
func WithReachability(fn ReachabilityCheck) Option {
	return func(c *Connection) error {
		c.reachable = fn
		return nil
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) error {
		if logger == nil {
			return errors.WrapFatal(errors.ErrMissingConfig, "Connection", "WithLogger", "nil logger")
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics registers connection metrics.
func WithMetrics(registry *metric.Registry) Option {
	return func(c *Connection) error {
		c.reconnects = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_ws_reconnect_attempts_total",
			Help: "Reconnection attempts made by the streaming connection",
		})
		if err := registry.RegisterCounter("ws", "reconnect_attempts_total", c.reconnects); err != nil {
			return err
		}
		c.connectedUp = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_ws_connected",
			Help: "1 while the streaming connection is established",
		})
		return registry.RegisterGauge("ws", "connected", c.connectedUp)
	}
}

// New creates a streaming connection for the given ws(s) URL.
func New(wsURL string, opts ...Option) (*Connection, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Connection", "New", "validate url "+wsURL)
	}

	decoder, err := event.NewDecoder()
	if err != nil {
		return nil, err
	}

	c := &Connection{
		url:          wsURL,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		decoder:      decoder,
		policy:       retry.DefaultBackoffPolicy(),
		logger:       slog.Default().With("component", "ws"),
		pingInterval: 25 * time.Second,
		pongTimeout:  10 * time.Second,
		ackTimeout:   10 * time.Second,
	}
	c.state.Store(State{Status: StatusDisconnected})
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// OnEvent installs the event handler. Must be called before Connect.
func (c *Connection) OnEvent(h EventHandler) {
	c.onEvent = h
}

// OnStateChange registers a state observer. Must be called before Connect.
// Observers run synchronously in transition order; the connected state with
// its connection id is delivered before any event from that connection.
func (c *Connection) OnStateChange(h StateHandler) {
	c.stateHandlers = append(c.stateHandlers, h)
}

// State returns the current connection state.
func (c *Connection) State() State {
	s, _ := c.state.Load().(State)
	return s
}

func (c *Connection) setState(next State) {
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()

	if c.State().Equal(next) {
		return
	}
	c.state.Store(next)

	if c.connectedUp != nil {
		if next.Status == StatusConnected {
			c.connectedUp.Set(1)
		} else {
			c.connectedUp.Set(0)
		}
	}
	for _, h := range c.stateHandlers {
		h(next)
	}
}

// Connect starts the connection loop. Calling it while already running is a
// no-op, so concurrent callers coalesce onto the same attempt. The method
// returns once the loop is started; observe state to learn the outcome.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	c.running = true
	c.shutdown = make(chan struct{})
	c.done = make(chan struct{})
	c.policy.Reset()

	go c.run(ctx, c.shutdown, c.done)
	return nil
}

// Disconnect stops the loop and closes the connection. Reconnection does
// not run for user-initiated disconnects.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	shutdown := c.shutdown
	done := c.done
	conn := c.conn
	c.mu.Unlock()

	c.setState(State{Status: StatusDisconnecting, Source: SourceUser})
	close(shutdown)
	if conn != nil {
		_ = conn.Close()
	}
	<-done

	c.setState(State{Status: StatusDisconnected, Source: SourceUser})
	return nil
}

func (c *Connection) stopping(shutdown chan struct{}, ctx context.Context) bool {
	select {
	case <-shutdown:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// run is the connect loop: dial, serve until the connection drops, then
// consult the policy and try again. Exits on user disconnect, context
// cancellation, or policy exhaustion.
func (c *Connection) run(ctx context.Context, shutdown chan struct{}, done chan struct{}) {
	defer close(done)

	for {
		if c.stopping(shutdown, ctx) {
			return
		}

		if c.reachable != nil && !c.reachable(ctx) {
			c.logger.Debug("no network path, skipping connect attempt")
			cause := errors.WrapTransient(errors.ErrNetworkUnreachable, "Connection", "run", "check reachability")
			if !c.backoff(ctx, shutdown, cause) {
				return
			}
			continue
		}

		c.setState(State{Status: StatusConnecting})

		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("dial failed", "error", err)
			if !c.backoff(ctx, shutdown, err) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		serveErr := c.serve(conn, shutdown)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		select {
		case <-shutdown:
			// User disconnect; Disconnect() emits the final states.
			return
		default:
		}

		c.logger.Info("connection lost", "error", serveErr)
		if !c.backoff(ctx, shutdown, serveErr) {
			return
		}
	}
}

// disconnectSource classifies a lost connection: a clean close initiated
// by the server is a system disconnect, everything else is an error.
func disconnectSource(cause error) DisconnectSource {
	var closeErr *websocket.CloseError
	if stderrors.As(cause, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return SourceSystem
		}
	}
	return SourceError
}

// backoff transitions to disconnected with the error, then waits the
// policy's next delay. Returns false when reconnection should stop.
func (c *Connection) backoff(ctx context.Context, shutdown chan struct{}, cause error) bool {
	c.setState(State{Status: StatusDisconnected, Source: disconnectSource(cause), Err: cause})

	delay, ok := c.policy.NextDelay()
	if !ok {
		c.logger.Error("reconnect policy exhausted, giving up", "error", cause)
		return false
	}
	if c.reconnects != nil {
		c.reconnects.Inc()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-shutdown:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	connectURL := c.url
	if c.authParams != nil {
		params, err := c.authParams()
		if err != nil {
			return nil, errors.WrapAuth(err, "Connection", "dial", "build auth params")
		}
		if len(params) > 0 {
			connectURL = c.url + "?" + params.Encode()
		}
	}

	conn, _, err := c.dialer.DialContext(ctx, connectURL, nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "Connection", "dial", "dial "+c.url)
	}
	return conn, nil
}

// serve reads frames until the connection drops. The first acknowledgment
// frame resets the policy and publishes the connected state (with the
// connection id) before the ack event itself is dispatched, so anything
// waiting on the id can proceed before the pipeline sees the event.
func (c *Connection) serve(conn *websocket.Conn, shutdown chan struct{}) error {
	acked := false
	_ = conn.SetReadDeadline(time.Now().Add(c.ackTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pingInterval + c.pongTimeout))
	})

	keepaliveStop := make(chan struct{})
	defer close(keepaliveStop)
	go c.keepalive(conn, keepaliveStop, shutdown)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if !acked {
				return errors.WrapTransient(errors.ErrConnectionTimeout, "Connection", "serve", "await acknowledgment")
			}
			return errors.WrapTransient(err, "Connection", "serve", "read frame")
		}

		ev, err := c.decoder.Decode(frame)
		if err != nil {
			// A malformed frame is dropped; the connection stays up.
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		if ev.IsConnectionAck() && !acked {
			acked = true
			c.policy.Reset()
			_ = conn.SetReadDeadline(time.Now().Add(c.pingInterval + c.pongTimeout))
			c.setState(State{Status: StatusConnected, ConnectionID: ev.ConnectionID})
		}

		if c.onEvent != nil {
			c.onEvent(ev)
		}
	}
}

func (c *Connection) keepalive(conn *websocket.Conn, stop, shutdown chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-shutdown:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.pongTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}
