// Package transport implements the HTTP API client the background workers
// and the session facade use for outbound operations: authenticated JSON
// requests with rate limiting, transient-error retry, and a single token
// refresh on expiry.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/chatsync/errors"
	"github.com/c360/chatsync/pkg/retry"
)

// ConnectionIDProvider supplies the current streaming connection id.
// Operations that the backend ties to a live connection (watching channels,
// missed-event sync) block on it until a connection is established or the
// session is torn down.
type ConnectionIDProvider interface {
	ConnectionID(ctx context.Context) (string, error)
}

// TokenRefresher mints a fresh user token after the current one expires.
type TokenRefresher func(ctx context.Context) (string, error)

// Client is the HTTP API client. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retryCfg   retry.Config
	connIDs    ConnectionIDProvider
	refresh    TokenRefresher
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
}

// Option configures the Client.
type Option func(*Client) error

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.WrapFatal(errors.ErrMissingConfig, "Client", "WithHTTPClient", "nil http client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithRateLimit caps outbound request rate.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) error {
		if perSecond <= 0 || burst <= 0 {
			return errors.WrapFatal(errors.ErrInvalidConfig, "Client", "WithRateLimit", "non-positive rate")
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		return nil
	}
}

// WithRetry replaces the transient-error retry configuration.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) error {
		c.retryCfg = cfg
		return nil
	}
}

// WithConnectionIDProvider wires the streaming connection id source.
func WithConnectionIDProvider(p ConnectionIDProvider) Option {
	return func(c *Client) error {
		c.connIDs = p
		return nil
	}
}

// WithTokenRefresher wires the token refresh callback.
func WithTokenRefresher(r TokenRefresher) Option {
	return func(c *Client) error {
		c.refresh = r
		return nil
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			return errors.WrapFatal(errors.ErrMissingConfig, "Client", "WithLogger", "nil logger")
		}
		c.logger = logger
		return nil
	}
}

// New creates an API client for the given base URL and API key.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.WrapFatal(errors.ErrMissingAPIKey, "Client", "New", "validate api key")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Client", "New", "validate base url "+baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		retryCfg:   retry.Transport(),
		logger:     slog.Default().With("component", "transport"),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetToken installs the current user token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// apiError is the backend error envelope.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// classifyStatus maps an HTTP response to the error taxonomy. 401/403 are
// auth errors, 429 and 5xx are transient, the rest are terminal.
func classifyStatus(status int, body []byte, operation string) error {
	var envelope apiError
	_ = json.Unmarshal(body, &envelope)
	detail := envelope.Message
	if detail == "" {
		detail = http.StatusText(status)
	}
	base := fmt.Errorf("status %d: %s", status, detail)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if strings.Contains(strings.ToLower(detail), "expired") {
			return errors.WrapAuth(errors.ErrTokenExpired, "Client", operation, detail)
		}
		return errors.WrapAuth(base, "Client", operation, "authenticate request")
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.WrapTransient(base, "Client", operation, "server unavailable")
	case status == http.StatusNotFound:
		return errors.Wrap(errors.ErrNotFound, "Client", operation, detail)
	default:
		return retry.NonRetryable(errors.Wrap(base, "Client", operation, "request rejected"))
	}
}

// do executes one authenticated JSON request with rate limiting, retrying
// transient failures and refreshing the token once on expiry.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, operation string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "Client", operation, "rate limit wait")
	}

	refreshed := false
	attempt := func() error {
		err := c.doOnce(ctx, method, path, query, body, out, operation)
		if err == nil {
			return nil
		}
		if errors.IsAuth(err) && c.refresh != nil && !refreshed {
			refreshed = true
			token, refreshErr := c.refresh(ctx)
			if refreshErr != nil {
				return retry.NonRetryable(errors.WrapAuth(refreshErr, "Client", operation, "refresh token"))
			}
			c.SetToken(token)
			c.logger.Debug("token refreshed after auth failure", "operation", operation)
			return c.doOnce(ctx, method, path, query, body, out, operation)
		}
		if !errors.IsTransient(err) {
			return retry.NonRetryable(err)
		}
		return err
	}

	return retry.Do(ctx, c.retryCfg, attempt)
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body, out any, operation string) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", c.apiKey)
	fullURL := c.baseURL + path + "?" + query.Encode()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.WrapFatal(err, "Client", operation, "encode request body")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return errors.WrapFatal(err, "Client", operation, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Client", operation, "execute request")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return errors.WrapTransient(err, "Client", operation, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, respBody, operation)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errors.WrapDecode(err, "Client", operation, "decode response body")
		}
	}
	return nil
}

// connectionID resolves the current connection id, failing when no provider
// is wired.
func (c *Client) connectionID(ctx context.Context) (string, error) {
	if c.connIDs == nil {
		return "", errors.Wrap(errors.ErrConnectionIDMissing, "Client", "connectionID", "resolve connection id")
	}
	return c.connIDs.ConnectionID(ctx)
}
