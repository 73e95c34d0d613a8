package edfi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"edfi_sync/internal/domain"
	"edfi_sync/internal/metrics"
)

// TokenProvider is satisfied by *TokenCache.
type TokenProvider interface {
	GetToken(ctx context.Context, conn *domain.Connection) (string, error)
	Invalidate(ctx context.Context, connectionID string)
}

// Config holds Ed-Fi client configuration.
type Config struct {
	Timeout           time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	DefaultRetryAfter time.Duration
}

// Client executes authenticated calls against an Ed-Fi ODS/API.
type Client struct {
	httpClient        *http.Client
	tokens            TokenProvider
	maxAttempts       int
	backoffBase       time.Duration
	defaultRetryAfter time.Duration
	sleep             func(ctx context.Context, d time.Duration) error
	logger            *slog.Logger
	metrics           *metrics.Metrics

	mu       sync.Mutex
	limiters map[string]*connLimiter
}

type connLimiter struct {
	rpm     int
	limiter *rate.Limiter
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithSleep replaces the backoff sleeper; tests use it to observe delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New creates a new Ed-Fi client.
func New(cfg Config, tokens TokenProvider, logger *slog.Logger, opts ...Option) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.DefaultRetryAfter == 0 {
		cfg.DefaultRetryAfter = 5 * time.Second
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		tokens:            tokens,
		maxAttempts:       cfg.MaxAttempts,
		backoffBase:       cfg.BackoffBase,
		defaultRetryAfter: cfg.DefaultRetryAfter,
		sleep:             sleepContext,
		logger:            logger.With("component", "edfi_client"),
		limiters:          make(map[string]*connLimiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPage fetches one page of a resource collection.
func (c *Client) FetchPage(ctx context.Context, conn *domain.Connection, resourceType string, offset, limit int, minChangeVersion *int64) ([]domain.Record, error) {
	query := url.Values{}
	query.Set("offset", strconv.Itoa(offset))
	query.Set("limit", strconv.Itoa(limit))
	if minChangeVersion != nil {
		query.Set("minChangeVersion", strconv.FormatInt(*minChangeVersion, 10))
	}

	endpoint := resourceURL(conn, resourceType) + "?" + query.Encode()

	body, err := c.do(ctx, conn, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}

	var records []domain.Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, domain.WrapError(domain.KindRequestFailed, err, "decode %s page at offset %d", resourceType, offset)
	}
	return records, nil
}

// FetchAll walks the collection page by page, handing each page to fn.
// Paging continues while full pages come back.
func (c *Client) FetchAll(ctx context.Context, conn *domain.Connection, resourceType string, minChangeVersion *int64, fn func(offset int, page []domain.Record) error) error {
	limit := conn.PageSize
	if limit <= 0 {
		limit = defaultPageSize
	}

	for offset := 0; ; offset += limit {
		page, err := c.FetchPage(ctx, conn, resourceType, offset, limit, minChangeVersion)
		if err != nil {
			return fmt.Errorf("fetch page at offset %d: %w", offset, err)
		}

		c.logger.Debug("fetched page",
			"connection_id", conn.ID,
			"resource_type", resourceType,
			"offset", offset,
			"records", len(page),
		)

		if len(page) > 0 {
			if err := fn(offset, page); err != nil {
				return err
			}
		}

		if len(page) < limit {
			return nil
		}
	}
}

// Send issues a single mutation. A nil result means the server returned no content.
func (c *Client) Send(ctx context.Context, conn *domain.Connection, path, method string, body any) (json.RawMessage, error) {
	return c.send(ctx, conn, path, method, body, c.maxAttempts)
}

// SendOnce is Send with a budget of one attempt: 429, 5xx and transport failures are
// returned at once for the caller to retry. A 401 still re-authenticates once.
func (c *Client) SendOnce(ctx context.Context, conn *domain.Connection, path, method string, body any) (json.RawMessage, error) {
	return c.send(ctx, conn, path, method, body, 1)
}

func (c *Client) send(ctx context.Context, conn *domain.Connection, path, method string, body any, maxAttempts int) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, domain.WrapError(domain.KindValidation, err, "encode request body")
		}
	}

	resp, err := c.request(ctx, conn, method, resourceURL(conn, path), payload, maxAttempts)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(resp)) == 0 {
		return nil, nil
	}
	return json.RawMessage(resp), nil
}

func (c *Client) AvailableChangeVersions(ctx context.Context, conn *domain.Connection) (*ChangeVersions, error) {
	body, err := c.do(ctx, conn, http.MethodGet, resourceURL(conn, changeVersionsPath), nil)
	if err != nil {
		return nil, err
	}

	var versions ChangeVersions
	if len(body) == 0 {
		return &versions, nil
	}
	if err := json.Unmarshal(body, &versions); err != nil {
		return nil, domain.WrapError(domain.KindRequestFailed, err, "decode available change versions")
	}
	return &versions, nil
}

// do runs the request with the retry protocol:
// 401 re-authenticates once, 429 honours Retry-After, 5xx and transport errors back off
// exponentially; 429/5xx/transport attempts share the attempt budget.
func (c *Client) do(ctx context.Context, conn *domain.Connection, method, endpoint string, body []byte) ([]byte, error) {
	return c.request(ctx, conn, method, endpoint, body, c.maxAttempts)
}

func (c *Client) request(ctx context.Context, conn *domain.Connection, method, endpoint string, body []byte, maxAttempts int) ([]byte, error) {
	reauthenticated := false
	attempt := 0

	for {
		if err := c.wait(ctx, conn); err != nil {
			return nil, err
		}

		token, err := c.tokens.GetToken(ctx, conn)
		if err != nil {
			return nil, err
		}

		status, header, respBody, err := c.roundTrip(ctx, method, endpoint, token, body)
		c.metrics.RecordRemoteRequest(method, status)

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			attempt++
			if attempt >= maxAttempts {
				return nil, domain.WrapError(domain.KindServerError, err, "%s %s failed after %d attempts", method, endpoint, attempt)
			}
			if err := c.backoff(ctx, attempt, method, endpoint, err); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case status >= 200 && status < 300:
			if status == http.StatusNoContent {
				return nil, nil
			}
			return respBody, nil

		case status == http.StatusUnauthorized:
			c.tokens.Invalidate(ctx, conn.ID)
			if reauthenticated {
				return nil, remoteError(domain.KindAuthenticationFailed, status, method, endpoint, respBody)
			}
			reauthenticated = true
			c.logger.Info("access token rejected, re-authenticating", "connection_id", conn.ID)

		case status == http.StatusTooManyRequests:
			attempt++
			if attempt >= maxAttempts {
				return nil, remoteError(domain.KindRateLimited, status, method, endpoint, respBody)
			}
			wait := c.retryAfter(header)
			c.logger.Warn("rate limited, waiting",
				"connection_id", conn.ID,
				"attempt", attempt,
				"wait", wait,
			)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}

		case status >= 500:
			attempt++
			if attempt >= maxAttempts {
				return nil, remoteError(domain.KindServerError, status, method, endpoint, respBody)
			}
			if err := c.backoff(ctx, attempt, method, endpoint, fmt.Errorf("status %d", status)); err != nil {
				return nil, err
			}

		case status == http.StatusNotFound:
			return nil, remoteError(domain.KindResourceNotFound, status, method, endpoint, respBody)

		default:
			return nil, remoteError(domain.KindRequestFailed, status, method, endpoint, respBody)
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint, token string, body []byte) (int, http.Header, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "EdFiSync/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response: %w", err)
	}

	return resp.StatusCode, resp.Header, respBody, nil
}

func (c *Client) backoff(ctx context.Context, attempt int, method, endpoint string, cause error) error {
	wait := c.calculateBackoff(attempt)
	c.logger.Warn("request failed, retrying",
		"method", method,
		"url", endpoint,
		"attempt", attempt,
		"backoff", wait,
		"error", cause,
	)
	return c.sleep(ctx, wait)
}

// calculateBackoff returns base * 2^attempt.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.backoffBase
	for i := 0; i < attempt; i++ {
		backoff *= 2
	}
	return backoff
}

func (c *Client) retryAfter(header http.Header) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return c.defaultRetryAfter
}

// wait enforces the connection's requests-per-minute budget.
func (c *Client) wait(ctx context.Context, conn *domain.Connection) error {
	if conn.RequestsPerMinute <= 0 {
		return nil
	}

	c.mu.Lock()
	entry, ok := c.limiters[conn.ID]
	if !ok || entry.rpm != conn.RequestsPerMinute {
		burst := conn.RequestsPerMinute / 60
		if burst < 1 {
			burst = 1
		}
		entry = &connLimiter{
			rpm:     conn.RequestsPerMinute,
			limiter: rate.NewLimiter(rate.Limit(float64(conn.RequestsPerMinute)/60), burst),
		}
		c.limiters[conn.ID] = entry
	}
	c.mu.Unlock()

	return entry.limiter.Wait(ctx)
}

func resourceURL(conn *domain.Connection, path string) string {
	return strings.TrimRight(conn.BaseURL, "/") + apiRoot + strings.TrimLeft(path, "/")
}

func remoteError(kind domain.ErrorKind, status int, method, endpoint string, body []byte) *domain.Error {
	snippet := string(body)
	if len(snippet) > maxErrorBodyBytes {
		snippet = snippet[:maxErrorBodyBytes]
	}
	return &domain.Error{
		Kind:       kind,
		StatusCode: status,
		Message:    fmt.Sprintf("%s %s returned %d: %s", method, endpoint, status, strings.TrimSpace(snippet)),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
