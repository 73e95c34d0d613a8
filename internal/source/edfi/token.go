package edfi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"edfi_sync/internal/domain"
	"edfi_sync/internal/metrics"
)

// TokenStore is the durable tier of the token cache: the token columns of the connection row.
type TokenStore interface {
	LoadToken(ctx context.Context, connectionID string) (string, *time.Time, error)
	SaveToken(ctx context.Context, connectionID, token string, expiresAt time.Time) error
	ClearToken(ctx context.Context, connectionID string) error
}

type SecretDecrypter interface {
	Decrypt(ciphertext string) (string, error)
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// TokenCache hands out access tokens per connection.
//
// Lookup order: the in-process entry if it is still fresh, then the durable store (unless the
// connection was invalidated after a 401), then a client-credentials request. A token is fresh
// while its expiry is more than the buffer away. Refreshes for the same connection are collapsed
// so only one token request is in flight per connection.
type TokenCache struct {
	mu      sync.RWMutex
	entries map[string]cachedToken
	forced  map[string]bool
	group   singleflight.Group

	store      TokenStore
	secrets    SecretDecrypter
	httpClient *http.Client
	buffer     time.Duration
	defaultTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type TokenCacheConfig struct {
	Timeout      time.Duration
	ExpiryBuffer time.Duration
	DefaultTTL   time.Duration
}

type TokenCacheOption func(*TokenCache)

func WithTokenClock(now func() time.Time) TokenCacheOption {
	return func(c *TokenCache) {
		c.now = now
	}
}

func WithTokenHTTPClient(client *http.Client) TokenCacheOption {
	return func(c *TokenCache) {
		c.httpClient = client
	}
}

func WithTokenMetrics(m *metrics.Metrics) TokenCacheOption {
	return func(c *TokenCache) {
		c.metrics = m
	}
}

func NewTokenCache(cfg TokenCacheConfig, store TokenStore, secrets SecretDecrypter, logger *slog.Logger, opts ...TokenCacheOption) *TokenCache {
	if cfg.ExpiryBuffer == 0 {
		cfg.ExpiryBuffer = 60 * time.Second
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &TokenCache{
		entries:    make(map[string]cachedToken),
		forced:     make(map[string]bool),
		store:      store,
		secrets:    secrets,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		buffer:     cfg.ExpiryBuffer,
		defaultTTL: cfg.DefaultTTL,
		now:        time.Now,
		logger:     logger.With("component", "token_cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetToken returns a usable access token for the connection.
func (c *TokenCache) GetToken(ctx context.Context, conn *domain.Connection) (string, error) {
	if token, ok := c.cached(conn.ID); ok {
		return token, nil
	}

	if token, ok := c.loadDurable(ctx, conn.ID); ok {
		return token, nil
	}

	v, err, _ := c.group.Do(conn.ID, func() (any, error) {
		if token, ok := c.cached(conn.ID); ok {
			return token, nil
		}
		return c.refresh(ctx, conn)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate forces the next GetToken for the connection to request a new token.
func (c *TokenCache) Invalidate(ctx context.Context, connectionID string) {
	c.mu.Lock()
	delete(c.entries, connectionID)
	c.forced[connectionID] = true
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.ClearToken(ctx, connectionID); err != nil {
			c.logger.Warn("failed to clear persisted token",
				"connection_id", connectionID,
				"error", err,
			)
		}
	}
}

func (c *TokenCache) fresh(expiresAt time.Time) bool {
	return expiresAt.Sub(c.now()) > c.buffer
}

func (c *TokenCache) cached(connectionID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[connectionID]
	if !ok || !c.fresh(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

func (c *TokenCache) loadDurable(ctx context.Context, connectionID string) (string, bool) {
	if c.store == nil {
		return "", false
	}

	c.mu.RLock()
	forced := c.forced[connectionID]
	c.mu.RUnlock()
	if forced {
		return "", false
	}

	token, expiresAt, err := c.store.LoadToken(ctx, connectionID)
	if err != nil {
		c.logger.Warn("failed to load persisted token",
			"connection_id", connectionID,
			"error", err,
		)
		return "", false
	}
	if token == "" || expiresAt == nil || !c.fresh(*expiresAt) {
		return "", false
	}

	c.put(connectionID, token, *expiresAt)
	return token, true
}

func (c *TokenCache) put(connectionID, token string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[connectionID] = cachedToken{value: token, expiresAt: expiresAt}
	delete(c.forced, connectionID)
}

func (c *TokenCache) refresh(ctx context.Context, conn *domain.Connection) (string, error) {
	secret, err := c.secrets.Decrypt(conn.EncryptedSecret)
	if err != nil {
		c.metrics.RecordTokenRefresh(false)
		return "", domain.WrapError(domain.KindAuthenticationFailed, err, "decrypt client secret")
	}

	cc := clientcredentials.Config{
		ClientID:     conn.ClientID,
		ClientSecret: secret,
		TokenURL:     conn.OAuthURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	tok, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient))
	if err != nil {
		c.metrics.RecordTokenRefresh(false)
		authErr := domain.WrapError(domain.KindAuthenticationFailed, err, "token request for connection %s", conn.ID)
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			authErr.StatusCode = retrieveErr.Response.StatusCode
		}
		c.logger.Error("token request failed",
			"connection_id", conn.ID,
			"status", authErr.StatusCode,
		)
		return "", authErr
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = c.now().Add(c.defaultTTL)
	}

	c.put(conn.ID, tok.AccessToken, expiresAt)
	c.metrics.RecordTokenRefresh(true)

	if c.store != nil {
		if err := c.store.SaveToken(ctx, conn.ID, tok.AccessToken, expiresAt); err != nil {
			c.logger.Warn("failed to persist token",
				"connection_id", conn.ID,
				"error", err,
			)
		}
	}

	c.logger.Debug("refreshed access token",
		"connection_id", conn.ID,
		"expires_at", expiresAt,
	)

	return tok.AccessToken, nil
}
