package service

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"edfi_sync/internal/domain"
	"edfi_sync/internal/source/edfi"
)

const (
	defaultPageSize          = 100
	maxPageSize              = 500
	defaultRequestsPerMinute = 300
)

// Registry manages connection configuration.
type Registry struct {
	connections ConnectionStore
	secrets     Encrypter
	tokens      TokenProvider
	remote      RemoteClient
	publisher   Publisher
	logger      *slog.Logger
	now         func() time.Time
}

func NewRegistry(
	connections ConnectionStore,
	secrets Encrypter,
	tokens TokenProvider,
	remote RemoteClient,
	publisher Publisher,
	logger *slog.Logger,
) *Registry {
	return &Registry{
		connections: connections,
		secrets:     secrets,
		tokens:      tokens,
		remote:      remote,
		publisher:   publisher,
		logger:      logger.With("component", "registry"),
		now:         time.Now,
	}
}

func (r *Registry) RegisterConnection(ctx context.Context, tenantID string, in domain.ConnectionInput) (*domain.Connection, error) {
	if tenantID == "" {
		return nil, domain.NewError(domain.KindValidation, "tenant id is required")
	}
	if in.ClientSecret == "" {
		return nil, domain.NewError(domain.KindValidation, "client secret is required")
	}

	now := r.now().UTC()
	conn := &domain.Connection{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		PageSize:          defaultPageSize,
		RequestsPerMinute: defaultRequestsPerMinute,
		DefaultDirection:  domain.DirectionBidirectional,
		Status:            domain.ConnectionActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	applyInput(conn, in)

	if err := validateConnection(conn); err != nil {
		return nil, err
	}

	encrypted, err := r.secrets.Encrypt(in.ClientSecret)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "encrypt client secret")
	}
	conn.EncryptedSecret = encrypted

	if err := r.connections.Create(ctx, conn); err != nil {
		return nil, domain.AsBoundaryError(err)
	}

	r.logger.Info("connection registered", "connection", conn)
	r.publish(ctx, domain.EventConnectionRegistered, conn.TenantID, map[string]any{
		"connection_id": conn.ID,
		"name":          conn.Name,
		"base_url":      conn.BaseURL,
	})

	return conn, nil
}

// UpdateConnection applies the non-zero fields of in. A new secret or endpoint drops the cached token.
func (r *Registry) UpdateConnection(ctx context.Context, id string, in domain.ConnectionInput) (*domain.Connection, error) {
	conn, err := r.connections.Get(ctx, id)
	if err != nil {
		return nil, domain.AsBoundaryError(err)
	}

	credentialsChanged := in.ClientSecret != "" ||
		(in.ClientID != "" && in.ClientID != conn.ClientID) ||
		(in.OAuthURL != "" && in.OAuthURL != conn.OAuthURL) ||
		(in.BaseURL != "" && in.BaseURL != conn.BaseURL)

	applyInput(conn, in)
	if err := validateConnection(conn); err != nil {
		return nil, err
	}

	if in.ClientSecret != "" {
		encrypted, err := r.secrets.Encrypt(in.ClientSecret)
		if err != nil {
			return nil, domain.WrapError(domain.KindInternal, err, "encrypt client secret")
		}
		conn.EncryptedSecret = encrypted
	}
	if credentialsChanged {
		conn.AccessToken = nil
		conn.TokenExpiresAt = nil
	}
	conn.UpdatedAt = r.now().UTC()

	if err := r.connections.Update(ctx, conn); err != nil {
		return nil, domain.AsBoundaryError(err)
	}
	if credentialsChanged {
		r.tokens.Invalidate(ctx, conn.ID)
	}

	r.logger.Info("connection updated", "connection", conn)
	return conn, nil
}

func (r *Registry) GetConnection(ctx context.Context, id string) (*domain.Connection, error) {
	conn, err := r.connections.Get(ctx, id)
	if err != nil {
		return nil, domain.AsBoundaryError(err)
	}
	return conn, nil
}

func (r *Registry) ListConnections(ctx context.Context, tenantID string) ([]domain.Connection, error) {
	conns, err := r.connections.List(ctx, tenantID)
	if err != nil {
		return nil, domain.AsBoundaryError(err)
	}
	return conns, nil
}

func (r *Registry) DeleteConnection(ctx context.Context, id string) error {
	if err := r.connections.Delete(ctx, id); err != nil {
		return domain.AsBoundaryError(err)
	}
	r.tokens.Invalidate(ctx, id)
	r.logger.Info("connection deleted", "connection_id", id)
	return nil
}

// TestConnection authenticates and asks the remote for its change versions.
func (r *Registry) TestConnection(ctx context.Context, id string) (*edfi.ChangeVersions, error) {
	conn, err := r.connections.Get(ctx, id)
	if err != nil {
		return nil, domain.AsBoundaryError(err)
	}

	if _, err := r.tokens.GetToken(ctx, conn); err != nil {
		return nil, domain.AsBoundaryError(err)
	}

	versions, err := r.remote.AvailableChangeVersions(ctx, conn)
	if err != nil {
		if domain.IsKind(err, domain.KindAuthenticationFailed) {
			return nil, err
		}
		return nil, domain.WrapError(domain.KindValidation, err, "remote endpoint %s is unreachable", conn.BaseURL)
	}
	return versions, nil
}

func (r *Registry) publish(ctx context.Context, event, tenantID string, payload any) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, event, tenantID, payload); err != nil {
		r.logger.Warn("failed to publish event", "event", event, "error", err)
	}
}

func applyInput(conn *domain.Connection, in domain.ConnectionInput) {
	if in.Name != "" {
		conn.Name = in.Name
	}
	if in.BaseURL != "" {
		conn.BaseURL = in.BaseURL
	}
	if in.OAuthURL != "" {
		conn.OAuthURL = in.OAuthURL
	}
	if in.ClientID != "" {
		conn.ClientID = in.ClientID
	}
	if in.PageSize != 0 {
		conn.PageSize = in.PageSize
	}
	if in.RequestsPerMinute != 0 {
		conn.RequestsPerMinute = in.RequestsPerMinute
	}
	if in.DefaultDirection != "" {
		conn.DefaultDirection = in.DefaultDirection
	}
	if in.EnabledResources != nil {
		conn.EnabledResources = in.EnabledResources
	}
	if in.Status != "" {
		conn.Status = in.Status
	}
}

func validateConnection(conn *domain.Connection) error {
	if err := validateEndpoint("base url", conn.BaseURL); err != nil {
		return err
	}
	if err := validateEndpoint("oauth url", conn.OAuthURL); err != nil {
		return err
	}
	if conn.ClientID == "" {
		return domain.NewError(domain.KindValidation, "client id is required")
	}
	if conn.PageSize < 1 || conn.PageSize > maxPageSize {
		return domain.NewError(domain.KindValidation, "page size must be between 1 and %d", maxPageSize)
	}
	if conn.RequestsPerMinute < 1 {
		return domain.NewError(domain.KindValidation, "requests per minute must be positive")
	}
	if !conn.DefaultDirection.Valid() {
		return domain.NewError(domain.KindValidation, "unknown direction %q", conn.DefaultDirection)
	}
	switch conn.Status {
	case domain.ConnectionActive, domain.ConnectionInactive, domain.ConnectionError:
	default:
		return domain.NewError(domain.KindValidation, "unknown status %q", conn.Status)
	}
	for _, rt := range conn.EnabledResources {
		if rt == "" {
			return domain.NewError(domain.KindValidation, "empty resource type")
		}
	}
	return nil
}

func validateEndpoint(name, raw string) error {
	if raw == "" {
		return domain.NewError(domain.KindValidation, "%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.NewError(domain.KindValidation, "%s must be an absolute http(s) url", name)
	}
	return nil
}
