package domain

import (
	"log/slog"
	"slices"
	"time"
)

type ConnectionStatus string

const (
	ConnectionActive   ConnectionStatus = "active"
	ConnectionInactive ConnectionStatus = "inactive"
	ConnectionError    ConnectionStatus = "error"
)

// Connection is one remote Ed-Fi endpoint registered by a tenant.
type Connection struct {
	ID                string           `db:"id"`
	TenantID          string           `db:"tenant_id"`
	Name              string           `db:"name"`
	BaseURL           string           `db:"base_url"`
	OAuthURL          string           `db:"oauth_url"`
	ClientID          string           `db:"client_id"`
	EncryptedSecret   string           `db:"encrypted_secret"`
	PageSize          int              `db:"page_size"`
	RequestsPerMinute int              `db:"requests_per_minute"`
	DefaultDirection  Direction        `db:"default_direction"`
	EnabledResources  []string         `db:"-"`
	AccessToken       *string          `db:"access_token"`
	TokenExpiresAt    *time.Time       `db:"token_expires_at"`
	ChangeVersion     int64            `db:"change_version"`
	Status            ConnectionStatus `db:"status"`
	LastError         *string          `db:"last_error"`
	CreatedAt         time.Time        `db:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at"`
}

func (c *Connection) ResourceEnabled(resourceType string) bool {
	return slices.Contains(c.EnabledResources, resourceType)
}

// LogValue keeps credentials out of structured logs.
func (c *Connection) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID),
		slog.String("tenant_id", c.TenantID),
		slog.String("base_url", c.BaseURL),
		slog.String("client_id", c.ClientID),
		slog.String("status", string(c.Status)),
	)
}

// String never includes the secret or the access token.
func (c *Connection) String() string {
	return "Connection{" + c.ID + " " + c.BaseURL + "}"
}

// ConnectionInput carries the caller-provided fields of a registration or update.
type ConnectionInput struct {
	Name              string
	BaseURL           string
	OAuthURL          string
	ClientID          string
	ClientSecret      string
	PageSize          int
	RequestsPerMinute int
	DefaultDirection  Direction
	EnabledResources  []string
	Status            ConnectionStatus
}
