package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"edfi_sync/internal/domain"
)

const connectionColumns = `
	id, tenant_id, name, base_url, oauth_url, client_id, encrypted_secret, page_size,
	requests_per_minute, default_direction, enabled_resources, access_token, token_expires_at,
	change_version, status, last_error, created_at, updated_at`

type connectionRow struct {
	domain.Connection
	EnabledResources pq.StringArray `db:"enabled_resources"`
}

func (r *connectionRow) toDomain() *domain.Connection {
	conn := r.Connection
	conn.EnabledResources = []string(r.EnabledResources)
	return &conn
}

// ConnectionStore persists connections. It also backs the durable tier of the token cache.
type ConnectionStore struct {
	db *sqlx.DB
}

func NewConnectionStore(db *sqlx.DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

func (s *ConnectionStore) Create(ctx context.Context, conn *domain.Connection) error {
	query := `
		INSERT INTO edfi_connections (` + connectionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := executor(ctx, s.db).ExecContext(ctx, query,
		conn.ID,
		conn.TenantID,
		conn.Name,
		conn.BaseURL,
		conn.OAuthURL,
		conn.ClientID,
		conn.EncryptedSecret,
		conn.PageSize,
		conn.RequestsPerMinute,
		conn.DefaultDirection,
		pq.Array(nonNil(conn.EnabledResources)),
		conn.AccessToken,
		conn.TokenExpiresAt,
		conn.ChangeVersion,
		conn.Status,
		conn.LastError,
		conn.CreatedAt,
		conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// Update writes the editable fields. The watermark and status have their own setters.
func (s *ConnectionStore) Update(ctx context.Context, conn *domain.Connection) error {
	query := `
		UPDATE edfi_connections SET
			name = $2,
			base_url = $3,
			oauth_url = $4,
			client_id = $5,
			encrypted_secret = $6,
			page_size = $7,
			requests_per_minute = $8,
			default_direction = $9,
			enabled_resources = $10,
			access_token = $11,
			token_expires_at = $12,
			status = $13,
			updated_at = $14
		WHERE id = $1`

	res, err := executor(ctx, s.db).ExecContext(ctx, query,
		conn.ID,
		conn.Name,
		conn.BaseURL,
		conn.OAuthURL,
		conn.ClientID,
		conn.EncryptedSecret,
		conn.PageSize,
		conn.RequestsPerMinute,
		conn.DefaultDirection,
		pq.Array(nonNil(conn.EnabledResources)),
		conn.AccessToken,
		conn.TokenExpiresAt,
		conn.Status,
		conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}
	return expectRow(res, domain.KindConnectionNotFound, "connection %s not found", conn.ID)
}

func (s *ConnectionStore) Get(ctx context.Context, id string) (*domain.Connection, error) {
	var row connectionRow
	err := executor(ctx, s.db).GetContext(ctx, &row, `SELECT `+connectionColumns+` FROM edfi_connections WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewError(domain.KindConnectionNotFound, "connection %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return row.toDomain(), nil
}

func (s *ConnectionStore) List(ctx context.Context, tenantID string) ([]domain.Connection, error) {
	var rows []connectionRow
	err := executor(ctx, s.db).SelectContext(ctx, &rows,
		`SELECT `+connectionColumns+` FROM edfi_connections WHERE tenant_id = $1 ORDER BY created_at, id`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}

	conns := make([]domain.Connection, 0, len(rows))
	for i := range rows {
		conns = append(conns, *rows[i].toDomain())
	}
	return conns, nil
}

func (s *ConnectionStore) Delete(ctx context.Context, id string) error {
	res, err := executor(ctx, s.db).ExecContext(ctx, `DELETE FROM edfi_connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return expectRow(res, domain.KindConnectionNotFound, "connection %s not found", id)
}

// UpdateWatermark never moves the change version backwards.
func (s *ConnectionStore) UpdateWatermark(ctx context.Context, id string, changeVersion int64) error {
	_, err := executor(ctx, s.db).ExecContext(ctx, `
		UPDATE edfi_connections
		SET change_version = GREATEST(change_version, $2), updated_at = NOW()
		WHERE id = $1`,
		id, changeVersion,
	)
	if err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}
	return nil
}

func (s *ConnectionStore) UpdateStatus(ctx context.Context, id string, status domain.ConnectionStatus, lastError *string) error {
	_, err := executor(ctx, s.db).ExecContext(ctx, `
		UPDATE edfi_connections
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1`,
		id, status, lastError,
	)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	return nil
}

func (s *ConnectionStore) LoadToken(ctx context.Context, connectionID string) (string, *time.Time, error) {
	var row struct {
		Token     sql.NullString `db:"access_token"`
		ExpiresAt sql.NullTime   `db:"token_expires_at"`
	}
	err := executor(ctx, s.db).GetContext(ctx, &row,
		`SELECT access_token, token_expires_at FROM edfi_connections WHERE id = $1`,
		connectionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("load token: %w", err)
	}
	if !row.Token.Valid || !row.ExpiresAt.Valid {
		return "", nil, nil
	}
	return row.Token.String, &row.ExpiresAt.Time, nil
}

func (s *ConnectionStore) SaveToken(ctx context.Context, connectionID, token string, expiresAt time.Time) error {
	_, err := executor(ctx, s.db).ExecContext(ctx,
		`UPDATE edfi_connections SET access_token = $2, token_expires_at = $3 WHERE id = $1`,
		connectionID, token, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *ConnectionStore) ClearToken(ctx context.Context, connectionID string) error {
	_, err := executor(ctx, s.db).ExecContext(ctx,
		`UPDATE edfi_connections SET access_token = NULL, token_expires_at = NULL WHERE id = $1`,
		connectionID,
	)
	if err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

func expectRow(res sql.Result, kind domain.ErrorKind, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.NewError(kind, format, args...)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
