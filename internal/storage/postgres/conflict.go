package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"edfi_sync/internal/domain"
)

const conflictColumns = `
	id, tenant_id, connection_id, job_id, resource_type, resource_id, local_data, remote_data,
	conflicting_fields, status, resolution, resolved_data, resolved_by, resolved_at, created_at`

type conflictRow struct {
	domain.Conflict
	LocalData         []byte         `db:"local_data"`
	RemoteData        []byte         `db:"remote_data"`
	ConflictingFields pq.StringArray `db:"conflicting_fields"`
	ResolvedData      []byte         `db:"resolved_data"`
}

func (r *conflictRow) toDomain() (*domain.Conflict, error) {
	c := r.Conflict
	c.ConflictingFields = []string(r.ConflictingFields)
	for _, f := range []struct {
		data []byte
		dest *domain.Record
	}{
		{r.LocalData, &c.LocalData},
		{r.RemoteData, &c.RemoteData},
		{r.ResolvedData, &c.ResolvedData},
	} {
		if err := scanJSON(f.data, f.dest); err != nil {
			return nil, fmt.Errorf("conflict %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

type ConflictStore struct {
	db *sqlx.DB
}

func NewConflictStore(db *sqlx.DB) *ConflictStore {
	return &ConflictStore{db: db}
}

// Create stores a pending conflict. A second conflict for the same job and resource is dropped.
// Create stores a pending conflict. It reports false when the job already recorded a
// conflict for the same resource.
func (s *ConflictStore) Create(ctx context.Context, c *domain.Conflict) (bool, error) {
	local, err := jsonParam(c.LocalData)
	if err != nil {
		return false, err
	}
	remote, err := jsonParam(c.RemoteData)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO sync_conflicts (
			id, tenant_id, connection_id, job_id, resource_type, resource_id,
			local_data, remote_data, conflicting_fields, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (job_id, resource_id) DO NOTHING`

	res, err := executor(ctx, s.db).ExecContext(ctx, query,
		c.ID,
		c.TenantID,
		c.ConnectionID,
		c.JobID,
		c.ResourceType,
		c.ResourceID,
		local,
		remote,
		pq.Array(nonNil(c.ConflictingFields)),
		c.Status,
		c.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert conflict: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *ConflictStore) Get(ctx context.Context, id string) (*domain.Conflict, error) {
	var row conflictRow
	err := executor(ctx, s.db).GetContext(ctx, &row, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewError(domain.KindConflictNotFound, "conflict %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	return row.toDomain()
}

func (s *ConflictStore) List(ctx context.Context, tenantID string, filter domain.ConflictFilter) ([]domain.Conflict, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}

	add := func(column string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.ConnectionID != "" {
		add("connection_id", filter.ConnectionID)
	}
	if filter.JobID != "" {
		add("job_id", filter.JobID)
	}
	if filter.Status != "" {
		add("status", filter.Status)
	}

	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []conflictRow
	if err := executor(ctx, s.db).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}

	conflicts := make([]domain.Conflict, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, *c)
	}
	return conflicts, nil
}

// Close moves a pending conflict to its terminal state. It reports false if another caller
// closed it first.
func (s *ConflictStore) Close(ctx context.Context, c *domain.Conflict) (bool, error) {
	resolved, err := jsonParam(c.ResolvedData)
	if err != nil {
		return false, err
	}

	res, err := executor(ctx, s.db).ExecContext(ctx, `
		UPDATE sync_conflicts SET
			status = $2,
			resolution = $3,
			resolved_data = $4,
			resolved_by = $5,
			resolved_at = $6
		WHERE id = $1 AND status = 'pending'`,
		c.ID,
		c.Status,
		c.Resolution,
		resolved,
		c.ResolvedBy,
		c.ResolvedAt,
	)
	if err != nil {
		return false, fmt.Errorf("close conflict: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
