package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"edfi_sync/internal/domain"
)

type changeRow struct {
	domain.ChangeEntry
	ChangedFields pq.StringArray `db:"changed_fields"`
	Before        []byte         `db:"before_data"`
	After         []byte         `db:"after_data"`
}

// ChangeStore is the outbound change log.
type ChangeStore struct {
	db *sqlx.DB
}

func NewChangeStore(db *sqlx.DB) *ChangeStore {
	return &ChangeStore{db: db}
}

func (s *ChangeStore) Append(ctx context.Context, e *domain.ChangeEntry) error {
	before, err := jsonParam(e.Before)
	if err != nil {
		return err
	}
	after, err := jsonParam(e.After)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO change_log (
			id, tenant_id, connection_id, entity_type, entity_id, operation,
			changed_fields, before_data, after_data, synced, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10)`

	_, err = executor(ctx, s.db).ExecContext(ctx, query,
		e.ID,
		e.TenantID,
		e.ConnectionID,
		e.EntityType,
		e.EntityID,
		e.Operation,
		pq.Array(nonNil(e.ChangedFields)),
		before,
		after,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

// Pending returns unsynced entries in the order they were recorded.
func (s *ChangeStore) Pending(ctx context.Context, connectionID, entityType string) ([]domain.ChangeEntry, error) {
	query := `
		SELECT id, tenant_id, connection_id, entity_type, entity_id, operation, changed_fields,
			before_data, after_data, synced, synced_at, sync_job_id, created_at
		FROM change_log
		WHERE connection_id = $1 AND entity_type = $2 AND synced = FALSE
		ORDER BY created_at, id`

	var rows []changeRow
	if err := executor(ctx, s.db).SelectContext(ctx, &rows, query, connectionID, entityType); err != nil {
		return nil, fmt.Errorf("list pending changes: %w", err)
	}

	entries := make([]domain.ChangeEntry, 0, len(rows))
	for i := range rows {
		e := rows[i].ChangeEntry
		e.ChangedFields = []string(rows[i].ChangedFields)
		if err := scanJSON(rows[i].Before, &e.Before); err != nil {
			return nil, fmt.Errorf("change %s: %w", e.ID, err)
		}
		if err := scanJSON(rows[i].After, &e.After); err != nil {
			return nil, fmt.Errorf("change %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MarkSynced is a no-op for entries that are already synced.
func (s *ChangeStore) MarkSynced(ctx context.Context, entryID, jobID string, at time.Time) error {
	_, err := executor(ctx, s.db).ExecContext(ctx, `
		UPDATE change_log SET synced = TRUE, synced_at = $3, sync_job_id = $2
		WHERE id = $1 AND synced = FALSE`,
		entryID, jobID, at,
	)
	if err != nil {
		return fmt.Errorf("mark change synced: %w", err)
	}
	return nil
}
