package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"edfi_sync/internal/domain"
)

// RecordStore keeps the local copy of synced resources as jsonb documents.
type RecordStore struct {
	db *sqlx.DB
}

func NewRecordStore(db *sqlx.DB) *RecordStore {
	return &RecordStore{db: db}
}

// FindExisting returns nil, nil when the record is absent.
func (s *RecordStore) FindExisting(ctx context.Context, tenantID, resourceType, resourceID string) (domain.Record, error) {
	var data []byte
	err := executor(ctx, s.db).GetContext(ctx, &data, `
		SELECT data FROM synced_records
		WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3`,
		tenantID, resourceType, resourceID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find record: %w", err)
	}

	var rec domain.Record
	if err := scanJSON(data, &rec); err != nil {
		return nil, fmt.Errorf("record %s/%s: %w", resourceType, resourceID, err)
	}
	return rec, nil
}

func (s *RecordStore) Upsert(ctx context.Context, tenantID, resourceType, resourceID string, data domain.Record) error {
	if data == nil {
		data = domain.Record{}
	}
	doc, err := jsonParam(data)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO synced_records (tenant_id, resource_type, resource_id, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, resource_type, resource_id) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = NOW()`

	if _, err := executor(ctx, s.db).ExecContext(ctx, query, tenantID, resourceType, resourceID, doc); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}
