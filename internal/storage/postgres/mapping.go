package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"edfi_sync/internal/domain"
)

type mappingRow struct {
	domain.FieldMapping
	Transform    []byte `db:"transform"`
	DefaultValue []byte `db:"default_value"`
}

func (r *mappingRow) toDomain() (domain.FieldMapping, error) {
	m := r.FieldMapping
	if err := scanJSON(r.Transform, &m.Transform); err != nil {
		return m, fmt.Errorf("mapping %s transform: %w", m.ID, err)
	}
	if err := scanJSON(r.DefaultValue, &m.DefaultValue); err != nil {
		return m, fmt.Errorf("mapping %s default: %w", m.ID, err)
	}
	return m, nil
}

type MappingStore struct {
	db *sqlx.DB
	tx *TransactionManager
}

func NewMappingStore(db *sqlx.DB) *MappingStore {
	return &MappingStore{db: db, tx: NewTransactionManager(db)}
}

// Replace swaps the whole mapping set of a resource type atomically. Order is kept.
func (s *MappingStore) Replace(ctx context.Context, connectionID, resourceType string, mappings []domain.FieldMapping) error {
	return s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		exec := executor(ctx, s.db)

		if _, err := exec.ExecContext(ctx,
			`DELETE FROM field_mappings WHERE connection_id = $1 AND resource_type = $2`,
			connectionID, resourceType,
		); err != nil {
			return fmt.Errorf("delete field mappings: %w", err)
		}

		query := `
			INSERT INTO field_mappings (
				id, connection_id, resource_type, local_field, remote_field, direction,
				transform, required, default_value, position, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

		for i, m := range mappings {
			var transform any
			if m.Transform.Kind != "" {
				v, err := jsonParam(m.Transform)
				if err != nil {
					return err
				}
				transform = v
			}
			def, err := jsonParam(m.DefaultValue)
			if err != nil {
				return err
			}

			if _, err := exec.ExecContext(ctx, query,
				m.ID,
				connectionID,
				resourceType,
				m.LocalField,
				m.RemoteField,
				m.Direction,
				transform,
				m.Required,
				def,
				i,
				m.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert field mapping %s: %w", m.LocalField, err)
			}
		}
		return nil
	})
}

func (s *MappingStore) List(ctx context.Context, connectionID, resourceType string) ([]domain.FieldMapping, error) {
	query := `
		SELECT id, connection_id, resource_type, local_field, remote_field, direction,
			transform, required, default_value, created_at
		FROM field_mappings
		WHERE connection_id = $1 AND resource_type = $2
		ORDER BY position`

	var rows []mappingRow
	if err := executor(ctx, s.db).SelectContext(ctx, &rows, query, connectionID, resourceType); err != nil {
		return nil, fmt.Errorf("list field mappings: %w", err)
	}

	mappings := make([]domain.FieldMapping, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}
