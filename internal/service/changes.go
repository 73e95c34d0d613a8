package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"edfi_sync/internal/domain"
)

// ChangeTracker records local mutations that the outbound pass delivers.
type ChangeTracker struct {
	changes ChangeStore
	logger  *slog.Logger
	now     func() time.Time
}

func NewChangeTracker(changes ChangeStore, logger *slog.Logger) *ChangeTracker {
	return &ChangeTracker{
		changes: changes,
		logger:  logger.With("component", "change_tracker"),
		now:     time.Now,
	}
}

// Record appends an unsynced entry. Entity types the connection does not sync are ignored
// and yield a nil entry.
func (t *ChangeTracker) Record(
	ctx context.Context,
	conn *domain.Connection,
	entityType, entityID string,
	op domain.ChangeOperation,
	changedFields []string,
	before, after domain.Record,
) (*domain.ChangeEntry, error) {
	if !conn.ResourceEnabled(entityType) {
		t.logger.Debug("entity type not synced, change ignored",
			"connection_id", conn.ID,
			"entity_type", entityType,
		)
		return nil, nil
	}
	if entityID == "" {
		return nil, domain.NewError(domain.KindValidation, "entity id is required")
	}
	if !op.Valid() {
		return nil, domain.NewError(domain.KindValidation, "unknown operation %q", op)
	}
	if op != domain.OperationDelete && after == nil {
		return nil, domain.NewError(domain.KindValidation, "%s requires the new state", op)
	}

	entry := &domain.ChangeEntry{
		ID:            uuid.NewString(),
		TenantID:      conn.TenantID,
		ConnectionID:  conn.ID,
		EntityType:    entityType,
		EntityID:      entityID,
		Operation:     op,
		ChangedFields: changedFields,
		Before:        before,
		After:         after,
		CreatedAt:     t.now().UTC(),
	}

	if err := t.changes.Append(ctx, entry); err != nil {
		return nil, domain.AsBoundaryError(err)
	}

	t.logger.Debug("change recorded",
		"connection_id", conn.ID,
		"entity_type", entityType,
		"entity_id", entityID,
		"operation", op,
	)
	return entry, nil
}

// PendingFor returns unsynced entries oldest first.
func (t *ChangeTracker) PendingFor(ctx context.Context, connectionID, entityType string) ([]domain.ChangeEntry, error) {
	entries, err := t.changes.Pending(ctx, connectionID, entityType)
	if err != nil {
		return nil, domain.AsBoundaryError(err)
	}
	return entries, nil
}

// MarkSynced is idempotent: an entry already synced keeps its original job id.
func (t *ChangeTracker) MarkSynced(ctx context.Context, entryID, jobID string) error {
	if err := t.changes.MarkSynced(ctx, entryID, jobID, t.now().UTC()); err != nil {
		return domain.AsBoundaryError(err)
	}
	return nil
}
