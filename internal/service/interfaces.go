package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"encoding/json"
	"time"

	"edfi_sync/internal/domain"
	"edfi_sync/internal/source/edfi"
)

type ConnectionStore interface {
	Create(ctx context.Context, conn *domain.Connection) error
	Update(ctx context.Context, conn *domain.Connection) error
	Get(ctx context.Context, id string) (*domain.Connection, error)
	List(ctx context.Context, tenantID string) ([]domain.Connection, error)
	Delete(ctx context.Context, id string) error
	UpdateWatermark(ctx context.Context, id string, changeVersion int64) error
	UpdateStatus(ctx context.Context, id string, status domain.ConnectionStatus, lastError *string) error
}

type JobStore interface {
	Create(ctx context.Context, job *domain.SyncJob) error
	Get(ctx context.Context, id string) (*domain.SyncJob, error)
	HasRunning(ctx context.Context, connectionID string) (bool, error)
	// MarkRunning moves a pending job to running unless another job on the same
	// connection is already running. It reports whether the transition happened.
	MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error)
	Save(ctx context.Context, job *domain.SyncJob) error
	// ClaimDue takes pending jobs whose next_retry_at has passed, clearing it so no
	// other sweeper dispatches them again.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.SyncJob, error)
	Unclaim(ctx context.Context, ids []string, at time.Time) error
	FailStale(ctx context.Context, startedBefore time.Time, reason string) (int, error)
}

type MappingStore interface {
	Replace(ctx context.Context, connectionID, resourceType string, mappings []domain.FieldMapping) error
	List(ctx context.Context, connectionID, resourceType string) ([]domain.FieldMapping, error)
}

type ConflictStore interface {
	Create(ctx context.Context, conflict *domain.Conflict) (bool, error)
	Get(ctx context.Context, id string) (*domain.Conflict, error)
	List(ctx context.Context, tenantID string, filter domain.ConflictFilter) ([]domain.Conflict, error)
	// Close writes the terminal state of a pending conflict. It reports false when the
	// conflict was no longer pending.
	Close(ctx context.Context, conflict *domain.Conflict) (bool, error)
}

type ChangeStore interface {
	Append(ctx context.Context, entry *domain.ChangeEntry) error
	Pending(ctx context.Context, connectionID, entityType string) ([]domain.ChangeEntry, error)
	MarkSynced(ctx context.Context, entryID, jobID string, at time.Time) error
}

// RecordStore is the local system of record for synced resources.
type RecordStore interface {
	FindExisting(ctx context.Context, tenantID, resourceType, resourceID string) (domain.Record, error)
	Upsert(ctx context.Context, tenantID, resourceType, resourceID string, data domain.Record) error
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Publisher interface {
	Publish(ctx context.Context, event, tenantID string, payload any) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg domain.DispatchMessage) error
}

type RemoteClient interface {
	FetchAll(ctx context.Context, conn *domain.Connection, resourceType string, minChangeVersion *int64, fn func(offset int, page []domain.Record) error) error
	SendOnce(ctx context.Context, conn *domain.Connection, path, method string, body any) (json.RawMessage, error)
	AvailableChangeVersions(ctx context.Context, conn *domain.Connection) (*edfi.ChangeVersions, error)
}

type TokenProvider interface {
	GetToken(ctx context.Context, conn *domain.Connection) (string, error)
	Invalidate(ctx context.Context, connectionID string)
}

type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}
