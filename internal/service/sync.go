package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"edfi_sync/internal/config"
	"edfi_sync/internal/conflict"
	"edfi_sync/internal/domain"
	"edfi_sync/internal/mapping"
	"edfi_sync/internal/metrics"
)

const (
	defaultConflictLimit = 100
	maxConflictLimit     = 1000
)

// Stores groups the persistence collaborators of SyncService.
type Stores struct {
	Connections ConnectionStore
	Jobs        JobStore
	Mappings    MappingStore
	Conflicts   ConflictStore
	Changes     ChangeStore
	Records     RecordStore
	TxManager   TransactionManager
}

// SyncService coordinates sync jobs from admission to their terminal state.
type SyncService struct {
	connections ConnectionStore
	jobs        JobStore
	mappings    MappingStore
	conflicts   ConflictStore
	records     RecordStore
	txManager   TransactionManager
	changes     *ChangeTracker
	remote      RemoteClient
	tokens      TokenProvider
	engine      *mapping.Engine
	dispatcher  Dispatcher
	publisher   Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	config      config.SyncConfig
	now         func() time.Time
}

func NewSyncService(
	stores Stores,
	remote RemoteClient,
	tokens TokenProvider,
	engine *mapping.Engine,
	dispatcher Dispatcher,
	publisher Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg config.SyncConfig,
) *SyncService {
	return &SyncService{
		connections: stores.Connections,
		jobs:        stores.Jobs,
		mappings:    stores.Mappings,
		conflicts:   stores.Conflicts,
		records:     stores.Records,
		txManager:   stores.TxManager,
		changes:     NewChangeTracker(stores.Changes, logger),
		remote:      remote,
		tokens:      tokens,
		engine:      engine,
		dispatcher:  dispatcher,
		publisher:   publisher,
		metrics:     m,
		logger:      logger.With("component", "sync"),
		config:      cfg,
		now:         time.Now,
	}
}

// Changes exposes the tracker local writers use to queue outbound mutations.
func (s *SyncService) Changes() *ChangeTracker {
	return s.changes
}

// StartSyncJob creates one pending job per resource type and hands them to the job queue
// as one ordered batch. It returns as soon as the jobs are persisted.
func (s *SyncService) StartSyncJob(ctx context.Context, req domain.SyncRequest) ([]*domain.SyncJob, error) {
	conn, err := s.connections.Get(ctx, req.ConnectionID)
	if err != nil {
		return nil, domain.AsBoundaryError(err)
	}
	if req.TenantID != "" && req.TenantID != conn.TenantID {
		return nil, domain.NewError(domain.KindConnectionNotFound, "connection %s not found", req.ConnectionID)
	}
	if conn.Status == domain.ConnectionInactive {
		return nil, domain.NewError(domain.KindValidation, "connection %s is inactive", conn.ID)
	}

	direction := req.Direction
	if direction == "" {
		direction = conn.DefaultDirection
	}
	if !direction.Valid() {
		return nil, domain.NewError(domain.KindValidation, "unknown direction %q", direction)
	}

	resourceTypes, err := resolveResourceTypes(conn, req.ResourceTypes)
	if err != nil {
		return nil, err
	}

	running, err := s.jobs.HasRunning(ctx, conn.ID)
	if err != nil {
		return nil, domain.AsBoundaryError(err)
	}
	if running {
		return nil, domain.NewError(domain.KindSyncAlreadyRunning, "a sync is already running for connection %s", conn.ID)
	}

	now := s.now().UTC()
	jobs := make([]*domain.SyncJob, 0, len(resourceTypes))
	ids := make([]string, 0, len(resourceTypes))
	for _, rt := range resourceTypes {
		job := &domain.SyncJob{
			ID:           uuid.NewString(),
			TenantID:     conn.TenantID,
			ConnectionID: conn.ID,
			ResourceType: rt,
			Direction:    direction,
			Status:       domain.JobPending,
			MaxRetries:   s.config.MaxRetries,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.jobs.Create(ctx, job); err != nil {
			return nil, domain.AsBoundaryError(fmt.Errorf("create job: %w", err))
		}
		jobs = append(jobs, job)
		ids = append(ids, job.ID)
	}

	s.dispatch(ctx, conn.ID, ids)

	s.logger.Info("sync requested",
		"connection_id", conn.ID,
		"direction", direction,
		"resource_types", resourceTypes,
		"jobs", len(jobs),
	)

	return jobs, nil
}

// dispatch publishes a batch; on failure the jobs become due so the sweeper picks them up.
func (s *SyncService) dispatch(ctx context.Context, connectionID string, ids []string) bool {
	err := s.dispatcher.Dispatch(ctx, domain.DispatchMessage{ConnectionID: connectionID, JobIDs: ids})
	if err == nil {
		s.metrics.RecordDispatch(len(ids))
		return true
	}

	s.logger.Error("failed to dispatch jobs, leaving them for the sweeper",
		"connection_id", connectionID,
		"jobs", ids,
		"error", err,
	)
	if err := s.jobs.Unclaim(ctx, ids, s.now().UTC()); err != nil {
		s.logger.Error("failed to release undispatched jobs", "jobs", ids, "error", err)
	}
	return false
}

func resolveResourceTypes(conn *domain.Connection, requested []string) ([]string, error) {
	if len(requested) == 0 {
		requested = conn.EnabledResources
	}
	if len(requested) == 0 {
		return nil, domain.NewError(domain.KindValidation, "no resource types to sync")
	}

	seen := make(map[string]bool, len(requested))
	out := make([]string, 0, len(requested))
	for _, rt := range requested {
		if seen[rt] {
			continue
		}
		if !conn.ResourceEnabled(rt) {
			return nil, domain.NewError(domain.KindValidation, "resource type %q is not enabled on connection %s", rt, conn.ID)
		}
		seen[rt] = true
		out = append(out, rt)
	}
	return out, nil
}

func (s *SyncService) GetSyncJobStatus(ctx context.Context, jobID string) (*domain.JobStatusView, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, domain.AsBoundaryError(err)
	}
	return domain.NewJobStatusView(job), nil
}

func (s *SyncService) GetConflicts(ctx context.Context, tenantID string, filter domain.ConflictFilter) ([]domain.Conflict, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultConflictLimit
	}
	filter.Limit = min(filter.Limit, maxConflictLimit)

	conflicts, err := s.conflicts.List(ctx, tenantID, filter)
	if err != nil {
		return nil, domain.AsBoundaryError(err)
	}
	return conflicts, nil
}

// ResolveConflict writes the resolved payload to the record store and closes the conflict
// in one transaction.
func (s *SyncService) ResolveConflict(ctx context.Context, conflictID string, resolution domain.Resolution, merged domain.Record, resolvedBy string) (*domain.Conflict, error) {
	c, err := s.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, domain.AsBoundaryError(err)
	}

	payload, err := conflict.Resolve(c, resolution, merged)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	c.Status = domain.ConflictResolved
	c.Resolution = &resolution
	c.ResolvedData = payload
	c.ResolvedAt = &now
	if resolvedBy != "" {
		c.ResolvedBy = &resolvedBy
	}

	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.records.Upsert(txCtx, c.TenantID, c.ResourceType, c.ResourceID, payload); err != nil {
			return fmt.Errorf("write resolved record: %w", err)
		}
		closed, err := s.conflicts.Close(txCtx, c)
		if err != nil {
			return fmt.Errorf("close conflict: %w", err)
		}
		if !closed {
			return domain.NewError(domain.KindAlreadyResolved, "conflict %s is already resolved", c.ID)
		}
		return nil
	})
	if err != nil {
		return nil, domain.AsBoundaryError(err)
	}

	s.logger.Info("conflict resolved",
		"conflict_id", c.ID,
		"resource_type", c.ResourceType,
		"resource_id", c.ResourceID,
		"resolution", resolution,
	)
	s.publish(ctx, domain.EventConflictResolved, c.TenantID, map[string]any{
		"conflict_id": c.ID,
		"job_id":      c.JobID,
		"resolution":  resolution,
	})

	return c, nil
}

// IgnoreConflict closes a pending conflict without touching the record store.
func (s *SyncService) IgnoreConflict(ctx context.Context, conflictID, resolvedBy string) (*domain.Conflict, error) {
	c, err := s.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, domain.AsBoundaryError(err)
	}
	if c.Status != domain.ConflictPending {
		return nil, domain.NewError(domain.KindAlreadyResolved, "conflict %s is already %s", c.ID, c.Status)
	}

	now := s.now().UTC()
	c.Status = domain.ConflictIgnored
	c.ResolvedAt = &now
	if resolvedBy != "" {
		c.ResolvedBy = &resolvedBy
	}

	closed, err := s.conflicts.Close(ctx, c)
	if err != nil {
		return nil, domain.AsBoundaryError(err)
	}
	if !closed {
		return nil, domain.NewError(domain.KindAlreadyResolved, "conflict %s is already resolved", c.ID)
	}
	return c, nil
}

// SetFieldMappings replaces every mapping of a resource type on a connection.
func (s *SyncService) SetFieldMappings(ctx context.Context, connectionID, resourceType string, mappings []domain.FieldMapping) ([]domain.FieldMapping, error) {
	if resourceType == "" {
		return nil, domain.NewError(domain.KindValidation, "resource type is required")
	}
	if _, err := s.connections.Get(ctx, connectionID); err != nil {
		return nil, domain.AsBoundaryError(err)
	}

	now := s.now().UTC()
	out := make([]domain.FieldMapping, len(mappings))
	for i, m := range mappings {
		if m.Direction == "" {
			m.Direction = domain.DirectionBidirectional
		}
		if err := mapping.Validate(m); err != nil {
			return nil, domain.WrapError(domain.KindValidation, err, "mapping %d (%s)", i, m.LocalField)
		}
		m.ID = uuid.NewString()
		m.ConnectionID = connectionID
		m.ResourceType = resourceType
		m.CreatedAt = now
		out[i] = m
	}

	if err := s.mappings.Replace(ctx, connectionID, resourceType, out); err != nil {
		return nil, domain.AsBoundaryError(err)
	}

	s.logger.Info("field mappings replaced",
		"connection_id", connectionID,
		"resource_type", resourceType,
		"count", len(out),
	)
	return out, nil
}

func (s *SyncService) GetFieldMappings(ctx context.Context, connectionID, resourceType string) ([]domain.FieldMapping, error) {
	mappings, err := s.mappings.List(ctx, connectionID, resourceType)
	if err != nil {
		return nil, domain.AsBoundaryError(err)
	}
	return mappings, nil
}

// RetryFailedJob re-activates a failed job after 2^retryCount seconds. Execution is left
// to the sweeper.
func (s *SyncService) RetryFailedJob(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, domain.AsBoundaryError(err)
	}
	if job.Status != domain.JobFailed {
		return nil, domain.NewError(domain.KindInvalidState, "job %s is %s, only failed jobs can be retried", job.ID, job.Status)
	}
	if job.RetryCount >= job.MaxRetries {
		return nil, domain.NewError(domain.KindMaxRetriesExceeded, "job %s has used all %d retries", job.ID, job.MaxRetries)
	}

	now := s.now().UTC()
	job.RetryCount++
	next := now.Add(retryDelay(job.RetryCount))

	job.Status = domain.JobPending
	job.JobCounters = domain.JobCounters{}
	job.Errors = nil
	job.NextRetryAt = &next
	job.StartedAt = nil
	job.CompletedAt = nil
	job.UpdatedAt = now

	if err := s.jobs.Save(ctx, job); err != nil {
		return nil, domain.AsBoundaryError(err)
	}

	s.logger.Info("job scheduled for retry",
		"job_id", job.ID,
		"retry_count", job.RetryCount,
		"next_retry_at", next,
	)
	return job, nil
}

func retryDelay(retryCount int) time.Duration {
	return time.Duration(math.Pow(2, float64(retryCount))) * time.Second
}

// DispatchDue hands due pending jobs to the queue and fails jobs stuck in running
// past the job timeout. It returns the number of jobs dispatched.
func (s *SyncService) DispatchDue(ctx context.Context) (int, error) {
	now := s.now().UTC()

	if s.config.JobTimeout > 0 {
		n, err := s.jobs.FailStale(ctx, now.Add(-s.config.JobTimeout), "job exceeded its execution timeout")
		if err != nil {
			return 0, fmt.Errorf("fail stale jobs: %w", err)
		}
		if n > 0 {
			s.logger.Warn("failed stale running jobs", "count", n)
		}
	}

	due, err := s.jobs.ClaimDue(ctx, now, s.config.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due jobs: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	// keep claim order within a connection
	var order []string
	batches := make(map[string][]string)
	for _, job := range due {
		if _, ok := batches[job.ConnectionID]; !ok {
			order = append(order, job.ConnectionID)
		}
		batches[job.ConnectionID] = append(batches[job.ConnectionID], job.ID)
	}

	dispatched := 0
	for _, connID := range order {
		if s.dispatch(ctx, connID, batches[connID]) {
			dispatched += len(batches[connID])
		}
	}

	s.logger.Info("dispatched due jobs", "count", dispatched, "claimed", len(due))
	return dispatched, nil
}

// RunJobs executes a dispatched batch in order. It only returns an error when the
// batch should be redelivered.
func (s *SyncService) RunJobs(ctx context.Context, msg domain.DispatchMessage) error {
	for _, id := range msg.JobIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.executeJob(ctx, id)
	}
	return ctx.Err()
}

func (s *SyncService) publish(ctx context.Context, event, tenantID string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event, tenantID, payload); err != nil {
		s.logger.Warn("failed to publish event", "event", event, "error", err)
	}
}
