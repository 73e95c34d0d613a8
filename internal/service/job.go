package service

import (
	"context"
	"fmt"
	"log/slog"

	"edfi_sync/internal/domain"
)

func (s *SyncService) executeJob(ctx context.Context, jobID string) {
	logger := s.logger.With("job_id", jobID)

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		logger.Error("failed to load job", "error", err)
		return
	}
	if job.Status != domain.JobPending {
		logger.Info("job is no longer pending, skipping", "status", job.Status)
		return
	}

	startedAt := s.now().UTC()
	started, err := s.jobs.MarkRunning(ctx, job.ID, startedAt)
	if err != nil || !started {
		// another job holds the connection, or the store is unavailable: try again on a later sweep
		logger.Info("job could not start, deferring", "connection_id", job.ConnectionID, "error", err)
		if err := s.jobs.Unclaim(ctx, []string{job.ID}, startedAt.Add(s.config.SweepInterval)); err != nil {
			logger.Error("failed to defer job", "error", err)
		}
		return
	}

	job.Status = domain.JobRunning
	job.StartedAt = &startedAt
	job.NextRetryAt = nil

	logger = logger.With(
		"connection_id", job.ConnectionID,
		"resource_type", job.ResourceType,
		"direction", job.Direction,
	)
	logger.Info("job started", "retry_count", job.RetryCount)
	s.publish(ctx, domain.EventJobStarted, job.TenantID, jobPayload(job))

	var conn *domain.Connection
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "panic", r)
			job.AddError("", domain.NewError(domain.KindInternal, "panic: %v", r), s.now().UTC())
			s.finish(ctx, logger, job, conn, domain.JobFailed)
		}
	}()

	jobCtx := ctx
	if s.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, s.config.JobTimeout)
		defer cancel()
	}

	conn, mappings, err := s.setup(jobCtx, job)
	if err != nil {
		logger.Error("job setup failed", "error", err)
		job.AddError("", err, s.now().UTC())
		s.finish(ctx, logger, job, conn, domain.JobFailed)
		return
	}

	passFailed := false
	if job.Direction.IncludesInbound() {
		if err := s.runInbound(jobCtx, logger, conn, job, mappings); err != nil {
			logger.Error("inbound pass failed", "error", err)
			passFailed = true
		}
	}
	if job.Direction.IncludesOutbound() {
		if err := s.runOutbound(jobCtx, logger, conn, job, mappings); err != nil {
			logger.Error("outbound pass failed", "error", err)
			passFailed = true
		}
	}

	s.finish(ctx, logger, job, conn, terminalStatus(job, passFailed))
}

// terminalStatus fails a job only when nothing was processed although there was work
// or a pass broke off.
func terminalStatus(job *domain.SyncJob, passFailed bool) domain.JobStatus {
	if job.Processed == 0 && (job.Total > 0 || passFailed) {
		return domain.JobFailed
	}
	return domain.JobCompleted
}

func (s *SyncService) setup(ctx context.Context, job *domain.SyncJob) (*domain.Connection, []domain.FieldMapping, error) {
	conn, err := s.connections.Get(ctx, job.ConnectionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load connection: %w", err)
	}
	if conn.Status == domain.ConnectionInactive {
		return conn, nil, domain.NewError(domain.KindValidation, "connection %s is inactive", conn.ID)
	}

	if _, err := s.tokens.GetToken(ctx, conn); err != nil {
		if domain.IsKind(err, domain.KindAuthenticationFailed) {
			msg := err.Error()
			if err := s.connections.UpdateStatus(ctx, conn.ID, domain.ConnectionError, &msg); err != nil {
				s.logger.Error("failed to flag connection", "connection_id", conn.ID, "error", err)
			}
			conn.Status = domain.ConnectionError
			conn.LastError = &msg
		}
		return conn, nil, err
	}

	mappings, err := s.mappings.List(ctx, conn.ID, job.ResourceType)
	if err != nil {
		return conn, nil, fmt.Errorf("load field mappings: %w", err)
	}
	if len(mappings) == 0 {
		s.logger.Warn("no field mappings configured",
			"connection_id", conn.ID,
			"resource_type", job.ResourceType,
		)
	}
	return conn, mappings, nil
}

func (s *SyncService) finish(ctx context.Context, logger *slog.Logger, job *domain.SyncJob, conn *domain.Connection, status domain.JobStatus) {
	// the outcome is persisted even when the worker is shutting down
	ctx = context.WithoutCancel(ctx)

	now := s.now().UTC()
	job.Status = status
	job.CompletedAt = &now
	job.UpdatedAt = now

	if err := s.jobs.Save(ctx, job); err != nil {
		logger.Error("failed to save job result", "error", err)
	}

	if status == domain.JobCompleted && conn != nil && conn.Status == domain.ConnectionError {
		if err := s.connections.UpdateStatus(ctx, conn.ID, domain.ConnectionActive, nil); err != nil {
			logger.Error("failed to restore connection status", "error", err)
		}
	}

	view := domain.NewJobStatusView(job)
	s.metrics.RecordJob(job.ResourceType, string(job.Direction), string(status), view.Duration)

	logger.Info("job finished",
		"status", status,
		"total", job.Total,
		"processed", job.Processed,
		"created", job.Created,
		"updated", job.Updated,
		"skipped", job.Skipped,
		"errors", job.Errored,
		"duration", view.Duration,
	)

	event := domain.EventJobCompleted
	if status == domain.JobFailed {
		event = domain.EventJobFailed
	}
	payload := jobPayload(job)
	payload["counters"] = job.JobCounters
	payload["partial_success"] = view.PartialSuccess
	s.publish(ctx, event, job.TenantID, payload)
}

func jobPayload(job *domain.SyncJob) map[string]any {
	return map[string]any{
		"job_id":        job.ID,
		"connection_id": job.ConnectionID,
		"resource_type": job.ResourceType,
		"direction":     job.Direction,
		"status":        job.Status,
	}
}

func (s *SyncService) saveProgress(ctx context.Context, logger *slog.Logger, job *domain.SyncJob) {
	job.UpdatedAt = s.now().UTC()
	if err := s.jobs.Save(ctx, job); err != nil {
		logger.Warn("failed to persist job progress", "error", err)
	}
}

func (s *SyncService) recordPassMetrics(job *domain.SyncJob, direction domain.Direction, before domain.JobCounters) {
	rt, dir := job.ResourceType, string(direction)
	s.metrics.RecordRecords(rt, dir, "created", job.Created-before.Created)
	s.metrics.RecordRecords(rt, dir, "updated", job.Updated-before.Updated)
	s.metrics.RecordRecords(rt, dir, "skipped", job.Skipped-before.Skipped)
	s.metrics.RecordRecords(rt, dir, "error", job.Errored-before.Errored)
}
