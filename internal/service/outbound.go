package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"edfi_sync/internal/domain"
)

// runOutbound pushes the unsynced local changes of the job's resource type. A failing
// entry stays unsynced and does not stop the pass.
func (s *SyncService) runOutbound(ctx context.Context, logger *slog.Logger, conn *domain.Connection, job *domain.SyncJob, mappings []domain.FieldMapping) error {
	entries, err := s.changes.PendingFor(ctx, conn.ID, job.ResourceType)
	if err != nil {
		job.AddError("", err, s.now().UTC())
		return fmt.Errorf("read pending changes: %w", err)
	}
	if len(entries) == 0 {
		logger.Debug("no pending changes")
		return nil
	}

	outbound := applicable(mappings, domain.DirectionOutbound)
	before := job.JobCounters
	job.Total += len(entries)

	for i := range entries {
		entry := &entries[i]

		if err := s.pushChange(ctx, logger, conn, job.ResourceType, outbound, entry); err != nil {
			logger.Warn("change not delivered",
				"entry_id", entry.ID,
				"entity_id", entry.EntityID,
				"operation", entry.Operation,
				"error", err,
			)
			job.AddError(entry.EntityID, err, s.now().UTC())
			continue
		}

		if err := s.changes.MarkSynced(ctx, entry.ID, job.ID); err != nil {
			job.AddError(entry.EntityID, fmt.Errorf("mark change synced: %w", err), s.now().UTC())
			continue
		}

		job.Processed++
		switch entry.Operation {
		case domain.OperationCreate:
			job.Created++
		case domain.OperationUpdate:
			job.Updated++
		}
	}

	s.saveProgress(ctx, logger, job)
	s.recordPassMetrics(job, domain.DirectionOutbound, before)

	logger.Info("outbound pass done",
		"pending", len(entries),
		"delivered", job.Processed-before.Processed,
		"errors", job.Errored-before.Errored,
	)
	return nil
}

// pushChange sends one change, retrying transient failures with exponential backoff.
// Each try is a single request, so an entry costs at most MaxRetries requests.
func (s *SyncService) pushChange(ctx context.Context, logger *slog.Logger, conn *domain.Connection, resourceType string, mappings []domain.FieldMapping, entry *domain.ChangeEntry) error {
	var (
		method string
		path   string
		body   any
	)

	itemPath := resourceType + "/" + url.PathEscape(entry.EntityID)
	switch entry.Operation {
	case domain.OperationCreate:
		method, path = http.MethodPost, resourceType
		body = s.engine.Apply(entry.After, mappings, domain.DirectionOutbound)
	case domain.OperationUpdate:
		method, path = http.MethodPut, itemPath
		body = s.engine.Apply(entry.After, mappings, domain.DirectionOutbound)
	case domain.OperationDelete:
		method, path = http.MethodDelete, itemPath
	default:
		return domain.NewError(domain.KindValidation, "unknown operation %q", entry.Operation)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.OutboundInitialBackoff
	b.MaxInterval = s.config.OutboundMaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, err := s.remote.SendOnce(ctx, conn, path, method, body)
		switch {
		case err == nil:
			return struct{}{}, nil
		case method == http.MethodDelete && domain.IsKind(err, domain.KindResourceNotFound):
			// already gone remotely
			return struct{}{}, nil
		case !domain.IsRetryable(err):
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(s.config.MaxRetries, 1))),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug("retrying change",
				"entry_id", entry.ID,
				"method", method,
				"next_attempt_in", next,
				"error", err,
			)
		}),
	)
	return err
}
