package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"edfi_sync/internal/conflict"
	"edfi_sync/internal/domain"
	"edfi_sync/internal/mapping"
)

// runInbound pulls the remote collection changed since the connection watermark into the
// record store. The watermark moves only after every page was read.
func (s *SyncService) runInbound(ctx context.Context, logger *slog.Logger, conn *domain.Connection, job *domain.SyncJob, mappings []domain.FieldMapping) error {
	inbound := applicable(mappings, domain.DirectionInbound)
	before := job.JobCounters

	var minChangeVersion *int64
	if conn.ChangeVersion > 0 {
		v := conn.ChangeVersion
		minChangeVersion = &v
	}

	err := s.remote.FetchAll(ctx, conn, job.ResourceType, minChangeVersion, func(offset int, page []domain.Record) error {
		for _, remote := range page {
			job.Total++
			s.importRecord(ctx, conn, job, inbound, remote)
		}
		s.saveProgress(ctx, logger, job)
		return nil
	})
	s.recordPassMetrics(job, domain.DirectionInbound, before)
	if err != nil {
		job.AddError("", err, s.now().UTC())
		return fmt.Errorf("fetch %s: %w", job.ResourceType, err)
	}

	versions, err := s.remote.AvailableChangeVersions(ctx, conn)
	if err != nil {
		logger.Warn("could not read change versions, watermark unchanged", "error", err)
		job.AddError("", err, s.now().UTC())
		return nil
	}
	if versions.NewestChangeVersion > 0 {
		if err := s.connections.UpdateWatermark(ctx, conn.ID, versions.NewestChangeVersion); err != nil {
			logger.Error("failed to advance watermark", "error", err)
			job.AddError("", fmt.Errorf("advance watermark: %w", err), s.now().UTC())
			return nil
		}
		conn.ChangeVersion = versions.NewestChangeVersion
		job.LastChangeVersion = versions.NewestChangeVersion
	}

	logger.Info("inbound pass done",
		"fetched", job.Total-before.Total,
		"created", job.Created-before.Created,
		"updated", job.Updated-before.Updated,
		"conflicts", job.Skipped-before.Skipped,
		"watermark", conn.ChangeVersion,
	)
	return nil
}

// importRecord creates, updates or parks one remote record. Failures land in the job's error list.
func (s *SyncService) importRecord(ctx context.Context, conn *domain.Connection, job *domain.SyncJob, mappings []domain.FieldMapping, remote domain.Record) {
	resourceID := recordID(remote)
	if resourceID == "" {
		job.AddError("", domain.NewError(domain.KindValidation, "remote %s record has no id", job.ResourceType), s.now().UTC())
		return
	}

	local := s.engine.Apply(remote, mappings, domain.DirectionInbound)

	existing, err := s.records.FindExisting(ctx, conn.TenantID, job.ResourceType, resourceID)
	if err != nil {
		job.AddError(resourceID, fmt.Errorf("find local record: %w", err), s.now().UTC())
		return
	}

	if existing == nil {
		if err := s.records.Upsert(ctx, conn.TenantID, job.ResourceType, resourceID, local); err != nil {
			job.AddError(resourceID, fmt.Errorf("create local record: %w", err), s.now().UTC())
			return
		}
		job.Created++
		job.Processed++
		return
	}

	if fields := conflict.Detect(existing, local, mappings); len(fields) > 0 {
		s.recordConflict(ctx, conn, job, resourceID, existing, local, fields)
		return
	}

	if err := s.records.Upsert(ctx, conn.TenantID, job.ResourceType, resourceID, mergeRecords(existing, local)); err != nil {
		job.AddError(resourceID, fmt.Errorf("update local record: %w", err), s.now().UTC())
		return
	}
	job.Updated++
	job.Processed++
}

func (s *SyncService) recordConflict(ctx context.Context, conn *domain.Connection, job *domain.SyncJob, resourceID string, local, remote domain.Record, fields []string) {
	c := &domain.Conflict{
		ID:                uuid.NewString(),
		TenantID:          conn.TenantID,
		ConnectionID:      conn.ID,
		JobID:             job.ID,
		ResourceType:      job.ResourceType,
		ResourceID:        resourceID,
		LocalData:         local,
		RemoteData:        remote,
		ConflictingFields: fields,
		Status:            domain.ConflictPending,
		CreatedAt:         s.now().UTC(),
	}

	created, err := s.conflicts.Create(ctx, c)
	if err != nil {
		job.AddError(resourceID, fmt.Errorf("store conflict: %w", err), s.now().UTC())
		return
	}
	if !created {
		// the resource came back on a later page of the same walk
		s.logger.Debug("conflict already recorded for this job",
			"job_id", job.ID,
			"resource_id", resourceID,
		)
		return
	}

	job.Skipped++
	job.Processed++
	s.metrics.RecordConflict(job.ResourceType)
	s.publish(ctx, domain.EventConflictDetected, conn.TenantID, map[string]any{
		"conflict_id":   c.ID,
		"job_id":        job.ID,
		"resource_type": c.ResourceType,
		"resource_id":   resourceID,
		"fields":        fields,
	})
}

func applicable(mappings []domain.FieldMapping, direction domain.Direction) []domain.FieldMapping {
	out := make([]domain.FieldMapping, 0, len(mappings))
	for _, m := range mappings {
		if m.AppliesTo(direction) {
			out = append(out, m)
		}
	}
	return out
}

// recordID is the remote resource identifier.
func recordID(rec domain.Record) string {
	switch v := rec["id"].(type) {
	case nil:
		return ""
	default:
		return mapping.FormatScalar(v)
	}
}

// mergeRecords overlays src on dst, descending into nested objects.
func mergeRecords(dst, src domain.Record) domain.Record {
	out := make(domain.Record, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if dm, ok := out[k].(map[string]any); ok {
			if sm, ok := v.(map[string]any); ok {
				out[k] = mergeRecords(dm, sm)
				continue
			}
		}
		out[k] = v
	}
	return out
}
