package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"edfi_sync/internal/domain"
)

const jobColumns = `
	id, tenant_id, connection_id, resource_type, direction, status, total_records,
	processed_records, created_records, updated_records, error_records, skipped_records,
	last_change_version, errors, retry_count, max_retries, next_retry_at, started_at,
	completed_at, created_at, updated_at`

const uniqueViolation = "23505"

type jobRow struct {
	domain.SyncJob
	Errors []byte `db:"errors"`
}

func (r *jobRow) toDomain() (*domain.SyncJob, error) {
	job := r.SyncJob
	if len(r.Errors) > 0 {
		if err := json.Unmarshal(r.Errors, &job.Errors); err != nil {
			return nil, fmt.Errorf("decode job errors: %w", err)
		}
	}
	return &job, nil
}

type JobStore struct {
	db *sqlx.DB
}

func NewJobStore(db *sqlx.DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) Create(ctx context.Context, job *domain.SyncJob) error {
	errs, err := marshalErrors(job.Errors)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sync_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	_, err = executor(ctx, s.db).ExecContext(ctx, query,
		job.ID,
		job.TenantID,
		job.ConnectionID,
		job.ResourceType,
		job.Direction,
		job.Status,
		job.Total,
		job.Processed,
		job.Created,
		job.Updated,
		job.Errored,
		job.Skipped,
		job.LastChangeVersion,
		errs,
		job.RetryCount,
		job.MaxRetries,
		job.NextRetryAt,
		job.StartedAt,
		job.CompletedAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert sync job: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*domain.SyncJob, error) {
	var row jobRow
	err := executor(ctx, s.db).GetContext(ctx, &row, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewError(domain.KindJobNotFound, "sync job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get sync job: %w", err)
	}
	return row.toDomain()
}

func (s *JobStore) HasRunning(ctx context.Context, connectionID string) (bool, error) {
	var exists bool
	err := executor(ctx, s.db).GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM sync_jobs WHERE connection_id = $1 AND status = 'running')`,
		connectionID,
	)
	if err != nil {
		return false, fmt.Errorf("check running jobs: %w", err)
	}
	return exists, nil
}

// MarkRunning relies on idx_sync_jobs_one_running to settle two workers racing for the
// same connection: the loser gets a unique violation and reports false.
func (s *JobStore) MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	query := `
		UPDATE sync_jobs j
		SET status = 'running', started_at = $2, updated_at = $2
		WHERE j.id = $1
			AND j.status = 'pending'
			AND NOT EXISTS (
				SELECT 1 FROM sync_jobs r
				WHERE r.connection_id = j.connection_id AND r.status = 'running'
			)`

	res, err := executor(ctx, s.db).ExecContext(ctx, query, id, startedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("mark job running: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *JobStore) Save(ctx context.Context, job *domain.SyncJob) error {
	errs, err := marshalErrors(job.Errors)
	if err != nil {
		return err
	}

	query := `
		UPDATE sync_jobs SET
			status = $2,
			total_records = $3,
			processed_records = $4,
			created_records = $5,
			updated_records = $6,
			error_records = $7,
			skipped_records = $8,
			last_change_version = $9,
			errors = $10,
			retry_count = $11,
			next_retry_at = $12,
			started_at = $13,
			completed_at = $14,
			updated_at = $15
		WHERE id = $1`

	res, err := executor(ctx, s.db).ExecContext(ctx, query,
		job.ID,
		job.Status,
		job.Total,
		job.Processed,
		job.Created,
		job.Updated,
		job.Errored,
		job.Skipped,
		job.LastChangeVersion,
		errs,
		job.RetryCount,
		job.NextRetryAt,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save sync job: %w", err)
	}
	return expectRow(res, domain.KindJobNotFound, "sync job %s not found", job.ID)
}

// ClaimDue clears next_retry_at on up to limit due pending jobs and returns them oldest first.
// SKIP LOCKED keeps concurrent sweepers from claiming the same rows.
func (s *JobStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.SyncJob, error) {
	query := `
		UPDATE sync_jobs SET next_retry_at = NULL, updated_at = $1
		WHERE id IN (
			SELECT id FROM sync_jobs
			WHERE status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
			ORDER BY next_retry_at, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var rows []jobRow
	if err := executor(ctx, s.db).SelectContext(ctx, &rows, query, now, limit); err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}

	jobs := make([]domain.SyncJob, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}

	slices.SortStableFunc(jobs, func(a, b domain.SyncJob) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return jobs, nil
}

// Unclaim hands still-pending jobs back to the sweeper at the given time.
func (s *JobStore) Unclaim(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := executor(ctx, s.db).ExecContext(ctx, `
		UPDATE sync_jobs SET next_retry_at = $2, updated_at = NOW()
		WHERE id = ANY($1) AND status = 'pending'`,
		pq.Array(ids), at,
	)
	if err != nil {
		return fmt.Errorf("unclaim jobs: %w", err)
	}
	return nil
}

// FailStale fails running jobs started before the cutoff, appending reason to their errors.
func (s *JobStore) FailStale(ctx context.Context, startedBefore time.Time, reason string) (int, error) {
	query := `
		UPDATE sync_jobs SET
			status = 'failed',
			completed_at = NOW(),
			updated_at = NOW(),
			error_records = error_records + 1,
			errors = errors || jsonb_build_array(jsonb_build_object(
				'code', 'internal',
				'message', $2::text,
				'at', NOW()
			))
		WHERE status = 'running' AND started_at < $1`

	res, err := executor(ctx, s.db).ExecContext(ctx, query, startedBefore, reason)
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func marshalErrors(errs []domain.JobError) (string, error) {
	data, err := json.Marshal(nonNil(errs))
	if err != nil {
		return "", fmt.Errorf("encode job errors: %w", err)
	}
	return string(data), nil
}
