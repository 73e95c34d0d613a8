package domain

import "time"

// Direction of a sync pass or a field mapping.
type Direction string

const (
	DirectionInbound       Direction = "inbound"
	DirectionOutbound      Direction = "outbound"
	DirectionBidirectional Direction = "bidirectional"
)

func (d Direction) Valid() bool {
	switch d {
	case DirectionInbound, DirectionOutbound, DirectionBidirectional:
		return true
	}
	return false
}

func (d Direction) IncludesInbound() bool {
	return d == DirectionInbound || d == DirectionBidirectional
}

func (d Direction) IncludesOutbound() bool {
	return d == DirectionOutbound || d == DirectionBidirectional
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// MaxJobErrors caps the stored error list; counters keep counting past it.
const MaxJobErrors = 1000

type JobError struct {
	RecordID string    `json:"record_id,omitempty"`
	Code     ErrorKind `json:"code"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// JobCounters holds the per-job record statistics.
type JobCounters struct {
	Total     int `db:"total_records" json:"total"`
	Processed int `db:"processed_records" json:"processed"`
	Created   int `db:"created_records" json:"created"`
	Updated   int `db:"updated_records" json:"updated"`
	Errored   int `db:"error_records" json:"errored"`
	Skipped   int `db:"skipped_records" json:"skipped"`
}

type SyncJob struct {
	ID                string    `db:"id"`
	TenantID          string    `db:"tenant_id"`
	ConnectionID      string    `db:"connection_id"`
	ResourceType      string    `db:"resource_type"`
	Direction         Direction `db:"direction"`
	Status            JobStatus `db:"status"`
	JobCounters
	LastChangeVersion int64      `db:"last_change_version"`
	Errors            []JobError `db:"-"`
	RetryCount        int        `db:"retry_count"`
	MaxRetries        int        `db:"max_retries"`
	NextRetryAt       *time.Time `db:"next_retry_at"`
	StartedAt         *time.Time `db:"started_at"`
	CompletedAt       *time.Time `db:"completed_at"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// AddError appends to the error list up to MaxJobErrors and always bumps Errored.
func (j *SyncJob) AddError(recordID string, err error, at time.Time) {
	j.Errored++
	if len(j.Errors) >= MaxJobErrors {
		return
	}
	j.Errors = append(j.Errors, JobError{
		RecordID: recordID,
		Code:     KindOf(err),
		Message:  err.Error(),
		At:       at,
	})
}

// JobStatusView is what callers get back from a status query.
type JobStatusView struct {
	Job            *SyncJob
	PartialSuccess bool
	Duration       time.Duration
}

func NewJobStatusView(job *SyncJob) *JobStatusView {
	view := &JobStatusView{
		Job:            job,
		PartialSuccess: job.Status == JobCompleted && job.Errored > 0,
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		view.Duration = job.CompletedAt.Sub(*job.StartedAt)
	}
	return view
}

// SyncRequest asks for a sync of one or more resource types on a connection.
type SyncRequest struct {
	TenantID      string
	ConnectionID  string
	ResourceTypes []string
	Direction     Direction // empty means the connection default
}

// DispatchMessage is the unit of work on the job queue: jobs run in order.
type DispatchMessage struct {
	ConnectionID string   `json:"connection_id"`
	JobIDs       []string `json:"job_ids"`
}

// Event names published to the event exchange.
const (
	EventConnectionRegistered = "connection.registered"
	EventJobStarted           = "sync.job.started"
	EventJobCompleted         = "sync.job.completed"
	EventJobFailed            = "sync.job.failed"
	EventConflictDetected     = "sync.conflict.detected"
	EventConflictResolved     = "sync.conflict.resolved"
)
