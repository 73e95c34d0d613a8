//go:build integration

package postgres

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"edfi_sync/internal/domain"
)

type PostgresIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *postgres.PostgresContainer
	db        *sqlx.DB

	connections *ConnectionStore
	jobs        *JobStore
	mappings    *MappingStore
	conflicts   *ConflictStore
	changes     *ChangeStore
	records     *RecordStore
}

func (s *PostgresIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	migrationsPath, err := filepath.Abs("../../../migrations")
	s.Require().NoError(err)

	container, err := postgres.Run(s.ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		postgres.WithInitScripts(
			filepath.Join(migrationsPath, "001_create_connections.up.sql"),
			filepath.Join(migrationsPath, "002_create_sync_tables.up.sql"),
			filepath.Join(migrationsPath, "003_create_records.up.sql"),
		),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	connStr, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	db, err := sqlx.Connect("postgres", connStr)
	s.Require().NoError(err)
	s.db = db

	s.connections = NewConnectionStore(db)
	s.jobs = NewJobStore(db)
	s.mappings = NewMappingStore(db)
	s.conflicts = NewConflictStore(db)
	s.changes = NewChangeStore(db)
	s.records = NewRecordStore(db)
}

func (s *PostgresIntegrationSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *PostgresIntegrationSuite) SetupTest() {
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM synced_records")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM edfi_connections")
}

func TestPostgresIntegrationSuite(t *testing.T) {
	suite.Run(t, new(PostgresIntegrationSuite))
}

func ptr[T any](v T) *T {
	return &v
}

func (s *PostgresIntegrationSuite) createConnection(id string) *domain.Connection {
	now := time.Now().UTC().Truncate(time.Microsecond)
	conn := &domain.Connection{
		ID:                id,
		TenantID:          "tenant-1",
		Name:              "District ODS",
		BaseURL:           "https://ods.example.org/api",
		OAuthURL:          "https://ods.example.org/api/oauth/token",
		ClientID:          "client",
		EncryptedSecret:   "sealed",
		PageSize:          100,
		RequestsPerMinute: 300,
		DefaultDirection:  domain.DirectionBidirectional,
		EnabledResources:  []string{"students", "schools"},
		Status:            domain.ConnectionActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.Require().NoError(s.connections.Create(s.ctx, conn))
	return conn
}

func (s *PostgresIntegrationSuite) createJob(id, connID string, createdAt time.Time) *domain.SyncJob {
	job := &domain.SyncJob{
		ID:           id,
		TenantID:     "tenant-1",
		ConnectionID: connID,
		ResourceType: "students",
		Direction:    domain.DirectionInbound,
		Status:       domain.JobPending,
		MaxRetries:   3,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
	s.Require().NoError(s.jobs.Create(s.ctx, job))
	return job
}

func (s *PostgresIntegrationSuite) TestConnectionStore_RoundTrip() {
	conn := s.createConnection("conn-1")

	got, err := s.connections.Get(s.ctx, "conn-1")
	s.Require().NoError(err)
	s.Equal(conn.EnabledResources, got.EnabledResources)
	s.Equal(conn.DefaultDirection, got.DefaultDirection)
	s.Nil(got.AccessToken)

	got.Name = "Renamed"
	got.EnabledResources = []string{"staffs"}
	s.Require().NoError(s.connections.Update(s.ctx, got))

	list, err := s.connections.List(s.ctx, "tenant-1")
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal("Renamed", list[0].Name)
	s.Equal([]string{"staffs"}, list[0].EnabledResources)

	s.Require().NoError(s.connections.Delete(s.ctx, "conn-1"))
	_, err = s.connections.Get(s.ctx, "conn-1")
	s.Equal(domain.KindConnectionNotFound, domain.KindOf(err))
	s.Equal(domain.KindConnectionNotFound, domain.KindOf(s.connections.Delete(s.ctx, "conn-1")))
}

func (s *PostgresIntegrationSuite) TestConnectionStore_WatermarkNeverMovesBack() {
	s.createConnection("conn-1")

	s.Require().NoError(s.connections.UpdateWatermark(s.ctx, "conn-1", 250))
	s.Require().NoError(s.connections.UpdateWatermark(s.ctx, "conn-1", 100))

	got, err := s.connections.Get(s.ctx, "conn-1")
	s.Require().NoError(err)
	s.Equal(int64(250), got.ChangeVersion)
}

func (s *PostgresIntegrationSuite) TestConnectionStore_StatusAndToken() {
	s.createConnection("conn-1")

	s.Require().NoError(s.connections.UpdateStatus(s.ctx, "conn-1", domain.ConnectionError, ptr("token endpoint returned 401")))
	got, err := s.connections.Get(s.ctx, "conn-1")
	s.Require().NoError(err)
	s.Equal(domain.ConnectionError, got.Status)
	s.Equal("token endpoint returned 401", *got.LastError)

	token, expiresAt, err := s.connections.LoadToken(s.ctx, "conn-1")
	s.Require().NoError(err)
	s.Empty(token)
	s.Nil(expiresAt)

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	s.Require().NoError(s.connections.SaveToken(s.ctx, "conn-1", "abc", exp))

	token, expiresAt, err = s.connections.LoadToken(s.ctx, "conn-1")
	s.Require().NoError(err)
	s.Equal("abc", token)
	s.WithinDuration(exp, *expiresAt, time.Second)

	s.Require().NoError(s.connections.ClearToken(s.ctx, "conn-1"))
	token, _, err = s.connections.LoadToken(s.ctx, "conn-1")
	s.Require().NoError(err)
	s.Empty(token)
}

func (s *PostgresIntegrationSuite) TestJobStore_SaveKeepsErrors() {
	s.createConnection("conn-1")
	now := time.Now().UTC().Truncate(time.Microsecond)
	job := s.createJob("job-1", "conn-1", now)

	job.Status = domain.JobCompleted
	job.Total = 3
	job.Processed = 2
	job.AddError("s3", domain.NewError(domain.KindValidation, "missing id"), now)
	job.CompletedAt = &now
	s.Require().NoError(s.jobs.Save(s.ctx, job))

	got, err := s.jobs.Get(s.ctx, "job-1")
	s.Require().NoError(err)
	s.Equal(domain.JobCompleted, got.Status)
	s.Equal(3, got.Total)
	s.Equal(1, got.Errored)
	s.Require().Len(got.Errors, 1)
	s.Equal(domain.KindValidation, got.Errors[0].Code)
	s.Equal("s3", got.Errors[0].RecordID)

	_, err = s.jobs.Get(s.ctx, "missing")
	s.Equal(domain.KindJobNotFound, domain.KindOf(err))
}

func (s *PostgresIntegrationSuite) TestJobStore_MarkRunningIsExclusivePerConnection() {
	s.createConnection("conn-1")
	now := time.Now().UTC().Truncate(time.Microsecond)
	s.createJob("job-1", "conn-1", now)
	s.createJob("job-2", "conn-1", now.Add(time.Second))

	ok, err := s.jobs.MarkRunning(s.ctx, "job-1", now)
	s.Require().NoError(err)
	s.True(ok)

	running, err := s.jobs.HasRunning(s.ctx, "conn-1")
	s.Require().NoError(err)
	s.True(running)

	ok, err = s.jobs.MarkRunning(s.ctx, "job-2", now)
	s.Require().NoError(err)
	s.False(ok)

	ok, err = s.jobs.MarkRunning(s.ctx, "job-1", now)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *PostgresIntegrationSuite) TestJobStore_ClaimDueAndUnclaim() {
	s.createConnection("conn-1")
	now := time.Now().UTC().Truncate(time.Microsecond)

	due := s.createJob("job-due", "conn-1", now)
	later := s.createJob("job-later", "conn-1", now.Add(time.Second))
	s.createJob("job-undated", "conn-1", now.Add(2*time.Second))

	due.NextRetryAt = ptr(now.Add(-time.Minute))
	s.Require().NoError(s.jobs.Save(s.ctx, due))
	later.NextRetryAt = ptr(now.Add(time.Hour))
	s.Require().NoError(s.jobs.Save(s.ctx, later))

	claimed, err := s.jobs.ClaimDue(s.ctx, now, 10)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)
	s.Equal("job-due", claimed[0].ID)
	s.Nil(claimed[0].NextRetryAt)

	claimed, err = s.jobs.ClaimDue(s.ctx, now, 10)
	s.Require().NoError(err)
	s.Empty(claimed)

	s.Require().NoError(s.jobs.Unclaim(s.ctx, []string{"job-due", "job-undated"}, now))
	claimed, err = s.jobs.ClaimDue(s.ctx, now, 10)
	s.Require().NoError(err)
	s.Len(claimed, 2)
	s.Equal("job-due", claimed[0].ID)
	s.Equal("job-undated", claimed[1].ID)
}

func (s *PostgresIntegrationSuite) TestJobStore_FailStale() {
	s.createConnection("conn-1")
	now := time.Now().UTC().Truncate(time.Microsecond)
	s.createJob("job-1", "conn-1", now)

	ok, err := s.jobs.MarkRunning(s.ctx, "job-1", now.Add(-3*time.Hour))
	s.Require().NoError(err)
	s.Require().True(ok)

	n, err := s.jobs.FailStale(s.ctx, now.Add(-2*time.Hour), "job exceeded its timeout")
	s.Require().NoError(err)
	s.Equal(1, n)

	got, err := s.jobs.Get(s.ctx, "job-1")
	s.Require().NoError(err)
	s.Equal(domain.JobFailed, got.Status)
	s.Require().Len(got.Errors, 1)
	s.Equal(domain.KindInternal, got.Errors[0].Code)
	s.NotNil(got.CompletedAt)
}

func (s *PostgresIntegrationSuite) TestMappingStore_ReplaceKeepsOrder() {
	s.createConnection("conn-1")
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := []domain.FieldMapping{
		{ID: "m1", LocalField: "externalId", RemoteField: "studentUniqueId", Direction: domain.DirectionBidirectional, CreatedAt: now},
	}
	s.Require().NoError(s.mappings.Replace(s.ctx, "conn-1", "students", first))

	second := []domain.FieldMapping{
		{
			ID: "m2", LocalField: "lastName", RemoteField: "lastSurname", Direction: domain.DirectionInbound,
			Transform: domain.Transform{Kind: domain.TransformUppercase}, CreatedAt: now,
		},
		{
			ID: "m3", LocalField: "grade", RemoteField: "gradeLevelDescriptor", Direction: domain.DirectionBidirectional,
			Transform: domain.Transform{
				Kind:   domain.TransformLookup,
				Lookup: &domain.LookupConfig{Table: map[string]any{"9": "Ninth grade"}},
			},
			Required: true, DefaultValue: "9", CreatedAt: now,
		},
	}
	s.Require().NoError(s.mappings.Replace(s.ctx, "conn-1", "students", second))

	got, err := s.mappings.List(s.ctx, "conn-1", "students")
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("m2", got[0].ID)
	s.Equal(domain.TransformUppercase, got[0].Transform.Kind)
	s.Equal("m3", got[1].ID)
	s.Equal("Ninth grade", got[1].Transform.Lookup.Table["9"])
	s.Equal("9", got[1].DefaultValue)
	s.True(got[1].Required)
}

func (s *PostgresIntegrationSuite) TestConflictStore_Lifecycle() {
	s.createConnection("conn-1")
	now := time.Now().UTC().Truncate(time.Microsecond)

	c := &domain.Conflict{
		ID:                "c1",
		TenantID:          "tenant-1",
		ConnectionID:      "conn-1",
		JobID:             "job-1",
		ResourceType:      "students",
		ResourceID:        "s1",
		LocalData:         domain.Record{"firstName": "Jane"},
		RemoteData:        domain.Record{"firstName": "Janet"},
		ConflictingFields: []string{"firstName"},
		Status:            domain.ConflictPending,
		CreatedAt:         now,
	}
	created, err := s.conflicts.Create(s.ctx, c)
	s.Require().NoError(err)
	s.True(created)

	dup := *c
	dup.ID = "c2"
	created, err = s.conflicts.Create(s.ctx, &dup)
	s.Require().NoError(err)
	s.False(created)

	list, err := s.conflicts.List(s.ctx, "tenant-1", domain.ConflictFilter{Status: domain.ConflictPending})
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal("Janet", list[0].RemoteData["firstName"])
	s.Equal([]string{"firstName"}, list[0].ConflictingFields)

	c.Status = domain.ConflictResolved
	c.Resolution = ptr(domain.ResolutionEdFiWins)
	c.ResolvedData = c.RemoteData
	c.ResolvedBy = ptr("admin")
	c.ResolvedAt = &now

	closed, err := s.conflicts.Close(s.ctx, c)
	s.Require().NoError(err)
	s.True(closed)

	closed, err = s.conflicts.Close(s.ctx, c)
	s.Require().NoError(err)
	s.False(closed)

	got, err := s.conflicts.Get(s.ctx, "c1")
	s.Require().NoError(err)
	s.Equal(domain.ConflictResolved, got.Status)
	s.Equal(domain.ResolutionEdFiWins, *got.Resolution)
	s.Equal("Janet", got.ResolvedData["firstName"])

	_, err = s.conflicts.Get(s.ctx, "c2")
	s.Equal(domain.KindConflictNotFound, domain.KindOf(err))
}

func (s *PostgresIntegrationSuite) TestChangeStore_PendingInOrder() {
	s.createConnection("conn-1")
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i, id := range []string{"e1", "e2", "e3"} {
		s.Require().NoError(s.changes.Append(s.ctx, &domain.ChangeEntry{
			ID:           id,
			TenantID:     "tenant-1",
			ConnectionID: "conn-1",
			EntityType:   "students",
			EntityID:     "s" + id,
			Operation:    domain.OperationUpdate,
			After:        domain.Record{"n": i},
			CreatedAt:    now.Add(time.Duration(i) * time.Second),
		}))
	}

	s.Require().NoError(s.changes.MarkSynced(s.ctx, "e2", "job-1", now))

	pending, err := s.changes.Pending(s.ctx, "conn-1", "students")
	s.Require().NoError(err)
	s.Require().Len(pending, 2)
	s.Equal("e1", pending[0].ID)
	s.Equal("e3", pending[1].ID)
	s.Nil(pending[0].Before)
	s.EqualValues(2, pending[1].After["n"])
}

func (s *PostgresIntegrationSuite) TestRecordStore_UpsertAndFind() {
	rec, err := s.records.FindExisting(s.ctx, "tenant-1", "students", "s1")
	s.Require().NoError(err)
	s.Nil(rec)

	s.Require().NoError(s.records.Upsert(s.ctx, "tenant-1", "students", "s1", domain.Record{"firstName": "Jane"}))
	s.Require().NoError(s.records.Upsert(s.ctx, "tenant-1", "students", "s1", domain.Record{"firstName": "Janet"}))

	rec, err = s.records.FindExisting(s.ctx, "tenant-1", "students", "s1")
	s.Require().NoError(err)
	s.Equal("Janet", rec["firstName"])

	rec, err = s.records.FindExisting(s.ctx, "tenant-2", "students", "s1")
	s.Require().NoError(err)
	s.Nil(rec)
}

func (s *PostgresIntegrationSuite) TestTransaction_Commit() {
	tm := NewTransactionManager(s.db)

	err := tm.WithTransaction(s.ctx, func(ctx context.Context) error {
		return s.records.Upsert(ctx, "tenant-1", "students", "tx-1", domain.Record{"a": 1})
	})
	s.Require().NoError(err)

	rec, err := s.records.FindExisting(s.ctx, "tenant-1", "students", "tx-1")
	s.Require().NoError(err)
	s.NotNil(rec)
}

func (s *PostgresIntegrationSuite) TestTransaction_Rollback() {
	tm := NewTransactionManager(s.db)
	errBoom := errors.New("boom")

	err := tm.WithTransaction(s.ctx, func(ctx context.Context) error {
		if err := s.records.Upsert(ctx, "tenant-1", "students", "tx-2", domain.Record{"a": 1}); err != nil {
			return err
		}
		return errBoom
	})
	s.ErrorIs(err, errBoom)

	rec, err := s.records.FindExisting(s.ctx, "tenant-1", "students", "tx-2")
	s.Require().NoError(err)
	s.Nil(rec)
}
