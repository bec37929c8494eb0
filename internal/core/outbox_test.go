package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/wa-gate/internal/core"
	"github.com/Cypherspark/wa-gate/internal/db/dbtest"
)

func TestEnqueueNotification_Inserts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s := &core.Store{DB: mock}
	key := "evt-1"

	mock.ExpectQuery("INSERT INTO notification_jobs").
		WithArgs("tenant-a", "201234567890", "your_turn", "", pgxmock.AnyArg(), "t-1", &key).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("job-1"))

	id, already, err := s.EnqueueNotification(context.Background(), core.EnqueueRequest{
		TenantID: "tenant-a", Phone: "+20 123 456 7890", Kind: core.KindYourTurn, TicketID: "t-1",
		Event:          &core.NotificationEvent{TicketNumber: "A-1", OrganizationName: "Org"},
		IdempotencyKey: &key,
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
	assert.False(t, already)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueNotification_IdempotentReplay(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s := &core.Store{DB: mock}
	key := "evt-1"

	mock.ExpectQuery("INSERT INTO notification_jobs").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM notification_jobs").
		WithArgs("tenant-a", "evt-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("job-1"))

	id, already, err := s.EnqueueNotification(context.Background(), core.EnqueueRequest{
		TenantID: "tenant-a", Phone: "201234567890", Message: "hi", IdempotencyKey: &key,
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
	assert.True(t, already)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueNotification_RejectsInvalid(t *testing.T) {
	s := &core.Store{}
	_, _, err := s.EnqueueNotification(context.Background(), core.EnqueueRequest{TenantID: "t", Phone: "12"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
	_, _, err = s.EnqueueNotification(context.Background(), core.EnqueueRequest{Phone: "201234567890", Message: "x"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
	_, _, err = s.EnqueueNotification(context.Background(), core.EnqueueRequest{TenantID: "t", Phone: "201234567890"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestClaimQueuedJobs_MarksDispatching(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s := &core.Store{DB: mock}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM notification_jobs").
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("j1").AddRow("j2"))
	mock.ExpectQuery("UPDATE notification_jobs SET status='dispatching'").
		WithArgs([]string{"j1", "j2"}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "attempts"}).AddRow("j2", 3).AddRow("j1", 1))
	mock.ExpectCommit()

	claims, err := s.ClaimQueuedJobs(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []core.Claim{{ID: "j1", Attempts: 1}, {ID: "j2", Attempts: 3}}, claims)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimQueuedJobs_Empty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s := &core.Store{DB: mock}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM notification_jobs").
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	ids, err := s.ClaimQueuedJobs(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadJob_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s := &core.Store{DB: mock}

	mock.ExpectQuery("FROM notification_jobs WHERE id").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err = s.LoadJob(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestMarkDispatched_RecordsResult(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s := &core.Store{DB: mock}

	mock.ExpectExec("UPDATE notification_jobs").
		WithArgs("j1", "sent", "", "abc", "ok", `{"sent":true}`, "ref-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = s.MarkDispatched(context.Background(), "j1", core.DispatchResult{
		Outcome: core.OutcomeSent, ProviderMessageID: "abc", Reason: "ok",
		RawPayload: `{"sent":true}`, ReferenceID: "ref-1",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_Integration(t *testing.T) {
	pg := dbtest.StartPostgres(t)
	s := &core.Store{DB: pg.Pool}
	ctx := context.Background()

	key := "same-key"
	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := s.EnqueueNotification(ctx, core.EnqueueRequest{
				TenantID: "tenant-a", Phone: "201234567890", Message: "hi", IdempotencyKey: &key,
			})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}

	claimed, err := s.ClaimQueuedJobs(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []core.Claim{{ID: ids[0], Attempts: 1}}, claimed)

	again, err := s.ClaimQueuedJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	job, err := s.LoadJob(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, core.JobDispatching, job.Status)
	assert.Equal(t, 1, job.Attempts)

	require.NoError(t, s.MarkDispatched(ctx, ids[0], core.DispatchResult{
		Outcome: core.OutcomeSkippedNoSession, ErrorCode: "no_active_session", Reason: "no_active_session",
	}))

	skipped := core.OutcomeSkippedNoSession
	from := time.Now().Add(-time.Hour)
	jobs, err := s.QueryJobs(ctx, core.JobFilter{TenantID: "tenant-a", Outcome: &skipped, From: &from, Limit: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, core.JobDone, jobs[0].Status)
	require.NotNil(t, jobs[0].ErrorCode)
	assert.Equal(t, "no_active_session", *jobs[0].ErrorCode)

	none, err := s.QueryJobs(ctx, core.JobFilter{TenantID: "tenant-b", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOutbox_RetryRequeues(t *testing.T) {
	pg := dbtest.StartPostgres(t)
	s := &core.Store{DB: pg.Pool}
	ctx := context.Background()

	id, _, err := s.EnqueueNotification(ctx, core.EnqueueRequest{TenantID: "t", Phone: "201234567890", Message: "x"})
	require.NoError(t, err)
	_, err = s.ClaimQueuedJobs(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, s.MarkFailedWithRetry(ctx, id, time.Hour))
	ids, err := s.ClaimQueuedJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "not due yet")

	require.NoError(t, s.MarkFailedWithRetry(ctx, id, 0))
	ids, err = s.ClaimQueuedJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []core.Claim{{ID: id, Attempts: 2}}, ids)

	require.NoError(t, s.MarkFailedPermanent(ctx, id, "gave up"))
	job, err := s.LoadJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.JobFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
}
