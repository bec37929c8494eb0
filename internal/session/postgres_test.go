package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/wa-gate/internal/db/dbtest"
)

var sessionCols = []string{"id", "phone", "tenant_id", "active", "expires_at", "created_at", "updated_at"}

func TestPostgresActiveSession_AppliesTenantRule(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewPostgres(mock, Options{Now: func() time.Time { return now }})
	other := "tenant-b"

	mock.ExpectQuery("SELECT id, phone, tenant_id").
		WithArgs("201234567890", now, lookupLimit, "tenant-a").
		WillReturnRows(pgxmock.NewRows(sessionCols).
			AddRow("s-1", "201234567890", &other, true, now.Add(time.Hour), now.Add(-time.Minute), nil))

	ok, err := store.HasActiveSession(context.Background(), "+20 123 456 7890", "tenant-a")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateOrExtend_InsertsWhenMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewPostgres(mock, Options{Now: func() time.Time { return now }})
	tenant := "tenant-a"

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("201234567890", "tenant-a").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT id FROM whatsapp_sessions").
		WithArgs("201234567890", pgxmock.AnyArg(), now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("INSERT INTO whatsapp_sessions").
		WithArgs("201234567890", pgxmock.AnyArg(), now.Add(DefaultWindow), now).
		WillReturnRows(pgxmock.NewRows(sessionCols).
			AddRow("s-1", "201234567890", &tenant, true, now.Add(DefaultWindow), now, nil))
	mock.ExpectCommit()

	s, err := store.CreateOrExtendSession(context.Background(), "201234567890", "tenant-a")
	require.NoError(t, err)
	require.Equal(t, "s-1", s.ID)
	require.Equal(t, now.Add(DefaultWindow), s.ExpiresAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateOrExtend_ExtendsExisting(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewPostgres(mock, Options{Now: func() time.Time { return now }})
	tenant := "tenant-a"

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("201234567890", "tenant-a").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT id FROM whatsapp_sessions").
		WithArgs("201234567890", pgxmock.AnyArg(), now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("s-1"))
	mock.ExpectQuery("UPDATE whatsapp_sessions").
		WithArgs("s-1", now.Add(DefaultWindow), now).
		WillReturnRows(pgxmock.NewRows(sessionCols).
			AddRow("s-1", "201234567890", &tenant, true, now.Add(DefaultWindow), now.Add(-time.Hour), &now))
	mock.ExpectCommit()

	s, err := store.CreateOrExtendSession(context.Background(), "201234567890", "tenant-a")
	require.NoError(t, err)
	require.Equal(t, "s-1", s.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeactivate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgres(mock, Options{})
	mock.ExpectExec("UPDATE whatsapp_sessions SET active=false").
		WithArgs("201234567890", "tenant-a", pgxmock.AnyArg(), false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := store.DeactivateSession(context.Background(), "201234567890", "tenant-a")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeactivate_LegacyFallbackClosesTenantlessRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgres(mock, Options{LegacyFallback: true})
	mock.ExpectExec(`UPDATE whatsapp_sessions SET active=false(.|\n)*tenant_id IS NULL`).
		WithArgs("201234567890", "tenant-a", pgxmock.AnyArg(), true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := store.DeactivateSession(context.Background(), "201234567890", "tenant-a")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresActiveSession_FiltersTenantInQuery(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewPostgres(mock, Options{Now: func() time.Time { return now }})
	own := "tenant-a"

	mock.ExpectQuery(`SELECT id, phone, tenant_id(.|\n)*tenant_id = \$4 OR tenant_id IS NULL`).
		WithArgs("201234567890", now, lookupLimit, "tenant-a").
		WillReturnRows(pgxmock.NewRows(sessionCols).
			AddRow("s-own", "201234567890", &own, true, now.Add(time.Hour), now.Add(-time.Hour), nil))

	s, err := store.ActiveSession(context.Background(), "201234567890", "tenant-a")
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, "s-own", s.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIntegration_ConcurrentExtendKeepsOneSession(t *testing.T) {
	pg := dbtest.StartPostgres(t)
	store := NewPostgres(pg.Pool, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	expiries := make(chan time.Time, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := store.CreateOrExtendSession(ctx, "+20 123 456 7890", "tenant-a")
			require.NoError(t, err)
			expiries <- s.ExpiresAt
		}()
	}
	wg.Wait()
	close(expiries)

	var latest time.Time
	for e := range expiries {
		if e.After(latest) {
			latest = e
		}
	}

	var count int
	require.NoError(t, pg.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM whatsapp_sessions WHERE phone='201234567890' AND active`).Scan(&count))
	require.Equal(t, 1, count)

	s, err := store.ActiveSession(ctx, "201234567890", "tenant-a")
	require.NoError(t, err)
	require.NotNil(t, s)
	require.False(t, s.ExpiresAt.Before(latest), "expiry regressed")

	ok, err := store.HasActiveSession(ctx, "201234567890", "tenant-b")
	require.NoError(t, err)
	require.False(t, ok)

	n, err := store.DeactivateSession(ctx, "201234567890", "tenant-a")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	ok, err = store.HasActiveSession(ctx, "201234567890", "tenant-a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPostgresIntegration_OtherTenantsDoNotCrowdOutOwnSession(t *testing.T) {
	pg := dbtest.StartPostgres(t)
	ctx := context.Background()
	clock := newClock()
	store := NewPostgres(pg.Pool, Options{Now: clock.Now})

	own, err := store.CreateOrExtendSession(ctx, "201234567890", "tenant-a")
	require.NoError(t, err)
	for i := 0; i < lookupLimit+10; i++ {
		clock.Advance(time.Second)
		_, err := store.CreateOrExtendSession(ctx, "201234567890", fmt.Sprintf("tenant-x%d", i))
		require.NoError(t, err)
	}

	s, err := store.ActiveSession(ctx, "201234567890", "tenant-a")
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, own.ID, s.ID)
}

func TestPostgresIntegration_LegacyFallbackCloseShutsGate(t *testing.T) {
	pg := dbtest.StartPostgres(t)
	ctx := context.Background()
	store := NewPostgres(pg.Pool, Options{LegacyFallback: true})

	_, err := store.CreateOrExtendSession(ctx, "201234567890", "")
	require.NoError(t, err)
	_, err = store.CreateOrExtendSession(ctx, "201234567890", "tenant-a")
	require.NoError(t, err)

	n, err := store.DeactivateSession(ctx, "201234567890", "tenant-a")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ok, err := store.HasActiveSession(ctx, "201234567890", "tenant-a")
	require.NoError(t, err)
	require.False(t, ok)
}
