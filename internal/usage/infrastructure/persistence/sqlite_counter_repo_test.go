package persistence

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/shared/infrastructure/migrations"
	"github.com/tallyhq/tally/internal/usage/domain"

	_ "modernc.org/sqlite"
)

func setupCounterTestDB(t *testing.T) *sql.DB {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, migrations.RunSQLiteMigrations(context.Background(), sqlDB))
	return sqlDB
}

func seedCounter(limit int64) domain.Counter {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return domain.Counter{
		WorkspaceID: shared.NewWorkspaceID(uuid.New()),
		FeatureKey:  "blog_posts",
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 1, 0),
		Limit:       limit,
	}
}

func TestSQLiteCounterRepository_CheckAndIncrement(t *testing.T) {
	sqlDB := setupCounterTestDB(t)
	defer sqlDB.Close()

	repo := NewSQLiteCounterRepository(sqlDB)
	ctx := context.Background()
	seed := seedCounter(3)

	got, err := repo.CheckAndIncrement(ctx, seed, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Count)

	got, err = repo.CheckAndIncrement(ctx, seed, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Count)

	got, err = repo.CheckAndIncrement(ctx, seed, 1)
	assert.ErrorIs(t, err, domain.ErrOverLimit)
	assert.Equal(t, int64(3), got.Count, "rejected increment must not mutate the counter")
}

func TestSQLiteCounterRepository_FirstIncrementOverLimit(t *testing.T) {
	sqlDB := setupCounterTestDB(t)
	defer sqlDB.Close()

	repo := NewSQLiteCounterRepository(sqlDB)
	ctx := context.Background()
	seed := seedCounter(5)

	_, err := repo.CheckAndIncrement(ctx, seed, 6)
	assert.ErrorIs(t, err, domain.ErrOverLimit)

	_, err = repo.Get(ctx, seed.WorkspaceID, seed.FeatureKey, seed.PeriodStart)
	assert.ErrorIs(t, err, domain.ErrCounterNotFound, "rejected first increment must not seed a row")
}

func TestSQLiteCounterRepository_UnlimitedNeverRejects(t *testing.T) {
	sqlDB := setupCounterTestDB(t)
	defer sqlDB.Close()

	repo := NewSQLiteCounterRepository(sqlDB)
	ctx := context.Background()
	seed := seedCounter(-1)

	for i := 0; i < 10; i++ {
		_, err := repo.CheckAndIncrement(ctx, seed, 1_000)
		require.NoError(t, err)
	}
	got, err := repo.Get(ctx, seed.WorkspaceID, seed.FeatureKey, seed.PeriodStart)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), got.Count)
}

func TestSQLiteCounterRepository_ConcurrentIncrementsNeverOvershoot(t *testing.T) {
	sqlDB := setupCounterTestDB(t)
	defer sqlDB.Close()

	repo := NewSQLiteCounterRepository(sqlDB)
	ctx := context.Background()
	seed := seedCounter(100)

	const callers = 150
	var (
		wg       sync.WaitGroup
		rejected atomic.Int64
	)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CheckAndIncrement(ctx, seed, 1)
			if errors.Is(err, domain.ErrOverLimit) {
				rejected.Add(1)
				return
			}
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := repo.Get(ctx, seed.WorkspaceID, seed.FeatureKey, seed.PeriodStart)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Count)
	assert.Equal(t, int64(50), rejected.Load())
}

func TestSQLiteCounterRepository_ListByPeriod(t *testing.T) {
	sqlDB := setupCounterTestDB(t)
	defer sqlDB.Close()

	repo := NewSQLiteCounterRepository(sqlDB)
	ctx := context.Background()

	seed := seedCounter(50)
	_, err := repo.CheckAndIncrement(ctx, seed, 2)
	require.NoError(t, err)

	other := seed
	other.FeatureKey = "newsletters"
	other.Limit = 20
	_, err = repo.CheckAndIncrement(ctx, other, 1)
	require.NoError(t, err)

	counters, err := repo.ListByPeriod(ctx, seed.WorkspaceID, seed.PeriodStart)
	require.NoError(t, err)
	require.Len(t, counters, 2)
	assert.Equal(t, "blog_posts", counters[0].FeatureKey)
	assert.Equal(t, "newsletters", counters[1].FeatureKey)
}

func TestSQLiteCounterRepository_DeleteBefore(t *testing.T) {
	sqlDB := setupCounterTestDB(t)
	defer sqlDB.Close()

	repo := NewSQLiteCounterRepository(sqlDB)
	ctx := context.Background()

	old := seedCounter(10)
	_, err := repo.CheckAndIncrement(ctx, old, 1)
	require.NoError(t, err)

	fresh := old
	fresh.PeriodStart = old.PeriodStart.AddDate(0, 1, 0)
	fresh.PeriodEnd = old.PeriodEnd.AddDate(0, 1, 0)
	_, err = repo.CheckAndIncrement(ctx, fresh, 1)
	require.NoError(t, err)

	deleted, err := repo.DeleteBefore(ctx, fresh.PeriodStart)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = repo.Get(ctx, old.WorkspaceID, old.FeatureKey, old.PeriodStart)
	assert.ErrorIs(t, err, domain.ErrCounterNotFound)
	_, err = repo.Get(ctx, fresh.WorkspaceID, fresh.FeatureKey, fresh.PeriodStart)
	assert.NoError(t, err)
}
