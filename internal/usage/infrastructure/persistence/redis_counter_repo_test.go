package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/usage/domain"
)

func setupRedisRepo(t *testing.T) *RedisCounterRepository {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisCounterRepository(client)
}

func redisSeed(limit int64) domain.Counter {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return domain.Counter{
		WorkspaceID: shared.NewWorkspaceID(uuid.New()),
		FeatureKey:  "pages",
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 1, 0),
		Limit:       limit,
	}
}

func TestRedisCounterRepository_CheckAndIncrement(t *testing.T) {
	repo := setupRedisRepo(t)
	ctx := context.Background()
	seed := redisSeed(2)

	got, err := repo.CheckAndIncrement(ctx, seed, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Count)

	got, err = repo.CheckAndIncrement(ctx, seed, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Count)

	got, err = repo.CheckAndIncrement(ctx, seed, 1)
	assert.ErrorIs(t, err, domain.ErrOverLimit)
	assert.Equal(t, int64(2), got.Count)
}

func TestRedisCounterRepository_StoredLimitWins(t *testing.T) {
	repo := setupRedisRepo(t)
	ctx := context.Background()

	seed := redisSeed(5)
	_, err := repo.CheckAndIncrement(ctx, seed, 5)
	require.NoError(t, err)

	// A looser seed must not reopen an exhausted counter.
	loosened := seed
	loosened.Limit = 100
	_, err = repo.CheckAndIncrement(ctx, loosened, 1)
	assert.ErrorIs(t, err, domain.ErrOverLimit)
}

func TestRedisCounterRepository_GetAndList(t *testing.T) {
	repo := setupRedisRepo(t)
	ctx := context.Background()

	seed := redisSeed(50)
	_, err := repo.CheckAndIncrement(ctx, seed, 3)
	require.NoError(t, err)

	other := seed
	other.FeatureKey = "blog_posts"
	_, err = repo.CheckAndIncrement(ctx, other, 1)
	require.NoError(t, err)

	got, err := repo.Get(ctx, seed.WorkspaceID, "pages", seed.PeriodStart)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Count)
	assert.Equal(t, int64(50), got.Limit)
	assert.True(t, got.PeriodEnd.Equal(seed.PeriodEnd))

	counters, err := repo.ListByPeriod(ctx, seed.WorkspaceID, seed.PeriodStart)
	require.NoError(t, err)
	assert.Len(t, counters, 2)

	_, err = repo.Get(ctx, seed.WorkspaceID, "newsletters", seed.PeriodStart)
	assert.ErrorIs(t, err, domain.ErrCounterNotFound)
}

func TestRedisCounterRepository_ConcurrentIncrementsNeverOvershoot(t *testing.T) {
	repo := setupRedisRepo(t)
	ctx := context.Background()
	seed := redisSeed(100)

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
