package persistence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	shared "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/usage/domain"
)

// checkAndIncrementScript performs the limit check and the increment as one
// script invocation, which Redis executes atomically. The stored limit wins
// over the seeded one so a mid-period catalog change never loosens an
// already-seeded ceiling.
var checkAndIncrementScript = redis.NewScript(`
local key = KEYS[1]
local index = KEYS[2]
local n = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local period_end = ARGV[3]
local ttl = tonumber(ARGV[4])
local feature = ARGV[5]

if redis.call('EXISTS', key) == 1 then
  limit = tonumber(redis.call('HGET', key, 'limit'))
end
local count = tonumber(redis.call('HGET', key, 'count') or '0')
if limit >= 0 and count + n > limit then
  return {count, limit, 0}
end
count = count + n
redis.call('HSET', key, 'count', count, 'limit', limit, 'period_end', period_end)
redis.call('SADD', index, feature)
if ttl > 0 then
  redis.call('EXPIRE', key, ttl)
  redis.call('EXPIRE', index, ttl)
end
return {count, limit, 1}
`)

// expirySlack keeps counters readable for a while after the period closes.
const expirySlack = 90 * 24 * time.Hour

// RedisCounterRepository implements domain.Repository on Redis for
// deployments where increment latency matters more than SQL queryability.
type RedisCounterRepository struct {
	client *redis.Client
}

// NewRedisCounterRepository creates a new Redis counter repository.
func NewRedisCounterRepository(client *redis.Client) *RedisCounterRepository {
	return &RedisCounterRepository{client: client}
}

func counterKey(workspaceID shared.WorkspaceID, featureKey string, periodStart time.Time) string {
	return fmt.Sprintf("usage:%s:%s:%d", workspaceID, featureKey, periodStart.UTC().Unix())
}

func indexKey(workspaceID shared.WorkspaceID, periodStart time.Time) string {
	return fmt.Sprintf("usage:%s:%d:features", workspaceID, periodStart.UTC().Unix())
}

// CheckAndIncrement runs the guarded increment script.
func (r *RedisCounterRepository) CheckAndIncrement(ctx context.Context, counter domain.Counter, n int64) (domain.Counter, error) {
	ttl := time.Until(counter.PeriodEnd) + expirySlack

	res, err := checkAndIncrementScript.Run(ctx, r.client,
		[]string{
			counterKey(counter.WorkspaceID, counter.FeatureKey, counter.PeriodStart),
			indexKey(counter.WorkspaceID, counter.PeriodStart),
		},
		n,
		counter.Limit,
		counter.PeriodEnd.UTC().Format(time.RFC3339Nano),
		int64(ttl.Seconds()),
		counter.FeatureKey,
	).Int64Slice()
	if err != nil {
		return counter, fmt.Errorf("failed to increment usage counter: %w", err)
	}
	if len(res) != 3 {
		return counter, fmt.Errorf("unexpected script reply of length %d", len(res))
	}

	result := counter
	result.Count = res[0]
	result.Limit = res[1]
	if res[2] == 0 {
		return result, domain.ErrOverLimit
	}
	return result, nil
}

// Get returns the stored counter for (workspace, feature, period).
func (r *RedisCounterRepository) Get(ctx context.Context, workspaceID shared.WorkspaceID, featureKey string, periodStart time.Time) (domain.Counter, error) {
	fields, err := r.client.HGetAll(ctx, counterKey(workspaceID, featureKey, periodStart)).Result()
	if err != nil {
		return domain.Counter{}, fmt.Errorf("failed to load usage counter: %w", err)
	}
	if len(fields) == 0 {
		return domain.Counter{}, domain.ErrCounterNotFound
	}
	return counterFromHash(workspaceID, featureKey, periodStart, fields)
}

// ListByPeriod returns all counters a workspace accrued in a period.
func (r *RedisCounterRepository) ListByPeriod(ctx context.Context, workspaceID shared.WorkspaceID, periodStart time.Time) ([]domain.Counter, error) {
	features, err := r.client.SMembers(ctx, indexKey(workspaceID, periodStart)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list usage counters: %w", err)
	}

	counters := make([]domain.Counter, 0, len(features))
	for _, feature := range features {
		counter, err := r.Get(ctx, workspaceID, feature, periodStart)
		if err != nil {
			if err == domain.ErrCounterNotFound {
				continue
			}
			return nil, err
		}
		counters = append(counters, counter)
	}
	return counters, nil
}

// DeleteBefore is a no-op: Redis counters carry a TTL past their period end
// and expire on their own.
func (r *RedisCounterRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func counterFromHash(workspaceID shared.WorkspaceID, featureKey string, periodStart time.Time, fields map[string]string) (domain.Counter, error) {
	counter := domain.Counter{
		WorkspaceID: workspaceID,
		FeatureKey:  featureKey,
		PeriodStart: periodStart.UTC(),
	}

	var err error
	if counter.Count, err = strconv.ParseInt(fields["count"], 10, 64); err != nil {
		return domain.Counter{}, fmt.Errorf("failed to parse counter count: %w", err)
	}
	if counter.Limit, err = strconv.ParseInt(fields["limit"], 10, 64); err != nil {
		return domain.Counter{}, fmt.Errorf("failed to parse counter limit: %w", err)
	}
	if counter.PeriodEnd, err = time.Parse(time.RFC3339Nano, fields["period_end"]); err != nil {
		return domain.Counter{}, fmt.Errorf("failed to parse counter period end: %w", err)
	}
	counter.PeriodEnd = counter.PeriodEnd.UTC()
	return counter, nil
}
