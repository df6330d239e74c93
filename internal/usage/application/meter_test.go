package application

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/internal/catalog"
	shared "github.com/tallyhq/tally/internal/shared/domain"
	subscriptionDomain "github.com/tallyhq/tally/internal/subscription/domain"
	"github.com/tallyhq/tally/internal/usage/domain"
)

type memoryCounterRepo struct {
	mu       sync.Mutex
	counters map[string]domain.Counter
}

func newMemoryCounterRepo() *memoryCounterRepo {
	return &memoryCounterRepo{counters: make(map[string]domain.Counter)}
}

func (r *memoryCounterRepo) key(ws shared.WorkspaceID, feature string, start time.Time) string {
	return ws.String() + "/" + feature + "/" + start.UTC().Format(time.RFC3339)
}

func (r *memoryCounterRepo) CheckAndIncrement(_ context.Context, counter domain.Counter, n int64) (domain.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := r.key(counter.WorkspaceID, counter.FeatureKey, counter.PeriodStart)
	current, ok := r.counters[k]
	if !ok {
		current = counter
	}
	if !current.Unlimited() && current.Count+n > current.Limit {
		return current, domain.ErrOverLimit
	}
	current.Count += n
	r.counters[k] = current
	return current, nil
}

func (r *memoryCounterRepo) Get(_ context.Context, ws shared.WorkspaceID, feature string, start time.Time) (domain.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counter, ok := r.counters[r.key(ws, feature, start)]
	if !ok {
		return domain.Counter{}, domain.ErrCounterNotFound
	}
	return counter, nil
}

func (r *memoryCounterRepo) ListByPeriod(_ context.Context, ws shared.WorkspaceID, start time.Time) ([]domain.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Counter
	for _, c := range r.counters {
		if c.WorkspaceID.Equals(ws) && c.PeriodStart.Equal(start) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memoryCounterRepo) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for k, c := range r.counters {
		if c.PeriodStart.Before(cutoff) {
			delete(r.counters, k)
			deleted++
		}
	}
	return deleted, nil
}

type stubSubscriptionRepo struct {
	sub *subscriptionDomain.Subscription
}

func (r *stubSubscriptionRepo) Create(context.Context, *subscriptionDomain.Subscription) error {
	return nil
}

func (r *stubSubscriptionRepo) Save(context.Context, *subscriptionDomain.Subscription) error {
	return nil
}

func (r *stubSubscriptionRepo) FindByWorkspace(_ context.Context, ws shared.WorkspaceID) (*subscriptionDomain.Subscription, error) {
	if r.sub == nil || !r.sub.WorkspaceID().Equals(ws) {
		return nil, subscriptionDomain.ErrSubscriptionNotFound
	}
	return r.sub, nil
}

func (r *stubSubscriptionRepo) ListDue(context.Context, time.Time, int) ([]shared.WorkspaceID, error) {
	return nil, nil
}

func (r *stubSubscriptionRepo) ListPastDue(context.Context, int) ([]shared.WorkspaceID, error) {
	return nil, nil
}

func newTestMeter(t *testing.T, bundleIDs ...string) (*Meter, shared.WorkspaceID) {
	t.Helper()

	ws := shared.NewWorkspaceID(uuid.New())
	sub, err := subscriptionDomain.NewSubscription(ws, time.Now(), 14)
	require.NoError(t, err)
	for _, id := range bundleIDs {
		require.NoError(t, sub.AddBundle(id, catalog.CycleMonthly))
	}

	meter := NewMeter(
		newMemoryCounterRepo(),
		&stubSubscriptionRepo{sub: sub},
		catalog.Default(),
		slog.New(slog.DiscardHandler),
	)
	return meter, ws
}

func TestMeter_CheckAndIncrement_SeedsLimitFromBundles(t *testing.T) {
	meter, ws := newTestMeter(t, "creator")
	ctx := context.Background()

	snap, err := meter.CheckAndIncrement(ctx, ws, "newsletters", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Count)
	assert.Equal(t, int64(20), snap.Limit)
	assert.Equal(t, int64(19), snap.Remaining)
	assert.Equal(t, domain.LevelOK, snap.Level)
}

func TestMeter_CheckAndIncrement_RejectsOverLimit(t *testing.T) {
	meter, ws := newTestMeter(t, "creator")
	ctx := context.Background()

	_, err := meter.CheckAndIncrement(ctx, ws, "newsletters", 20)
	require.NoError(t, err)

	snap, err := meter.CheckAndIncrement(ctx, ws, "newsletters", 1)
	assert.ErrorIs(t, err, domain.ErrOverLimit)
	assert.Equal(t, int64(20), snap.Count)
	assert.Equal(t, domain.LevelExceeded, snap.Level)
}

func TestMeter_CheckAndIncrement_UnknownFeature(t *testing.T) {
	meter, ws := newTestMeter(t, "creator")

	_, err := meter.CheckAndIncrement(context.Background(), ws, "product_listings", 1)
	assert.ErrorIs(t, err, domain.ErrFeatureNotMetred)
}

func TestMeter_CheckAndIncrement_RejectsNonPositive(t *testing.T) {
	meter, ws := newTestMeter(t, "creator")

	_, err := meter.CheckAndIncrement(context.Background(), ws, "newsletters", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidIncrement)
	_, err = meter.CheckAndIncrement(context.Background(), ws, "newsletters", -3)
	assert.ErrorIs(t, err, domain.ErrInvalidIncrement)
}

func TestMeter_UnmeteredFeatureIsUnlimited(t *testing.T) {
	// creator unlocks custom_domain without declaring a ceiling for it.
	meter, ws := newTestMeter(t, "creator")
	ctx := context.Background()

	snap, err := meter.GetUsage(ctx, ws, "custom_domain")
	require.NoError(t, err)
	assert.Equal(t, catalog.UnlimitedUsage, snap.Limit)

	snap, err = meter.CheckAndIncrement(ctx, ws, "custom_domain", 1_000)
	require.NoError(t, err)
	assert.Equal(t, domain.LevelOK, snap.Level)
}

func TestMeter_FeatureFromInactiveBundle(t *testing.T) {
	meter, ws := newTestMeter(t, "creator")

	// products belongs to the ecommerce bundle, which is not active.
	_, err := meter.CheckAndIncrement(context.Background(), ws, "products", 1)
	assert.ErrorIs(t, err, domain.ErrFeatureNotMetred)
}

func TestMeter_GetUsage_ZeroBeforeFirstUse(t *testing.T) {
	meter, ws := newTestMeter(t, "creator")

	snap, err := meter.GetUsage(context.Background(), ws, "blog_posts")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Count)
	assert.Equal(t, int64(200), snap.Limit)
}

func TestMeter_WarnLevels(t *testing.T) {
	meter, ws := newTestMeter(t, "creator")
	ctx := context.Background()

	snap, err := meter.CheckAndIncrement(ctx, ws, "newsletters", 16)
	require.NoError(t, err)
	assert.Equal(t, domain.LevelWarn, snap.Level)

	snap, err = meter.CheckAndIncrement(ctx, ws, "newsletters", 3)
	require.NoError(t, err)
	assert.Equal(t, domain.LevelCritical, snap.Level)
}

func TestMeter_ListUsage(t *testing.T) {
	meter, ws := newTestMeter(t, "creator")
	ctx := context.Background()

	_, err := meter.CheckAndIncrement(ctx, ws, "newsletters", 1)
	require.NoError(t, err)
	_, err = meter.CheckAndIncrement(ctx, ws, "blog_posts", 2)
	require.NoError(t, err)

	snaps, err := meter.ListUsage(ctx, ws)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestMeter_UnknownWorkspace(t *testing.T) {
	meter, _ := newTestMeter(t, "creator")

	_, err := meter.GetUsage(context.Background(), shared.NewWorkspaceID(uuid.New()), "pages")
	assert.ErrorIs(t, err, subscriptionDomain.ErrSubscriptionNotFound)
}
