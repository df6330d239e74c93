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
	usageApplication "github.com/tallyhq/tally/internal/usage/application"
	usageDomain "github.com/tallyhq/tally/internal/usage/domain"
)

type memoryCounterRepo struct {
	mu       sync.Mutex
	counters map[string]usageDomain.Counter
}

func newMemoryCounterRepo() *memoryCounterRepo {
	return &memoryCounterRepo{counters: make(map[string]usageDomain.Counter)}
}

func (r *memoryCounterRepo) key(ws shared.WorkspaceID, feature string, start time.Time) string {
	return ws.String() + "/" + feature + "/" + start.UTC().Format(time.RFC3339)
}

func (r *memoryCounterRepo) CheckAndIncrement(_ context.Context, counter usageDomain.Counter, n int64) (usageDomain.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := r.key(counter.WorkspaceID, counter.FeatureKey, counter.PeriodStart)
	current, ok := r.counters[k]
	if !ok {
		current = counter
	}
	if !current.Unlimited() && current.Count+n > current.Limit {
		return current, usageDomain.ErrOverLimit
	}
	current.Count += n
	r.counters[k] = current
	return current, nil
}

func (r *memoryCounterRepo) Get(_ context.Context, ws shared.WorkspaceID, feature string, start time.Time) (usageDomain.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counter, ok := r.counters[r.key(ws, feature, start)]
	if !ok {
		return usageDomain.Counter{}, usageDomain.ErrCounterNotFound
	}
	return counter, nil
}

func (r *memoryCounterRepo) ListByPeriod(_ context.Context, ws shared.WorkspaceID, start time.Time) ([]usageDomain.Counter, error) {
	return nil, nil
}

func (r *memoryCounterRepo) DeleteBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
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

type gateFixture struct {
	gate  *Gate
	meter *usageApplication.Meter
	sub   *subscriptionDomain.Subscription
	ws    shared.WorkspaceID
}

func newGateFixture(t *testing.T, bundleIDs ...string) *gateFixture {
	t.Helper()

	ws := shared.NewWorkspaceID(uuid.New())
	sub, err := subscriptionDomain.NewSubscription(ws, time.Now(), 14)
	require.NoError(t, err)
	for _, id := range bundleIDs {
		require.NoError(t, sub.AddBundle(id, catalog.CycleMonthly))
	}

	subs := &stubSubscriptionRepo{sub: sub}
	meter := usageApplication.NewMeter(newMemoryCounterRepo(), subs, catalog.Default(), slog.New(slog.DiscardHandler))
	return &gateFixture{
		gate:  NewGate(subs, meter, catalog.Default(), 7),
		meter: meter,
		sub:   sub,
		ws:    ws,
	}
}

func TestGate_TrialWorkspaceAllowed(t *testing.T) {
	f := newGateFixture(t, "creator")

	decision, err := f.gate.IsAllowed(context.Background(), f.ws, "pages")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, ReasonOK, decision.Reason)
}

func TestGate_ActiveWorkspaceAllowed(t *testing.T) {
	f := newGateFixture(t, "creator")
	require.NoError(t, f.sub.RecordChargeOutcome(true, time.Now()))

	decision, err := f.gate.IsAllowed(context.Background(), f.ws, "blog_posts")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestGate_UnknownWorkspaceDenied(t *testing.T) {
	f := newGateFixture(t, "creator")

	decision, err := f.gate.IsAllowed(context.Background(), shared.NewWorkspaceID(uuid.New()), "pages")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonSubscriptionNotActive, decision.Reason)
}

func TestGate_CancelledDenied(t *testing.T) {
	f := newGateFixture(t, "creator")
	require.NoError(t, f.sub.Cancel(time.Now()))

	decision, err := f.gate.IsAllowed(context.Background(), f.ws, "pages")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonSubscriptionNotActive, decision.Reason)
}

func TestGate_FeatureOutsideActiveBundles(t *testing.T) {
	f := newGateFixture(t, "creator")

	decision, err := f.gate.IsAllowed(context.Background(), f.ws, "storefront")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonBundleNotActive, decision.Reason)
}

func TestGate_OverLimitDenied(t *testing.T) {
	f := newGateFixture(t, "creator")
	ctx := context.Background()

	_, err := f.meter.CheckAndIncrement(ctx, f.ws, "newsletters", 20)
	require.NoError(t, err)

	decision, err := f.gate.IsAllowed(ctx, f.ws, "newsletters")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonOverLimit, decision.Reason)

	// Other features of the same bundle stay available.
	decision, err = f.gate.IsAllowed(ctx, f.ws, "pages")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestGate_PastDueGraceWindow(t *testing.T) {
	f := newGateFixture(t, "creator")
	require.NoError(t, f.sub.RecordChargeOutcome(false, time.Now()))
	require.Equal(t, subscriptionDomain.StatusPastDue, f.sub.Status())

	decision, err := f.gate.IsAllowed(context.Background(), f.ws, "pages")
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "past_due inside the grace window keeps entitlement")

	f.gate.now = func() time.Time {
		return f.sub.PeriodStart().AddDate(0, 0, 8)
	}
	decision, err = f.gate.IsAllowed(context.Background(), f.ws, "pages")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonSubscriptionNotActive, decision.Reason)
}

func TestGate_NeverMutatesUsage(t *testing.T) {
	f := newGateFixture(t, "creator")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.gate.IsAllowed(ctx, f.ws, "newsletters")
		require.NoError(t, err)
	}

	snap, err := f.meter.GetUsage(ctx, f.ws, "newsletters")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Count)
}
