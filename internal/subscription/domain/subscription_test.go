package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallyhq/tally/internal/catalog"
	shared "github.com/tallyhq/tally/internal/shared/domain"
)

func newTrial(t *testing.T) *Subscription {
	t.Helper()
	sub, err := NewSubscription(shared.NewWorkspaceID(uuid.New()), time.Now(), 14)
	require.NoError(t, err)
	return sub
}

func TestNewSubscriptionStartsTrial(t *testing.T) {
	sub := newTrial(t)
	assert.Equal(t, StatusTrial, sub.Status())
	assert.Empty(t, sub.BundleIDs())
	assert.Equal(t, catalog.CycleMonthly, sub.Cycle())
	assert.Len(t, sub.DomainEvents(), 1)
}

func TestNewSubscriptionRequiresWorkspace(t *testing.T) {
	_, err := NewSubscription(shared.WorkspaceID{}, time.Now(), 14)
	require.Error(t, err)
}

func TestAddBundleEstablishesCycle(t *testing.T) {
	sub := newTrial(t)
	require.NoError(t, sub.AddBundle("creator", catalog.CycleYearly))
	assert.Equal(t, catalog.CycleYearly, sub.Cycle())
	assert.True(t, sub.HasBundle("creator"))
}

func TestAddBundleRejectsDuplicateAndMismatchedCycle(t *testing.T) {
	sub := newTrial(t)
	require.NoError(t, sub.AddBundle("creator", catalog.CycleMonthly))

	err := sub.AddBundle("creator", catalog.CycleMonthly)
	require.ErrorIs(t, err, ErrBundleAlreadyActive)

	err = sub.AddBundle("ecommerce", catalog.CycleYearly)
	require.ErrorIs(t, err, ErrCycleMismatch)
}

func TestAddBundleRejectsInvalidCycle(t *testing.T) {
	sub := newTrial(t)
	err := sub.AddBundle("creator", catalog.Cycle("weekly"))
	require.ErrorIs(t, err, catalog.ErrInvalidCycle)
}

func TestRemoveBundleDuringTrialIsImmediate(t *testing.T) {
	sub := newTrial(t)
	require.NoError(t, sub.AddBundle("creator", catalog.CycleMonthly))
	require.NoError(t, sub.RemoveBundle("creator"))
	assert.Empty(t, sub.BundleIDs())
	assert.Empty(t, sub.PendingRemovals())
}

func TestRemoveBundleWhileActiveIsDeferred(t *testing.T) {
	sub := newTrial(t)
	require.NoError(t, sub.AddBundle("creator", catalog.CycleMonthly))
	require.NoError(t, sub.AddBundle("ecommerce", catalog.CycleMonthly))
	require.NoError(t, sub.RecordChargeOutcome(true, time.Now()))

	require.NoError(t, sub.RemoveBundle("ecommerce"))
	assert.True(t, sub.HasBundle("ecommerce"), "still entitled until period end")
	assert.Equal(t, []string{"creator"}, sub.NextPeriodBundles())

	err := sub.RemoveBundle("ecommerce")
	require.ErrorIs(t, err, ErrBundleNotActive)
}

func TestRemoveLastBundleWhileActiveRejected(t *testing.T) {
	sub := newTrial(t)
	require.NoError(t, sub.AddBundle("creator", catalog.CycleMonthly))
	require.NoError(t, sub.AddBundle("ecommerce", catalog.CycleMonthly))
	require.NoError(t, sub.AddBundle("booking", catalog.CycleMonthly))
	require.NoError(t, sub.RecordChargeOutcome(true, time.Now()))

	require.NoError(t, sub.RemoveBundle("booking"))
	require.NoError(t, sub.RemoveBundle("ecommerce"))
	err := sub.RemoveBundle("creator")
	require.ErrorIs(t, err, ErrLastBundle)
}

func TestRemoveUnknownBundle(t *testing.T) {
	sub := newTrial(t)
	err := sub.RemoveBundle("creator")
	require.ErrorIs(t, err, ErrBundleNotActive)
}

func TestChangeCycleAppliesNextPeriod(t *testing.T) {
	sub := newTrial(t)
	require.NoError(t, sub.AddBundle("creator", catalog.CycleMonthly))
	require.NoError(t, sub.ChangeCycle(catalog.CycleYearly))

	assert.Equal(t, catalog.CycleMonthly, sub.Cycle())
	assert.Equal(t, catalog.CycleYearly, sub.NextPeriodCycle())

	require.NoError(t, sub.AdvancePeriod())
	assert.Equal(t, catalog.CycleYearly, sub.Cycle())
	assert.Nil(t, sub.PendingCycle())
}

func TestChangeCycleToSameClearsPending(t *testing.T) {
	sub := newTrial(t)
	require.NoError(t, sub.ChangeCycle(catalog.CycleYearly))
	require.NoError(t, sub.ChangeCycle(catalog.CycleMonthly))
	// Back to the current cycle: nothing pending anymore.
	require.NoError(t, sub.ChangeCycle(catalog.CycleMonthly))
	assert.Nil(t, sub.PendingCycle())
}

func TestCancelIsTerminal(t *testing.T) {
	sub := newTrial(t)
	require.NoError(t, sub.AddBundle("creator", catalog.CycleMonthly))
	require.NoError(t, sub.Cancel(time.Now()))

	assert.Equal(t, StatusCancelled, sub.Status())
	assert.NotNil(t, sub.CancelledAt())
	// Snapshot stays for historical billing.
	assert.Equal(t, []string{"creator"}, sub.BundleIDs())

	require.ErrorIs(t, sub.Cancel(time.Now()), ErrCancelled)
	require.ErrorIs(t, sub.AddBundle("ecommerce", catalog.CycleMonthly), ErrCancelled)
	require.ErrorIs(t, sub.RemoveBundle("creator"), ErrCancelled)
	require.ErrorIs(t, sub.ChangeCycle(catalog.CycleYearly), ErrCancelled)
	require.ErrorIs(t, sub.AdvancePeriod(), ErrCancelled)
}

func TestChargeOutcomeStateMachine(t *testing.T) {
	sub := newTrial(t)
	require.NoError(t, sub.AddBundle("creator", catalog.CycleMonthly))

	require.NoError(t, sub.RecordChargeOutcome(true, time.Now()))
	assert.Equal(t, StatusActive, sub.Status())

	require.NoError(t, sub.RecordChargeOutcome(false, time.Now()))
	assert.Equal(t, StatusPastDue, sub.Status())
	assert.Equal(t, 1, sub.FailedCharges())

	require.NoError(t, sub.RecordChargeOutcome(true, time.Now()))
	assert.Equal(t, StatusActive, sub.Status())
	assert.Equal(t, 0, sub.FailedCharges())
}

func TestRepeatedChargeFailuresCancel(t *testing.T) {
	sub := newTrial(t)
	require.NoError(t, sub.AddBundle("creator", catalog.CycleMonthly))
	require.NoError(t, sub.RecordChargeOutcome(true, time.Now()))

	for i := 0; i < MaxFailedCharges-1; i++ {
		require.NoError(t, sub.RecordChargeOutcome(false, time.Now()))
		assert.Equal(t, StatusPastDue, sub.Status())
	}
	require.NoError(t, sub.RecordChargeOutcome(false, time.Now()))
	assert.Equal(t, StatusCancelled, sub.Status())
}

func TestAdvancePeriodRollsWindowAndAppliesPendings(t *testing.T) {
	sub := newTrial(t)
	require.NoError(t, sub.AddBundle("creator", catalog.CycleMonthly))
	require.NoError(t, sub.AddBundle("ecommerce", catalog.CycleMonthly))
	require.NoError(t, sub.RecordChargeOutcome(true, time.Now()))
	require.NoError(t, sub.RemoveBundle("ecommerce"))

	prevEnd := sub.PeriodEnd()
	require.NoError(t, sub.AdvancePeriod())

	assert.Equal(t, prevEnd, sub.PeriodStart())
	assert.Equal(t, prevEnd.AddDate(0, 1, 0), sub.PeriodEnd())
	assert.Equal(t, []string{"creator"}, sub.BundleIDs())
	assert.Empty(t, sub.PendingRemovals())
}

func TestPeriodDays(t *testing.T) {
	ws := shared.NewWorkspaceID(uuid.New())
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	sub, err := NewSubscription(ws, start, 30)
	require.NoError(t, err)

	remaining, total := sub.PeriodDays(start.AddDate(0, 0, 15))
	assert.Equal(t, 30, total)
	assert.Equal(t, 15, remaining)

	// Past the period end the remaining days clamp to zero.
	remaining, _ = sub.PeriodDays(start.AddDate(0, 0, 45))
	assert.Equal(t, 0, remaining)

	// Before the period start they clamp to the full period.
	remaining, _ = sub.PeriodDays(start.AddDate(0, 0, -5))
	assert.Equal(t, 30, remaining)
}

func TestRehydrateRoundTrip(t *testing.T) {
	ws := shared.NewWorkspaceID(uuid.New())
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	yearly := catalog.CycleYearly

	base := shared.RehydrateBaseEntity(uuid.New(), start, start)
	sub := RehydrateSubscription(base, 7, ws,
		[]string{"creator", "ecommerce"}, []string{"ecommerce"},
		catalog.CycleMonthly, &yearly, StatusPastDue, start, end, 2, nil)

	assert.Equal(t, 7, sub.Version())
	assert.Equal(t, StatusPastDue, sub.Status())
	assert.Equal(t, []string{"creator"}, sub.NextPeriodBundles())
	assert.Equal(t, catalog.CycleYearly, sub.NextPeriodCycle())
	assert.Equal(t, 2, sub.FailedCharges())
	assert.Empty(t, sub.DomainEvents())
}
