package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallyhq/tally/internal/catalog"
	"github.com/tallyhq/tally/internal/pricing"
	shared "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/subscription/domain"
)

func TestAddBundleQuotesGrowingSet(t *testing.T) {
	f := newFixture(t)
	f.createTrialWithBundles(t)

	add := NewAddBundleHandler(f.subs, f.calc, f.outbox, f.uow)

	res, err := add.Handle(context.Background(), AddBundleCommand{WorkspaceID: f.ws, BundleID: "creator", Cycle: catalog.CycleMonthly})
	require.NoError(t, err)
	assert.Equal(t, shared.USD(1900), res.Quote.Total)
	assert.Equal(t, int64(0), res.Quote.DiscountPercent)

	res, err = add.Handle(context.Background(), AddBundleCommand{WorkspaceID: f.ws, BundleID: "ecommerce", Cycle: catalog.CycleMonthly})
	require.NoError(t, err)
	assert.Equal(t, shared.USD(4300), res.Quote.Base)
	assert.Equal(t, int64(20), res.Quote.DiscountPercent)
	assert.Equal(t, shared.USD(3440), res.Quote.Total)
}

func TestAddBundleTrialHasNoProratedCharge(t *testing.T) {
	f := newFixture(t)
	f.createTrialWithBundles(t)

	add := NewAddBundleHandler(f.subs, f.calc, f.outbox, f.uow)
	res, err := add.Handle(context.Background(), AddBundleCommand{WorkspaceID: f.ws, BundleID: "creator", Cycle: catalog.CycleMonthly})
	require.NoError(t, err)
	assert.True(t, res.ProratedCharge.IsZero())
}

func TestAddBundleActiveProratesRemainder(t *testing.T) {
	f := newFixture(t)
	f.createTrialWithBundles(t, "creator")
	f.advance(t, f.current(t).PeriodEnd())
	require.Equal(t, domain.StatusActive, f.current(t).Status())

	add := NewAddBundleHandler(f.subs, f.calc, f.outbox, f.uow)
	res, err := add.Handle(context.Background(), AddBundleCommand{WorkspaceID: f.ws, BundleID: "ecommerce", Cycle: catalog.CycleMonthly})
	require.NoError(t, err)

	// Added right at period start: the prorated remainder is the full price.
	assert.False(t, res.ProratedCharge.IsZero())
	assert.LessOrEqual(t, res.ProratedCharge.Amount, shared.USD(2400).Amount)
}

func TestAddBundleRejectsUnknown(t *testing.T) {
	f := newFixture(t)
	f.createTrialWithBundles(t)

	add := NewAddBundleHandler(f.subs, f.calc, f.outbox, f.uow)
	_, err := add.Handle(context.Background(), AddBundleCommand{WorkspaceID: f.ws, BundleID: "nope", Cycle: catalog.CycleMonthly})
	require.ErrorIs(t, err, pricing.ErrInvalidBundleSet)

	// The aggregate must not have mutated.
	assert.Empty(t, f.current(t).BundleIDs())
}

func TestAddBundleMissingSubscription(t *testing.T) {
	f := newFixture(t)
	add := NewAddBundleHandler(f.subs, f.calc, f.outbox, f.uow)
	_, err := add.Handle(context.Background(), AddBundleCommand{WorkspaceID: f.ws, BundleID: "creator", Cycle: catalog.CycleMonthly})
	require.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}

func TestRemoveBundleDeferredUntilAdvance(t *testing.T) {
	f := newFixture(t)
	f.createTrialWithBundles(t, "creator", "ecommerce")
	f.advance(t, f.current(t).PeriodEnd())

	remove := NewRemoveBundleHandler(f.subs, f.outbox, f.uow)
	require.NoError(t, remove.Handle(context.Background(), RemoveBundleCommand{WorkspaceID: f.ws, BundleID: "ecommerce"}))

	sub := f.current(t)
	assert.True(t, sub.HasBundle("ecommerce"))

	res := f.advance(t, sub.PeriodEnd().Add(time.Hour))
	require.True(t, res.Advanced)
	// Next period bills only the surviving bundle.
	assert.Equal(t, shared.USD(1900), res.Record.Amount)
	assert.Equal(t, []string{"creator"}, f.current(t).BundleIDs())
}

func TestOutboxReceivesDomainEvents(t *testing.T) {
	f := newFixture(t)
	f.createTrialWithBundles(t, "creator")
	assert.NotEmpty(t, f.outbox.msgs)
}
