package application

import (
	"context"
	"time"

	"github.com/tallyhq/tally/internal/catalog"
	"github.com/tallyhq/tally/internal/pricing"
	sharedApplication "github.com/tallyhq/tally/internal/shared/application"
	shared "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/shared/infrastructure/outbox"
	"github.com/tallyhq/tally/internal/subscription/domain"
)

// AddBundleCommand adds a bundle to a workspace's subscription.
type AddBundleCommand struct {
	WorkspaceID shared.WorkspaceID
	BundleID    string
	Cycle       catalog.Cycle
}

// AddBundleResult reports the recurring quote for the grown bundle set and
// the prorated charge for the remainder of the current period. The prorated
// amount is folded into the next invoice rather than billed immediately, so
// the period charge record stays unique per period.
type AddBundleResult struct {
	Quote          pricing.Quote
	ProratedCharge shared.Money
}

// AddBundleHandler handles the AddBundleCommand.
type AddBundleHandler struct {
	subs       domain.Repository
	calculator *pricing.Calculator
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
}

// NewAddBundleHandler creates a new AddBundleHandler.
func NewAddBundleHandler(subs domain.Repository, calculator *pricing.Calculator, outboxRepo outbox.Repository, uow sharedApplication.UnitOfWork) *AddBundleHandler {
	return &AddBundleHandler{subs: subs, calculator: calculator, outboxRepo: outboxRepo, uow: uow}
}

// Handle executes the AddBundleCommand. Losing writers retry on fresh state.
func (h *AddBundleHandler) Handle(ctx context.Context, cmd AddBundleCommand) (*AddBundleResult, error) {
	var result *AddBundleResult

	err := withConflictRetry(ctx, func(ctx context.Context) error {
		return sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
			sub, err := h.subs.FindByWorkspace(txCtx, cmd.WorkspaceID)
			if err != nil {
				return err
			}

			// Price the grown set first: an unknown bundle or bad cycle must
			// fail before the aggregate mutates.
			grown := append(sub.BundleIDs(), cmd.BundleID)
			quote, err := h.calculator.Quote(grown, cmd.Cycle)
			if err != nil {
				return err
			}

			if err := sub.AddBundle(cmd.BundleID, cmd.Cycle); err != nil {
				return err
			}

			prorated := shared.Zero(quote.Total.Currency)
			if sub.Status() != domain.StatusTrial {
				remaining, total := sub.PeriodDays(time.Now())
				prorated, err = h.calculator.Prorate(cmd.BundleID, sub.Cycle(), remaining, total)
				if err != nil {
					return err
				}
			}

			if err := h.subs.Save(txCtx, sub); err != nil {
				return err
			}
			if err := stageEvents(txCtx, h.outboxRepo, sub); err != nil {
				return err
			}
			result = &AddBundleResult{Quote: quote, ProratedCharge: prorated}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
