package application

import (
	"context"

	"github.com/tallyhq/tally/internal/catalog"
	"github.com/tallyhq/tally/internal/pricing"
	sharedApplication "github.com/tallyhq/tally/internal/shared/application"
	shared "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/shared/infrastructure/outbox"
	"github.com/tallyhq/tally/internal/subscription/domain"
)

// ChangeCycleCommand schedules a billing-cycle change for the next period.
type ChangeCycleCommand struct {
	WorkspaceID shared.WorkspaceID
	NewCycle    catalog.Cycle
}

// ChangeCycleResult carries the quote for the next period under the new
// cycle. The current period is not repriced.
type ChangeCycleResult struct {
	NextPeriodQuote pricing.Quote
}

// ChangeCycleHandler handles the ChangeCycleCommand.
type ChangeCycleHandler struct {
	subs       domain.Repository
	calculator *pricing.Calculator
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
}

// NewChangeCycleHandler creates a new ChangeCycleHandler.
func NewChangeCycleHandler(subs domain.Repository, calculator *pricing.Calculator, outboxRepo outbox.Repository, uow sharedApplication.UnitOfWork) *ChangeCycleHandler {
	return &ChangeCycleHandler{subs: subs, calculator: calculator, outboxRepo: outboxRepo, uow: uow}
}

// Handle executes the ChangeCycleCommand.
func (h *ChangeCycleHandler) Handle(ctx context.Context, cmd ChangeCycleCommand) (*ChangeCycleResult, error) {
	var result *ChangeCycleResult

	err := withConflictRetry(ctx, func(ctx context.Context) error {
		return sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
			sub, err := h.subs.FindByWorkspace(txCtx, cmd.WorkspaceID)
			if err != nil {
				return err
			}
			if err := sub.ChangeCycle(cmd.NewCycle); err != nil {
				return err
			}

			result = &ChangeCycleResult{}
			if bundles := sub.NextPeriodBundles(); len(bundles) > 0 {
				quote, err := h.calculator.Quote(bundles, sub.NextPeriodCycle())
				if err != nil {
					return err
				}
				result.NextPeriodQuote = quote
			}

			if err := h.subs.Save(txCtx, sub); err != nil {
				return err
			}
			return stageEvents(txCtx, h.outboxRepo, sub)
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
