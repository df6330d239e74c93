package application

import (
	"context"
	"fmt"
	"time"

	ledgerDomain "github.com/tallyhq/tally/internal/ledger/domain"
	"github.com/tallyhq/tally/internal/pricing"
	sharedApplication "github.com/tallyhq/tally/internal/shared/application"
	shared "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/shared/infrastructure/outbox"
	"github.com/tallyhq/tally/internal/subscription/domain"
)

// AdvanceCycleCommand rolls a subscription over a period boundary, bills the
// new period and applies the payment outcome. Safe to invoke repeatedly:
// before the boundary it is a no-op, and the billing record's per-period
// uniqueness absorbs duplicate triggers racing over the same boundary.
type AdvanceCycleCommand struct {
	WorkspaceID shared.WorkspaceID
	Now         time.Time
}

// AdvanceCycleResult reports what the advancement did.
type AdvanceCycleResult struct {
	Advanced bool
	Status   domain.Status
	Record   *ledgerDomain.Record
}

// AdvanceCycleHandler handles the AdvanceCycleCommand.
type AdvanceCycleHandler struct {
	subs       domain.Repository
	records    ledgerDomain.Repository
	calculator *pricing.Calculator
	processor  PaymentProcessor
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
}

// NewAdvanceCycleHandler creates a new AdvanceCycleHandler.
func NewAdvanceCycleHandler(
	subs domain.Repository,
	records ledgerDomain.Repository,
	calculator *pricing.Calculator,
	processor PaymentProcessor,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
) *AdvanceCycleHandler {
	return &AdvanceCycleHandler{
		subs:       subs,
		records:    records,
		calculator: calculator,
		processor:  processor,
		outboxRepo: outboxRepo,
		uow:        uow,
	}
}

// Handle executes the AdvanceCycleCommand.
func (h *AdvanceCycleHandler) Handle(ctx context.Context, cmd AdvanceCycleCommand) (*AdvanceCycleResult, error) {
	now := cmd.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	var result *AdvanceCycleResult
	err := withConflictRetry(ctx, func(ctx context.Context) error {
		return sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
			sub, err := h.subs.FindByWorkspace(txCtx, cmd.WorkspaceID)
			if err != nil {
				return err
			}
			if !sub.IsBillable() {
				result = &AdvanceCycleResult{Advanced: false, Status: sub.Status()}
				return nil
			}
			if now.Before(sub.PeriodEnd()) {
				result = &AdvanceCycleResult{Advanced: false, Status: sub.Status()}
				return nil
			}

			bundles := sub.NextPeriodBundles()
			if len(bundles) == 0 {
				// Trial ended without a purchase: nothing to bill, terminate.
				if err := sub.Cancel(now); err != nil {
					return err
				}
				if err := h.subs.Save(txCtx, sub); err != nil {
					return err
				}
				if err := stageEvents(txCtx, h.outboxRepo, sub); err != nil {
					return err
				}
				result = &AdvanceCycleResult{Advanced: true, Status: sub.Status()}
				return nil
			}

			quote, err := h.calculator.Quote(bundles, sub.NextPeriodCycle())
			if err != nil {
				return err
			}

			periodStart, periodEnd := sub.NextPeriodWindow()
			record := ledgerDomain.NewRecord(sub.WorkspaceID(), ledgerDomain.KindSubscriptionCharge, quote.Total, periodStart, periodEnd)
			record, created, err := h.records.CreateOrGet(txCtx, record)
			if err != nil {
				return err
			}
			if !created {
				if record.Amount != quote.Total {
					return fmt.Errorf("%w: period %s has %s, computed %s",
						ledgerDomain.ErrBillingConflict, periodStart.Format(time.DateOnly), record.Amount, quote.Total)
				}
				if record.Status == ledgerDomain.StatusPaid {
					// Already settled by an earlier invocation.
					result = &AdvanceCycleResult{Advanced: false, Status: sub.Status(), Record: record}
					return nil
				}
			}

			chargeErr := h.processor.Charge(txCtx, sub.WorkspaceID(), record.Amount, record.ID.String())
			if next := statusFor(chargeErr); next != record.Status {
				if err := record.Transition(next); err != nil {
					return err
				}
				if err := h.records.UpdateStatus(txCtx, record.ID, record.Status); err != nil {
					return err
				}
			}

			if err := sub.AdvancePeriod(); err != nil {
				return err
			}
			if err := sub.RecordChargeOutcome(chargeErr == nil, now); err != nil {
				return err
			}
			if err := h.subs.Save(txCtx, sub); err != nil {
				return err
			}
			if err := stageEvents(txCtx, h.outboxRepo, sub); err != nil {
				return err
			}
			result = &AdvanceCycleResult{Advanced: true, Status: sub.Status(), Record: record}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func statusFor(chargeErr error) ledgerDomain.Status {
	if chargeErr == nil {
		return ledgerDomain.StatusPaid
	}
	return ledgerDomain.StatusFailed
}
