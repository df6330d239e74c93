package application

import (
	"context"
	"errors"
	"time"

	ledgerDomain "github.com/tallyhq/tally/internal/ledger/domain"
	sharedApplication "github.com/tallyhq/tally/internal/shared/application"
	shared "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/shared/infrastructure/outbox"
	"github.com/tallyhq/tally/internal/subscription/domain"
)

// RetryChargeCommand re-attempts the failed charge of a past_due
// subscription's current period. The scheduler drives it until the charge
// succeeds or the failure budget cancels the subscription.
type RetryChargeCommand struct {
	WorkspaceID shared.WorkspaceID
}

// RetryChargeResult reports the outcome of the retry.
type RetryChargeResult struct {
	Attempted bool
	Status    domain.Status
}

// RetryChargeHandler handles the RetryChargeCommand.
type RetryChargeHandler struct {
	subs       domain.Repository
	records    ledgerDomain.Repository
	processor  PaymentProcessor
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
}

// NewRetryChargeHandler creates a new RetryChargeHandler.
func NewRetryChargeHandler(
	subs domain.Repository,
	records ledgerDomain.Repository,
	processor PaymentProcessor,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
) *RetryChargeHandler {
	return &RetryChargeHandler{subs: subs, records: records, processor: processor, outboxRepo: outboxRepo, uow: uow}
}

// Handle executes the RetryChargeCommand.
func (h *RetryChargeHandler) Handle(ctx context.Context, cmd RetryChargeCommand) (*RetryChargeResult, error) {
	var result *RetryChargeResult

	err := withConflictRetry(ctx, func(ctx context.Context) error {
		return sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
			sub, err := h.subs.FindByWorkspace(txCtx, cmd.WorkspaceID)
			if err != nil {
				return err
			}
			if sub.Status() != domain.StatusPastDue {
				result = &RetryChargeResult{Attempted: false, Status: sub.Status()}
				return nil
			}

			record, err := h.records.FindByPeriod(txCtx, sub.WorkspaceID(), ledgerDomain.KindSubscriptionCharge, sub.PeriodStart(), sub.PeriodEnd())
			if errors.Is(err, ledgerDomain.ErrRecordNotFound) {
				result = &RetryChargeResult{Attempted: false, Status: sub.Status()}
				return nil
			}
			if err != nil {
				return err
			}
			if record.Status != ledgerDomain.StatusFailed {
				result = &RetryChargeResult{Attempted: false, Status: sub.Status()}
				return nil
			}

			chargeErr := h.processor.Charge(txCtx, sub.WorkspaceID(), record.Amount, record.ID.String())
			if chargeErr == nil {
				if err := record.Transition(ledgerDomain.StatusPaid); err != nil {
					return err
				}
				if err := h.records.UpdateStatus(txCtx, record.ID, record.Status); err != nil {
					return err
				}
			}
			if err := sub.RecordChargeOutcome(chargeErr == nil, time.Now()); err != nil {
				return err
			}
			if err := h.subs.Save(txCtx, sub); err != nil {
				return err
			}
			if err := stageEvents(txCtx, h.outboxRepo, sub); err != nil {
				return err
			}
			result = &RetryChargeResult{Attempted: true, Status: sub.Status()}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
