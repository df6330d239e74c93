package application

import (
	"context"
	"time"

	"github.com/google/uuid"
	sharedApplication "github.com/tallyhq/tally/internal/shared/application"
	shared "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/shared/infrastructure/outbox"
	"github.com/tallyhq/tally/internal/subscription/domain"
)

// CreateSubscriptionCommand starts a trial subscription for a workspace.
type CreateSubscriptionCommand struct {
	WorkspaceID shared.WorkspaceID
	TrialDays   int
}

// CreateSubscriptionResult contains the created subscription's identity.
type CreateSubscriptionResult struct {
	SubscriptionID uuid.UUID
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// CreateSubscriptionHandler handles the CreateSubscriptionCommand.
type CreateSubscriptionHandler struct {
	subs       domain.Repository
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
}

// NewCreateSubscriptionHandler creates a new CreateSubscriptionHandler.
func NewCreateSubscriptionHandler(subs domain.Repository, outboxRepo outbox.Repository, uow sharedApplication.UnitOfWork) *CreateSubscriptionHandler {
	return &CreateSubscriptionHandler{subs: subs, outboxRepo: outboxRepo, uow: uow}
}

// Handle executes the CreateSubscriptionCommand.
func (h *CreateSubscriptionHandler) Handle(ctx context.Context, cmd CreateSubscriptionCommand) (*CreateSubscriptionResult, error) {
	var result *CreateSubscriptionResult

	err := sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
		sub, err := domain.NewSubscription(cmd.WorkspaceID, time.Now(), cmd.TrialDays)
		if err != nil {
			return err
		}
		if err := h.subs.Create(txCtx, sub); err != nil {
			return err
		}
		if err := stageEvents(txCtx, h.outboxRepo, sub); err != nil {
			return err
		}
		result = &CreateSubscriptionResult{
			SubscriptionID: sub.ID(),
			PeriodStart:    sub.PeriodStart(),
			PeriodEnd:      sub.PeriodEnd(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
