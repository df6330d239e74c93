package application

import (
	"context"
	"time"

	sharedApplication "github.com/tallyhq/tally/internal/shared/application"
	shared "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/shared/infrastructure/outbox"
	"github.com/tallyhq/tally/internal/subscription/domain"
)

// CancelCommand terminates a workspace's subscription.
type CancelCommand struct {
	WorkspaceID shared.WorkspaceID
}

// CancelHandler handles the CancelCommand.
type CancelHandler struct {
	subs       domain.Repository
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
}

// NewCancelHandler creates a new CancelHandler.
func NewCancelHandler(subs domain.Repository, outboxRepo outbox.Repository, uow sharedApplication.UnitOfWork) *CancelHandler {
	return &CancelHandler{subs: subs, outboxRepo: outboxRepo, uow: uow}
}

// Handle executes the CancelCommand.
func (h *CancelHandler) Handle(ctx context.Context, cmd CancelCommand) error {
	return withConflictRetry(ctx, func(ctx context.Context) error {
		return sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
			sub, err := h.subs.FindByWorkspace(txCtx, cmd.WorkspaceID)
			if err != nil {
				return err
			}
			if err := sub.Cancel(time.Now()); err != nil {
				return err
			}
			if err := h.subs.Save(txCtx, sub); err != nil {
				return err
			}
			return stageEvents(txCtx, h.outboxRepo, sub)
		})
	})
}
