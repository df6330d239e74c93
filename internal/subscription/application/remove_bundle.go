package application

import (
	"context"

	sharedApplication "github.com/tallyhq/tally/internal/shared/application"
	shared "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/shared/infrastructure/outbox"
	"github.com/tallyhq/tally/internal/subscription/domain"
)

// RemoveBundleCommand schedules a bundle removal, effective next period.
type RemoveBundleCommand struct {
	WorkspaceID shared.WorkspaceID
	BundleID    string
}

// RemoveBundleHandler handles the RemoveBundleCommand.
type RemoveBundleHandler struct {
	subs       domain.Repository
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
}

// NewRemoveBundleHandler creates a new RemoveBundleHandler.
func NewRemoveBundleHandler(subs domain.Repository, outboxRepo outbox.Repository, uow sharedApplication.UnitOfWork) *RemoveBundleHandler {
	return &RemoveBundleHandler{subs: subs, outboxRepo: outboxRepo, uow: uow}
}

// Handle executes the RemoveBundleCommand.
func (h *RemoveBundleHandler) Handle(ctx context.Context, cmd RemoveBundleCommand) error {
	return withConflictRetry(ctx, func(ctx context.Context) error {
		return sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
			sub, err := h.subs.FindByWorkspace(txCtx, cmd.WorkspaceID)
			if err != nil {
				return err
			}
			if err := sub.RemoveBundle(cmd.BundleID); err != nil {
				return err
			}
			if err := h.subs.Save(txCtx, sub); err != nil {
				return err
			}
			return stageEvents(txCtx, h.outboxRepo, sub)
		})
	})
}
