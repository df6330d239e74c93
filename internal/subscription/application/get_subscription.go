package application

import (
	"context"

	shared "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/subscription/domain"
)

// GetSubscriptionHandler answers read-only subscription lookups.
type GetSubscriptionHandler struct {
	subs domain.Repository
}

// NewGetSubscriptionHandler creates a new GetSubscriptionHandler.
func NewGetSubscriptionHandler(subs domain.Repository) *GetSubscriptionHandler {
	return &GetSubscriptionHandler{subs: subs}
}

// Handle returns the workspace's subscription.
func (h *GetSubscriptionHandler) Handle(ctx context.Context, workspaceID shared.WorkspaceID) (*domain.Subscription, error) {
	return h.subs.FindByWorkspace(ctx, workspaceID)
}
