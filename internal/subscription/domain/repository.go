package domain

import (
	"context"
	"time"

	shared "github.com/tallyhq/tally/internal/shared/domain"
)

// Repository defines access for subscription persistence.
//
// Save is conditional on the version the aggregate was loaded with: a write
// that finds a different stored version fails with
// ErrConcurrentModification and the caller retries on fresh state. On a
// successful save the implementation bumps the aggregate's version.
type Repository interface {
	Create(ctx context.Context, sub *Subscription) error
	Save(ctx context.Context, sub *Subscription) error
	FindByWorkspace(ctx context.Context, workspaceID shared.WorkspaceID) (*Subscription, error)

	// ListDue returns workspaces whose billable subscription has reached the
	// end of its current period. The sweep worker advances each one.
	ListDue(ctx context.Context, before time.Time, limit int) ([]shared.WorkspaceID, error)

	// ListPastDue returns workspaces in dunning, for charge retries.
	ListPastDue(ctx context.Context, limit int) ([]shared.WorkspaceID, error)
}
