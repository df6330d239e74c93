package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	shared "github.com/tallyhq/tally/internal/shared/domain"
)

// Repository defines access to the billing record store. Implementations
// must back CreateOrGet with an insert-uniqueness guarantee on
// (workspace_id, kind, period_start, period_end) across non-disputed rows.
type Repository interface {
	// CreateOrGet inserts the record. If a non-disputed record already
	// exists for the same (workspace, kind, period), the existing record is
	// returned and created is false; the insert is a no-op.
	CreateOrGet(ctx context.Context, record *Record) (existing *Record, created bool, err error)

	// FindByID retrieves a record by its ID.
	FindByID(ctx context.Context, id uuid.UUID) (*Record, error)

	// FindByPeriod retrieves the non-disputed record for a workspace, kind
	// and period, or ErrRecordNotFound.
	FindByPeriod(ctx context.Context, workspaceID shared.WorkspaceID, kind Kind, periodStart, periodEnd time.Time) (*Record, error)

	// ListByWorkspace returns the workspace's billing history, newest first.
	ListByWorkspace(ctx context.Context, workspaceID shared.WorkspaceID) ([]*Record, error)

	// UpdateStatus persists a status transition.
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
}
