package domain

import (
	"context"
	"time"

	shared "github.com/tallyhq/tally/internal/shared/domain"
)

// Repository defines access to usage counters.
//
// CheckAndIncrement is the hot path and must be atomic: the check against
// the limit and the increment happen in one storage round trip, so
// concurrent writers can never overshoot the ceiling.
type Repository interface {
	// CheckAndIncrement adds n to the counter for (workspace, feature,
	// period), creating it with the given limit on first use. When the
	// addition would exceed the limit the counter is left unchanged and
	// ErrOverLimit is returned. The returned counter reflects the state
	// after the call.
	CheckAndIncrement(ctx context.Context, counter Counter, n int64) (Counter, error)

	// Get returns the counter for (workspace, feature, period), or
	// ErrCounterNotFound when the feature has not been used this period.
	Get(ctx context.Context, workspaceID shared.WorkspaceID, featureKey string, periodStart time.Time) (Counter, error)

	// ListByPeriod returns all counters a workspace accrued in a period.
	ListByPeriod(ctx context.Context, workspaceID shared.WorkspaceID, periodStart time.Time) ([]Counter, error)

	// DeleteBefore drops counters whose period started before the cutoff.
	// Counters reset by omission: a new period simply seeds fresh rows.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
