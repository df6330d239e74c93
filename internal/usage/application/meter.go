// Package application exposes the usage metering service.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tallyhq/tally/internal/catalog"
	shared "github.com/tallyhq/tally/internal/shared/domain"
	subscriptionDomain "github.com/tallyhq/tally/internal/subscription/domain"
	"github.com/tallyhq/tally/internal/usage/domain"
)

// Meter enforces per-feature usage ceilings for a workspace's current
// billing period. Limits are resolved from the currently active bundles at
// increment time; the atomicity of the check lives in the repository.
type Meter struct {
	counters      domain.Repository
	subscriptions subscriptionDomain.Repository
	catalog       *catalog.Catalog
	logger        *slog.Logger
}

// NewMeter creates a usage meter.
func NewMeter(
	counters domain.Repository,
	subscriptions subscriptionDomain.Repository,
	cat *catalog.Catalog,
	logger *slog.Logger,
) *Meter {
	return &Meter{
		counters:      counters,
		subscriptions: subscriptions,
		catalog:       cat,
		logger:        logger,
	}
}

// Snapshot is the read model returned for usage queries and increments.
type Snapshot struct {
	WorkspaceID string       `json:"workspace_id"`
	FeatureKey  string       `json:"feature_key"`
	PeriodStart time.Time    `json:"period_start"`
	PeriodEnd   time.Time    `json:"period_end"`
	Count       int64        `json:"count"`
	Limit       int64        `json:"limit"`
	Remaining   int64        `json:"remaining"`
	Level       domain.Level `json:"level"`
}

func snapshotOf(c domain.Counter) Snapshot {
	return Snapshot{
		WorkspaceID: c.WorkspaceID.String(),
		FeatureKey:  c.FeatureKey,
		PeriodStart: c.PeriodStart,
		PeriodEnd:   c.PeriodEnd,
		Count:       c.Count,
		Limit:       c.Limit,
		Remaining:   c.Remaining(),
		Level:       c.WarnLevel(),
	}
}

// CheckAndIncrement atomically adds n to the feature's counter for the
// active period, seeding it with the limit declared by the workspace's
// active bundles. Increments past the limit fail with domain.ErrOverLimit
// and leave the counter untouched.
func (m *Meter) CheckAndIncrement(ctx context.Context, workspaceID shared.WorkspaceID, featureKey string, n int64) (Snapshot, error) {
	if n <= 0 {
		return Snapshot{}, fmt.Errorf("%w: %d", domain.ErrInvalidIncrement, n)
	}

	seed, err := m.seedCounter(ctx, workspaceID, featureKey)
	if err != nil {
		return Snapshot{}, err
	}

	counter, err := m.counters.CheckAndIncrement(ctx, seed, n)
	if err != nil {
		if errors.Is(err, domain.ErrOverLimit) {
			return snapshotOf(counter), err
		}
		return Snapshot{}, err
	}

	snap := snapshotOf(counter)
	if snap.Level == domain.LevelWarn || snap.Level == domain.LevelCritical {
		m.logger.Info("usage approaching limit",
			slog.String("workspace_id", workspaceID.String()),
			slog.String("feature_key", featureKey),
			slog.Int64("count", snap.Count),
			slog.Int64("limit", snap.Limit),
			slog.String("level", string(snap.Level)),
		)
	}
	return snap, nil
}

// GetUsage returns the current-period snapshot for a feature. A feature
// that has not been used yet reads as a zero counter with the resolved
// limit.
func (m *Meter) GetUsage(ctx context.Context, workspaceID shared.WorkspaceID, featureKey string) (Snapshot, error) {
	seed, err := m.seedCounter(ctx, workspaceID, featureKey)
	if err != nil {
		return Snapshot{}, err
	}

	counter, err := m.counters.Get(ctx, workspaceID, featureKey, seed.PeriodStart)
	if err != nil {
		if errors.Is(err, domain.ErrCounterNotFound) {
			return snapshotOf(seed), nil
		}
		return Snapshot{}, err
	}
	return snapshotOf(counter), nil
}

// ListUsage returns every counter the workspace accrued this period.
func (m *Meter) ListUsage(ctx context.Context, workspaceID shared.WorkspaceID) ([]Snapshot, error) {
	sub, err := m.subscriptions.FindByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	counters, err := m.counters.ListByPeriod(ctx, workspaceID, sub.PeriodStart())
	if err != nil {
		return nil, err
	}
	snaps := make([]Snapshot, 0, len(counters))
	for _, c := range counters {
		snaps = append(snaps, snapshotOf(c))
	}
	return snaps, nil
}

// PurgeExpired drops counters from periods that started before the cutoff.
// Old periods are never reset in place, so history survives until retention
// expires.
func (m *Meter) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.counters.DeleteBefore(ctx, cutoff)
}

// seedCounter resolves the zero-count counter for the workspace's active
// period, carrying the limit the active bundles declare for the feature.
func (m *Meter) seedCounter(ctx context.Context, workspaceID shared.WorkspaceID, featureKey string) (domain.Counter, error) {
	sub, err := m.subscriptions.FindByWorkspace(ctx, workspaceID)
	if err != nil {
		return domain.Counter{}, err
	}

	limit, unlocked, err := m.resolveLimit(sub.BundleIDs(), featureKey)
	if err != nil {
		return domain.Counter{}, err
	}
	if !unlocked {
		return domain.Counter{}, fmt.Errorf("%w: %q", domain.ErrFeatureNotMetred, featureKey)
	}

	return domain.Counter{
		WorkspaceID: workspaceID,
		FeatureKey:  featureKey,
		PeriodStart: sub.PeriodStart(),
		PeriodEnd:   sub.PeriodEnd(),
		Limit:       limit,
	}, nil
}

// resolveLimit combines the limits of every active bundle that unlocks the
// feature. The most generous bundle wins; any unlimited grant dominates.
func (m *Meter) resolveLimit(bundleIDs []string, featureKey string) (limit int64, unlocked bool, err error) {
	limit = 0
	for _, id := range bundleIDs {
		bundle, err := m.catalog.Get(id)
		if err != nil {
			return 0, false, err
		}
		l, ok := bundle.LimitFor(featureKey)
		if !ok {
			continue
		}
		unlocked = true
		if l == catalog.UnlimitedUsage {
			return catalog.UnlimitedUsage, true, nil
		}
		if l > limit {
			limit = l
		}
	}
	return limit, unlocked, nil
}
