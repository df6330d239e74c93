// Package application implements the entitlement gate, the synchronous
// yes/no surface the rest of the system asks before letting a workspace use
// a feature.
package application

import (
	"context"
	"errors"
	"time"

	"github.com/tallyhq/tally/internal/catalog"
	shared "github.com/tallyhq/tally/internal/shared/domain"
	subscriptionDomain "github.com/tallyhq/tally/internal/subscription/domain"
	usageApplication "github.com/tallyhq/tally/internal/usage/application"
)

// Reason explains an entitlement decision so the caller can offer a path
// forward (upgrade, add bundle, fix billing).
type Reason string

const (
	ReasonOK                    Reason = "ok"
	ReasonSubscriptionNotActive Reason = "subscription_not_active"
	ReasonBundleNotActive       Reason = "bundle_not_active"
	ReasonOverLimit             Reason = "over_limit"
)

// Decision is the result of an entitlement check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
}

// Gate answers "may workspace W use feature F right now". It never mutates
// state; callers meter usage themselves after the gated action succeeds.
type Gate struct {
	subscriptions subscriptionDomain.Repository
	meter         *usageApplication.Meter
	catalog       *catalog.Catalog
	graceDays     int
	now           func() time.Time
}

// NewGate creates an entitlement gate. graceDays is how long a past_due
// subscription keeps its entitlements while the charge is retried.
func NewGate(
	subscriptions subscriptionDomain.Repository,
	meter *usageApplication.Meter,
	cat *catalog.Catalog,
	graceDays int,
) *Gate {
	return &Gate{
		subscriptions: subscriptions,
		meter:         meter,
		catalog:       cat,
		graceDays:     graceDays,
		now:           time.Now,
	}
}

// IsAllowed decides whether the workspace may use the feature right now.
func (g *Gate) IsAllowed(ctx context.Context, workspaceID shared.WorkspaceID, featureKey string) (Decision, error) {
	sub, err := g.subscriptions.FindByWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, subscriptionDomain.ErrSubscriptionNotFound) {
			return Decision{Allowed: false, Reason: ReasonSubscriptionNotActive}, nil
		}
		return Decision{}, err
	}

	if !g.subscriptionEntitled(sub) {
		return Decision{Allowed: false, Reason: ReasonSubscriptionNotActive}, nil
	}

	if !g.featureUnlocked(sub.BundleIDs(), featureKey) {
		return Decision{Allowed: false, Reason: ReasonBundleNotActive}, nil
	}

	snap, err := g.meter.GetUsage(ctx, workspaceID, featureKey)
	if err != nil {
		return Decision{}, err
	}
	if snap.Limit >= 0 && snap.Count >= snap.Limit {
		return Decision{Allowed: false, Reason: ReasonOverLimit}, nil
	}

	return Decision{Allowed: true, Reason: ReasonOK}, nil
}

func (g *Gate) subscriptionEntitled(sub *subscriptionDomain.Subscription) bool {
	switch sub.Status() {
	case subscriptionDomain.StatusTrial, subscriptionDomain.StatusActive:
		return true
	case subscriptionDomain.StatusPastDue:
		// Entitlement survives the charge-retry window, then lapses.
		grace := sub.PeriodStart().AddDate(0, 0, g.graceDays)
		return g.now().Before(grace)
	default:
		return false
	}
}

func (g *Gate) featureUnlocked(bundleIDs []string, featureKey string) bool {
	for _, id := range bundleIDs {
		bundle, err := g.catalog.Get(id)
		if err != nil {
			continue
		}
		if bundle.Unlocks(featureKey) {
			return true
		}
	}
	return false
}
