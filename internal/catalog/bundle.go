// Package catalog holds the versioned definitions of purchasable feature
// bundles. The catalog is immutable once built; price changes append a new
// bundle version rather than mutating an existing one, so amounts billed
// against an earlier version stay reproducible.
package catalog

import (
	"errors"

	"github.com/tallyhq/tally/internal/shared/domain"
)

var (
	ErrUnknownBundle = errors.New("unknown bundle")
	ErrInvalidCycle  = errors.New("invalid billing cycle")
)

// Cycle is the recurring billing interval.
type Cycle string

const (
	CycleMonthly Cycle = "monthly"
	CycleYearly  Cycle = "yearly"
)

// IsValid checks if the cycle is a recognized value.
func (c Cycle) IsValid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// UnlimitedUsage marks a feature without a usage ceiling.
const UnlimitedUsage int64 = -1

// Bundle is one purchasable group of features with its own pricing and
// per-feature usage limits.
type Bundle struct {
	ID           string
	DisplayName  string
	Version      int
	MonthlyPrice domain.Money
	YearlyPrice  domain.Money
	FeatureSet   []string
	UsageLimits  map[string]int64
}

// PriceFor returns the bundle's base price for the given cycle. Yearly
// prices are bundle-specific, not a multiple of the monthly price.
func (b Bundle) PriceFor(cycle Cycle) (domain.Money, error) {
	switch cycle {
	case CycleMonthly:
		return b.MonthlyPrice, nil
	case CycleYearly:
		return b.YearlyPrice, nil
	default:
		return domain.Money{}, ErrInvalidCycle
	}
}

// Unlocks reports whether the bundle grants access to the feature.
func (b Bundle) Unlocks(feature string) bool {
	for _, f := range b.FeatureSet {
		if f == feature {
			return true
		}
	}
	return false
}

// LimitFor returns the usage limit the bundle declares for a feature.
// The second return is false when the bundle does not unlock the feature.
func (b Bundle) LimitFor(feature string) (int64, bool) {
	if !b.Unlocks(feature) {
		return 0, false
	}
	if limit, ok := b.UsageLimits[feature]; ok {
		return limit, true
	}
	return UnlimitedUsage, true
}
