// Package pricing computes price quotes for sets of active bundles. The
// calculator is a pure function over the catalog: no I/O, safe for
// concurrent use.
package pricing

import (
	"errors"
	"fmt"

	"github.com/tallyhq/tally/internal/catalog"
	"github.com/tallyhq/tally/internal/shared/domain"
)

var (
	ErrInvalidBundleSet = errors.New("invalid bundle set")
	ErrInvalidProration = errors.New("invalid proration window")
)

// discountTier maps a minimum count of distinct active bundles to the
// percentage taken off the summed base price. Tiers are ordered descending
// and the first matching tier wins.
type discountTier struct {
	minBundles int
	percent    int64
}

var discountTiers = []discountTier{
	{minBundles: 4, percent: 40},
	{minBundles: 3, percent: 30},
	{minBundles: 2, percent: 20},
	{minBundles: 1, percent: 0},
}

// DiscountPercent returns the multi-bundle discount for a count of distinct
// active bundles.
func DiscountPercent(bundleCount int) int64 {
	for _, tier := range discountTiers {
		if bundleCount >= tier.minBundles {
			return tier.percent
		}
	}
	return 0
}

// Quote is the result of pricing a bundle set for one cycle.
type Quote struct {
	BundleIDs       []string      `json:"bundle_ids"`
	Cycle           catalog.Cycle `json:"cycle"`
	Base            domain.Money  `json:"base"`
	DiscountPercent int64         `json:"discount_percent"`
	Discount        domain.Money  `json:"discount"`
	Total           domain.Money  `json:"total"`
}

// Calculator prices bundle sets against the catalog.
type Calculator struct {
	catalog *catalog.Catalog
}

// NewCalculator creates a calculator over the given catalog.
func NewCalculator(c *catalog.Catalog) *Calculator {
	return &Calculator{catalog: c}
}

// Quote prices a non-empty set of bundles for the given cycle. The discount
// tier is keyed by the count of distinct bundles; the discount amount is
// rounded half-up once, after summing base prices.
func (c *Calculator) Quote(bundleIDs []string, cycle catalog.Cycle) (Quote, error) {
	if !cycle.IsValid() {
		return Quote{}, fmt.Errorf("%w: %q", catalog.ErrInvalidCycle, cycle)
	}
	distinct := dedupe(bundleIDs)
	if len(distinct) == 0 {
		return Quote{}, fmt.Errorf("%w: empty", ErrInvalidBundleSet)
	}

	base := domain.USD(0)
	for _, id := range distinct {
		bundle, err := c.catalog.Get(id)
		if err != nil {
			return Quote{}, fmt.Errorf("%w: %q", ErrInvalidBundleSet, id)
		}
		price, err := bundle.PriceFor(cycle)
		if err != nil {
			return Quote{}, err
		}
		base, err = base.Add(price)
		if err != nil {
			return Quote{}, err
		}
	}

	percent := DiscountPercent(len(distinct))
	discount := base.MulPercent(percent)
	total, err := base.Sub(discount)
	if err != nil {
		return Quote{}, err
	}

	return Quote{
		BundleIDs:       distinct,
		Cycle:           cycle,
		Base:            base,
		DiscountPercent: percent,
		Discount:        discount,
		Total:           total,
	}, nil
}

// Prorate charges a single bundle for the remainder of the current period:
// full cycle price scaled by remainingDays/totalDays, rounded half-up once.
// Used when a bundle is added mid-period; removals carry no credit.
func (c *Calculator) Prorate(bundleID string, cycle catalog.Cycle, remainingDays, totalDays int) (domain.Money, error) {
	if totalDays <= 0 || remainingDays < 0 || remainingDays > totalDays {
		return domain.Money{}, fmt.Errorf("%w: %d/%d days", ErrInvalidProration, remainingDays, totalDays)
	}
	bundle, err := c.catalog.Get(bundleID)
	if err != nil {
		return domain.Money{}, fmt.Errorf("%w: %q", ErrInvalidBundleSet, bundleID)
	}
	price, err := bundle.PriceFor(cycle)
	if err != nil {
		return domain.Money{}, err
	}
	return price.MulFraction(int64(remainingDays), int64(totalDays)), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
