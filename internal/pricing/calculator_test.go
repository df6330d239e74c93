package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallyhq/tally/internal/catalog"
	"github.com/tallyhq/tally/internal/shared/domain"
	"pgregory.net/rapid"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.NewCatalog(
		catalog.Bundle{ID: "a", Version: 1, MonthlyPrice: domain.USD(1000), YearlyPrice: domain.USD(10000)},
		catalog.Bundle{ID: "b", Version: 1, MonthlyPrice: domain.USD(2000), YearlyPrice: domain.USD(20000)},
		catalog.Bundle{ID: "c", Version: 1, MonthlyPrice: domain.USD(3000), YearlyPrice: domain.USD(30000)},
		catalog.Bundle{ID: "d", Version: 1, MonthlyPrice: domain.USD(4000), YearlyPrice: domain.USD(40000)},
		catalog.Bundle{ID: "e", Version: 1, MonthlyPrice: domain.USD(5000), YearlyPrice: domain.USD(50000)},
		catalog.Bundle{ID: "f", Version: 1, MonthlyPrice: domain.USD(6000), YearlyPrice: domain.USD(60000)},
	)
	require.NoError(t, err)
	return c
}

func TestDiscountTiersByBundleCount(t *testing.T) {
	tests := []struct {
		count int
		want  int64
	}{
		{1, 0}, {2, 20}, {3, 30}, {4, 40}, {5, 40}, {6, 40},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DiscountPercent(tt.count), "count=%d", tt.count)
	}
}

func TestQuoteAppliesTierToBaseSum(t *testing.T) {
	calc := NewCalculator(testCatalog(t))

	ids := []string{"a", "b", "c", "d", "e", "f"}
	for n := 1; n <= len(ids); n++ {
		quote, err := calc.Quote(ids[:n], catalog.CycleMonthly)
		require.NoError(t, err)

		var base int64
		for i := 1; i <= n; i++ {
			base += int64(i) * 1000
		}
		assert.Equal(t, base, quote.Base.Amount, "n=%d", n)
		assert.Equal(t, DiscountPercent(n), quote.DiscountPercent)
		assert.Equal(t, quote.Base.Amount-quote.Discount.Amount, quote.Total.Amount)
	}
}

func TestQuoteTwoBundleScenario(t *testing.T) {
	calc := NewCalculator(catalog.Default())

	quote, err := calc.Quote([]string{"creator"}, catalog.CycleMonthly)
	require.NoError(t, err)
	assert.Equal(t, domain.USD(1900), quote.Base)
	assert.Equal(t, int64(0), quote.DiscountPercent)
	assert.Equal(t, domain.USD(1900), quote.Total)

	quote, err = calc.Quote([]string{"creator", "ecommerce"}, catalog.CycleMonthly)
	require.NoError(t, err)
	assert.Equal(t, domain.USD(4300), quote.Base)
	assert.Equal(t, int64(20), quote.DiscountPercent)
	assert.Equal(t, domain.USD(860), quote.Discount)
	assert.Equal(t, domain.USD(3440), quote.Total)
}

func TestQuoteYearlyUsesCatalogYearlyPrices(t *testing.T) {
	calc := NewCalculator(testCatalog(t))
	quote, err := calc.Quote([]string{"a", "b"}, catalog.CycleYearly)
	require.NoError(t, err)
	assert.Equal(t, domain.USD(30000), quote.Base)
	assert.Equal(t, domain.USD(24000), quote.Total)
}

func TestQuoteRejectsEmptyAndUnknown(t *testing.T) {
	calc := NewCalculator(testCatalog(t))

	_, err := calc.Quote(nil, catalog.CycleMonthly)
	require.ErrorIs(t, err, ErrInvalidBundleSet)

	_, err = calc.Quote([]string{"a", "nope"}, catalog.CycleMonthly)
	require.ErrorIs(t, err, ErrInvalidBundleSet)

	_, err = calc.Quote([]string{"a"}, catalog.Cycle("weekly"))
	require.ErrorIs(t, err, catalog.ErrInvalidCycle)
}

func TestQuoteDeduplicatesBundleIDs(t *testing.T) {
	calc := NewCalculator(testCatalog(t))
	quote, err := calc.Quote([]string{"a", "a", "b"}, catalog.CycleMonthly)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, quote.BundleIDs)
	assert.Equal(t, int64(20), quote.DiscountPercent)
}

func TestProrateHalfPeriod(t *testing.T) {
	calc := NewCalculator(testCatalog(t))
	amount, err := calc.Prorate("a", catalog.CycleMonthly, 15, 30)
	require.NoError(t, err)
	assert.Equal(t, domain.USD(500), amount)
}

func TestProrateRoundsOnceAtTheEnd(t *testing.T) {
	c, err := catalog.NewCatalog(
		catalog.Bundle{ID: "odd", Version: 1, MonthlyPrice: domain.USD(1001), YearlyPrice: domain.USD(10010)},
	)
	require.NoError(t, err)
	calc := NewCalculator(c)

	// 1001 * 15 / 30 = 500.5 -> rounds half-up to 501.
	amount, err := calc.Prorate("odd", catalog.CycleMonthly, 15, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(501), amount.Amount)
}

func TestProrateRejectsBadWindow(t *testing.T) {
	calc := NewCalculator(testCatalog(t))

	_, err := calc.Prorate("a", catalog.CycleMonthly, 31, 30)
	require.ErrorIs(t, err, ErrInvalidProration)

	_, err = calc.Prorate("a", catalog.CycleMonthly, -1, 30)
	require.ErrorIs(t, err, ErrInvalidProration)

	_, err = calc.Prorate("a", catalog.CycleMonthly, 0, 0)
	require.ErrorIs(t, err, ErrInvalidProration)
}

func TestQuoteProperties(t *testing.T) {
	calc := NewCalculator(testCatalog(t))
	all := []string{"a", "b", "c", "d", "e", "f"}

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, len(all)).Draw(t, "n")
		ids := rapid.Permutation(all).Draw(t, "ids")[:n]
		cycle := rapid.SampledFrom([]catalog.Cycle{catalog.CycleMonthly, catalog.CycleYearly}).Draw(t, "cycle")

		quote, err := calc.Quote(ids, cycle)
		if err != nil {
			t.Fatalf("quote failed: %v", err)
		}

		// Total never exceeds base and never drops below 60% of it.
		if quote.Total.Amount > quote.Base.Amount {
			t.Fatalf("total %d above base %d", quote.Total.Amount, quote.Base.Amount)
		}
		floor := quote.Base.MulPercent(60).Amount
		if quote.Total.Amount < floor {
			t.Fatalf("total %d below 60%% floor %d", quote.Total.Amount, floor)
		}

		// Order of bundle IDs never changes the price.
		reversed := make([]string, len(ids))
		for i, id := range ids {
			reversed[len(ids)-1-i] = id
		}
		again, err := calc.Quote(reversed, cycle)
		if err != nil {
			t.Fatalf("reversed quote failed: %v", err)
		}
		if again.Total != quote.Total {
			t.Fatalf("order-dependent total: %v vs %v", again.Total, quote.Total)
		}
	})
}
