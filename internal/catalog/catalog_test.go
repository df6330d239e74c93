package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallyhq/tally/internal/shared/domain"
)

func TestGetUnknownBundle(t *testing.T) {
	c := Default()
	_, err := c.Get("nonexistent")
	require.ErrorIs(t, err, ErrUnknownBundle)
}

func TestGetReturnsLatestVersion(t *testing.T) {
	c, err := NewCatalog(
		Bundle{ID: "creator", Version: 1, MonthlyPrice: domain.USD(1900)},
		Bundle{ID: "creator", Version: 2, MonthlyPrice: domain.USD(2100)},
	)
	require.NoError(t, err)

	latest, err := c.Get("creator")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, domain.USD(2100), latest.MonthlyPrice)

	old, err := c.GetVersion("creator", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.USD(1900), old.MonthlyPrice)
}

func TestNewCatalogRejectsNonAscendingVersions(t *testing.T) {
	_, err := NewCatalog(
		Bundle{ID: "creator", Version: 2},
		Bundle{ID: "creator", Version: 2},
	)
	require.Error(t, err)
}

func TestAllIsStableAndComplete(t *testing.T) {
	c := Default()
	all := c.All()
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}
	assert.Equal(t, all, c.All())
}

func TestPriceForCycle(t *testing.T) {
	c := Default()
	creator, err := c.Get("creator")
	require.NoError(t, err)

	monthly, err := creator.PriceFor(CycleMonthly)
	require.NoError(t, err)
	assert.Equal(t, domain.USD(1900), monthly)

	yearly, err := creator.PriceFor(CycleYearly)
	require.NoError(t, err)
	assert.Equal(t, domain.USD(19000), yearly)

	_, err = creator.PriceFor(Cycle("weekly"))
	require.ErrorIs(t, err, ErrInvalidCycle)
}

func TestLimitFor(t *testing.T) {
	c := Default()
	creator, err := c.Get("creator")
	require.NoError(t, err)

	limit, ok := creator.LimitFor("pages")
	assert.True(t, ok)
	assert.Equal(t, int64(50), limit)

	// Feature in the set without a declared ceiling is unlimited.
	limit, ok = creator.LimitFor("custom_domain")
	assert.True(t, ok)
	assert.Equal(t, UnlimitedUsage, limit)

	_, ok = creator.LimitFor("storefront")
	assert.False(t, ok)
}
