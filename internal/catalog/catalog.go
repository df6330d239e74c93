package catalog

import (
	"fmt"
	"sort"

	"github.com/tallyhq/tally/internal/shared/domain"
)

// Catalog is a read-only lookup of bundle definitions. It keeps every
// version of every bundle; Get resolves the latest version. Safe for
// concurrent use without locking.
type Catalog struct {
	versions map[string][]Bundle
	order    []string
}

// NewCatalog builds a catalog from bundle definitions. Multiple entries with
// the same ID are treated as successive versions and must arrive in
// ascending version order.
func NewCatalog(bundles ...Bundle) (*Catalog, error) {
	c := &Catalog{versions: make(map[string][]Bundle)}
	for _, b := range bundles {
		if b.ID == "" {
			return nil, fmt.Errorf("bundle with empty id")
		}
		existing := c.versions[b.ID]
		if len(existing) == 0 {
			c.order = append(c.order, b.ID)
		} else if b.Version <= existing[len(existing)-1].Version {
			return nil, fmt.Errorf("bundle %q: version %d not after %d", b.ID, b.Version, existing[len(existing)-1].Version)
		}
		c.versions[b.ID] = append(existing, b)
	}
	sort.Strings(c.order)
	return c, nil
}

// Get returns the latest version of the bundle with the given id.
func (c *Catalog) Get(id string) (Bundle, error) {
	versions, ok := c.versions[id]
	if !ok {
		return Bundle{}, fmt.Errorf("%w: %q", ErrUnknownBundle, id)
	}
	return versions[len(versions)-1], nil
}

// GetVersion returns a specific historical version of a bundle.
func (c *Catalog) GetVersion(id string, version int) (Bundle, error) {
	for _, b := range c.versions[id] {
		if b.Version == version {
			return b, nil
		}
	}
	return Bundle{}, fmt.Errorf("%w: %q v%d", ErrUnknownBundle, id, version)
}

// All returns the latest version of every bundle in stable ID order, for
// price-quote and catalog listing UIs.
func (c *Catalog) All() []Bundle {
	out := make([]Bundle, 0, len(c.order))
	for _, id := range c.order {
		versions := c.versions[id]
		out = append(out, versions[len(versions)-1])
	}
	return out
}

// Default returns the built-in bundle catalog.
func Default() *Catalog {
	c, err := NewCatalog(
		Bundle{
			ID:           "creator",
			DisplayName:  "Creator",
			Version:      1,
			MonthlyPrice: domain.USD(1900),
			YearlyPrice:  domain.USD(19000),
			FeatureSet:   []string{"pages", "blog_posts", "newsletters", "custom_domain"},
			UsageLimits: map[string]int64{
				"pages":       50,
				"blog_posts":  200,
				"newsletters": 20,
			},
		},
		Bundle{
			ID:           "ecommerce",
			DisplayName:  "E-Commerce",
			Version:      1,
			MonthlyPrice: domain.USD(2400),
			YearlyPrice:  domain.USD(24000),
			FeatureSet:   []string{"storefront", "products", "discount_codes"},
			UsageLimits: map[string]int64{
				"products":       500,
				"discount_codes": 50,
			},
		},
		Bundle{
			ID:           "booking",
			DisplayName:  "Booking",
			Version:      1,
			MonthlyPrice: domain.USD(1500),
			YearlyPrice:  domain.USD(15000),
			FeatureSet:   []string{"booking_calendars", "booking_events"},
			UsageLimits: map[string]int64{
				"booking_calendars": 10,
			},
		},
		Bundle{
			ID:           "courses",
			DisplayName:  "Courses",
			Version:      1,
			MonthlyPrice: domain.USD(2900),
			YearlyPrice:  domain.USD(29000),
			FeatureSet:   []string{"courses", "course_students", "certificates"},
			UsageLimits: map[string]int64{
				"courses": 25,
			},
		},
		Bundle{
			ID:           "marketing",
			DisplayName:  "Marketing",
			Version:      1,
			MonthlyPrice: domain.USD(990),
			YearlyPrice:  domain.USD(9900),
			FeatureSet:   []string{"campaigns", "audience_segments"},
			UsageLimits: map[string]int64{
				"campaigns":         30,
				"audience_segments": UnlimitedUsage,
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}
