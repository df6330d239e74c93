// Package domain models per-feature usage counting within a billing period.
package domain

import (
	"errors"
	"time"

	"github.com/tallyhq/tally/internal/catalog"
	shared "github.com/tallyhq/tally/internal/shared/domain"
)

var (
	// ErrOverLimit is returned when an increment would push the counter past
	// its ceiling. The counter is left untouched; partial increments never
	// happen.
	ErrOverLimit = errors.New("usage limit exceeded")

	ErrCounterNotFound  = errors.New("usage counter not found")
	ErrFeatureNotMetred = errors.New("feature is not metered for this workspace")
	ErrInvalidIncrement = errors.New("increment must be positive")
)

// Warn thresholds, as percentages of the limit.
const (
	WarnThresholdPercent     = 80
	CriticalThresholdPercent = 95
)

// Level grades how close a counter is to its ceiling.
type Level string

const (
	LevelOK       Level = "ok"
	LevelWarn     Level = "warn"
	LevelCritical Level = "critical"
	LevelExceeded Level = "exceeded"
)

// Counter tracks consumption of one feature for one workspace in one
// billing period. A negative limit means unmetered.
type Counter struct {
	WorkspaceID shared.WorkspaceID
	FeatureKey  string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Count       int64
	Limit       int64
}

// Unlimited reports whether the counter has no ceiling.
func (c Counter) Unlimited() bool {
	return c.Limit < 0
}

// Remaining returns how much headroom is left, or -1 when unmetered.
func (c Counter) Remaining() int64 {
	if c.Unlimited() {
		return catalog.UnlimitedUsage
	}
	if c.Count >= c.Limit {
		return 0
	}
	return c.Limit - c.Count
}

// WouldExceed reports whether adding n would push the counter over its limit.
func (c Counter) WouldExceed(n int64) bool {
	if c.Unlimited() {
		return false
	}
	return c.Count+n > c.Limit
}

// WarnLevel grades the counter against the warn and critical thresholds.
func (c Counter) WarnLevel() Level {
	if c.Unlimited() || c.Limit == 0 {
		return LevelOK
	}
	pct := c.Count * 100 / c.Limit
	switch {
	case c.Count >= c.Limit:
		return LevelExceeded
	case pct >= CriticalThresholdPercent:
		return LevelCritical
	case pct >= WarnThresholdPercent:
		return LevelWarn
	default:
		return LevelOK
	}
}
