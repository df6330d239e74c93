package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/tallyhq/tally/internal/catalog"
	shared "github.com/tallyhq/tally/internal/shared/domain"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionExists   = errors.New("subscription already exists for workspace")
	ErrBundleAlreadyActive  = errors.New("bundle already active")
	ErrBundleNotActive      = errors.New("bundle not active")
	ErrLastBundle           = errors.New("cannot remove last bundle; cancel instead")
	ErrCancelled            = errors.New("subscription is cancelled")
	ErrCycleMismatch        = errors.New("cycle differs from subscription cycle")

	// ErrConcurrentModification is returned by repositories when a write
	// loses the optimistic-concurrency race. Callers re-read and retry.
	ErrConcurrentModification = errors.New("subscription modified concurrently")
)

// Status is the lifecycle state of a workspace subscription.
type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
)

// MaxFailedCharges is the retry budget before a past_due subscription is
// cancelled.
const MaxFailedCharges = 3

// Subscription is the aggregate owning a workspace's bundle set, billing
// cycle and lifecycle status. All mutations go through the aggregate so the
// state machine stays consistent; persistence is guarded by the aggregate
// version (optimistic concurrency).
type Subscription struct {
	shared.BaseAggregateRoot
	workspaceID     shared.WorkspaceID
	bundleIDs       []string
	pendingRemovals []string
	cycle           catalog.Cycle
	pendingCycle    *catalog.Cycle
	status          Status
	periodStart     time.Time
	periodEnd       time.Time
	failedCharges   int
	cancelledAt     *time.Time
}

// NewSubscription starts a trial subscription with no bundles. The trial
// window doubles as the first billing period.
func NewSubscription(workspaceID shared.WorkspaceID, now time.Time, trialDays int) (*Subscription, error) {
	if workspaceID.IsEmpty() {
		return nil, errors.New("workspace id is required")
	}
	if trialDays <= 0 {
		trialDays = 14
	}
	now = now.UTC()
	sub := &Subscription{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		workspaceID:       workspaceID,
		bundleIDs:         make([]string, 0),
		cycle:             catalog.CycleMonthly,
		status:            StatusTrial,
		periodStart:       now,
		periodEnd:         now.AddDate(0, 0, trialDays),
	}
	sub.AddDomainEvent(NewSubscriptionCreated(sub))
	return sub, nil
}

// Getters
func (s *Subscription) WorkspaceID() shared.WorkspaceID { return s.workspaceID }
func (s *Subscription) BundleIDs() []string             { return append([]string(nil), s.bundleIDs...) }
func (s *Subscription) PendingRemovals() []string {
	return append([]string(nil), s.pendingRemovals...)
}
func (s *Subscription) Cycle() catalog.Cycle      { return s.cycle }
func (s *Subscription) Status() Status            { return s.status }
func (s *Subscription) PeriodStart() time.Time    { return s.periodStart }
func (s *Subscription) PeriodEnd() time.Time      { return s.periodEnd }
func (s *Subscription) FailedCharges() int        { return s.failedCharges }
func (s *Subscription) CancelledAt() *time.Time   { return s.cancelledAt }

// PendingCycle returns the cycle taking effect next period, if a change is
// scheduled.
func (s *Subscription) PendingCycle() *catalog.Cycle {
	if s.pendingCycle == nil {
		return nil
	}
	c := *s.pendingCycle
	return &c
}

// HasBundle reports whether the bundle is in the active set.
func (s *Subscription) HasBundle(bundleID string) bool {
	for _, id := range s.bundleIDs {
		if id == bundleID {
			return true
		}
	}
	return false
}

// IsBillable reports whether the subscription still accrues charges.
func (s *Subscription) IsBillable() bool {
	return s.status != StatusCancelled
}

// AddBundle appends a bundle to the active set, effective immediately. The
// first bundle added establishes the billing cycle; later additions must
// match it (cycle changes go through ChangeCycle).
func (s *Subscription) AddBundle(bundleID string, cycle catalog.Cycle) error {
	if s.status == StatusCancelled {
		return ErrCancelled
	}
	if !cycle.IsValid() {
		return fmt.Errorf("%w: %q", catalog.ErrInvalidCycle, cycle)
	}
	if s.HasBundle(bundleID) {
		return fmt.Errorf("%w: %q", ErrBundleAlreadyActive, bundleID)
	}
	if len(s.bundleIDs) == 0 {
		s.cycle = cycle
	} else if cycle != s.cycle {
		return fmt.Errorf("%w: have %s, got %s", ErrCycleMismatch, s.cycle, cycle)
	}
	s.bundleIDs = append(s.bundleIDs, bundleID)
	s.dropPendingRemoval(bundleID)
	s.Touch()
	s.AddDomainEvent(NewBundleAdded(s, bundleID))
	return nil
}

// RemoveBundle schedules a bundle for removal at the next period boundary.
// No credit is issued for the remainder of the current period. Removing the
// last bundle of an active or past_due subscription is rejected; the caller
// must cancel instead.
func (s *Subscription) RemoveBundle(bundleID string) error {
	if s.status == StatusCancelled {
		return ErrCancelled
	}
	if !s.HasBundle(bundleID) {
		return fmt.Errorf("%w: %q", ErrBundleNotActive, bundleID)
	}
	for _, id := range s.pendingRemovals {
		if id == bundleID {
			return fmt.Errorf("%w: %q already scheduled for removal", ErrBundleNotActive, bundleID)
		}
	}
	if s.status == StatusActive || s.status == StatusPastDue {
		if len(s.bundleIDs)-len(s.pendingRemovals) <= 1 {
			return ErrLastBundle
		}
	}
	if s.status == StatusTrial {
		// Trials carry no paid-through period; removal is immediate.
		s.bundleIDs = removeString(s.bundleIDs, bundleID)
	} else {
		s.pendingRemovals = append(s.pendingRemovals, bundleID)
	}
	s.Touch()
	s.AddDomainEvent(NewBundleRemoved(s, bundleID))
	return nil
}

// ChangeCycle schedules a billing-cycle change for the next period. The
// current period is never repriced.
func (s *Subscription) ChangeCycle(newCycle catalog.Cycle) error {
	if s.status == StatusCancelled {
		return ErrCancelled
	}
	if !newCycle.IsValid() {
		return fmt.Errorf("%w: %q", catalog.ErrInvalidCycle, newCycle)
	}
	if newCycle == s.cycle {
		s.pendingCycle = nil
		return nil
	}
	s.pendingCycle = &newCycle
	s.Touch()
	s.AddDomainEvent(NewCycleChanged(s, newCycle))
	return nil
}

// Cancel terminates the subscription. The bundle set is frozen as a
// historical snapshot for billing audit; the state is terminal and a new
// subscription lifecycle is required to come back.
func (s *Subscription) Cancel(now time.Time) error {
	if s.status == StatusCancelled {
		return ErrCancelled
	}
	now = now.UTC()
	s.status = StatusCancelled
	s.cancelledAt = &now
	s.pendingRemovals = nil
	s.pendingCycle = nil
	s.Touch()
	s.AddDomainEvent(NewSubscriptionCancelled(s))
	return nil
}

// NextPeriodBundles returns the bundle set that will be billed next period:
// the active set minus scheduled removals.
func (s *Subscription) NextPeriodBundles() []string {
	out := make([]string, 0, len(s.bundleIDs))
	for _, id := range s.bundleIDs {
		scheduled := false
		for _, rm := range s.pendingRemovals {
			if rm == id {
				scheduled = true
				break
			}
		}
		if !scheduled {
			out = append(out, id)
		}
	}
	return out
}

// NextPeriodCycle returns the cycle that applies to the next period.
func (s *Subscription) NextPeriodCycle() catalog.Cycle {
	if s.pendingCycle != nil {
		return *s.pendingCycle
	}
	return s.cycle
}

// NextPeriodWindow returns the bounds of the period that AdvancePeriod
// would roll into.
func (s *Subscription) NextPeriodWindow() (start, end time.Time) {
	start = s.periodEnd
	return start, nextPeriodEnd(start, s.NextPeriodCycle())
}

// AdvancePeriod rolls the subscription into its next billing period,
// applying scheduled removals and any pending cycle change.
func (s *Subscription) AdvancePeriod() error {
	if s.status == StatusCancelled {
		return ErrCancelled
	}
	s.bundleIDs = s.NextPeriodBundles()
	s.cycle = s.NextPeriodCycle()
	s.pendingRemovals = nil
	s.pendingCycle = nil
	s.periodStart = s.periodEnd
	s.periodEnd = nextPeriodEnd(s.periodStart, s.cycle)
	s.Touch()
	s.AddDomainEvent(NewPeriodAdvanced(s))
	return nil
}

// RecordChargeOutcome applies the payment processor's verdict for the
// period charge. Success activates the subscription and clears the failure
// budget; failure moves it to past_due and, past the retry budget, cancels
// it.
func (s *Subscription) RecordChargeOutcome(succeeded bool, now time.Time) error {
	if s.status == StatusCancelled {
		return ErrCancelled
	}
	if succeeded {
		s.status = StatusActive
		s.failedCharges = 0
		s.Touch()
		return nil
	}
	s.failedCharges++
	s.AddDomainEvent(NewChargeFailed(s))
	if s.failedCharges >= MaxFailedCharges {
		return s.Cancel(now)
	}
	s.status = StatusPastDue
	s.Touch()
	return nil
}

// PeriodDays returns the total and remaining day counts of the current
// period for proration. Remaining days are counted in whole days, rounded
// up, and clamped to the period.
func (s *Subscription) PeriodDays(now time.Time) (remaining, total int) {
	total = daysBetween(s.periodStart, s.periodEnd)
	if total <= 0 {
		return 0, 0
	}
	remaining = daysBetween(now.UTC(), s.periodEnd)
	if remaining < 0 {
		remaining = 0
	}
	if remaining > total {
		remaining = total
	}
	return remaining, total
}

func daysBetween(from, to time.Time) int {
	d := to.Sub(from)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) > 0 {
		days++
	}
	return days
}

func nextPeriodEnd(start time.Time, cycle catalog.Cycle) time.Time {
	if cycle == catalog.CycleYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

func (s *Subscription) dropPendingRemoval(bundleID string) {
	s.pendingRemovals = removeString(s.pendingRemovals, bundleID)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// RehydrateSubscription recreates a subscription from persisted state
// without generating events.
func RehydrateSubscription(
	base shared.BaseEntity,
	version int,
	workspaceID shared.WorkspaceID,
	bundleIDs []string,
	pendingRemovals []string,
	cycle catalog.Cycle,
	pendingCycle *catalog.Cycle,
	status Status,
	periodStart time.Time,
	periodEnd time.Time,
	failedCharges int,
	cancelledAt *time.Time,
) *Subscription {
	return &Subscription{
		BaseAggregateRoot: shared.RehydrateBaseAggregateRoot(base, version),
		workspaceID:       workspaceID,
		bundleIDs:         bundleIDs,
		pendingRemovals:   pendingRemovals,
		cycle:             cycle,
		pendingCycle:      pendingCycle,
		status:            status,
		periodStart:       periodStart,
		periodEnd:         periodEnd,
		failedCharges:     failedCharges,
		cancelledAt:       cancelledAt,
	}
}
