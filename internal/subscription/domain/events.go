package domain

import (
	"time"

	"github.com/tallyhq/tally/internal/catalog"
	shared "github.com/tallyhq/tally/internal/shared/domain"
)

const aggregateType = "subscription"

// SubscriptionCreated is emitted when a workspace starts its trial.
type SubscriptionCreated struct {
	shared.BaseEvent
	WorkspaceID string    `json:"workspace_id"`
	Status      string    `json:"status"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// NewSubscriptionCreated creates a SubscriptionCreated event.
func NewSubscriptionCreated(s *Subscription) *SubscriptionCreated {
	return &SubscriptionCreated{
		BaseEvent:   shared.NewBaseEvent(s.ID(), aggregateType, "subscription.created"),
		WorkspaceID: s.WorkspaceID().String(),
		Status:      string(s.Status()),
		PeriodStart: s.PeriodStart(),
		PeriodEnd:   s.PeriodEnd(),
	}
}

// BundleAdded is emitted when a bundle joins the active set.
type BundleAdded struct {
	shared.BaseEvent
	WorkspaceID string `json:"workspace_id"`
	BundleID    string `json:"bundle_id"`
	Cycle       string `json:"cycle"`
}

// NewBundleAdded creates a BundleAdded event.
func NewBundleAdded(s *Subscription, bundleID string) *BundleAdded {
	return &BundleAdded{
		BaseEvent:   shared.NewBaseEvent(s.ID(), aggregateType, "subscription.bundle_added"),
		WorkspaceID: s.WorkspaceID().String(),
		BundleID:    bundleID,
		Cycle:       string(s.Cycle()),
	}
}

// BundleRemoved is emitted when a bundle removal is recorded.
type BundleRemoved struct {
	shared.BaseEvent
	WorkspaceID string `json:"workspace_id"`
	BundleID    string `json:"bundle_id"`
}

// NewBundleRemoved creates a BundleRemoved event.
func NewBundleRemoved(s *Subscription, bundleID string) *BundleRemoved {
	return &BundleRemoved{
		BaseEvent:   shared.NewBaseEvent(s.ID(), aggregateType, "subscription.bundle_removed"),
		WorkspaceID: s.WorkspaceID().String(),
		BundleID:    bundleID,
	}
}

// CycleChanged is emitted when a cycle change is scheduled.
type CycleChanged struct {
	shared.BaseEvent
	WorkspaceID string `json:"workspace_id"`
	NewCycle    string `json:"new_cycle"`
}

// NewCycleChanged creates a CycleChanged event.
func NewCycleChanged(s *Subscription, newCycle catalog.Cycle) *CycleChanged {
	return &CycleChanged{
		BaseEvent:   shared.NewBaseEvent(s.ID(), aggregateType, "subscription.cycle_changed"),
		WorkspaceID: s.WorkspaceID().String(),
		NewCycle:    string(newCycle),
	}
}

// SubscriptionCancelled is emitted when the subscription terminates.
type SubscriptionCancelled struct {
	shared.BaseEvent
	WorkspaceID string   `json:"workspace_id"`
	BundleIDs   []string `json:"bundle_ids"`
}

// NewSubscriptionCancelled creates a SubscriptionCancelled event.
func NewSubscriptionCancelled(s *Subscription) *SubscriptionCancelled {
	return &SubscriptionCancelled{
		BaseEvent:   shared.NewBaseEvent(s.ID(), aggregateType, "subscription.cancelled"),
		WorkspaceID: s.WorkspaceID().String(),
		BundleIDs:   s.BundleIDs(),
	}
}

// PeriodAdvanced is emitted when the subscription rolls into a new period.
type PeriodAdvanced struct {
	shared.BaseEvent
	WorkspaceID string    `json:"workspace_id"`
	Cycle       string    `json:"cycle"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// NewPeriodAdvanced creates a PeriodAdvanced event.
func NewPeriodAdvanced(s *Subscription) *PeriodAdvanced {
	return &PeriodAdvanced{
		BaseEvent:   shared.NewBaseEvent(s.ID(), aggregateType, "subscription.period_advanced"),
		WorkspaceID: s.WorkspaceID().String(),
		Cycle:       string(s.Cycle()),
		PeriodStart: s.PeriodStart(),
		PeriodEnd:   s.PeriodEnd(),
	}
}

// ChargeFailed is emitted when a period charge attempt fails.
type ChargeFailed struct {
	shared.BaseEvent
	WorkspaceID   string `json:"workspace_id"`
	FailedCharges int    `json:"failed_charges"`
}

// NewChargeFailed creates a ChargeFailed event.
func NewChargeFailed(s *Subscription) *ChargeFailed {
	return &ChargeFailed{
		BaseEvent:     shared.NewBaseEvent(s.ID(), aggregateType, "subscription.charge_failed"),
		WorkspaceID:   s.WorkspaceID().String(),
		FailedCharges: s.FailedCharges(),
	}
}
