// Package domain defines the billing record ledger shared by the
// subscription manager and the revenue-share biller.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	shared "github.com/tallyhq/tally/internal/shared/domain"
)

var (
	ErrRecordNotFound    = errors.New("billing record not found")
	ErrInvalidTransition = errors.New("invalid billing record status transition")

	// ErrBillingConflict signals that an idempotent insert collided with an
	// existing record carrying a different amount. That is a logic bug, not
	// a retry artifact, and must be surfaced loudly.
	ErrBillingConflict = errors.New("billing record conflict")
)

// Kind classifies what a billing record charges for.
type Kind string

const (
	KindSubscriptionCharge Kind = "subscription_charge"
	KindRevenueShare       Kind = "revenue_share"
	KindTokenPurchase      Kind = "token_purchase"
)

// Status is the settlement state of a record. Records are never deleted,
// only transitioned.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusFailed   Status = "failed"
	StatusDisputed Status = "disputed"
)

// Record is one settled or pending charge. At most one non-disputed record
// may exist per (workspace, kind, period); the store enforces this.
type Record struct {
	ID          uuid.UUID
	WorkspaceID shared.WorkspaceID
	Kind        Kind
	Amount      shared.Money
	PeriodStart time.Time
	PeriodEnd   time.Time
	Status      Status
	CreatedAt   time.Time
}

// NewRecord creates a pending record for a billing period.
func NewRecord(workspaceID shared.WorkspaceID, kind Kind, amount shared.Money, periodStart, periodEnd time.Time) *Record {
	return &Record{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Kind:        kind,
		Amount:      amount,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// Transition moves the record to a new status, enforcing the lifecycle:
// pending -> paid|failed, failed -> paid (retry succeeded), paid -> disputed.
func (r *Record) Transition(to Status) error {
	allowed := map[Status][]Status{
		StatusPending: {StatusPaid, StatusFailed},
		StatusFailed:  {StatusPaid},
		StatusPaid:    {StatusDisputed},
	}
	for _, s := range allowed[r.Status] {
		if s == to {
			r.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
}
