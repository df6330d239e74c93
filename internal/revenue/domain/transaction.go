// Package domain models the external revenue a workspace earns, which the
// biller settles a percentage fee against.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	shared "github.com/tallyhq/tally/internal/shared/domain"
)

var (
	ErrInvalidSource = errors.New("invalid revenue source")
	ErrInvalidAmount = errors.New("revenue amount must be positive")
)

// Source identifies where workspace revenue came from.
type Source string

const (
	SourceStorefront   Source = "storefront"
	SourceCourse       Source = "course"
	SourceBooking      Source = "booking"
	SourceTemplateSale Source = "template_sale"
)

// IsValid reports whether the source is a known one.
func (s Source) IsValid() bool {
	switch s {
	case SourceStorefront, SourceCourse, SourceBooking, SourceTemplateSale:
		return true
	}
	return false
}

// Transaction is one revenue event reported by the outer system. Rows are
// append-only; nothing here is ever mutated after ingestion.
type Transaction struct {
	ID          uuid.UUID
	WorkspaceID shared.WorkspaceID
	Source      Source
	Amount      shared.Money
	OccurredAt  time.Time
}

// NewTransaction validates and creates a revenue transaction.
func NewTransaction(workspaceID shared.WorkspaceID, source Source, amount shared.Money, occurredAt time.Time) (*Transaction, error) {
	if workspaceID.IsEmpty() {
		return nil, errors.New("workspace id is required")
	}
	if !source.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}
	if amount.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return &Transaction{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Source:      source,
		Amount:      amount,
		OccurredAt:  occurredAt.UTC(),
	}, nil
}
