package domain

import (
	"context"
	"time"

	shared "github.com/tallyhq/tally/internal/shared/domain"
)

// SourceTotal is the revenue a workspace earned from one source in a window.
type SourceTotal struct {
	Source Source
	Total  shared.Money
}

// Repository defines append-only access to revenue transactions.
type Repository interface {
	// Append stores a transaction. Re-appending the same ID is a no-op, so
	// event redelivery from the outer system stays safe.
	Append(ctx context.Context, tx *Transaction) error

	// SumByWindow aggregates per-source totals for [from, to).
	SumByWindow(ctx context.Context, workspaceID shared.WorkspaceID, from, to time.Time) ([]SourceTotal, error)

	// ListByWindow returns the raw transactions for [from, to), oldest first.
	ListByWindow(ctx context.Context, workspaceID shared.WorkspaceID, from, to time.Time) ([]*Transaction, error)

	// ListWorkspaces returns the workspaces with at least one transaction in
	// [from, to). The settlement sweep settles each of them.
	ListWorkspaces(ctx context.Context, from, to time.Time) ([]shared.WorkspaceID, error)
}
