package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/shared/infrastructure/database"
	sharedPersistence "github.com/tallyhq/tally/internal/shared/infrastructure/persistence"
	"github.com/tallyhq/tally/internal/subscription/domain"
)

// SQLiteSubscriptionRepository implements domain.Repository using SQLite.
type SQLiteSubscriptionRepository struct {
	db *sql.DB
}

// NewSQLiteSubscriptionRepository creates a new SQLite subscription repository.
func NewSQLiteSubscriptionRepository(db *sql.DB) *SQLiteSubscriptionRepository {
	return &SQLiteSubscriptionRepository{db: db}
}

// Create inserts a new subscription, enforcing one per workspace.
func (r *SQLiteSubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	db := sharedPersistence.SQLiteDB(ctx, r.db)

	bundleIDs, pendingRemovals, err := encodeBundleSets(sub)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO subscriptions (
			id, workspace_id, bundle_ids, pending_removals, cycle, pending_cycle,
			status, period_start, period_end, failed_charges, cancelled_at,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = db.ExecContext(ctx, query,
		sub.ID().String(),
		sub.WorkspaceID().String(),
		string(bundleIDs),
		string(pendingRemovals),
		string(sub.Cycle()),
		cycleToPtr(sub.PendingCycle()),
		string(sub.Status()),
		sub.PeriodStart().Format(time.RFC3339Nano),
		sub.PeriodEnd().Format(time.RFC3339Nano),
		sub.FailedCharges(),
		timeToPtr(sub.CancelledAt()),
		sub.Version(),
		sub.CreatedAt().Format(time.RFC3339Nano),
		sub.UpdatedAt().Format(time.RFC3339Nano),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return domain.ErrSubscriptionExists
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// Save persists the aggregate conditional on its loaded version.
func (r *SQLiteSubscriptionRepository) Save(ctx context.Context, sub *domain.Subscription) error {
	db := sharedPersistence.SQLiteDB(ctx, r.db)

	bundleIDs, pendingRemovals, err := encodeBundleSets(sub)
	if err != nil {
		return err
	}

	query := `
		UPDATE subscriptions SET
			bundle_ids = ?,
			pending_removals = ?,
			cycle = ?,
			pending_cycle = ?,
			status = ?,
			period_start = ?,
			period_end = ?,
			failed_charges = ?,
			cancelled_at = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND version = ?
	`

	result, err := db.ExecContext(ctx, query,
		string(bundleIDs),
		string(pendingRemovals),
		string(sub.Cycle()),
		cycleToPtr(sub.PendingCycle()),
		string(sub.Status()),
		sub.PeriodStart().Format(time.RFC3339Nano),
		sub.PeriodEnd().Format(time.RFC3339Nano),
		sub.FailedCharges(),
		timeToPtr(sub.CancelledAt()),
		sub.UpdatedAt().Format(time.RFC3339Nano),
		sub.ID().String(),
		sub.Version(),
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrConcurrentModification
	}
	sub.IncrementVersion()
	return nil
}

// FindByWorkspace loads the subscription owned by the workspace.
func (r *SQLiteSubscriptionRepository) FindByWorkspace(ctx context.Context, workspaceID sharedDomain.WorkspaceID) (*domain.Subscription, error) {
	db := sharedPersistence.SQLiteDB(ctx, r.db)

	query := `
		SELECT id, workspace_id, bundle_ids, pending_removals, cycle, pending_cycle,
		       status, period_start, period_end, failed_charges, cancelled_at,
		       version, created_at, updated_at
		FROM subscriptions
		WHERE workspace_id = ?
	`

	var (
		id, wsID, bundleIDs, pendingRemovals string
		cycle, status                        string
		pendingCycle                         sql.NullString
		periodStart, periodEnd               string
		failedCharges, version               int
		cancelledAt                          sql.NullString
		createdAt, updatedAt                 string
	)
	err := db.QueryRowContext(ctx, query, workspaceID.String()).Scan(
		&id,
		&wsID,
		&bundleIDs,
		&pendingRemovals,
		&cycle,
		&pendingCycle,
		&status,
		&periodStart,
		&periodEnd,
		&failedCharges,
		&cancelledAt,
		&version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	row := subscriptionRow{
		BundleIDs:       []byte(bundleIDs),
		PendingRemovals: []byte(pendingRemovals),
		Cycle:           cycle,
		Status:          status,
		FailedCharges:   failedCharges,
		Version:         version,
	}
	if row.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse subscription id: %w", err)
	}
	if row.WorkspaceID, err = uuid.Parse(wsID); err != nil {
		return nil, fmt.Errorf("failed to parse workspace id: %w", err)
	}
	if pendingCycle.Valid {
		row.PendingCycle = &pendingCycle.String
	}
	if row.PeriodStart, err = parseSQLiteTime(periodStart); err != nil {
		return nil, err
	}
	if row.PeriodEnd, err = parseSQLiteTime(periodEnd); err != nil {
		return nil, err
	}
	if cancelledAt.Valid {
		t, err := parseSQLiteTime(cancelledAt.String)
		if err != nil {
			return nil, err
		}
		row.CancelledAt = &t
	}
	if row.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if row.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, err
	}
	return row.toDomain()
}

func timeToPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ListDue returns workspaces whose current period has ended. Timestamps are
// stored as RFC3339 strings, so the cutoff is applied after parsing.
func (r *SQLiteSubscriptionRepository) ListDue(ctx context.Context, before time.Time, limit int) ([]sharedDomain.WorkspaceID, error) {
	db := sharedPersistence.SQLiteDB(ctx, r.db)

	query := `
		SELECT workspace_id, period_end
		FROM subscriptions
		WHERE status IN ('trial', 'active', 'past_due')
		ORDER BY period_end
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	defer rows.Close()

	var out []sharedDomain.WorkspaceID
	for rows.Next() {
		var (
			id        string
			periodEnd string
		)
		if err := rows.Scan(&id, &periodEnd); err != nil {
			return nil, fmt.Errorf("failed to scan due subscription: %w", err)
		}
		end, err := parseSQLiteTime(periodEnd)
		if err != nil {
			return nil, err
		}
		if end.After(before) {
			continue
		}
		wsID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("failed to parse workspace id: %w", err)
		}
		out = append(out, sharedDomain.NewWorkspaceID(wsID))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// ListPastDue returns workspaces currently in dunning.
func (r *SQLiteSubscriptionRepository) ListPastDue(ctx context.Context, limit int) ([]sharedDomain.WorkspaceID, error) {
	db := sharedPersistence.SQLiteDB(ctx, r.db)

	query := `
		SELECT workspace_id
		FROM subscriptions
		WHERE status = 'past_due'
		ORDER BY period_start
		LIMIT ?
	`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list past_due subscriptions: %w", err)
	}
	defer rows.Close()

	var out []sharedDomain.WorkspaceID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan workspace id: %w", err)
		}
		wsID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("failed to parse workspace id: %w", err)
		}
		out = append(out, sharedDomain.NewWorkspaceID(wsID))
	}
	return out, rows.Err()
}
