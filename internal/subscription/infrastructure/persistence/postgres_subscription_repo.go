package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tallyhq/tally/internal/catalog"
	sharedDomain "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/shared/infrastructure/database"
	sharedPersistence "github.com/tallyhq/tally/internal/shared/infrastructure/persistence"
	"github.com/tallyhq/tally/internal/subscription/domain"
)

// PostgresSubscriptionRepository implements domain.Repository using PostgreSQL.
type PostgresSubscriptionRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresSubscriptionRepository creates a new PostgreSQL subscription repository.
func NewPostgresSubscriptionRepository(pool *pgxpool.Pool) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{pool: pool}
}

// subscriptionRow represents a database row for subscriptions.
type subscriptionRow struct {
	ID              uuid.UUID
	WorkspaceID     uuid.UUID
	BundleIDs       []byte
	PendingRemovals []byte
	Cycle           string
	PendingCycle    *string
	Status          string
	PeriodStart     time.Time
	PeriodEnd       time.Time
	FailedCharges   int
	CancelledAt     *time.Time
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Create inserts a new subscription. Each workspace holds at most one
// subscription; a second insert fails with ErrSubscriptionExists.
func (r *PostgresSubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	db := sharedPersistence.Executor(ctx, r.pool)

	bundleIDs, pendingRemovals, err := encodeBundleSets(sub)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO subscriptions (
			id, workspace_id, bundle_ids, pending_removals, cycle, pending_cycle,
			status, period_start, period_end, failed_charges, cancelled_at,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = db.Exec(ctx, query,
		sub.ID(),
		sub.WorkspaceID().UUID(),
		bundleIDs,
		pendingRemovals,
		string(sub.Cycle()),
		cycleToPtr(sub.PendingCycle()),
		string(sub.Status()),
		sub.PeriodStart(),
		sub.PeriodEnd(),
		sub.FailedCharges(),
		sub.CancelledAt(),
		sub.Version(),
		sub.CreatedAt(),
		sub.UpdatedAt(),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return domain.ErrSubscriptionExists
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// Save persists the aggregate conditional on the version it was loaded
// with. A stale write affects zero rows and returns
// ErrConcurrentModification; on success the in-memory version is bumped to
// match the stored one.
func (r *PostgresSubscriptionRepository) Save(ctx context.Context, sub *domain.Subscription) error {
	db := sharedPersistence.Executor(ctx, r.pool)

	bundleIDs, pendingRemovals, err := encodeBundleSets(sub)
	if err != nil {
		return err
	}

	query := `
		UPDATE subscriptions SET
			bundle_ids = $1,
			pending_removals = $2,
			cycle = $3,
			pending_cycle = $4,
			status = $5,
			period_start = $6,
			period_end = $7,
			failed_charges = $8,
			cancelled_at = $9,
			version = version + 1,
			updated_at = $10
		WHERE id = $11 AND version = $12
	`

	tag, err := db.Exec(ctx, query,
		bundleIDs,
		pendingRemovals,
		string(sub.Cycle()),
		cycleToPtr(sub.PendingCycle()),
		string(sub.Status()),
		sub.PeriodStart(),
		sub.PeriodEnd(),
		sub.FailedCharges(),
		sub.CancelledAt(),
		sub.UpdatedAt(),
		sub.ID(),
		sub.Version(),
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConcurrentModification
	}
	sub.IncrementVersion()
	return nil
}

// FindByWorkspace loads the subscription owned by the workspace.
func (r *PostgresSubscriptionRepository) FindByWorkspace(ctx context.Context, workspaceID sharedDomain.WorkspaceID) (*domain.Subscription, error) {
	db := sharedPersistence.Executor(ctx, r.pool)

	query := `
		SELECT id, workspace_id, bundle_ids, pending_removals, cycle, pending_cycle,
		       status, period_start, period_end, failed_charges, cancelled_at,
		       version, created_at, updated_at
		FROM subscriptions
		WHERE workspace_id = $1
	`

	var row subscriptionRow
	err := db.QueryRow(ctx, query, workspaceID.UUID()).Scan(
		&row.ID,
		&row.WorkspaceID,
		&row.BundleIDs,
		&row.PendingRemovals,
		&row.Cycle,
		&row.PendingCycle,
		&row.Status,
		&row.PeriodStart,
		&row.PeriodEnd,
		&row.FailedCharges,
		&row.CancelledAt,
		&row.Version,
		&row.CreatedAt,
		&row.UpdatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return row.toDomain()
}

func (row subscriptionRow) toDomain() (*domain.Subscription, error) {
	var bundleIDs, pendingRemovals []string
	if err := json.Unmarshal(row.BundleIDs, &bundleIDs); err != nil {
		return nil, fmt.Errorf("failed to decode bundle ids: %w", err)
	}
	if err := json.Unmarshal(row.PendingRemovals, &pendingRemovals); err != nil {
		return nil, fmt.Errorf("failed to decode pending removals: %w", err)
	}

	var pendingCycle *catalog.Cycle
	if row.PendingCycle != nil {
		c := catalog.Cycle(*row.PendingCycle)
		pendingCycle = &c
	}

	return domain.RehydrateSubscription(
		sharedDomain.RehydrateBaseEntity(row.ID, row.CreatedAt, row.UpdatedAt),
		row.Version,
		sharedDomain.NewWorkspaceID(row.WorkspaceID),
		bundleIDs,
		pendingRemovals,
		catalog.Cycle(row.Cycle),
		pendingCycle,
		domain.Status(row.Status),
		row.PeriodStart,
		row.PeriodEnd,
		row.FailedCharges,
		row.CancelledAt,
	), nil
}

func encodeBundleSets(sub *domain.Subscription) (bundleIDs, pendingRemovals []byte, err error) {
	bundleIDs, err = json.Marshal(sub.BundleIDs())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode bundle ids: %w", err)
	}
	pendingRemovals, err = json.Marshal(sub.PendingRemovals())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode pending removals: %w", err)
	}
	return bundleIDs, pendingRemovals, nil
}

func cycleToPtr(c *catalog.Cycle) *string {
	if c == nil {
		return nil
	}
	s := string(*c)
	return &s
}

// ListDue returns workspaces whose current period has ended.
func (r *PostgresSubscriptionRepository) ListDue(ctx context.Context, before time.Time, limit int) ([]sharedDomain.WorkspaceID, error) {
	db := sharedPersistence.Executor(ctx, r.pool)

	query := `
		SELECT workspace_id
		FROM subscriptions
		WHERE status IN ('trial', 'active', 'past_due') AND period_end <= $1
		ORDER BY period_end
		LIMIT $2
	`

	rows, err := db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	defer rows.Close()

	return scanWorkspaceIDs(rows)
}

// ListPastDue returns workspaces currently in dunning.
func (r *PostgresSubscriptionRepository) ListPastDue(ctx context.Context, limit int) ([]sharedDomain.WorkspaceID, error) {
	db := sharedPersistence.Executor(ctx, r.pool)

	query := `
		SELECT workspace_id
		FROM subscriptions
		WHERE status = 'past_due'
		ORDER BY period_start
		LIMIT $1
	`

	rows, err := db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list past_due subscriptions: %w", err)
	}
	defer rows.Close()

	return scanWorkspaceIDs(rows)
}

func scanWorkspaceIDs(rows pgx.Rows) ([]sharedDomain.WorkspaceID, error) {
	var out []sharedDomain.WorkspaceID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan workspace id: %w", err)
		}
		out = append(out, sharedDomain.NewWorkspaceID(id))
	}
	return out, rows.Err()
}
