// Package persistence implements usage counter storage. All backends share
// one contract: the limit check and the increment are a single indivisible
// storage operation.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	shared "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/shared/infrastructure/database"
	sharedPersistence "github.com/tallyhq/tally/internal/shared/infrastructure/persistence"
	"github.com/tallyhq/tally/internal/usage/domain"
)

// PostgresCounterRepository implements domain.Repository using PostgreSQL.
// CheckAndIncrement is one conditional upsert, so concurrent increments
// serialize on the row and can never jointly overshoot the limit.
type PostgresCounterRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresCounterRepository creates a new PostgreSQL counter repository.
func NewPostgresCounterRepository(pool *pgxpool.Pool) *PostgresCounterRepository {
	return &PostgresCounterRepository{pool: pool}
}

// CheckAndIncrement adds n to the counter, seeding the row on first use.
func (r *PostgresCounterRepository) CheckAndIncrement(ctx context.Context, counter domain.Counter, n int64) (domain.Counter, error) {
	if counter.Limit >= 0 && n > counter.Limit {
		// Even a fresh counter cannot admit this increment.
		current, err := r.Get(ctx, counter.WorkspaceID, counter.FeatureKey, counter.PeriodStart)
		if err == nil {
			return current, domain.ErrOverLimit
		}
		return counter, domain.ErrOverLimit
	}

	db := sharedPersistence.Executor(ctx, r.pool)

	query := `
		INSERT INTO usage_counters (workspace_id, feature_key, period_start, period_end, count, usage_limit)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workspace_id, feature_key, period_start) DO UPDATE
		SET count = usage_counters.count + EXCLUDED.count
		WHERE usage_counters.usage_limit < 0
		   OR usage_counters.count + EXCLUDED.count <= usage_counters.usage_limit
		RETURNING count, usage_limit, period_end
	`

	result := counter
	err := db.QueryRow(ctx, query,
		counter.WorkspaceID.UUID(),
		counter.FeatureKey,
		counter.PeriodStart,
		counter.PeriodEnd,
		n,
		counter.Limit,
	).Scan(&result.Count, &result.Limit, &result.PeriodEnd)
	if err != nil {
		if database.IsNoRows(err) {
			// The guarded update refused the increment.
			current, getErr := r.Get(ctx, counter.WorkspaceID, counter.FeatureKey, counter.PeriodStart)
			if getErr != nil {
				return counter, domain.ErrOverLimit
			}
			return current, domain.ErrOverLimit
		}
		return counter, fmt.Errorf("failed to increment usage counter: %w", err)
	}
	return result, nil
}

// Get returns the stored counter for (workspace, feature, period).
func (r *PostgresCounterRepository) Get(ctx context.Context, workspaceID shared.WorkspaceID, featureKey string, periodStart time.Time) (domain.Counter, error) {
	db := sharedPersistence.Executor(ctx, r.pool)

	query := `
		SELECT workspace_id, feature_key, period_start, period_end, count, usage_limit
		FROM usage_counters
		WHERE workspace_id = $1 AND feature_key = $2 AND period_start = $3
	`

	var (
		counter domain.Counter
		wsID    uuid.UUID
	)
	err := db.QueryRow(ctx, query, workspaceID.UUID(), featureKey, periodStart).Scan(
		&wsID,
		&counter.FeatureKey,
		&counter.PeriodStart,
		&counter.PeriodEnd,
		&counter.Count,
		&counter.Limit,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return domain.Counter{}, domain.ErrCounterNotFound
		}
		return domain.Counter{}, fmt.Errorf("failed to load usage counter: %w", err)
	}
	counter.WorkspaceID = shared.NewWorkspaceID(wsID)
	return counter, nil
}

// ListByPeriod returns all counters for a workspace in a period.
func (r *PostgresCounterRepository) ListByPeriod(ctx context.Context, workspaceID shared.WorkspaceID, periodStart time.Time) ([]domain.Counter, error) {
	db := sharedPersistence.Executor(ctx, r.pool)

	query := `
		SELECT workspace_id, feature_key, period_start, period_end, count, usage_limit
		FROM usage_counters
		WHERE workspace_id = $1 AND period_start = $2
		ORDER BY feature_key
	`
	rows, err := db.Query(ctx, query, workspaceID.UUID(), periodStart)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage counters: %w", err)
	}
	defer rows.Close()

	var counters []domain.Counter
	for rows.Next() {
		var (
			counter domain.Counter
			wsID    uuid.UUID
		)
		if err := rows.Scan(&wsID, &counter.FeatureKey, &counter.PeriodStart, &counter.PeriodEnd, &counter.Count, &counter.Limit); err != nil {
			return nil, fmt.Errorf("failed to scan usage counter: %w", err)
		}
		counter.WorkspaceID = shared.NewWorkspaceID(wsID)
		counters = append(counters, counter)
	}
	return counters, rows.Err()
}

// DeleteBefore drops counters from periods that started before the cutoff.
func (r *PostgresCounterRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db := sharedPersistence.Executor(ctx, r.pool)

	tag, err := db.Exec(ctx, `DELETE FROM usage_counters WHERE period_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge usage counters: %w", err)
	}
	return tag.RowsAffected(), nil
}
