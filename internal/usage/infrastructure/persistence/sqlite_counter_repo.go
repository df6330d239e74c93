package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	shared "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/shared/infrastructure/database"
	sharedPersistence "github.com/tallyhq/tally/internal/shared/infrastructure/persistence"
	"github.com/tallyhq/tally/internal/usage/domain"
)

// SQLiteCounterRepository implements domain.Repository using SQLite.
type SQLiteCounterRepository struct {
	db *sql.DB
}

// NewSQLiteCounterRepository creates a new SQLite counter repository.
func NewSQLiteCounterRepository(db *sql.DB) *SQLiteCounterRepository {
	return &SQLiteCounterRepository{db: db}
}

// CheckAndIncrement adds n to the counter as one guarded upsert.
func (r *SQLiteCounterRepository) CheckAndIncrement(ctx context.Context, counter domain.Counter, n int64) (domain.Counter, error) {
	if counter.Limit >= 0 && n > counter.Limit {
		current, err := r.Get(ctx, counter.WorkspaceID, counter.FeatureKey, counter.PeriodStart)
		if err == nil {
			return current, domain.ErrOverLimit
		}
		return counter, domain.ErrOverLimit
	}

	db := sharedPersistence.SQLiteDB(ctx, r.db)

	query := `
		INSERT INTO usage_counters (workspace_id, feature_key, period_start, period_end, count, usage_limit)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, feature_key, period_start) DO UPDATE
		SET count = usage_counters.count + excluded.count
		WHERE usage_counters.usage_limit < 0
		   OR usage_counters.count + excluded.count <= usage_counters.usage_limit
		RETURNING count, usage_limit, period_end
	`

	result := counter
	var periodEnd string
	err := db.QueryRowContext(ctx, query,
		counter.WorkspaceID.String(),
		counter.FeatureKey,
		counter.PeriodStart.UTC().Format(time.RFC3339Nano),
		counter.PeriodEnd.UTC().Format(time.RFC3339Nano),
		n,
		counter.Limit,
	).Scan(&result.Count, &result.Limit, &periodEnd)
	if err != nil {
		if database.IsNoRows(err) {
			current, getErr := r.Get(ctx, counter.WorkspaceID, counter.FeatureKey, counter.PeriodStart)
			if getErr != nil {
				return counter, domain.ErrOverLimit
			}
			return current, domain.ErrOverLimit
		}
		return counter, fmt.Errorf("failed to increment usage counter: %w", err)
	}
	if result.PeriodEnd, err = parseCounterTime(periodEnd); err != nil {
		return counter, err
	}
	return result, nil
}

// Get returns the stored counter for (workspace, feature, period).
func (r *SQLiteCounterRepository) Get(ctx context.Context, workspaceID shared.WorkspaceID, featureKey string, periodStart time.Time) (domain.Counter, error) {
	db := sharedPersistence.SQLiteDB(ctx, r.db)

	query := `
		SELECT workspace_id, feature_key, period_start, period_end, count, usage_limit
		FROM usage_counters
		WHERE workspace_id = ? AND feature_key = ? AND period_start = ?
	`
	return scanSQLiteCounter(db.QueryRowContext(ctx, query,
		workspaceID.String(),
		featureKey,
		periodStart.UTC().Format(time.RFC3339Nano),
	))
}

// ListByPeriod returns all counters for a workspace in a period.
func (r *SQLiteCounterRepository) ListByPeriod(ctx context.Context, workspaceID shared.WorkspaceID, periodStart time.Time) ([]domain.Counter, error) {
	db := sharedPersistence.SQLiteDB(ctx, r.db)

	query := `
		SELECT workspace_id, feature_key, period_start, period_end, count, usage_limit
		FROM usage_counters
		WHERE workspace_id = ? AND period_start = ?
		ORDER BY feature_key
	`
	rows, err := db.QueryContext(ctx, query, workspaceID.String(), periodStart.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to list usage counters: %w", err)
	}
	defer rows.Close()

	var counters []domain.Counter
	for rows.Next() {
		counter, err := scanSQLiteCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	return counters, rows.Err()
}

// DeleteBefore drops counters from periods that started before the cutoff.
func (r *SQLiteCounterRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db := sharedPersistence.SQLiteDB(ctx, r.db)

	result, err := db.ExecContext(ctx, `DELETE FROM usage_counters WHERE period_start < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to purge usage counters: %w", err)
	}
	return result.RowsAffected()
}

type counterScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCounter(row counterScanner) (domain.Counter, error) {
	var (
		counter                      domain.Counter
		wsID, periodStart, periodEnd string
	)
	err := row.Scan(&wsID, &counter.FeatureKey, &periodStart, &periodEnd, &counter.Count, &counter.Limit)
	if err != nil {
		if database.IsNoRows(err) {
			return domain.Counter{}, domain.ErrCounterNotFound
		}
		return domain.Counter{}, fmt.Errorf("failed to scan usage counter: %w", err)
	}
	workspaceUUID, err := uuid.Parse(wsID)
	if err != nil {
		return domain.Counter{}, fmt.Errorf("failed to parse workspace id: %w", err)
	}
	counter.WorkspaceID = shared.NewWorkspaceID(workspaceUUID)
	if counter.PeriodStart, err = parseCounterTime(periodStart); err != nil {
		return domain.Counter{}, err
	}
	if counter.PeriodEnd, err = parseCounterTime(periodEnd); err != nil {
		return domain.Counter{}, err
	}
	return counter, nil
}

func parseCounterTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
