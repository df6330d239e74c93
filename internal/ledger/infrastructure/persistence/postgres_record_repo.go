package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tallyhq/tally/internal/ledger/domain"
	sharedDomain "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/shared/infrastructure/database"
	sharedPersistence "github.com/tallyhq/tally/internal/shared/infrastructure/persistence"
)

// PostgresRecordRepository implements domain.Repository using PostgreSQL.
// The partial unique index on (workspace_id, kind, period_start, period_end)
// excluding disputed rows is what makes CreateOrGet safe under concurrency.
type PostgresRecordRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRecordRepository creates a new PostgreSQL billing record repository.
func NewPostgresRecordRepository(pool *pgxpool.Pool) *PostgresRecordRepository {
	return &PostgresRecordRepository{pool: pool}
}

const recordColumns = `id, workspace_id, kind, amount, currency, period_start, period_end, status, created_at`

// CreateOrGet inserts the record unless a non-disputed one already covers
// the same (workspace, kind, period), in which case the stored record is
// returned unchanged.
func (r *PostgresRecordRepository) CreateOrGet(ctx context.Context, record *domain.Record) (*domain.Record, bool, error) {
	db := sharedPersistence.Executor(ctx, r.pool)

	query := `
		INSERT INTO billing_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (workspace_id, kind, period_start, period_end)
			WHERE status != 'disputed'
		DO NOTHING
	`

	tag, err := db.Exec(ctx, query,
		record.ID,
		record.WorkspaceID.UUID(),
		string(record.Kind),
		record.Amount.Amount,
		record.Amount.Currency,
		record.PeriodStart,
		record.PeriodEnd,
		string(record.Status),
		record.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert billing record: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return record, true, nil
	}

	existing, err := r.FindByPeriod(ctx, record.WorkspaceID, record.Kind, record.PeriodStart, record.PeriodEnd)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// FindByID retrieves a record by its ID.
func (r *PostgresRecordRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Record, error) {
	db := sharedPersistence.Executor(ctx, r.pool)

	query := `SELECT ` + recordColumns + ` FROM billing_records WHERE id = $1`
	return scanRecord(db.QueryRow(ctx, query, id))
}

// FindByPeriod retrieves the non-disputed record covering the period.
func (r *PostgresRecordRepository) FindByPeriod(ctx context.Context, workspaceID sharedDomain.WorkspaceID, kind domain.Kind, periodStart, periodEnd time.Time) (*domain.Record, error) {
	db := sharedPersistence.Executor(ctx, r.pool)

	query := `
		SELECT ` + recordColumns + `
		FROM billing_records
		WHERE workspace_id = $1 AND kind = $2 AND period_start = $3 AND period_end = $4
		  AND status != 'disputed'
	`
	return scanRecord(db.QueryRow(ctx, query, workspaceID.UUID(), string(kind), periodStart, periodEnd))
}

// ListByWorkspace returns the workspace's billing history, newest first.
func (r *PostgresRecordRepository) ListByWorkspace(ctx context.Context, workspaceID sharedDomain.WorkspaceID) ([]*domain.Record, error) {
	db := sharedPersistence.Executor(ctx, r.pool)

	query := `
		SELECT ` + recordColumns + `
		FROM billing_records
		WHERE workspace_id = $1
		ORDER BY created_at DESC, id DESC
	`
	rows, err := db.Query(ctx, query, workspaceID.UUID())
	if err != nil {
		return nil, fmt.Errorf("failed to list billing records: %w", err)
	}
	defer rows.Close()

	var records []*domain.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// UpdateStatus persists a status transition.
func (r *PostgresRecordRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.Status) error {
	db := sharedPersistence.Executor(ctx, r.pool)

	tag, err := db.Exec(ctx, `UPDATE billing_records SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update billing record status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

func scanRecord(row pgx.Row) (*domain.Record, error) {
	var (
		record   domain.Record
		wsID     uuid.UUID
		kind     string
		amount   int64
		currency string
		status   string
	)
	err := row.Scan(
		&record.ID,
		&wsID,
		&kind,
		&amount,
		&currency,
		&record.PeriodStart,
		&record.PeriodEnd,
		&status,
		&record.CreatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to scan billing record: %w", err)
	}
	record.WorkspaceID = sharedDomain.NewWorkspaceID(wsID)
	record.Kind = domain.Kind(kind)
	record.Amount = sharedDomain.Money{Amount: amount, Currency: currency}
	record.Status = domain.Status(status)
	return &record, nil
}
