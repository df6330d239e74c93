package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhq/tally/internal/ledger/domain"
	sharedDomain "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/shared/infrastructure/database"
	sharedPersistence "github.com/tallyhq/tally/internal/shared/infrastructure/persistence"
)

// SQLiteRecordRepository implements domain.Repository using SQLite.
type SQLiteRecordRepository struct {
	db *sql.DB
}

// NewSQLiteRecordRepository creates a new SQLite billing record repository.
func NewSQLiteRecordRepository(db *sql.DB) *SQLiteRecordRepository {
	return &SQLiteRecordRepository{db: db}
}

// CreateOrGet inserts the record unless a non-disputed one already covers
// the same (workspace, kind, period).
func (r *SQLiteRecordRepository) CreateOrGet(ctx context.Context, record *domain.Record) (*domain.Record, bool, error) {
	db := sharedPersistence.SQLiteDB(ctx, r.db)

	query := `
		INSERT INTO billing_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, kind, period_start, period_end)
			WHERE status != 'disputed'
		DO NOTHING
	`

	result, err := db.ExecContext(ctx, query,
		record.ID.String(),
		record.WorkspaceID.String(),
		string(record.Kind),
		record.Amount.Amount,
		record.Amount.Currency,
		record.PeriodStart.UTC().Format(time.RFC3339Nano),
		record.PeriodEnd.UTC().Format(time.RFC3339Nano),
		string(record.Status),
		record.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert billing record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected > 0 {
		return record, true, nil
	}

	existing, err := r.FindByPeriod(ctx, record.WorkspaceID, record.Kind, record.PeriodStart, record.PeriodEnd)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// FindByID retrieves a record by its ID.
func (r *SQLiteRecordRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Record, error) {
	db := sharedPersistence.SQLiteDB(ctx, r.db)

	query := `SELECT ` + recordColumns + ` FROM billing_records WHERE id = ?`
	return scanSQLiteRecord(db.QueryRowContext(ctx, query, id.String()))
}

// FindByPeriod retrieves the non-disputed record covering the period.
func (r *SQLiteRecordRepository) FindByPeriod(ctx context.Context, workspaceID sharedDomain.WorkspaceID, kind domain.Kind, periodStart, periodEnd time.Time) (*domain.Record, error) {
	db := sharedPersistence.SQLiteDB(ctx, r.db)

	query := `
		SELECT ` + recordColumns + `
		FROM billing_records
		WHERE workspace_id = ? AND kind = ? AND period_start = ? AND period_end = ?
		  AND status != 'disputed'
	`
	return scanSQLiteRecord(db.QueryRowContext(ctx, query,
		workspaceID.String(),
		string(kind),
		periodStart.UTC().Format(time.RFC3339Nano),
		periodEnd.UTC().Format(time.RFC3339Nano),
	))
}

// ListByWorkspace returns the workspace's billing history, newest first.
func (r *SQLiteRecordRepository) ListByWorkspace(ctx context.Context, workspaceID sharedDomain.WorkspaceID) ([]*domain.Record, error) {
	db := sharedPersistence.SQLiteDB(ctx, r.db)

	query := `
		SELECT ` + recordColumns + `
		FROM billing_records
		WHERE workspace_id = ?
		ORDER BY created_at DESC, id DESC
	`
	rows, err := db.QueryContext(ctx, query, workspaceID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list billing records: %w", err)
	}
	defer rows.Close()

	var records []*domain.Record
	for rows.Next() {
		record, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// UpdateStatus persists a status transition.
func (r *SQLiteRecordRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.Status) error {
	db := sharedPersistence.SQLiteDB(ctx, r.db)

	result, err := db.ExecContext(ctx, `UPDATE billing_records SET status = ? WHERE id = ?`, string(status), id.String())
	if err != nil {
		return fmt.Errorf("failed to update billing record status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*domain.Record, error) {
	var (
		record                 domain.Record
		id, wsID               string
		kind, currency, status string
		amount                 int64
		periodStart, periodEnd string
		createdAt              string
	)
	err := row.Scan(
		&id,
		&wsID,
		&kind,
		&amount,
		&currency,
		&periodStart,
		&periodEnd,
		&status,
		&createdAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to scan billing record: %w", err)
	}

	if record.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse record id: %w", err)
	}
	workspaceUUID, err := uuid.Parse(wsID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse workspace id: %w", err)
	}
	record.WorkspaceID = sharedDomain.NewWorkspaceID(workspaceUUID)
	record.Kind = domain.Kind(kind)
	record.Amount = sharedDomain.Money{Amount: amount, Currency: currency}
	record.Status = domain.Status(status)
	if record.PeriodStart, err = parseRecordTime(periodStart); err != nil {
		return nil, err
	}
	if record.PeriodEnd, err = parseRecordTime(periodEnd); err != nil {
		return nil, err
	}
	if record.CreatedAt, err = parseRecordTime(createdAt); err != nil {
		return nil, err
	}
	return &record, nil
}

func parseRecordTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
