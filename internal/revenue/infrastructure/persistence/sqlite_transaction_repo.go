package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhq/tally/internal/revenue/domain"
	shared "github.com/tallyhq/tally/internal/shared/domain"
	sharedPersistence "github.com/tallyhq/tally/internal/shared/infrastructure/persistence"
)

// SQLiteTransactionRepository implements domain.Repository using SQLite.
type SQLiteTransactionRepository struct {
	db *sql.DB
}

// NewSQLiteTransactionRepository creates a new SQLite transaction repository.
func NewSQLiteTransactionRepository(db *sql.DB) *SQLiteTransactionRepository {
	return &SQLiteTransactionRepository{db: db}
}

// Append stores a transaction; redelivery of the same ID is a no-op.
func (r *SQLiteTransactionRepository) Append(ctx context.Context, tx *domain.Transaction) error {
	db := sharedPersistence.SQLiteDB(ctx, r.db)

	query := `
		INSERT INTO revenue_transactions (id, workspace_id, source, amount, currency, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := db.ExecContext(ctx, query,
		tx.ID.String(),
		tx.WorkspaceID.String(),
		string(tx.Source),
		tx.Amount.Amount,
		tx.Amount.Currency,
		tx.OccurredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append revenue transaction: %w", err)
	}
	return nil
}

// SumByWindow aggregates per-source totals for [from, to).
func (r *SQLiteTransactionRepository) SumByWindow(ctx context.Context, workspaceID shared.WorkspaceID, from, to time.Time) ([]domain.SourceTotal, error) {
	db := sharedPersistence.SQLiteDB(ctx, r.db)

	query := `
		SELECT source, currency, SUM(amount)
		FROM revenue_transactions
		WHERE workspace_id = ? AND occurred_at >= ? AND occurred_at < ?
		GROUP BY source, currency
		ORDER BY source
	`
	rows, err := db.QueryContext(ctx, query,
		workspaceID.String(),
		from.UTC().Format(time.RFC3339Nano),
		to.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to sum revenue transactions: %w", err)
	}
	defer rows.Close()

	var totals []domain.SourceTotal
	for rows.Next() {
		var (
			source, currency string
			amount           int64
		)
		if err := rows.Scan(&source, &currency, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan revenue total: %w", err)
		}
		totals = append(totals, domain.SourceTotal{
			Source: domain.Source(source),
			Total:  shared.Money{Amount: amount, Currency: currency},
		})
	}
	return totals, rows.Err()
}

// ListByWindow returns the raw transactions for [from, to), oldest first.
func (r *SQLiteTransactionRepository) ListByWindow(ctx context.Context, workspaceID shared.WorkspaceID, from, to time.Time) ([]*domain.Transaction, error) {
	db := sharedPersistence.SQLiteDB(ctx, r.db)

	query := `
		SELECT id, workspace_id, source, amount, currency, occurred_at
		FROM revenue_transactions
		WHERE workspace_id = ? AND occurred_at >= ? AND occurred_at < ?
		ORDER BY occurred_at, id
	`
	rows, err := db.QueryContext(ctx, query,
		workspaceID.String(),
		from.UTC().Format(time.RFC3339Nano),
		to.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list revenue transactions: %w", err)
	}
	defer rows.Close()

	var txs []*domain.Transaction
	for rows.Next() {
		var (
			tx                         domain.Transaction
			id, wsID, source, currency string
			amount                     int64
			occurredAt                 string
		)
		if err := rows.Scan(&id, &wsID, &source, &amount, &currency, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan revenue transaction: %w", err)
		}
		if tx.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("failed to parse transaction id: %w", err)
		}
		workspaceUUID, err := uuid.Parse(wsID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse workspace id: %w", err)
		}
		tx.WorkspaceID = shared.NewWorkspaceID(workspaceUUID)
		tx.Source = domain.Source(source)
		tx.Amount = shared.Money{Amount: amount, Currency: currency}
		if tx.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp %q: %w", occurredAt, err)
		}
		tx.OccurredAt = tx.OccurredAt.UTC()
		txs = append(txs, &tx)
	}
	return txs, rows.Err()
}

// ListWorkspaces returns the workspaces with revenue in [from, to).
func (r *SQLiteTransactionRepository) ListWorkspaces(ctx context.Context, from, to time.Time) ([]shared.WorkspaceID, error) {
	db := sharedPersistence.SQLiteDB(ctx, r.db)

	query := `
		SELECT DISTINCT workspace_id
		FROM revenue_transactions
		WHERE occurred_at >= ? AND occurred_at < ?
	`
	rows, err := db.QueryContext(ctx, query,
		from.UTC().Format(time.RFC3339Nano),
		to.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list revenue workspaces: %w", err)
	}
	defer rows.Close()

	var out []shared.WorkspaceID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan workspace id: %w", err)
		}
		workspaceUUID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("failed to parse workspace id: %w", err)
		}
		out = append(out, shared.NewWorkspaceID(workspaceUUID))
	}
	return out, rows.Err()
}
