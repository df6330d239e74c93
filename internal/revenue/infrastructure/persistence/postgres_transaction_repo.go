// Package persistence implements append-only revenue transaction storage.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tallyhq/tally/internal/revenue/domain"
	shared "github.com/tallyhq/tally/internal/shared/domain"
	sharedPersistence "github.com/tallyhq/tally/internal/shared/infrastructure/persistence"
)

// PostgresTransactionRepository implements domain.Repository using PostgreSQL.
type PostgresTransactionRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresTransactionRepository creates a new PostgreSQL transaction repository.
func NewPostgresTransactionRepository(pool *pgxpool.Pool) *PostgresTransactionRepository {
	return &PostgresTransactionRepository{pool: pool}
}

// Append stores a transaction; redelivery of the same ID is a no-op.
func (r *PostgresTransactionRepository) Append(ctx context.Context, tx *domain.Transaction) error {
	db := sharedPersistence.Executor(ctx, r.pool)

	query := `
		INSERT INTO revenue_transactions (id, workspace_id, source, amount, currency, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := db.Exec(ctx, query,
		tx.ID,
		tx.WorkspaceID.UUID(),
		string(tx.Source),
		tx.Amount.Amount,
		tx.Amount.Currency,
		tx.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append revenue transaction: %w", err)
	}
	return nil
}

// SumByWindow aggregates per-source totals for [from, to).
func (r *PostgresTransactionRepository) SumByWindow(ctx context.Context, workspaceID shared.WorkspaceID, from, to time.Time) ([]domain.SourceTotal, error) {
	db := sharedPersistence.Executor(ctx, r.pool)

	query := `
		SELECT source, currency, SUM(amount)
		FROM revenue_transactions
		WHERE workspace_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		GROUP BY source, currency
		ORDER BY source
	`
	rows, err := db.Query(ctx, query, workspaceID.UUID(), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to sum revenue transactions: %w", err)
	}
	defer rows.Close()

	var totals []domain.SourceTotal
	for rows.Next() {
		var (
			source   string
			currency string
			amount   int64
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
func (r *PostgresTransactionRepository) ListByWindow(ctx context.Context, workspaceID shared.WorkspaceID, from, to time.Time) ([]*domain.Transaction, error) {
	db := sharedPersistence.Executor(ctx, r.pool)

	query := `
		SELECT id, workspace_id, source, amount, currency, occurred_at
		FROM revenue_transactions
		WHERE workspace_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at, id
	`
	rows, err := db.Query(ctx, query, workspaceID.UUID(), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list revenue transactions: %w", err)
	}
	defer rows.Close()

	var txs []*domain.Transaction
	for rows.Next() {
		var (
			tx       domain.Transaction
			wsID     uuid.UUID
			source   string
			amount   int64
			currency string
		)
		if err := rows.Scan(&tx.ID, &wsID, &source, &amount, &currency, &tx.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan revenue transaction: %w", err)
		}
		tx.WorkspaceID = shared.NewWorkspaceID(wsID)
		tx.Source = domain.Source(source)
		tx.Amount = shared.Money{Amount: amount, Currency: currency}
		txs = append(txs, &tx)
	}
	return txs, rows.Err()
}

// ListWorkspaces returns the workspaces with revenue in [from, to).
func (r *PostgresTransactionRepository) ListWorkspaces(ctx context.Context, from, to time.Time) ([]shared.WorkspaceID, error) {
	db := sharedPersistence.Executor(ctx, r.pool)

	query := `
		SELECT DISTINCT workspace_id
		FROM revenue_transactions
		WHERE occurred_at >= $1 AND occurred_at < $2
	`
	rows, err := db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list revenue workspaces: %w", err)
	}
	defer rows.Close()

	var out []shared.WorkspaceID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan workspace id: %w", err)
		}
		out = append(out, shared.NewWorkspaceID(id))
	}
	return out, rows.Err()
}
