// Package application exposes the revenue-share billing service.
package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	ledgerDomain "github.com/tallyhq/tally/internal/ledger/domain"
	"github.com/tallyhq/tally/internal/revenue/domain"
	shared "github.com/tallyhq/tally/internal/shared/domain"
)

// Revenue-share terms: a percentage of the workspace's period revenue with
// a floor amount.
const (
	FeePercent    = 15
	FeeFloorCents = 9900
)

// Biller aggregates a workspace's revenue transactions and settles the
// percentage fee against the billing ledger. Idempotency rides entirely on
// the ledger's period-uniqueness invariant.
type Biller struct {
	transactions domain.Repository
	records      ledgerDomain.Repository
	logger       *slog.Logger
}

// NewBiller creates a revenue-share biller.
func NewBiller(transactions domain.Repository, records ledgerDomain.Repository, logger *slog.Logger) *Biller {
	return &Biller{
		transactions: transactions,
		records:      records,
		logger:       logger,
	}
}

// IngestTransaction records one revenue event reported by the outer system.
func (b *Biller) IngestTransaction(ctx context.Context, workspaceID shared.WorkspaceID, source domain.Source, amount shared.Money, occurredAt time.Time) (*domain.Transaction, error) {
	tx, err := domain.NewTransaction(workspaceID, source, amount, occurredAt)
	if err != nil {
		return nil, err
	}
	if err := b.transactions.Append(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// SettleResult reports the outcome of a settlement run.
type SettleResult struct {
	Record       *ledgerDomain.Record
	TotalRevenue shared.Money
	Fee          shared.Money
	Created      bool
}

// SettlePeriod computes the fee over [periodStart, periodEnd) and writes
// one revenue_share record for the period. Re-invocation returns the
// existing record. A workspace with no revenue in the window settles
// nothing.
func (b *Biller) SettlePeriod(ctx context.Context, workspaceID shared.WorkspaceID, periodStart, periodEnd time.Time) (*SettleResult, error) {
	totals, err := b.transactions.SumByWindow(ctx, workspaceID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	if len(totals) == 0 {
		return &SettleResult{TotalRevenue: shared.Zero("usd"), Fee: shared.Zero("usd")}, nil
	}

	total := shared.Zero("usd")
	for _, st := range totals {
		if total, err = total.Add(st.Total); err != nil {
			return nil, err
		}
	}
	fee := ComputeFee(total)

	record := ledgerDomain.NewRecord(workspaceID, ledgerDomain.KindRevenueShare, fee, periodStart, periodEnd)
	stored, created, err := b.records.CreateOrGet(ctx, record)
	if err != nil {
		return nil, err
	}
	if !created && !stored.Amount.Equals(fee) {
		return nil, fmt.Errorf("%w: period already settled at %s, recomputed %s",
			ledgerDomain.ErrBillingConflict, stored.Amount, fee)
	}

	if created {
		b.logger.Info("revenue share settled",
			slog.String("workspace_id", workspaceID.String()),
			slog.String("total_revenue", total.String()),
			slog.String("fee", fee.String()),
			slog.Time("period_start", periodStart),
		)
	}
	return &SettleResult{
		Record:       stored,
		TotalRevenue: total,
		Fee:          fee,
		Created:      created,
	}, nil
}

// SettleWindow settles every workspace with revenue in [periodStart,
// periodEnd). Failures are logged and skipped so one bad workspace cannot
// stall the sweep; the count of newly settled periods is returned.
func (b *Biller) SettleWindow(ctx context.Context, periodStart, periodEnd time.Time) (int, error) {
	workspaces, err := b.transactions.ListWorkspaces(ctx, periodStart, periodEnd)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, ws := range workspaces {
		result, err := b.SettlePeriod(ctx, ws, periodStart, periodEnd)
		if err != nil {
			b.logger.Error("settlement failed",
				slog.String("workspace_id", ws.String()),
				slog.Any("error", err),
			)
			continue
		}
		if result.Created {
			settled++
		}
	}
	return settled, nil
}

// Breakdown is the per-source revenue view for one window.
type Breakdown struct {
	WorkspaceID  string               `json:"workspace_id"`
	PeriodStart  time.Time            `json:"period_start"`
	PeriodEnd    time.Time            `json:"period_end"`
	Sources      []domain.SourceTotal `json:"sources"`
	TotalRevenue shared.Money         `json:"total_revenue"`
	Fee          shared.Money         `json:"fee"`
}

// GetBreakdown returns per-source subtotals for the window. The totals are
// computed from the same aggregation SettlePeriod uses, so the two always
// agree.
func (b *Biller) GetBreakdown(ctx context.Context, workspaceID shared.WorkspaceID, periodStart, periodEnd time.Time) (*Breakdown, error) {
	totals, err := b.transactions.SumByWindow(ctx, workspaceID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	total := shared.Zero("usd")
	for _, st := range totals {
		if total, err = total.Add(st.Total); err != nil {
			return nil, err
		}
	}

	breakdown := &Breakdown{
		WorkspaceID:  workspaceID.String(),
		PeriodStart:  periodStart,
		PeriodEnd:    periodEnd,
		Sources:      totals,
		TotalRevenue: total,
		Fee:          shared.Zero("usd"),
	}
	if len(totals) > 0 {
		breakdown.Fee = ComputeFee(total)
	}
	return breakdown, nil
}

// RecordOutcome applies the payment verdict the collaborator reported for a
// settled fee.
func (b *Biller) RecordOutcome(ctx context.Context, recordID uuid.UUID, paid bool) (*ledgerDomain.Record, error) {
	return b.transition(ctx, recordID, outcomeStatus(paid))
}

// MarkDisputed moves a paid record to disputed. The disputed row drops out
// of the period-uniqueness scope, so a corrected settlement can be issued
// while the original stays for audit.
func (b *Biller) MarkDisputed(ctx context.Context, recordID uuid.UUID) (*ledgerDomain.Record, error) {
	return b.transition(ctx, recordID, ledgerDomain.StatusDisputed)
}

func (b *Biller) transition(ctx context.Context, recordID uuid.UUID, to ledgerDomain.Status) (*ledgerDomain.Record, error) {
	record, err := b.records.FindByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if err := record.Transition(to); err != nil {
		return nil, err
	}
	if err := b.records.UpdateStatus(ctx, record.ID, record.Status); err != nil {
		return nil, err
	}
	return record, nil
}

func outcomeStatus(paid bool) ledgerDomain.Status {
	if paid {
		return ledgerDomain.StatusPaid
	}
	return ledgerDomain.StatusFailed
}

// ComputeFee applies the revenue-share terms to a period total.
func ComputeFee(total shared.Money) shared.Money {
	fee := total.MulPercent(FeePercent)
	floor := shared.Money{Amount: FeeFloorCents, Currency: total.Currency}
	return fee.Max(floor)
}
