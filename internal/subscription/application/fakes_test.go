package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	ledgerDomain "github.com/tallyhq/tally/internal/ledger/domain"
	shared "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/shared/infrastructure/outbox"
	"github.com/tallyhq/tally/internal/subscription/domain"
)

// noopUnitOfWork satisfies the UnitOfWork contract without a transaction.
type noopUnitOfWork struct{}

func (noopUnitOfWork) Begin(ctx context.Context) (context.Context, error) { return ctx, nil }
func (noopUnitOfWork) Commit(ctx context.Context) error                   { return nil }
func (noopUnitOfWork) Rollback(ctx context.Context) error                 { return nil }

// memorySubRepo is an in-memory subscription repository with the same
// version-conditional save semantics as the real stores.
type memorySubRepo struct {
	mu   sync.Mutex
	subs map[string]*storedSub
}

type storedSub struct {
	sub     *domain.Subscription
	version int
}

func newMemorySubRepo() *memorySubRepo {
	return &memorySubRepo{subs: make(map[string]*storedSub)}
}

func (r *memorySubRepo) Create(ctx context.Context, sub *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sub.WorkspaceID().String()
	if _, ok := r.subs[key]; ok {
		return domain.ErrSubscriptionExists
	}
	r.subs[key] = &storedSub{sub: snapshot(sub), version: sub.Version()}
	return nil
}

func (r *memorySubRepo) Save(ctx context.Context, sub *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sub.WorkspaceID().String()
	stored, ok := r.subs[key]
	if !ok {
		return domain.ErrSubscriptionNotFound
	}
	if stored.version != sub.Version() {
		return domain.ErrConcurrentModification
	}
	sub.IncrementVersion()
	r.subs[key] = &storedSub{sub: snapshot(sub), version: sub.Version()}
	return nil
}

func (r *memorySubRepo) FindByWorkspace(ctx context.Context, workspaceID shared.WorkspaceID) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.subs[workspaceID.String()]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	return snapshot(stored.sub), nil
}

func (r *memorySubRepo) ListDue(ctx context.Context, before time.Time, limit int) ([]shared.WorkspaceID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []shared.WorkspaceID
	for _, stored := range r.subs {
		if stored.sub.Status() == domain.StatusCancelled {
			continue
		}
		if stored.sub.PeriodEnd().After(before) {
			continue
		}
		out = append(out, stored.sub.WorkspaceID())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *memorySubRepo) ListPastDue(ctx context.Context, limit int) ([]shared.WorkspaceID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []shared.WorkspaceID
	for _, stored := range r.subs {
		if stored.sub.Status() != domain.StatusPastDue {
			continue
		}
		out = append(out, stored.sub.WorkspaceID())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// snapshot deep-copies through rehydration, mirroring a storage round trip.
func snapshot(sub *domain.Subscription) *domain.Subscription {
	base := shared.RehydrateBaseEntity(sub.ID(), sub.CreatedAt(), sub.UpdatedAt())
	return domain.RehydrateSubscription(
		base,
		sub.Version(),
		sub.WorkspaceID(),
		sub.BundleIDs(),
		sub.PendingRemovals(),
		sub.Cycle(),
		sub.PendingCycle(),
		sub.Status(),
		sub.PeriodStart(),
		sub.PeriodEnd(),
		sub.FailedCharges(),
		sub.CancelledAt(),
	)
}

// memoryRecordRepo is an in-memory billing record store enforcing the
// per-period uniqueness invariant.
type memoryRecordRepo struct {
	mu      sync.Mutex
	records []*ledgerDomain.Record
}

func newMemoryRecordRepo() *memoryRecordRepo { return &memoryRecordRepo{} }

func periodKey(workspaceID shared.WorkspaceID, kind ledgerDomain.Kind, start, end time.Time) string {
	return fmt.Sprintf("%s|%s|%d|%d", workspaceID, kind, start.Unix(), end.Unix())
}

func (r *memoryRecordRepo) CreateOrGet(ctx context.Context, record *ledgerDomain.Record) (*ledgerDomain.Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := periodKey(record.WorkspaceID, record.Kind, record.PeriodStart, record.PeriodEnd)
	for _, existing := range r.records {
		if existing.Status != ledgerDomain.StatusDisputed &&
			periodKey(existing.WorkspaceID, existing.Kind, existing.PeriodStart, existing.PeriodEnd) == key {
			dup := *existing
			return &dup, false, nil
		}
	}
	dup := *record
	r.records = append(r.records, &dup)
	return record, true, nil
}

func (r *memoryRecordRepo) FindByID(ctx context.Context, id uuid.UUID) (*ledgerDomain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			dup := *rec
			return &dup, nil
		}
	}
	return nil, ledgerDomain.ErrRecordNotFound
}

func (r *memoryRecordRepo) FindByPeriod(ctx context.Context, workspaceID shared.WorkspaceID, kind ledgerDomain.Kind, start, end time.Time) (*ledgerDomain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := periodKey(workspaceID, kind, start, end)
	for _, rec := range r.records {
		if rec.Status != ledgerDomain.StatusDisputed &&
			periodKey(rec.WorkspaceID, rec.Kind, rec.PeriodStart, rec.PeriodEnd) == key {
			dup := *rec
			return &dup, nil
		}
	}
	return nil, ledgerDomain.ErrRecordNotFound
}

func (r *memoryRecordRepo) ListByWorkspace(ctx context.Context, workspaceID shared.WorkspaceID) ([]*ledgerDomain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ledgerDomain.Record, 0)
	for _, rec := range r.records {
		if rec.WorkspaceID == workspaceID {
			dup := *rec
			out = append(out, &dup)
		}
	}
	return out, nil
}

func (r *memoryRecordRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status ledgerDomain.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			rec.Status = status
			return nil
		}
	}
	return ledgerDomain.ErrRecordNotFound
}

// memoryOutbox collects staged messages.
type memoryOutbox struct {
	mu   sync.Mutex
	msgs []*outbox.Message
}

func (o *memoryOutbox) Save(ctx context.Context, msg *outbox.Message) error {
	return o.SaveBatch(ctx, []*outbox.Message{msg})
}

func (o *memoryOutbox) SaveBatch(ctx context.Context, msgs []*outbox.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msgs...)
	return nil
}

func (o *memoryOutbox) GetUnpublished(ctx context.Context, limit int) ([]*outbox.Message, error) {
	return nil, nil
}
func (o *memoryOutbox) MarkPublished(ctx context.Context, id int64) error { return nil }
func (o *memoryOutbox) MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	return nil
}
func (o *memoryOutbox) MarkDead(ctx context.Context, id int64, reason string) error { return nil }
func (o *memoryOutbox) DeleteOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

// scriptedProcessor returns canned charge outcomes in order, then succeeds.
type scriptedProcessor struct {
	mu       sync.Mutex
	outcomes []error
	calls    int
}

func (p *scriptedProcessor) Charge(ctx context.Context, workspaceID shared.WorkspaceID, amount shared.Money, reference string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.outcomes) == 0 {
		return nil
	}
	out := p.outcomes[0]
	p.outcomes = p.outcomes[1:]
	return out
}
