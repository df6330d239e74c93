package payment

import (
	"context"
	"log/slog"
	"sync"

	shared "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/subscription/application"
)

// SimulatedProcessor approves every charge. It backs local single-binary
// deployments where no gateway is configured, and lets operators park
// individual workspaces on a decline list to exercise dunning.
type SimulatedProcessor struct {
	mu       sync.RWMutex
	declined map[string]bool
	logger   *slog.Logger
}

// NewSimulatedProcessor creates a processor that approves all charges.
func NewSimulatedProcessor(logger *slog.Logger) *SimulatedProcessor {
	return &SimulatedProcessor{
		declined: make(map[string]bool),
		logger:   logger,
	}
}

// Decline marks a workspace so its future charges are refused.
func (p *SimulatedProcessor) Decline(workspaceID shared.WorkspaceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.declined[workspaceID.String()] = true
}

// Restore clears a workspace from the decline list.
func (p *SimulatedProcessor) Restore(workspaceID shared.WorkspaceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.declined, workspaceID.String())
}

// Charge approves the charge unless the workspace is on the decline list.
func (p *SimulatedProcessor) Charge(ctx context.Context, workspaceID shared.WorkspaceID, amount shared.Money, reference string) error {
	p.mu.RLock()
	declined := p.declined[workspaceID.String()]
	p.mu.RUnlock()

	if declined {
		return application.ErrChargeDeclined
	}
	p.logger.Debug("simulated charge approved",
		slog.String("workspace_id", workspaceID.String()),
		slog.String("amount", amount.String()),
		slog.String("reference", reference),
	)
	return nil
}
