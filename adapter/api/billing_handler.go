package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhq/tally/internal/catalog"
	entitlementApp "github.com/tallyhq/tally/internal/entitlement/application"
	ledgerDomain "github.com/tallyhq/tally/internal/ledger/domain"
	"github.com/tallyhq/tally/internal/pricing"
	revenueApp "github.com/tallyhq/tally/internal/revenue/application"
	revenueDomain "github.com/tallyhq/tally/internal/revenue/domain"
	shared "github.com/tallyhq/tally/internal/shared/domain"
	subscriptionApp "github.com/tallyhq/tally/internal/subscription/application"
	subscriptionDomain "github.com/tallyhq/tally/internal/subscription/domain"
	usageApp "github.com/tallyhq/tally/internal/usage/application"
	usageDomain "github.com/tallyhq/tally/internal/usage/domain"
	"github.com/tallyhq/tally/pkg/observability"
)

// BillingHandler handles billing engine API requests.
type BillingHandler struct {
	catalog    *catalog.Catalog
	calculator *pricing.Calculator

	createSubscription *subscriptionApp.CreateSubscriptionHandler
	addBundle          *subscriptionApp.AddBundleHandler
	removeBundle       *subscriptionApp.RemoveBundleHandler
	changeCycle        *subscriptionApp.ChangeCycleHandler
	cancel             *subscriptionApp.CancelHandler
	getSubscription    *subscriptionApp.GetSubscriptionHandler

	meter   *usageApp.Meter
	gate    *entitlementApp.Gate
	biller  *revenueApp.Biller
	records ledgerDomain.Repository

	trialDays int
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// BillingHandlerConfig holds dependencies for the billing handler.
type BillingHandlerConfig struct {
	Catalog    *catalog.Catalog
	Calculator *pricing.Calculator

	CreateSubscription *subscriptionApp.CreateSubscriptionHandler
	AddBundle          *subscriptionApp.AddBundleHandler
	RemoveBundle       *subscriptionApp.RemoveBundleHandler
	ChangeCycle        *subscriptionApp.ChangeCycleHandler
	Cancel             *subscriptionApp.CancelHandler
	GetSubscription    *subscriptionApp.GetSubscriptionHandler

	Meter   *usageApp.Meter
	Gate    *entitlementApp.Gate
	Biller  *revenueApp.Biller
	Records ledgerDomain.Repository

	TrialDays int
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// NewBillingHandler creates a new billing handler.
func NewBillingHandler(cfg BillingHandlerConfig) *BillingHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &BillingHandler{
		catalog:            cfg.Catalog,
		calculator:         cfg.Calculator,
		createSubscription: cfg.CreateSubscription,
		addBundle:          cfg.AddBundle,
		removeBundle:       cfg.RemoveBundle,
		changeCycle:        cfg.ChangeCycle,
		cancel:             cfg.Cancel,
		getSubscription:    cfg.GetSubscription,
		meter:              cfg.Meter,
		gate:               cfg.Gate,
		biller:             cfg.Biller,
		records:            cfg.Records,
		trialDays:          cfg.TrialDays,
		metrics:            cfg.Metrics,
		logger:             cfg.Logger,
	}
}

// bundleView is the public shape of a catalog bundle.
type bundleView struct {
	ID           string           `json:"id"`
	DisplayName  string           `json:"display_name"`
	Version      int              `json:"version"`
	MonthlyPrice shared.Money     `json:"monthly_price"`
	YearlyPrice  shared.Money     `json:"yearly_price"`
	Features     []string         `json:"features"`
	UsageLimits  map[string]int64 `json:"usage_limits,omitempty"`
}

// ListBundles handles GET /v1/bundles
func (h *BillingHandler) ListBundles(w http.ResponseWriter, r *http.Request) {
	bundles := h.catalog.All()
	views := make([]bundleView, 0, len(bundles))
	for _, b := range bundles {
		views = append(views, bundleView{
			ID:           b.ID,
			DisplayName:  b.DisplayName,
			Version:      b.Version,
			MonthlyPrice: b.MonthlyPrice,
			YearlyPrice:  b.YearlyPrice,
			Features:     b.FeatureSet,
			UsageLimits:  b.UsageLimits,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"bundles": views})
}

type priceQuoteRequest struct {
	BundleIDs []string `json:"bundle_ids"`
	Cycle     string   `json:"cycle"`
}

// PriceQuote handles POST /v1/price-quote
func (h *BillingHandler) PriceQuote(w http.ResponseWriter, r *http.Request) {
	var req priceQuoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	quote, err := h.calculator.Quote(req.BundleIDs, catalog.Cycle(req.Cycle))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type createSubscriptionRequest struct {
	WorkspaceID string `json:"workspace_id"`
	TrialDays   *int   `json:"trial_days,omitempty"`
}

// CreateSubscription handles POST /v1/subscriptions
func (h *BillingHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	workspaceID, err := shared.ParseWorkspaceID(req.WorkspaceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workspace_id")
		return
	}

	trialDays := h.trialDays
	if req.TrialDays != nil {
		trialDays = *req.TrialDays
	}

	result, err := h.createSubscription.Handle(r.Context(), subscriptionApp.CreateSubscriptionCommand{
		WorkspaceID: workspaceID,
		TrialDays:   trialDays,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"subscription_id": result.SubscriptionID,
		"period_start":    result.PeriodStart,
		"period_end":      result.PeriodEnd,
	})
}

// subscriptionView is the public shape of a subscription.
type subscriptionView struct {
	WorkspaceID     string     `json:"workspace_id"`
	Status          string     `json:"status"`
	BundleIDs       []string   `json:"bundle_ids"`
	PendingRemovals []string   `json:"pending_removals,omitempty"`
	Cycle           string     `json:"cycle"`
	PendingCycle    *string    `json:"pending_cycle,omitempty"`
	PeriodStart     time.Time  `json:"period_start"`
	PeriodEnd       time.Time  `json:"period_end"`
	FailedCharges   int        `json:"failed_charges"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
}

func subscriptionViewOf(sub *subscriptionDomain.Subscription) subscriptionView {
	view := subscriptionView{
		WorkspaceID:     sub.WorkspaceID().String(),
		Status:          string(sub.Status()),
		BundleIDs:       sub.BundleIDs(),
		PendingRemovals: sub.PendingRemovals(),
		Cycle:           string(sub.Cycle()),
		PeriodStart:     sub.PeriodStart(),
		PeriodEnd:       sub.PeriodEnd(),
		FailedCharges:   sub.FailedCharges(),
		CancelledAt:     sub.CancelledAt(),
	}
	if pending := sub.PendingCycle(); pending != nil {
		cycle := string(*pending)
		view.PendingCycle = &cycle
	}
	return view
}

// GetSubscription handles GET /v1/subscriptions/{workspace}
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.workspaceFromPath(w, r)
	if !ok {
		return
	}
	sub, err := h.getSubscription.Handle(r.Context(), workspaceID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionViewOf(sub))
}

type addBundleRequest struct {
	BundleID string `json:"bundle_id"`
	Cycle    string `json:"cycle"`
}

// AddBundle handles POST /v1/subscriptions/{workspace}/bundles
func (h *BillingHandler) AddBundle(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.workspaceFromPath(w, r)
	if !ok {
		return
	}
	var req addBundleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.addBundle.Handle(r.Context(), subscriptionApp.AddBundleCommand{
		WorkspaceID: workspaceID,
		BundleID:    req.BundleID,
		Cycle:       catalog.Cycle(req.Cycle),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"quote":           result.Quote,
		"prorated_charge": result.ProratedCharge,
	})
}

// RemoveBundle handles DELETE /v1/subscriptions/{workspace}/bundles/{bundle}
func (h *BillingHandler) RemoveBundle(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.workspaceFromPath(w, r)
	if !ok {
		return
	}
	err := h.removeBundle.Handle(r.Context(), subscriptionApp.RemoveBundleCommand{
		WorkspaceID: workspaceID,
		BundleID:    r.PathValue("bundle"),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "removal scheduled"})
}

type changeCycleRequest struct {
	Cycle string `json:"cycle"`
}

// ChangeCycle handles POST /v1/subscriptions/{workspace}/cycle
func (h *BillingHandler) ChangeCycle(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.workspaceFromPath(w, r)
	if !ok {
		return
	}
	var req changeCycleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.changeCycle.Handle(r.Context(), subscriptionApp.ChangeCycleCommand{
		WorkspaceID: workspaceID,
		NewCycle:    catalog.Cycle(req.Cycle),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"next_period_quote": result.NextPeriodQuote})
}

// Cancel handles POST /v1/subscriptions/{workspace}/cancel
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.workspaceFromPath(w, r)
	if !ok {
		return
	}
	if err := h.cancel.Handle(r.Context(), subscriptionApp.CancelCommand{WorkspaceID: workspaceID}); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ListUsage handles GET /v1/usage/{workspace}
func (h *BillingHandler) ListUsage(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.workspaceFromPath(w, r)
	if !ok {
		return
	}
	snapshots, err := h.meter.ListUsage(r.Context(), workspaceID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": snapshots})
}

// GetUsage handles GET /v1/usage/{workspace}/{feature}
func (h *BillingHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.workspaceFromPath(w, r)
	if !ok {
		return
	}
	snapshot, err := h.meter.GetUsage(r.Context(), workspaceID, r.PathValue("feature"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type incrementUsageRequest struct {
	N int64 `json:"n"`
}

// IncrementUsage handles POST /v1/usage/{workspace}/{feature}
func (h *BillingHandler) IncrementUsage(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.workspaceFromPath(w, r)
	if !ok {
		return
	}
	feature := r.PathValue("feature")

	req := incrementUsageRequest{N: 1}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	snapshot, err := h.meter.CheckAndIncrement(r.Context(), workspaceID, feature, req.N)
	if err != nil {
		if errors.Is(err, usageDomain.ErrOverLimit) && h.metrics != nil {
			h.metrics.UsageRejectionsTotal.WithLabelValues(feature).Inc()
		}
		h.writeDomainError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.UsageIncrementsTotal.WithLabelValues(feature).Inc()
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// CheckEntitlement handles GET /v1/entitlement/{workspace}/{feature}
func (h *BillingHandler) CheckEntitlement(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.workspaceFromPath(w, r)
	if !ok {
		return
	}
	decision, err := h.gate.IsAllowed(r.Context(), workspaceID, r.PathValue("feature"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.EntitlementChecksTotal.WithLabelValues(string(decision.Reason)).Inc()
	}
	writeJSON(w, http.StatusOK, decision)
}

// BillingHistory handles GET /v1/billing/{workspace}
func (h *BillingHandler) BillingHistory(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.workspaceFromPath(w, r)
	if !ok {
		return
	}
	records, err := h.records.ListByWorkspace(r.Context(), workspaceID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

type ingestRevenueRequest struct {
	WorkspaceID string    `json:"workspace_id"`
	Source      string    `json:"source"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// IngestRevenue handles POST /v1/revenue
func (h *BillingHandler) IngestRevenue(w http.ResponseWriter, r *http.Request) {
	var req ingestRevenueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	workspaceID, err := shared.ParseWorkspaceID(req.WorkspaceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workspace_id")
		return
	}
	if req.Currency == "" {
		req.Currency = "usd"
	}
	if req.OccurredAt.IsZero() {
		req.OccurredAt = time.Now().UTC()
	}

	tx, err := h.biller.IngestTransaction(
		r.Context(),
		workspaceID,
		revenueDomain.Source(req.Source),
		shared.Money{Amount: req.AmountCents, Currency: req.Currency},
		req.OccurredAt,
	)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RevenueTransactionsTotal.WithLabelValues(req.Source).Inc()
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction_id": tx.ID})
}

type settleRequest struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// SettleRevenueShare handles POST /v1/revenue-share/{workspace}/settle
func (h *BillingHandler) SettleRevenueShare(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.workspaceFromPath(w, r)
	if !ok {
		return
	}
	var req settleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.PeriodStart.Before(req.PeriodEnd) {
		writeError(w, http.StatusBadRequest, "period_start must precede period_end")
		return
	}

	result, err := h.biller.SettlePeriod(r.Context(), workspaceID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if result.Record == nil {
		writeJSON(w, http.StatusOK, map[string]any{"settled": false})
		return
	}
	if h.metrics != nil && result.Created {
		h.metrics.SettlementsTotal.WithLabelValues("settled").Inc()
		h.metrics.SettlementFeeCents.Add(float64(result.Fee.Amount))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settled":       true,
		"created":       result.Created,
		"record":        result.Record,
		"total_revenue": result.TotalRevenue,
		"fee":           result.Fee,
	})
}

// RevenueBreakdown handles GET /v1/revenue-share/{workspace}/breakdown
func (h *BillingHandler) RevenueBreakdown(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := h.workspaceFromPath(w, r)
	if !ok {
		return
	}
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "query parameter 'from' must be RFC3339")
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "query parameter 'to' must be RFC3339")
		return
	}

	breakdown, err := h.biller.GetBreakdown(r.Context(), workspaceID, from, to)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

// DisputeRecord handles POST /v1/revenue-share/records/{record}/dispute
func (h *BillingHandler) DisputeRecord(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(r.PathValue("record"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}
	record, err := h.biller.MarkDisputed(r.Context(), recordID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *BillingHandler) workspaceFromPath(w http.ResponseWriter, r *http.Request) (shared.WorkspaceID, bool) {
	workspaceID, err := shared.ParseWorkspaceID(r.PathValue("workspace"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workspace id")
		return shared.WorkspaceID{}, false
	}
	return workspaceID, true
}

// writeDomainError maps domain errors onto HTTP statuses.
func (h *BillingHandler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, subscriptionDomain.ErrSubscriptionNotFound),
		errors.Is(err, ledgerDomain.ErrRecordNotFound),
		errors.Is(err, usageDomain.ErrCounterNotFound):
		writeError(w, http.StatusNotFound, err.Error())

	case errors.Is(err, subscriptionDomain.ErrSubscriptionExists),
		errors.Is(err, subscriptionDomain.ErrBundleAlreadyActive),
		errors.Is(err, subscriptionDomain.ErrLastBundle),
		errors.Is(err, subscriptionDomain.ErrCancelled),
		errors.Is(err, usageDomain.ErrOverLimit),
		errors.Is(err, ledgerDomain.ErrBillingConflict),
		errors.Is(err, ledgerDomain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())

	case errors.Is(err, catalog.ErrUnknownBundle),
		errors.Is(err, catalog.ErrInvalidCycle),
		errors.Is(err, pricing.ErrInvalidBundleSet),
		errors.Is(err, subscriptionDomain.ErrBundleNotActive),
		errors.Is(err, subscriptionDomain.ErrCycleMismatch),
		errors.Is(err, usageDomain.ErrFeatureNotMetred),
		errors.Is(err, usageDomain.ErrInvalidIncrement),
		errors.Is(err, revenueDomain.ErrInvalidSource),
		errors.Is(err, revenueDomain.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())

	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
