// Package payment implements the payment processor port against an external
// card gateway.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	shared "github.com/tallyhq/tally/internal/shared/domain"
	"github.com/tallyhq/tally/internal/subscription/application"
)

// GatewayClient charges workspaces through an HTTP card gateway. Calls run
// through a circuit breaker so a flapping gateway fails fast instead of
// tying up billing workers; breaker rejections surface as transport faults,
// never as declines.
type GatewayClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[struct{}]
	logger     *slog.Logger
}

// NewGatewayClient creates a gateway client for the given base URL.
func NewGatewayClient(baseURL string, logger *slog.Logger) *GatewayClient {
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "payment-gateway",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A decline is the gateway answering; only transport faults
			// count against the breaker.
			return err == nil || errors.Is(err, application.ErrChargeDeclined)
		},
	})
	return &GatewayClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    breaker,
		logger:     logger,
	}
}

type chargeRequest struct {
	WorkspaceID string `json:"workspace_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
}

// Charge collects the amount for a workspace. The reference is the billing
// record ID, which the gateway uses for its own idempotency.
func (c *GatewayClient) Charge(ctx context.Context, workspaceID shared.WorkspaceID, amount shared.Money, reference string) error {
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.doCharge(ctx, workspaceID, amount, reference)
	})
	if err != nil {
		c.logger.Warn("charge attempt failed",
			slog.String("workspace_id", workspaceID.String()),
			slog.String("reference", reference),
			slog.String("error", err.Error()),
		)
	}
	return err
}

func (c *GatewayClient) doCharge(ctx context.Context, workspaceID shared.WorkspaceID, amount shared.Money, reference string) error {
	body, err := json.Marshal(chargeRequest{
		WorkspaceID: workspaceID.String(),
		AmountCents: amount.Amount,
		Currency:    amount.Currency,
		Reference:   reference,
	})
	if err != nil {
		return fmt.Errorf("failed to encode charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build charge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", reference)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("charge request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
		return application.ErrChargeDeclined
	default:
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
}
