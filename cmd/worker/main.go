package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tallyhq/tally/internal/app"
	subscriptionApp "github.com/tallyhq/tally/internal/subscription/application"
	subscriptionDomain "github.com/tallyhq/tally/internal/subscription/domain"
	"github.com/tallyhq/tally/pkg/config"
	"github.com/tallyhq/tally/pkg/observability"
)

const sweepBatchSize = 200

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := observability.NewLoggerFromEnv(cfg.AppEnv, cfg.LogLevel)
	logger.Info("starting billing worker",
		"store_driver", cfg.StoreDriver,
		"outbox_poll_interval", cfg.OutboxPollInterval,
		"outbox_batch_size", cfg.OutboxBatchSize,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize container", "error", err)
		os.Exit(1)
	}
	defer container.Close()

	processor := container.OutboxProcessor
	if cfg.OutboxProcessorEnabled {
		if err := processor.Start(ctx); err != nil {
			logger.Error("failed to start outbox processor", "error", err)
			os.Exit(1)
		}
		logger.Info("outbox processor started")
	}

	// Periodic cleanup of published outbox entries past retention.
	cleanupTicker := time.NewTicker(cfg.OutboxCleanupInterval)
	defer cleanupTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				deleted, err := processor.Cleanup(ctx)
				if err != nil {
					logger.Error("outbox cleanup failed", "error", err)
					continue
				}
				if deleted > 0 {
					logger.Info("outbox cleanup completed", "deleted", deleted)
				}
			}
		}
	}()

	scheduler := cron.New()

	// Advance billing periods that have ended. Trial expiry, renewal
	// charges, and dunning transitions all run through this sweep.
	if _, err := scheduler.AddFunc("@hourly", func() {
		runCycleSweep(ctx, container)
	}); err != nil {
		logger.Error("failed to schedule cycle sweep", "error", err)
		os.Exit(1)
	}

	// Retry failed charges for past-due subscriptions every six hours.
	if _, err := scheduler.AddFunc("0 */6 * * *", func() {
		runDunningSweep(ctx, container)
	}); err != nil {
		logger.Error("failed to schedule dunning sweep", "error", err)
		os.Exit(1)
	}

	// Settle revenue share for the previous calendar month.
	if _, err := scheduler.AddFunc("0 2 1 * *", func() {
		runSettlementSweep(ctx, container)
	}); err != nil {
		logger.Error("failed to schedule settlement sweep", "error", err)
		os.Exit(1)
	}

	// Drop usage counters whose billing window has long ended.
	if _, err := scheduler.AddFunc("15 0 * * *", func() {
		runCounterPurge(ctx, container)
	}); err != nil {
		logger.Error("failed to schedule counter purge", "error", err)
		os.Exit(1)
	}

	scheduler.Start()
	defer scheduler.Stop()

	healthServer := startHealthServer(cfg, container, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server shutdown failed", "error", err)
	}

	logger.Info("billing worker stopped")
}

func runCycleSweep(ctx context.Context, c *app.Container) {
	now := time.Now().UTC()
	due, err := c.SubscriptionRepo.ListDue(ctx, now, sweepBatchSize)
	if err != nil {
		c.Logger.Error("cycle sweep: listing due subscriptions failed", "error", err)
		return
	}

	advanced := 0
	for _, ws := range due {
		result, err := c.AdvanceCycle.Handle(ctx, subscriptionApp.AdvanceCycleCommand{
			WorkspaceID: ws,
			Now:         now,
		})
		if err != nil {
			c.Logger.Error("cycle sweep: advance failed",
				"workspace_id", ws.String(),
				"error", err,
			)
			continue
		}
		if result.Advanced {
			advanced++
			if c.Metrics != nil {
				c.Metrics.CycleAdvancesTotal.WithLabelValues(string(result.Status)).Inc()
			}
		}
	}

	if len(due) > 0 {
		c.Logger.Info("cycle sweep completed", "due", len(due), "advanced", advanced)
	}
}

func runDunningSweep(ctx context.Context, c *app.Container) {
	pastDue, err := c.SubscriptionRepo.ListPastDue(ctx, sweepBatchSize)
	if err != nil {
		c.Logger.Error("dunning sweep: listing past-due subscriptions failed", "error", err)
		return
	}

	recovered := 0
	for _, ws := range pastDue {
		result, err := c.RetryCharge.Handle(ctx, subscriptionApp.RetryChargeCommand{WorkspaceID: ws})
		if err != nil {
			c.Logger.Error("dunning sweep: retry failed",
				"workspace_id", ws.String(),
				"error", err,
			)
			continue
		}
		if result.Attempted {
			if c.Metrics != nil {
				c.Metrics.DunningRetriesTotal.Inc()
			}
			if result.Status == subscriptionDomain.StatusActive {
				recovered++
			}
		}
	}

	if len(pastDue) > 0 {
		c.Logger.Info("dunning sweep completed", "past_due", len(pastDue), "recovered", recovered)
	}
}

func runSettlementSweep(ctx context.Context, c *app.Container) {
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	prevStart := monthStart.AddDate(0, -1, 0)

	settled, err := c.Biller.SettleWindow(ctx, prevStart, monthStart)
	if err != nil {
		c.Logger.Error("settlement sweep failed",
			"period_start", prevStart,
			"period_end", monthStart,
			"error", err,
		)
		return
	}
	c.Logger.Info("settlement sweep completed",
		"period_start", prevStart,
		"period_end", monthStart,
		"settled", settled,
	)
}

func runCounterPurge(ctx context.Context, c *app.Container) {
	// Keep counters for a trailing grace window so late entitlement
	// checks against the previous period still resolve.
	cutoff := time.Now().UTC().AddDate(0, -2, 0)
	purged, err := c.Meter.PurgeExpired(ctx, cutoff)
	if err != nil {
		c.Logger.Error("counter purge failed", "error", err)
		return
	}
	if purged > 0 {
		c.Logger.Info("counter purge completed", "purged", purged)
	}
}

func startHealthServer(cfg *config.Config, c *app.Container, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"status":            "healthy",
			"processor_running": c.OutboxProcessor.IsRunning(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, pingCancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer pingCancel()

		var err error
		switch {
		case c.Pool != nil:
			err = c.Pool.Ping(pingCtx)
		case c.SQLiteDB != nil:
			err = c.SQLiteDB.PingContext(pingCtx)
		}
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		_, _ = w.Write([]byte("ready"))
	})

	server := &http.Server{
		Addr:    cfg.WorkerHealthAddr,
		Handler: mux,
	}
	go func() {
		logger.Info("worker health server listening", "addr", cfg.WorkerHealthAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("worker health server failed", "error", err)
		}
	}()
	return server
}
