package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tallyhq/tally/adapter/api"
	"github.com/tallyhq/tally/internal/app"
	"github.com/tallyhq/tally/pkg/config"
	"github.com/tallyhq/tally/pkg/observability"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tally",
		Short: "Tally - entitlement and billing engine",
		Long: `Tally prices bundle subscriptions, meters feature usage against
bundle limits, and settles platform revenue share fees.`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the billing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLoggerFromEnv(cfg.AppEnv, cfg.LogLevel)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize container: %w", err)
	}
	defer container.Close()

	if cfg.OutboxProcessorEnabled {
		if err := container.OutboxProcessor.Start(ctx); err != nil {
			return fmt.Errorf("start outbox processor: %w", err)
		}
	}

	handler := api.NewBillingHandler(api.BillingHandlerConfig{
		Catalog:            container.Catalog,
		Calculator:         container.Calculator,
		CreateSubscription: container.CreateSubscription,
		AddBundle:          container.AddBundle,
		RemoveBundle:       container.RemoveBundle,
		ChangeCycle:        container.ChangeCycle,
		Cancel:             container.Cancel,
		GetSubscription:    container.GetSubscription,
		Meter:              container.Meter,
		Gate:               container.Gate,
		Biller:             container.Biller,
		Records:            container.RecordRepo,
		TrialDays:          cfg.TrialDays,
		Metrics:            container.Metrics,
		Logger:             logger,
	})

	serverCfg := api.DefaultServerConfig()
	serverCfg.Addr = cfg.HTTPAddr
	server := api.NewServer(serverCfg, handler, container.Health, container.Metrics, container.MetricsRegistry, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
