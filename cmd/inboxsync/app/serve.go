package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	inboxapp "github.com/sortmail/inboxsync/internal/app"
	"github.com/sortmail/inboxsync/internal/telemetry"
	"github.com/sortmail/inboxsync/internal/versions"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	telemetryFlushTimeout  = 5 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and the local read API",
		Long: `Mount the sync engine and serve the local read API until interrupted.

The configuration file (--config) specifies:
- The remote API base URL and credentials
- Poll interval, attempt ceiling and exhaustion policy
- The push channel source (SSE or Redis) and the cache mode`,
		RunE: runServe,
	}
	cmd.Flags().String("address", "", "Address to listen on (overrides server.address, default :8080)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	address, err := cmd.Flags().GetString("address")
	if err != nil {
		return fmt.Errorf("failed to read address flag: %w", err)
	}
	if address == "" {
		address = cfg.Server.Address
	}

	if cfg.Telemetry != nil && cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = versions.Version
	}
	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown telemetry", "error", err)
		}
	}()

	opts := []inboxapp.SyncAppOptions{
		inboxapp.WithConfig(cfg),
		inboxapp.WithTelemetry(tel),
	}
	if address != "" {
		opts = append(opts, inboxapp.WithAddress(address))
	}

	syncApp, err := inboxapp.NewSyncApp(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- syncApp.Start()
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var startErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case startErr = <-serverErr:
		if startErr != nil {
			slog.Error("Server stopped unexpectedly", "error", startErr)
		}
	}

	if err := syncApp.Stop(defaultGracefulTimeout); err != nil {
		slog.Error("Failed to stop application", "error", err)
		if startErr == nil {
			return err
		}
	}
	return startErr
}
