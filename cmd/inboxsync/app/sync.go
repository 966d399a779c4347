package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	inboxapp "github.com/sortmail/inboxsync/internal/app"
	"github.com/sortmail/inboxsync/internal/status"
)

const defaultSyncTimeout = 2 * time.Minute

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and print the result",
		Long: `Mount the sync engine once, wait for the activation to settle and print the
final snapshot as JSON. The command fails if the cycle settles in error.`,
		RunE: runSync,
	}
	cmd.Flags().Duration("timeout", defaultSyncTimeout, "Maximum time to wait for the cycle to settle")
	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return fmt.Errorf("failed to read timeout flag: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	// A one-shot run only needs the engine; the push channel is of no use here
	cfg.Stream.Disabled = true

	syncApp, err := inboxapp.NewSyncApp(ctx, inboxapp.WithConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}
	defer func() {
		if err := syncApp.Stop(defaultGracefulTimeout); err != nil {
			slog.Warn("Failed to stop application", "error", err)
		}
	}()

	eng := syncApp.GetComponents().Engine
	updates, stop := eng.Watch()
	defer stop()

	eng.Activate(ctx)

	snap, err := waitSettled(ctx, updates)
	if err != nil {
		return err
	}

	if err := writeJSON(cmd, snap); err != nil {
		return err
	}
	if snap.State == status.SyncStateError {
		return fmt.Errorf("sync failed: %s", snap.Message)
	}
	return nil
}

// waitSettled returns the first settled snapshot seen on updates
func waitSettled(ctx context.Context, updates <-chan status.Snapshot) (status.Snapshot, error) {
	for {
		select {
		case <-ctx.Done():
			return status.Snapshot{}, fmt.Errorf("sync did not settle: %w", ctx.Err())
		case snap, ok := <-updates:
			if !ok {
				return status.Snapshot{}, fmt.Errorf("engine stopped before the sync settled")
			}
			if snap.Settled() {
				return snap, nil
			}
		}
	}
}
