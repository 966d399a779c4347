package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sortmail/inboxsync/internal/config"
	"github.com/sortmail/inboxsync/internal/remote"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the remote sync status",
		Long: `Fetch the remote sync status once and print it as JSON. Nothing is triggered
and no local state is changed.`,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	client, err := newRemoteClient(cfg)
	if err != nil {
		return err
	}

	remoteStatus, err := client.GetSyncStatus(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to fetch sync status: %w", err)
	}

	return writeJSON(cmd, remoteStatus)
}

// newRemoteClient builds an authenticated client from the configuration
func newRemoteClient(cfg *config.Config) (remote.Client, error) {
	token, err := cfg.Auth.GetToken()
	if err != nil {
		return nil, fmt.Errorf("failed to load API token: %w", err)
	}

	httpClient := remote.NewHTTPClient(
		remote.WithHTTPTimeout(cfg.API.GetTimeout()),
		remote.WithToken(token),
	)

	client, err := remote.NewClient(cfg.API.GetBaseURL(),
		remote.WithHTTPClient(httpClient),
		remote.WithPaths(remote.Paths{
			SyncStatus: cfg.API.Paths.SyncStatus,
			StartSync:  cfg.API.Paths.StartSync,
			Threads:    cfg.API.Paths.Threads,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote client: %w", err)
	}
	return client, nil
}
