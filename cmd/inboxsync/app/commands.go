// Package app provides the command line entry points of the inboxsync daemon.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sortmail/inboxsync/internal/config"
	"github.com/sortmail/inboxsync/internal/versions"
)

// NewRootCmd creates a new root command for inboxsync.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "inboxsync",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "SortMail sync and invalidation engine",
		Long: `inboxsync keeps a local view of a SortMail mailbox fresh. It drives the remote
sync job, listens to the push channel and invalidates cached reads as new data
becomes available.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return fmt.Errorf("failed to read format flag: %w", err)
			}

			if format == "json" {
				return writeJSON(cmd, info)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "inboxsync %s (commit %s, built %s, %s %s)\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
			return err
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	return cmd
}

// loadConfig reads the file named by the persistent --config flag
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to read config flag: %w", err)
	}
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	slog.Info("Loaded configuration",
		"path", configPath,
		"base_url", cfg.API.GetBaseURL(),
		"stream_source", cfg.Stream.GetSource(),
		"cache_mode", cfg.Cache.GetMode())
	return cfg, nil
}

// writeJSON prints v as indented JSON on the command's output
func writeJSON(cmd *cobra.Command, v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format output as JSON: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(output))
	return err
}
