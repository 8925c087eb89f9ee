// Package main is the entry point for the CosmicFire server.
//
// The main package stays minimal: it parses flags, loads configuration,
// builds the logger and hands everything to internal/server. Subcommands:
//
//	cosmicfire serve      run the HTTP + WebSocket server (default)
//	cosmicfire sweep      run one presence sweep against the database and exit
//	cosmicfire hash-key   bcrypt a service key for SERVICE_KEY_HASH
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sakif/cosmicfire/internal/auth"
	"github.com/sakif/cosmicfire/internal/clock"
	"github.com/sakif/cosmicfire/internal/config"
	"github.com/sakif/cosmicfire/internal/presence"
	"github.com/sakif/cosmicfire/internal/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "cosmicfire",
		Short:         "CosmicFire real-time presence and chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("COSMICFIRE_CONFIG"), "path to a YAML config file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newHashKeyCommand())
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire silent sessions and purge stale profiles once",
		Long: `Run a single presence sweep against the configured database and print
the number of profiles marked offline and deleted. Useful from cron when the
server runs with a long sweep interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, err := server.OpenStore(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			sweeper := presence.NewSweeper(store, clock.Real{}, presence.SweepConfig{
				OfflineAfter: cfg.Presence.OfflineAfter.Duration,
				StaleAfter:   cfg.Presence.StaleAfter.Duration,
				Interval:     cfg.Presence.SweepInterval.Duration,
			}, logger, nil)
			res, err := sweeper.RunOnce(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func newHashKeyCommand() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-key <plaintext>",
		Short: "Print the bcrypt hash of a service key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashServiceKey(args[0], cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", auth.DefaultServiceKeyCost, "bcrypt cost")
	return cmd
}

func runServe(opts *rootOptions) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}
	cfg.LogSummary(logger)

	srv, err := server.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		return err
	}

	// Start blocks until SIGINT or SIGTERM.
	return srv.Start()
}

// loadConfig reads and validates configuration, then builds the logger at the
// configured level.
func loadConfig(opts *rootOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}
