package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rapportapp/rapport/internal/config"
	"github.com/rapportapp/rapport/internal/remote/dynamo"
	"github.com/rapportapp/rapport/internal/remote/sqlite"
)

var remoteCmd = &cobra.Command{
	Use:     "remote",
	GroupID: "setup",
	Short:   "Prepare and maintain the configured remote",
}

var remoteInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the remote table or database if it does not exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		backend, err := openBackend(ctx, cfg, logger)
		if err != nil {
			return err
		}
		if backend == nil {
			return fmt.Errorf("no remote configured")
		}
		defer backend.Close()

		if b, ok := backend.(*dynamo.Backend); ok {
			if err := b.EnsureTable(ctx); err != nil {
				return err
			}
		}
		status, err := backend.AccountStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s remote ready (%s)\n", renderPass("✓"), cfg.Remote.Kind, status)
		return nil
	},
}

var remoteCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Reclaim unused space in a SQLite remote",
	Long: `Reclaim unused space in a SQLite remote.

Delete markers are kept so that every device, including one that fetches
everything again, learns about each deletion.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Remote.Path
		if cfg.Remote.Kind != config.RemoteSQLite {
			path = cfg.Server.DB
		}
		backend, err := sqlite.Open(cmd.Context(), path, sqlite.WithLogger(logger))
		if err != nil {
			return err
		}
		defer backend.Close()

		res, err := backend.Compact(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s Compacted %s: %d → %d bytes, %d delete marker(s) kept\n",
			renderPass("✓"), path, res.SizeBefore, res.SizeAfter, res.Tombstones)
		return nil
	},
}

func init() {
	remoteCmd.AddCommand(remoteInitCmd, remoteCompactCmd)
	rootCmd.AddCommand(remoteCmd)
}
