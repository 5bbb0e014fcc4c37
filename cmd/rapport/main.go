// Command rapport manages people, meetings and goals stored locally and
// synced through a remote change feed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/config"
	"github.com/rapportapp/rapport/internal/logging"
)

// Version is set at build time.
var Version = "dev"

var (
	cfgFile  string
	dataDir  string
	logLevel string
	noSync   bool

	cfg       *config.Config
	logger    = zap.NewNop()
	closeLogs = func() {}
)

var rootCmd = &cobra.Command{
	Use:           "rapport",
	Short:         "Keep track of the people you manage",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, closeLogs, err = logging.New(cfg.Log)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeLogs()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "backup", Title: "Backup:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.rapport/config.yaml)")
	pf.StringVar(&dataDir, "data-dir", "", "override the data directory")
	pf.StringVar(&logLevel, "log-level", "", "override the log level (debug, info, warn, error)")
	pf.BoolVar(&noSync, "no-sync", false, "do not push changes to the remote before exiting")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("Error:"), err)
		stop()
		os.Exit(1)
	}
}
