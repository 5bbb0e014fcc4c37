package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/remote/httpremote"
	"github.com/rapportapp/rapport/internal/remote/sqlite"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "setup",
	Short:   "Serve a SQLite change feed over HTTP for other devices",
	Long: `Serve a change feed backed by a SQLite database so that other
devices can use it with remote.kind: http.

Clients authenticate with the bearer token from server.token when it is
set. Remote change notifications are pushed over a WebSocket.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if flags.Changed("addr") {
			cfg.Server.Addr, _ = flags.GetString("addr")
		}
		if flags.Changed("db") {
			cfg.Server.DB, _ = flags.GetString("db")
		}

		backend, err := sqlite.Open(cmd.Context(), cfg.Server.DB, sqlite.WithLogger(logger))
		if err != nil {
			return err
		}
		defer backend.Close()

		if cfg.Server.Token == "" {
			logger.Warn("serving without authentication; set server.token to require a bearer token")
		}
		srv := httpremote.NewServer(backend, httpremote.ServerConfig{
			Addr:   cfg.Server.Addr,
			Token:  cfg.Server.Token,
			Logger: logger,
		})
		fmt.Fprintf(os.Stderr, "%s serving %s on %s\n", renderAccent("rapport"), cfg.Server.DB, cfg.Server.Addr)
		logger.Info("change feed server starting", zap.String("addr", cfg.Server.Addr), zap.String("db", cfg.Server.DB))
		return srv.ListenAndServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default from server.addr)")
	serveCmd.Flags().String("db", "", "SQLite database path (default from server.db)")
	rootCmd.AddCommand(serveCmd)
}
