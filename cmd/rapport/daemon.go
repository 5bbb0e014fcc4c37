package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/backup"
	"github.com/rapportapp/rapport/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the local store in sync in the foreground",
	Long: `Run until interrupted, syncing on start, on every remote change
notification, periodically, and shortly after local changes.

When backup.mirror is set, a read-only JSON snapshot is rewritten there
after every change.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if metricsAddr == "" {
			metricsAddr = cfg.MetricsAddr
		}
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.requireRemote(); err != nil {
				return err
			}

			dcfg := daemon.DefaultConfig()
			dcfg.SyncInterval = a.cfg.Sync.Interval
			dcfg.Logger = a.logger
			if a.cfg.Backup.Mirror != "" {
				dcfg.Mirror = backup.NewMirror(a.store, a.cfg.Backup.Mirror, a.logger)
			}
			d, err := daemon.New(a.store, a.engine, a.sched, a.backend, dcfg)
			if err != nil {
				return err
			}

			if metricsAddr != "" {
				stop := serveMetrics(a, metricsAddr)
				defer stop()
			}

			fmt.Fprintf(os.Stderr, "%s syncing %s with %s remote (Ctrl+C to stop)\n",
				renderAccent("rapport daemon"), a.store.Dir(), a.cfg.Remote.Kind)
			return d.Start(cmd.Context())
		})
	},
}

// serveMetrics exposes the app's registry on addr until the returned
// function is called.
func serveMetrics(a *app, addr string) func() {
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func init() {
	daemonCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(daemonCmd)
}
