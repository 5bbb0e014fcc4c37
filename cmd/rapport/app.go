package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/config"
	"github.com/rapportapp/rapport/internal/metrics"
	"github.com/rapportapp/rapport/internal/remote"
	"github.com/rapportapp/rapport/internal/remote/dynamo"
	"github.com/rapportapp/rapport/internal/remote/httpremote"
	"github.com/rapportapp/rapport/internal/remote/sqlite"
	"github.com/rapportapp/rapport/internal/scheduler"
	"github.com/rapportapp/rapport/internal/store"
	"github.com/rapportapp/rapport/internal/syncengine"
)

// flushTimeout bounds the push a command makes before exiting.
const flushTimeout = 30 * time.Second

// app is everything a command needs, wired together.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.Store
	backend  remote.Backend
	engine   *syncengine.Engine
	sched    *scheduler.Scheduler
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

// openApp opens the store and, when a remote is configured, the backend,
// engine and scheduler. Local mutations schedule a push through the
// scheduler; Close flushes it.
func openApp(ctx context.Context) (*app, error) {
	st, err := store.Open(cfg.DataDir, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := st.EnsureDefaultTemplates(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: st, registry: prometheus.NewRegistry()}
	a.metrics = metrics.New(a.registry)

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if backend == nil {
		return a, nil
	}

	a.backend = backend
	a.engine = syncengine.New(st, backend,
		syncengine.WithLogger(logger),
		syncengine.WithMetrics(a.metrics),
		syncengine.WithRequestTimeout(cfg.Sync.RequestTimeout),
		syncengine.WithPushBatchSize(cfg.Sync.PushBatchSize),
		syncengine.WithPageSize(cfg.Sync.PageSize),
		syncengine.WithBreaker(syncengine.BreakerSettings{
			MaxFailures: cfg.Sync.BreakerFailures,
			Timeout:     cfg.Sync.BreakerTimeout,
		}),
	)
	a.sched = scheduler.New(a.engine.Sync, cfg.Sync.DebounceWindow, logger, scheduler.WithMetrics(a.metrics))
	st.SetPushRequester(a.sched)
	return a, nil
}

// requireRemote returns an error when no remote is configured.
func (a *app) requireRemote() error {
	if a.engine == nil {
		return errors.New("no remote configured; set remote.kind in the config file")
	}
	return nil
}

// Close pushes any waiting changes and releases everything.
func (a *app) Close() error {
	var errs []error
	if a.sched != nil {
		if !noSync && a.sched.Pending() {
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			if err := a.sched.Flush(ctx); err != nil {
				a.logger.Warn("push before exit failed", zap.Error(err))
			} else if st := a.engine.Status(); st.Phase == syncengine.PhaseIdle && st.Account != remote.StatusAvailable {
				a.logger.Info("changes kept locally", zap.String("reason", st.Message))
			}
			cancel()
		}
		a.sched.Stop()
	}
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (remote.Backend, error) {
	switch cfg.Remote.Kind {
	case config.RemoteNone, "":
		return nil, nil
	case config.RemoteSQLite:
		return sqlite.Open(ctx, cfg.Remote.Path, sqlite.WithLogger(logger))
	case config.RemoteHTTP:
		return httpremote.NewClient(cfg.Remote.URL,
			httpremote.WithToken(cfg.Remote.Token),
			httpremote.WithClientLogger(logger))
	case config.RemoteDynamo:
		return dynamo.New(ctx, dynamo.Config{
			Table:        cfg.Remote.Table,
			Region:       cfg.Remote.Region,
			Endpoint:     cfg.Remote.Endpoint,
			PollInterval: cfg.Remote.PollInterval,
			SettleWindow: cfg.Remote.SettleWindow,
			Logger:       logger,
		})
	default:
		return nil, fmt.Errorf("unknown remote kind %q", cfg.Remote.Kind)
	}
}

// withApp opens the app, runs fn and closes the app.
func withApp(ctx context.Context, fn func(a *app) error) (err error) {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
