// Package daemon keeps a store in sync with its remote for as long as the
// process runs.
//
// The daemon:
// 1. Runs an initial sync cycle
// 2. Syncs on a fixed interval
// 3. Syncs whenever the remote signals a change
// 4. Routes local mutations through the debounced push scheduler
// 5. Keeps the read-only mirror file current, when configured
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rapportapp/rapport/internal/backup"
	"github.com/rapportapp/rapport/internal/remote"
	"github.com/rapportapp/rapport/internal/scheduler"
	"github.com/rapportapp/rapport/internal/store"
	"github.com/rapportapp/rapport/internal/syncengine"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often a full cycle runs regardless of signals.
	SyncInterval time.Duration

	// ResubscribeDelay is how long to wait before reopening a remote
	// subscription that failed or closed.
	ResubscribeDelay time.Duration

	// ShutdownTimeout bounds the final flush of a waiting push.
	ShutdownTimeout time.Duration

	// Mirror, when set, is rewritten after every store change.
	Mirror *backup.Mirror

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Minute,
		ResubscribeDelay: 10 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		Logger:           zap.NewNop(),
	}
}

// Daemon orchestrates periodic, signalled and debounced sync.
type Daemon struct {
	store   *store.Store
	engine  *syncengine.Engine
	sched   *scheduler.Scheduler
	backend remote.Backend
	config  *Config
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a daemon. Use Start to run it.
func New(st *store.Store, engine *syncengine.Engine, sched *scheduler.Scheduler, backend remote.Backend, config *Config) (*Daemon, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if sched == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if config.ResubscribeDelay <= 0 {
		config.ResubscribeDelay = def.ResubscribeDelay
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	return &Daemon{
		store:   st,
		engine:  engine,
		sched:   sched,
		backend: backend,
		config:  config,
		logger:  config.Logger.Named("daemon"),
	}, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()
	defer close(done)
	defer cancel()

	d.logger.Info("starting daemon", zap.Duration("interval", d.config.SyncInterval))
	d.store.SetPushRequester(d.sched)
	defer d.store.SetPushRequester(nil)

	d.sync(ctx, "startup")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.runTicker(gctx) })
	g.Go(func() error { return d.runSubscription(gctx) })
	if d.config.Mirror != nil {
		g.Go(func() error { return d.config.Mirror.Run(gctx) })
	}
	err := g.Wait()

	d.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop shuts the daemon down and waits for Start to return.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// shutdown stops the scheduler and pushes anything still waiting.
func (d *Daemon) shutdown() {
	d.logger.Info("stopping daemon")
	pending := d.sched.Pending()
	d.sched.Stop()
	if pending {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.ShutdownTimeout)
		defer cancel()
		if err := d.engine.Sync(ctx); err != nil {
			d.logger.Warn("final push failed", zap.Error(err))
		}
	}
	d.logger.Info("daemon stopped")
}

func (d *Daemon) sync(ctx context.Context, reason string) {
	err := d.engine.Sync(ctx)
	switch {
	case err == nil:
		d.logger.Debug("sync finished", zap.String("reason", reason), zap.String("status", d.engine.Status().Message))
	case errors.Is(err, syncengine.ErrSyncInProgress):
		d.logger.Debug("sync already running", zap.String("reason", reason))
	case ctx.Err() != nil:
	default:
		d.logger.Warn("sync failed", zap.String("reason", reason), zap.Error(err))
	}
}

func (d *Daemon) runTicker(ctx context.Context) error {
	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.sync(ctx, "interval")
		}
	}
}

// runSubscription listens for remote change signals, reopening the
// subscription whenever it ends.
func (d *Daemon) runSubscription(ctx context.Context) error {
	for {
		signals, err := d.backend.Subscribe(ctx)
		if err != nil {
			d.logger.Warn("remote subscription failed", zap.Error(err))
		} else {
			d.logger.Debug("subscribed to remote changes")
			for range signals {
				d.sync(ctx, "remote change")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.config.ResubscribeDelay):
		}
	}
}
