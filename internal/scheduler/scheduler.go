// Package scheduler coalesces bursts of push requests into a single push.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/metrics"
	"github.com/rapportapp/rapport/internal/syncengine"
)

// DefaultWindow is the debounce window used when none is given.
const DefaultWindow = 2 * time.Second

// flushRetry is how long Flush waits before retrying a refused push.
const flushRetry = 50 * time.Millisecond

// PushFunc performs one push. Returning syncengine.ErrSyncInProgress
// re-arms the scheduler.
type PushFunc func(ctx context.Context) error

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler runs push no sooner than window after the most recent
// SchedulePush call, with at most one push in flight. A request that
// arrives while a push runs is held and re-armed once it finishes.
type Scheduler struct {
	push    PushFunc
	window  time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64 // bumped by every request; a timer only fires for the latest
	armed   bool
	running bool
	pending bool
	stopped bool
}

// New creates a scheduler. A zero window uses DefaultWindow.
func New(push PushFunc, window time.Duration, logger *zap.Logger, opts ...Option) *Scheduler {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		push:   push,
		window: window,
		logger: logger.Named("scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SchedulePush requests a push. Safe for concurrent use.
func (s *Scheduler) SchedulePush() {
	s.metrics.PushRequested()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.running {
		s.pending = true
		return
	}
	s.arm()
}

// arm (re)starts the debounce timer. s.mu must be held.
func (s *Scheduler) arm() {
	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
	}
	s.armed = true
	s.timer = time.AfterFunc(s.window, func() { s.fire(gen) })
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.gen || s.running {
		s.mu.Unlock()
		return
	}
	s.armed = false
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	err := s.push(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	switch {
	case errors.Is(err, syncengine.ErrSyncInProgress):
		s.logger.Debug("sync busy, re-arming push")
		s.pending = true
	case err != nil:
		s.logger.Warn("push failed", zap.Error(err))
	}
	if s.pending && !s.stopped {
		s.pending = false
		s.arm()
	}
}

// Pending reports whether a push is waiting to run.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed || s.pending
}

// Flush runs a waiting push immediately instead of at the end of the
// window. It returns nil when nothing was waiting.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	waiting := s.armed || s.pending
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	s.armed = false
	s.pending = false
	s.mu.Unlock()

	if !waiting {
		return nil
	}
	for {
		err := s.push(ctx)
		if !errors.Is(err, syncengine.ErrSyncInProgress) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(flushRetry):
		}
	}
}

// Stop cancels any waiting push and waits for a running one to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.armed = false
	s.pending = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
