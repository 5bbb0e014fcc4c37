package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/metrics"
	"github.com/rapportapp/rapport/internal/remote"
	"github.com/rapportapp/rapport/internal/store"
)

// ErrSyncInProgress is returned when a cycle is requested while another
// one is running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Phase is a step of the sync cycle.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseCheckingAvailability Phase = "checking_availability"
	PhasePulling              Phase = "pulling"
	PhaseMerging              Phase = "merging"
	PhasePushing              Phase = "pushing"
	PhaseError                Phase = "error"
)

// Stats counts the work done by one cycle.
type Stats struct {
	Pulled         int
	Deleted        int
	Inserted       int
	Updated        int
	DecodeFailures int
	Pushed         int
	PushFailures   int
	DeletesPushed  int
}

// Status is a snapshot of the engine's state.
type Status struct {
	Phase       Phase
	Message     string
	Account     remote.AccountStatus
	LastSuccess time.Time
	LastError   string
	Breaker     string
	Last        Stats
}

// BreakerSettings configures the circuit breaker around remote calls.
type BreakerSettings struct {
	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures uint32
	// Timeout is how long the breaker stays open before letting a trial
	// request through.
	Timeout time.Duration
}

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultPushBatchSize  = 200
)

type config struct {
	logger         *zap.Logger
	metrics        *metrics.Metrics
	requestTimeout time.Duration
	batchSize      int
	pageSize       int
	now            func() time.Time
	breaker        BreakerSettings
}

// Option configures an Engine.
type Option func(*config)

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithRequestTimeout bounds every individual remote call.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

func WithPushBatchSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

func WithPageSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

func WithBreaker(s BreakerSettings) Option {
	return func(c *config) { c.breaker = s }
}

// Engine runs sync cycles between a store and a backend.
type Engine struct {
	store   *store.Store
	backend remote.Backend
	cfg     config
	logger  *zap.Logger
	tracer  trace.Tracer
	breaker *gobreaker.CircuitBreaker

	running atomic.Bool

	mu     sync.RWMutex
	status Status
}

// New creates an engine. It does not start any goroutines.
func New(st *store.Store, backend remote.Backend, opts ...Option) *Engine {
	cfg := config{
		logger:         zap.NewNop(),
		requestTimeout: DefaultRequestTimeout,
		batchSize:      DefaultPushBatchSize,
		pageSize:       remote.DefaultPageSize,
		now:            time.Now,
		breaker:        BreakerSettings{MaxFailures: 3, Timeout: time.Minute},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Engine{
		store:   st,
		backend: backend,
		cfg:     cfg,
		logger:  cfg.logger.Named("sync"),
		tracer:  otel.Tracer("github.com/rapportapp/rapport/internal/syncengine"),
		status:  Status{Phase: PhaseIdle, Message: "Not synced yet"},
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "remote",
		Timeout: cfg.breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.breaker.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !unavailable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return e
}

func unavailable(err error) bool {
	return errors.Is(err, remote.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// Status returns the current state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.status
	st.Breaker = e.breaker.State().String()
	return st
}

// Running reports whether a cycle is in flight.
func (e *Engine) Running() bool {
	return e.running.Load()
}

func (e *Engine) setPhase(p Phase, msg string) {
	e.mu.Lock()
	e.status.Phase = p
	if msg != "" {
		e.status.Message = msg
	}
	e.mu.Unlock()
}

// call runs fn under the request timeout and the circuit breaker.
func (e *Engine) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.requestTimeout)
	defer cancel()

	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, remote.ErrUnavailable):
		return fmt.Errorf("%w: request timed out", remote.ErrUnavailable)
	}
	return err
}

// Sync runs one full cycle: availability check, pull, merge, push.
func (e *Engine) Sync(ctx context.Context) error {
	return e.run(ctx, "sync", true, true)
}

// Pull runs the availability check and the pull half of a cycle.
func (e *Engine) Pull(ctx context.Context) error {
	return e.run(ctx, "pull", true, false)
}

// Push runs the availability check and the push half of a cycle.
func (e *Engine) Push(ctx context.Context) error {
	return e.run(ctx, "push", false, true)
}

// ResetCursor discards the stored cursor so the next pull fetches the
// whole feed.
func (e *Engine) ResetCursor() error {
	if e.running.Load() {
		return ErrSyncInProgress
	}
	if err := e.store.ResetCursor(); err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	e.logger.Info("cursor reset")
	return nil
}

// FullResync discards the cursor and runs a cycle.
func (e *Engine) FullResync(ctx context.Context) error {
	if err := e.ResetCursor(); err != nil {
		return err
	}
	return e.Sync(ctx)
}

func (e *Engine) run(ctx context.Context, name string, pull, push bool) (err error) {
	if !e.running.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer e.running.Store(false)

	start := e.cfg.now()
	ctx, span := e.tracer.Start(ctx, "syncengine."+name)
	defer span.End()

	var stats Stats
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync panicked: %v", r)
			e.fail(span, err, stats, start)
		}
	}()

	ok, err := e.checkAvailability(ctx)
	if err != nil {
		e.fail(span, err, stats, start)
		return err
	}
	if !ok {
		span.SetAttributes(attribute.Bool("sync.skipped", true))
		e.cfg.metrics.ObserveCycle(metrics.OutcomeUnavailable, e.cfg.now().Sub(start))
		return nil
	}

	if pull {
		if err := e.pull(ctx, &stats); err != nil {
			e.fail(span, err, stats, start)
			return err
		}
	}
	if push {
		if err := e.push(ctx, &stats); err != nil {
			e.fail(span, err, stats, start)
			return err
		}
	}

	now := e.cfg.now()
	span.SetAttributes(
		attribute.Int("sync.pulled", stats.Pulled),
		attribute.Int("sync.pushed", stats.Pushed),
		attribute.Int("sync.failed", stats.DecodeFailures+stats.PushFailures),
	)
	e.cfg.metrics.ObserveCycle(metrics.OutcomeSuccess, now.Sub(start))
	e.cfg.metrics.SetLastSuccess(now)

	e.mu.Lock()
	e.status.Phase = PhaseIdle
	e.status.Message = "Up to date"
	e.status.LastSuccess = now
	e.status.LastError = ""
	e.status.Last = stats
	e.mu.Unlock()

	e.logger.Info("cycle complete",
		zap.String("cycle", name),
		zap.Int("pulled", stats.Pulled),
		zap.Int("deleted", stats.Deleted),
		zap.Int("pushed", stats.Pushed),
		zap.Int("push_failures", stats.PushFailures),
		zap.Int("decode_failures", stats.DecodeFailures),
		zap.Duration("took", now.Sub(start)))
	return nil
}

// fail records a failed cycle. The Error phase is kept until the next
// cycle starts.
func (e *Engine) fail(span trace.Span, err error, stats Stats, start time.Time) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.cfg.metrics.ObserveCycle(metrics.OutcomeError, e.cfg.now().Sub(start))

	e.mu.Lock()
	e.status.Phase = PhaseError
	e.status.Message = "Sync failed"
	e.status.LastError = err.Error()
	e.status.Last = stats
	e.mu.Unlock()

	e.logger.Error("cycle failed", zap.Error(err))
}

var statusMessages = map[remote.AccountStatus]string{
	remote.StatusNoAccount:              "No remote account",
	remote.StatusRestricted:             "Remote account restricted",
	remote.StatusTemporarilyUnavailable: "Remote temporarily unavailable",
	remote.StatusCouldNotDetermine:      "Could not determine remote account status",
}

// checkAvailability reports whether the cycle may proceed. An unusable
// account is not an error.
func (e *Engine) checkAvailability(ctx context.Context) (bool, error) {
	e.setPhase(PhaseCheckingAvailability, "Checking remote account")

	var status remote.AccountStatus
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		status, err = e.backend.AccountStatus(ctx)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if unavailable(err) {
			status = remote.StatusTemporarilyUnavailable
		} else {
			status = remote.StatusCouldNotDetermine
		}
		e.logger.Debug("account status unavailable", zap.Error(err))
	}

	e.mu.Lock()
	e.status.Account = status
	e.mu.Unlock()

	if status == remote.StatusAvailable {
		return true, nil
	}
	msg, ok := statusMessages[status]
	if !ok {
		msg = fmt.Sprintf("Remote account status %q", status)
	}
	e.setPhase(PhaseIdle, msg)
	e.logger.Info("skipping cycle", zap.String("account", string(status)))
	return false, nil
}
