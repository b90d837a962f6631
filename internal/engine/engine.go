// Package engine schedules the test cases of a suite. Each test gets its own
// session; the number running at once and the rate at which browsers are
// launched are bounded.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/probe/api/schemas"
	"github.com/xkilldash9x/probe/internal/config"
	"github.com/xkilldash9x/probe/internal/contextutil"
)

const persistTimeout = 30 * time.Second

// Executor runs one test case to completion. *runner.Runner implements it.
type Executor interface {
	Execute(ctx context.Context, opener schemas.SessionOpener, tc schemas.TestCase) *schemas.RunReport
}

// Store persists finished runs.
type Store interface {
	SaveRun(ctx context.Context, report *schemas.RunReport) error
}

// Sink receives each report as soon as its test finishes. Reporters are sinks.
type Sink interface {
	Write(report *schemas.RunReport) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore saves every run to s.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithSink adds a sink. Sinks are called one at a time.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s) }
}

// Engine runs test cases concurrently.
type Engine struct {
	logger      *zap.Logger
	executor    Executor
	opener      schemas.SessionOpener
	limiter     *rate.Limiter
	concurrency int
	testTimeout time.Duration
	store       Store
	sinks       []Sink

	sinkMu sync.Mutex
}

// New creates an engine using cfg.Engine for scheduling.
func New(cfg *config.Config, logger *zap.Logger, executor Executor, opener schemas.SessionOpener, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if executor == nil {
		return nil, errors.New("executor cannot be nil")
	}
	if opener == nil {
		return nil, errors.New("session opener cannot be nil")
	}

	concurrency := cfg.Engine.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	limit := rate.Inf
	if cfg.Engine.LaunchRate > 0 {
		limit = rate.Limit(cfg.Engine.LaunchRate)
	}
	burst := cfg.Engine.LaunchBurst
	if burst <= 0 {
		burst = 1
	}

	e := &Engine{
		logger:      logger.Named("engine"),
		executor:    executor,
		opener:      opener,
		limiter:     rate.NewLimiter(limit, burst),
		concurrency: concurrency,
		testTimeout: cfg.Engine.TestTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run executes tests and returns their reports in input order. Every test gets
// a report, including those that could not start because ctx ended. The
// returned error joins store and sink failures; it never reflects test outcomes.
func (e *Engine) Run(ctx context.Context, tests []schemas.TestCase) ([]*schemas.RunReport, error) {
	reports := make([]*schemas.RunReport, len(tests))
	var (
		errMu sync.Mutex
		errs  []error
	)
	fail := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	e.logger.Info("Starting suite",
		zap.Int("tests", len(tests)),
		zap.Int("concurrency", e.concurrency))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, tc := range tests {
		g.Go(func() error {
			reports[i] = e.runOne(ctx, tc)
			if err := e.deliver(ctx, reports[i]); err != nil {
				fail(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("Suite finished", zap.Int("tests", len(tests)))
	return reports, errors.Join(errs...)
}

func (e *Engine) runOne(ctx context.Context, tc schemas.TestCase) *schemas.RunReport {
	logger := e.logger.With(zap.String("test", tc.Name))
	if err := e.limiter.Wait(ctx); err != nil && ctx.Err() == nil {
		// The deadline is closer than the next launch slot; launch anyway and
		// let the test's own deadline decide.
		logger.Debug("Launch slot is past the deadline", zap.Error(err))
	}

	tctx := ctx
	if e.testTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, e.testTimeout)
		defer cancel()
	}
	return e.executor.Execute(tctx, e.opener, tc)
}

// deliver hands a report to the sinks and the store. The store write runs on a
// detached context so results are kept when the suite is cancelled.
func (e *Engine) deliver(ctx context.Context, report *schemas.RunReport) error {
	var errs []error

	e.sinkMu.Lock()
	for _, s := range e.sinks {
		if err := s.Write(report); err != nil {
			errs = append(errs, fmt.Errorf("report %s: %w", report.Test, err))
		}
	}
	e.sinkMu.Unlock()

	if e.store != nil {
		pctx, cancel := contextutil.Cleanup(ctx, persistTimeout)
		defer cancel()
		if err := e.store.SaveRun(pctx, report); err != nil {
			e.logger.Error("Failed to persist run", zap.String("run_id", report.RunID), zap.Error(err))
			errs = append(errs, fmt.Errorf("store %s: %w", report.Test, err))
		}
	}
	return errors.Join(errs...)
}
