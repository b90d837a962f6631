// Package runner executes the steps of a test case against a browser session
// and drives the per-test lifecycle.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/probe/api/schemas"
	"github.com/xkilldash9x/probe/internal/action"
	"github.com/xkilldash9x/probe/internal/assertion"
	"github.com/xkilldash9x/probe/internal/config"
	"github.com/xkilldash9x/probe/internal/contextutil"
	"github.com/xkilldash9x/probe/internal/frames"
	"github.com/xkilldash9x/probe/internal/locator"
	"github.com/xkilldash9x/probe/internal/observability"
)

// Capturer collects diagnostics from the page of a failed run.
type Capturer interface {
	Capture(ctx context.Context, page schemas.Page, report *schemas.RunReport) ([]schemas.Artifact, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics records step and test results on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithCapturer captures diagnostics when a run fails.
func WithCapturer(c Capturer) Option {
	return func(r *Runner) { r.capturer = c }
}

// Runner sequences steps fail-fast. It is safe for concurrent use by several
// tests; all per-test state lives in Execute.
type Runner struct {
	logger    *zap.Logger
	walker    *frames.Walker
	resolver  *locator.Resolver
	executor  *action.Executor
	evaluator *assertion.Evaluator
	metrics   *observability.Metrics
	capturer  Capturer

	navigationTimeout  time.Duration
	actionTimeout      time.Duration
	settleBound        time.Duration
	pollInterval       time.Duration
	closeTimeout       time.Duration
	strictInconclusive bool
	captureOnFailure   bool
}

// New builds a Runner and its components from the timeout and runner settings of cfg.
func New(logger *zap.Logger, cfg *config.Config, opts ...Option) *Runner {
	logger = logger.Named("runner")
	t := cfg.Timeouts
	resolver := locator.NewResolver(logger, t.Poll)
	executor := action.NewExecutor(logger, t.Action,
		action.WithSettleMode(action.SettleMode(t.SettleMode)),
		action.WithSettleInterval(t.Poll))

	r := &Runner{
		logger:             logger,
		walker:             frames.NewWalker(logger, t.FrameReady, t.Poll),
		resolver:           resolver,
		executor:           executor,
		evaluator:          assertion.NewEvaluator(logger, resolver, executor, t.Poll, t.Action),
		navigationTimeout:  t.Navigation,
		actionTimeout:      t.Action,
		settleBound:        t.Settle,
		pollInterval:       t.Poll,
		closeTimeout:       cfg.Browser.CloseTimeout,
		strictInconclusive: cfg.Runner.StrictInconclusive,
		captureOnFailure:   cfg.Runner.CaptureOnFailure,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes steps in order against the session. After the first failed step
// every later step is reported as skipped. Exactly one Result is returned per step.
func (r *Runner) Run(ctx context.Context, session schemas.Session, steps []schemas.Step) []schemas.Result {
	return r.run(ctx, session, steps, NewLifecycle(r.logger), r.logger)
}

func (r *Runner) run(ctx context.Context, session schemas.Session, steps []schemas.Step, lc *Lifecycle, logger *zap.Logger) []schemas.Result {
	results := make([]schemas.Result, 0, len(steps))
	failed := false

	for i, step := range steps {
		res := schemas.Result{StepIndex: i, Name: step.Label(), Kind: step.Kind}
		if failed {
			res.Outcome = schemas.OutcomeSkipped
			results = append(results, res)
			r.metrics.ObserveStep(step.Kind, res.Outcome, 0)
			continue
		}

		state := schemas.StateRunning
		if step.Kind == schemas.StepAssert || step.Kind == schemas.StepDismiss || lc.State() == schemas.StateVerifying {
			state = schemas.StateVerifying
		}
		_ = lc.Transition(state, i)

		res.StartedAt = time.Now()
		outcome, err := r.step(ctx, session, i, step, logger)
		res.Duration = time.Since(res.StartedAt)
		res.Outcome = outcome
		if err != nil {
			res.Err = err
			res.Diagnostic = err.Error()
			res.ErrorKind = schemas.KindOf(err)
		}
		if outcome == schemas.OutcomeFailed {
			failed = true
		}
		results = append(results, res)
		r.metrics.ObserveStep(step.Kind, outcome, res.Duration)

		fields := []zap.Field{zap.Int("step", i), zap.String("name", res.Name), zap.String("outcome", string(outcome)), zap.Duration("duration", res.Duration)}
		switch outcome {
		case schemas.OutcomeFailed:
			logger.Warn("Step failed", append(fields, zap.Error(err))...)
		case schemas.OutcomeInconclusive:
			logger.Info("Step inconclusive", append(fields, zap.String("diagnostic", res.Diagnostic))...)
		default:
			logger.Debug("Step passed", fields...)
		}
	}
	return results
}

// step executes one step inside its own span. A panic is converted into a failure.
func (r *Runner) step(ctx context.Context, session schemas.Session, index int, step schemas.Step, logger *zap.Logger) (outcome schemas.Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "step "+string(step.Kind), trace.WithAttributes(
		observability.AttrStepIndex.Int(index),
		observability.AttrStepKind.String(string(step.Kind)),
	))
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Recovered from panic in step", zap.Int("step", index), zap.Any("panic", p), zap.String("stack", string(debug.Stack())))
			outcome, err = schemas.OutcomeFailed, fmt.Errorf("panic during step: %v", p)
		}
		span.SetAttributes(observability.AttrOutcome.String(string(outcome)))
		if err != nil {
			span.RecordError(err)
			if outcome == schemas.OutcomeFailed {
				span.SetStatus(codes.Error, err.Error())
			}
		}
		span.End()
	}()

	if err := ctx.Err(); err != nil {
		return schemas.OutcomeFailed, err
	}
	if err := step.Validate(); err != nil {
		return schemas.OutcomeFailed, &schemas.InvalidStepError{Index: index, Reason: err.Error()}
	}
	page, err := session.ActivePage(ctx)
	if err != nil {
		return schemas.OutcomeFailed, fmt.Errorf("no active page: %w", err)
	}
	defer r.releaseHandles(ctx, page, logger)

	switch step.Kind {
	case schemas.StepAssert:
		return r.assert(ctx, page, step.Assert)
	case schemas.StepDismiss:
		v := r.evaluator.Evaluate(ctx, page, schemas.Predicate{Kind: schemas.PredicateDismiss, Dismiss: step.Dismiss})
		return r.verdict(v, step.Label())
	}

	var stepErr error
	switch step.Kind {
	case schemas.StepNavigate:
		stepErr = r.navigate(ctx, page, step.Navigate, logger)
	case schemas.StepWait:
		stepErr = r.wait(ctx, page, step.Wait)
	case schemas.StepAct:
		stepErr = r.act(ctx, page, step.Act)
	case schemas.StepScroll:
		stepErr = r.executor.ScrollPage(ctx, page, step.Scroll.DX, step.Scroll.DY, step.Scroll.Viewports, r.actionTimeout)
	case schemas.StepEvaluate:
		stepErr = r.evaluate(ctx, page, step.Evaluate)
	}
	if stepErr != nil {
		return schemas.OutcomeFailed, stepErr
	}
	return schemas.OutcomePassed, nil
}

// releaseHandles frees the element handles a step created. No element
// outlives the step that resolved it.
func (r *Runner) releaseHandles(ctx context.Context, page schemas.Page, logger *zap.Logger) {
	rel, ok := page.(schemas.HandleReleaser)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(contextutil.Detach(ctx), r.closeTimeout)
	defer cancel()
	if err := rel.ReleaseHandles(ctx); err != nil {
		logger.Debug("Could not release element handles", zap.Error(err))
	}
}

func (r *Runner) navigate(ctx context.Context, page schemas.Page, n *schemas.NavigateStep, logger *zap.Logger) error {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = r.navigationTimeout
	}
	ready := n.Ready
	if ready == "" {
		ready = schemas.ReadyCommit
	}

	nctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := page.Navigate(nctx, n.URL, ready); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var navErr *schemas.NavigationError
		if errors.As(err, &navErr) {
			return err
		}
		msg := err.Error()
		if errors.Is(nctx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("%s not reached within %s", ready, timeout)
		}
		return &schemas.NavigationError{URL: n.URL, Message: msg, Err: err}
	}

	walked, err := r.walker.Walk(ctx, page)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The document loaded; a frame tree that cannot be listed is not a navigation failure.
		logger.Warn("Could not walk frames after navigation", zap.String("url", n.URL), zap.Error(err))
		return nil
	}
	notReady := 0
	for _, f := range walked {
		if !f.Ready() {
			notReady++
		}
	}
	logger.Debug("Navigated", zap.String("url", n.URL), zap.Int("frames", len(walked)), zap.Int("not_ready", notReady))
	return nil
}

func (r *Runner) act(ctx context.Context, page schemas.Page, a *schemas.ActStep) error {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = r.actionTimeout
	}
	el, err := r.resolver.Resolve(ctx, page, a.Locator, timeout)
	if err != nil {
		return err
	}
	if _, err := r.executor.Settle(ctx, el, r.settleBound); err != nil {
		return err
	}
	return r.executor.Act(ctx, el, a.Action, action.Payload{Text: a.Text, DX: a.DX, DY: a.DY, Script: a.Script}, timeout)
}

func (r *Runner) evaluate(ctx context.Context, page schemas.Page, e *schemas.EvaluateStep) error {
	ref, err := frames.Resolve(ctx, page, e.Frame)
	if err != nil {
		return err
	}
	_, err = page.Evaluate(ctx, ref, e.Script)
	return err
}

func (r *Runner) assert(ctx context.Context, page schemas.Page, a *schemas.AssertStep) (schemas.Outcome, error) {
	v := r.evaluator.Evaluate(ctx, page, a.Predicate)
	label := a.Message
	if label == "" {
		label = v.Message
	}
	return r.verdict(v, label)
}

// verdict maps an assertion verdict onto a step outcome, applying strict mode.
func (r *Runner) verdict(v assertion.Verdict, label string) (schemas.Outcome, error) {
	switch v.Outcome {
	case schemas.OutcomePassed:
		return schemas.OutcomePassed, nil
	case schemas.OutcomeInconclusive:
		err := &schemas.AssertionFailedError{
			Message:  label + " was inconclusive",
			Expected: v.Expected,
			Actual:   v.Actual,
		}
		if r.strictInconclusive {
			return schemas.OutcomeFailed, err
		}
		return schemas.OutcomeInconclusive, err
	}
	return schemas.OutcomeFailed, v.AsError(label)
}

// Execute runs a complete test case: it opens a session, runs the steps,
// captures diagnostics on failure and closes the session exactly once on every
// exit path. The returned report always carries a terminal status.
func (r *Runner) Execute(ctx context.Context, opener schemas.SessionOpener, tc schemas.TestCase) *schemas.RunReport {
	report := &schemas.RunReport{
		RunID:      uuid.NewString(),
		Suite:      tc.Suite,
		Test:       tc.Name,
		FailedStep: -1,
		StartedAt:  time.Now(),
	}
	logger := r.logger.With(zap.String("run_id", report.RunID), zap.String("test", tc.Name))
	lc := NewLifecycle(logger)

	ctx, span := observability.StartSpan(ctx, "test", trace.WithAttributes(
		observability.AttrRunID.String(report.RunID),
		observability.AttrTest.String(tc.Name),
	))
	defer span.End()

	defer func() {
		report.FinishedAt = time.Now()
		r.metrics.ObserveTest(report.Status)
		if report.Status != schemas.StatusPassed {
			span.SetStatus(codes.Error, report.Message)
		}
		logger.Info("Test finished",
			zap.String("status", string(report.Status)),
			zap.Duration("duration", report.Duration()),
			zap.Int("failed_step", report.FailedStep))
	}()

	session, err := opener.Open(ctx)
	r.metrics.SessionOpened(err)
	if err != nil {
		logger.Error("Failed to open browser session", zap.Error(err))
		report.Status = schemas.StatusError
		report.Message = err.Error()
		report.Results = skipAll(tc.Steps)
		_ = lc.Transition(schemas.StateTearingDown, -1)
		_ = lc.Transition(schemas.StateDone, -1)
		return report
	}
	span.SetAttributes(observability.AttrSessionID.String(session.ID()))
	logger = logger.With(zap.String("session", session.ID()))

	var closeOnce sync.Once
	teardown := func() {
		closeOnce.Do(func() {
			cctx, cancel := contextutil.Cleanup(ctx, r.closeTimeout)
			defer cancel()
			if err := session.Close(cctx); err != nil {
				logger.Warn("Session teardown reported an error", zap.Error(err))
			}
			r.metrics.SessionClosed()
		})
	}
	// Covers a panic escaping the step loop.
	defer teardown()

	report.Results = r.run(ctx, session, tc.Steps, lc, logger)
	report.Status = schemas.StatusPassed
	for _, res := range report.Results {
		if res.Outcome == schemas.OutcomeFailed {
			report.Status = schemas.StatusFailed
			report.FailedStep = res.StepIndex
			report.Message = fmt.Sprintf("step %d (%s): %s", res.StepIndex, res.Name, res.Diagnostic)
			break
		}
	}

	if rec, ok := session.(schemas.RequestRecorder); ok {
		report.Requests = rec.Requests()
	}

	if report.Status == schemas.StatusPassed {
		_ = lc.Transition(schemas.StatePassed, -1)
	} else {
		_ = lc.Transition(schemas.StateFailed, -1)
		if r.captureOnFailure && r.capturer != nil {
			r.capture(ctx, session, report, logger)
		}
	}

	_ = lc.Transition(schemas.StateTearingDown, -1)
	teardown()
	_ = lc.Transition(schemas.StateDone, -1)
	return report
}

// capture runs on a detached context so a cancelled test still gets its artifacts.
func (r *Runner) capture(ctx context.Context, session schemas.Session, report *schemas.RunReport, logger *zap.Logger) {
	cctx, cancel := contextutil.Cleanup(ctx, r.closeTimeout)
	defer cancel()
	page, err := session.ActivePage(cctx)
	if err != nil {
		logger.Warn("No page to capture diagnostics from", zap.Error(err))
		return
	}
	artifacts, err := r.capturer.Capture(cctx, page, report)
	if err != nil {
		logger.Warn("Diagnostics capture incomplete", zap.Error(err))
	}
	report.Artifacts = append(report.Artifacts, artifacts...)
}

func skipAll(steps []schemas.Step) []schemas.Result {
	results := make([]schemas.Result, len(steps))
	for i, s := range steps {
		results[i] = schemas.Result{StepIndex: i, Name: s.Label(), Kind: s.Kind, Outcome: schemas.OutcomeSkipped}
	}
	return results
}
