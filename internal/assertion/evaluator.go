// Package assertion evaluates predicates against live page state.
package assertion

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/xkilldash9x/probe/api/schemas"
	"github.com/xkilldash9x/probe/internal/action"
	"github.com/xkilldash9x/probe/internal/frames"
	"github.com/xkilldash9x/probe/internal/locator"
)

// Verdict is the outcome of evaluating one predicate.
type Verdict struct {
	Outcome  schemas.Outcome
	Message  string
	Expected string
	Actual   string
	Err      error
}

// Passed reports whether the predicate held.
func (v Verdict) Passed() bool { return v.Outcome == schemas.OutcomePassed }

// AsError converts a failed verdict into *schemas.AssertionFailedError. label
// overrides the verdict message when non-empty. Other outcomes return nil.
func (v Verdict) AsError(label string) error {
	if v.Outcome != schemas.OutcomeFailed {
		return nil
	}
	msg := v.Message
	if label != "" {
		msg = label
	}
	return &schemas.AssertionFailedError{Message: msg, Expected: v.Expected, Actual: v.Actual, Err: v.Err}
}

func (v Verdict) String() string {
	s := fmt.Sprintf("%s: %s", v.Outcome, v.Message)
	if v.Expected != "" || v.Actual != "" {
		s += fmt.Sprintf(" (expected %s, actual %s)", v.Expected, v.Actual)
	}
	if v.Err != nil {
		s += ": " + v.Err.Error()
	}
	return s
}

// Evaluator checks predicates. It never panics and never returns raw errors;
// every problem becomes a failed verdict.
type Evaluator struct {
	logger        *zap.Logger
	resolver      *locator.Resolver
	executor      *action.Executor
	interval      time.Duration
	actionTimeout time.Duration
}

// NewEvaluator creates an Evaluator. interval is the polling period for
// predicates with a timeout; actionTimeout bounds each step of a dismiss loop.
func NewEvaluator(logger *zap.Logger, resolver *locator.Resolver, executor *action.Executor, interval, actionTimeout time.Duration) *Evaluator {
	if interval <= 0 {
		interval = locator.DefaultPollInterval
	}
	if actionTimeout <= 0 {
		actionTimeout = action.DefaultTimeout
	}
	return &Evaluator{
		logger:        logger.Named("assertion"),
		resolver:      resolver,
		executor:      executor,
		interval:      interval,
		actionTimeout: actionTimeout,
	}
}

// observation is the result of one evaluation attempt.
type observation struct {
	holds        bool
	inconclusive bool
	actual       string
	err          error
}

// Evaluate checks p against page.
func (e *Evaluator) Evaluate(ctx context.Context, page schemas.Page, p schemas.Predicate) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Recovered from panic while evaluating predicate", zap.Any("panic", r), zap.Stringer("predicate", p))
			v = Verdict{Outcome: schemas.OutcomeFailed, Message: p.String(), Err: fmt.Errorf("panic during evaluation: %v", r)}
		}
	}()

	if err := p.Validate(); err != nil {
		return Verdict{Outcome: schemas.OutcomeFailed, Message: p.String(), Err: err}
	}

	var (
		check    func(context.Context) observation
		expected string
	)
	switch p.Kind {
	case schemas.PredicateCount:
		expected = fmt.Sprintf("%s %g", p.Op, p.Expected)
		check = func(ctx context.Context) observation { return e.checkCount(ctx, page, p) }
	case schemas.PredicateContent:
		expected = fmt.Sprintf("text containing %q", p.Contains)
		check = func(ctx context.Context) observation { return e.checkContent(ctx, page, p) }
	case schemas.PredicateScript:
		expected = fmt.Sprintf("%s %g", p.Op, p.Expected)
		check = func(ctx context.Context) observation { return e.checkScript(ctx, page, p) }
	case schemas.PredicateDismiss:
		return e.dismiss(ctx, page, p.Dismiss)
	}

	obs := e.observe(ctx, p.Timeout, check)
	v = Verdict{Message: p.String(), Expected: expected, Actual: obs.actual, Err: obs.err}
	switch {
	case obs.err != nil:
		v.Outcome = schemas.OutcomeFailed
	case obs.inconclusive:
		v.Outcome = schemas.OutcomeInconclusive
	case obs.holds:
		v.Outcome = schemas.OutcomePassed
	default:
		v.Outcome = schemas.OutcomeFailed
	}
	e.logger.Debug("Predicate evaluated", zap.Stringer("predicate", p), zap.String("outcome", string(v.Outcome)), zap.String("actual", v.Actual))
	return v
}

// observe runs check once, or repeatedly until it holds when timeout is positive.
// The last observation is returned.
func (e *Evaluator) observe(ctx context.Context, timeout time.Duration, check func(context.Context) observation) observation {
	if timeout <= 0 {
		return check(ctx)
	}
	var last observation
	err := wait.PollUntilContextTimeout(ctx, e.interval, timeout, true, func(pctx context.Context) (bool, error) {
		last = check(pctx)
		return last.holds || last.inconclusive, nil
	})
	if err != nil && ctx.Err() != nil {
		return observation{actual: last.actual, err: ctx.Err()}
	}
	return last
}

func (e *Evaluator) checkCount(ctx context.Context, page schemas.Page, p schemas.Predicate) observation {
	n, err := e.resolver.Count(ctx, page, p.Locator)
	if err != nil {
		return observation{err: err}
	}
	return observation{holds: p.Op.Holds(float64(n), p.Expected), actual: strconv.Itoa(n)}
}

func (e *Evaluator) checkContent(ctx context.Context, page schemas.Page, p schemas.Predicate) observation {
	els, err := e.resolver.ResolveAll(ctx, page, p.Locator)
	if err != nil {
		return observation{err: err}
	}
	if len(els) == 0 {
		return observation{actual: "no matching elements"}
	}
	texts := make([]string, 0, len(els))
	for _, el := range els {
		t, err := el.Text(ctx)
		if err != nil {
			return observation{err: fmt.Errorf("read text of %s: %w", el.Describe(), err)}
		}
		texts = append(texts, t)
	}
	joined := strings.Join(texts, "\n")
	return observation{
		holds:  strings.Contains(strings.ToLower(joined), strings.ToLower(p.Contains)),
		actual: strconv.Quote(truncate(joined, 200)),
	}
}

func (e *Evaluator) checkScript(ctx context.Context, page schemas.Page, p schemas.Predicate) observation {
	ref, err := frames.Resolve(ctx, page, p.Frame)
	if err != nil {
		return observation{err: err}
	}
	raw, err := page.Evaluate(ctx, ref, p.Expr)
	if err != nil {
		return observation{err: err}
	}
	value, err := decodeNumeric(raw)
	if err != nil {
		return observation{actual: string(raw), err: err}
	}
	actual := strconv.FormatFloat(value, 'g', -1, 64)
	if p.Fallback != nil && value == *p.Fallback {
		return observation{inconclusive: true, actual: actual + " (fallback)"}
	}
	return observation{holds: p.Op.Holds(value, p.Expected), actual: actual}
}

// decodeNumeric maps a JSON script result onto a number. Booleans become 1 or 0
// and numeric strings are parsed.
func decodeNumeric(raw json.RawMessage) (float64, error) {
	var v any
	if len(raw) == 0 {
		return 0, fmt.Errorf("expression returned undefined")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("decode script result: %w", err)
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("expression returned non-numeric string %q", x)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("expression returned null")
	}
	return 0, fmt.Errorf("expression returned %s, want a number or boolean", raw)
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
