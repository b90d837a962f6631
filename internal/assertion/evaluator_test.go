package assertion

import (
	"context"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/probe/api/schemas"
	"github.com/xkilldash9x/probe/internal/action"
	"github.com/xkilldash9x/probe/internal/browser/browsertest"
	"github.com/xkilldash9x/probe/internal/locator"
)

const notificationsDoc = `<html><body><div id="panel"><ul id="list">
<li class="notification-item">Low stock: Blue widgets <button class="dismiss">Dismiss</button></li>
<li class="notification-item">Order update: #1042 shipped <button class="dismiss">Dismiss</button></li>
<li class="notification-item">System message: maintenance tonight <button class="dismiss">Dismiss</button></li>
</ul></div></body></html>`

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewEvaluator(logger,
		locator.NewResolver(logger, 5*time.Millisecond),
		action.NewExecutor(logger, time.Second),
		5*time.Millisecond,
		200*time.Millisecond)
}

func css(expr string) schemas.Locator {
	return schemas.Locator{Selector: schemas.MustSelector(expr), Index: schemas.AllMatches}
}

func fallback(v float64) *float64 { return &v }

func TestCountPredicate(t *testing.T) {
	ctx := context.Background()
	page := browsertest.New(notificationsDoc)
	e := newTestEvaluator(t)

	v := e.Evaluate(ctx, page, schemas.Predicate{Kind: schemas.PredicateCount, Locator: css(".notification-item"), Op: schemas.RelGreater, Expected: 0})
	assert.Equal(t, schemas.OutcomePassed, v.Outcome)
	assert.Equal(t, "3", v.Actual)

	v = e.Evaluate(ctx, page, schemas.Predicate{Kind: schemas.PredicateCount, Locator: css(".notification-item"), Op: schemas.RelEqual, Expected: 0})
	assert.Equal(t, schemas.OutcomeFailed, v.Outcome)
	var af *schemas.AssertionFailedError
	require.ErrorAs(t, v.AsError("notifications cleared"), &af)
	assert.Equal(t, "notifications cleared", af.Message)
	assert.Equal(t, "== 0", af.Expected)
	assert.Equal(t, "3", af.Actual)
}

func TestCountPredicateWaitsWithTimeout(t *testing.T) {
	ctx := context.Background()
	page := browsertest.New(`<ul id="list"></ul>`)
	e := newTestEvaluator(t)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = page.Append("#list", `<li class="row">one</li>`)
	}()

	v := e.Evaluate(ctx, page, schemas.Predicate{
		Kind: schemas.PredicateCount, Locator: css(".row"), Op: schemas.RelGreaterEqual, Expected: 1, Timeout: time.Second,
	})
	assert.Equal(t, schemas.OutcomePassed, v.Outcome, v.String())
}

func TestContentPredicate(t *testing.T) {
	ctx := context.Background()
	page := browsertest.New(notificationsDoc)
	e := newTestEvaluator(t)

	for _, needle := range []string{"low stock", "ORDER UPDATE", "system message"} {
		v := e.Evaluate(ctx, page, schemas.Predicate{Kind: schemas.PredicateContent, Locator: css(".notification-item"), Contains: needle})
		assert.Equal(t, schemas.OutcomePassed, v.Outcome, needle)
	}

	v := e.Evaluate(ctx, page, schemas.Predicate{Kind: schemas.PredicateContent, Locator: css(".notification-item"), Contains: "refund issued"})
	assert.Equal(t, schemas.OutcomeFailed, v.Outcome)
}

func TestContentPredicateFailsOnEmptyMatchSet(t *testing.T) {
	page := browsertest.New(`<div id="panel"></div>`)
	e := newTestEvaluator(t)

	v := e.Evaluate(context.Background(), page, schemas.Predicate{Kind: schemas.PredicateContent, Locator: css(".notification-item"), Contains: ""})
	assert.Equal(t, schemas.OutcomeFailed, v.Outcome, "an invalid predicate fails")

	v = e.Evaluate(context.Background(), page, schemas.Predicate{Kind: schemas.PredicateContent, Locator: css(".notification-item"), Contains: "anything"})
	assert.Equal(t, schemas.OutcomeFailed, v.Outcome)
	assert.Equal(t, "no matching elements", v.Actual)
}

func TestScriptPredicate(t *testing.T) {
	ctx := context.Background()
	const expr = "window.posthog && window.posthog.getCaptureRate ? window.posthog.getCaptureRate() : 1"

	testCases := []struct {
		name     string
		value    any
		err      error
		fallback *float64
		outcome  schemas.Outcome
	}{
		{name: "above threshold", value: 1.0, outcome: schemas.OutcomePassed},
		{name: "below threshold", value: 0.5, outcome: schemas.OutcomeFailed},
		{name: "boolean true", value: true, outcome: schemas.OutcomePassed},
		{name: "bridge absent yields inconclusive", value: 1, fallback: fallback(1), outcome: schemas.OutcomeInconclusive},
		{name: "bridge present but low", value: 0.2, fallback: fallback(1), outcome: schemas.OutcomeFailed},
		{name: "thrown exception", err: errors.New("TypeError: posthog is undefined"), outcome: schemas.OutcomeFailed},
		{name: "null result", value: nil, outcome: schemas.OutcomeFailed},
	}

	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			page := browsertest.New("<p></p>")
			page.SetScriptFunc(expr, func() (any, error) { return tt.value, tt.err })
			e := newTestEvaluator(t)

			v := e.Evaluate(ctx, page, schemas.Predicate{
				Kind: schemas.PredicateScript, Expr: expr, Op: schemas.RelGreater, Expected: 0.99, Fallback: tt.fallback,
			})
			assert.Equal(t, tt.outcome, v.Outcome, v.String())
			if tt.err != nil {
				var se *schemas.ScriptEvaluationError
				assert.ErrorAs(t, v.AsError(""), &se)
			}
		})
	}
}

// dismissFixture builds the notification panel. removePerClick controls how
// many items a click removes so broken behaviour can be simulated.
func dismissFixture(removePerClick int) *browsertest.Page {
	page := browsertest.New(notificationsDoc)
	page.OnClick(".notification-item .dismiss", func(p *browsertest.Page, btn *html.Node) {
		for i := 0; i < removePerClick; i++ {
			items := p.Find(".notification-item")
			if len(items) == 0 {
				return
			}
			p.Remove(items[0])
		}
	})
	return page
}

func dismissPredicate(max int) schemas.Predicate {
	return schemas.Predicate{Kind: schemas.PredicateDismiss, Dismiss: &schemas.DismissStep{
		Items:  schemas.Locator{Selector: schemas.MustSelector(".notification-item")},
		Button: schemas.Locator{Selector: schemas.MustSelector("button.dismiss")},
		Max:    max,
	}}
}

func TestDismissLoop(t *testing.T) {
	ctx := context.Background()

	t.Run("each click removes one item", func(t *testing.T) {
		page := dismissFixture(1)
		v := newTestEvaluator(t).Evaluate(ctx, page, dismissPredicate(10))
		assert.Equal(t, schemas.OutcomePassed, v.Outcome, v.String())
		assert.Equal(t, "3 -> 2 -> 1 -> 0", v.Actual)
		assert.Empty(t, page.Find(".notification-item"))
	})

	t.Run("a click removing two items fails", func(t *testing.T) {
		v := newTestEvaluator(t).Evaluate(ctx, dismissFixture(2), dismissPredicate(10))
		assert.Equal(t, schemas.OutcomeFailed, v.Outcome)
		assert.Equal(t, "3 -> 1", v.Actual)
	})

	t.Run("a click that removes nothing fails", func(t *testing.T) {
		v := newTestEvaluator(t).Evaluate(ctx, dismissFixture(0), dismissPredicate(10))
		assert.Equal(t, schemas.OutcomeFailed, v.Outcome)
		assert.Contains(t, v.Err.Error(), "stayed at 3")
	})

	t.Run("bounded by max", func(t *testing.T) {
		v := newTestEvaluator(t).Evaluate(ctx, dismissFixture(1), dismissPredicate(2))
		assert.Equal(t, schemas.OutcomeFailed, v.Outcome)
		assert.Equal(t, "3 -> 2 -> 1", v.Actual)
	})

	t.Run("empty list passes immediately", func(t *testing.T) {
		v := newTestEvaluator(t).Evaluate(ctx, browsertest.New(`<ul></ul>`), dismissPredicate(1))
		assert.Equal(t, schemas.OutcomePassed, v.Outcome)
		assert.Equal(t, "0", v.Actual)
	})
}

// panicPage panics from every query to exercise the evaluator's recovery.
type panicPage struct{ schemas.Page }

func (panicPage) Query(context.Context, schemas.FrameRef, schemas.Element, schemas.Selector) ([]schemas.Element, error) {
	panic("driver bug")
}

func (panicPage) Frames(context.Context) ([]schemas.FrameInfo, error) { return nil, nil }

func TestEvaluateNeverPanics(t *testing.T) {
	e := newTestEvaluator(t)
	v := e.Evaluate(context.Background(), panicPage{}, schemas.Predicate{Kind: schemas.PredicateCount, Locator: css("a"), Op: schemas.RelEqual})
	assert.Equal(t, schemas.OutcomeFailed, v.Outcome)
	assert.Contains(t, v.Err.Error(), "driver bug")
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	testCases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc..."},
		{"ab€cd", 3, "ab..."},
		{"ab€cd", 4, "ab..."},
		{"ab€cd", 5, "ab€..."},
		{"€€", 1, "..."},
	}
	for _, tc := range testCases {
		got := truncate(tc.in, tc.n)
		assert.Equal(t, tc.want, got, "truncate(%q, %d)", tc.in, tc.n)
		assert.True(t, utf8.ValidString(got))
	}
}
