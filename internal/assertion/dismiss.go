package assertion

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/xkilldash9x/probe/api/schemas"
	"github.com/xkilldash9x/probe/internal/action"
)

// dismiss clicks the dismiss button inside the first item until no items remain.
// Every click must remove exactly one item; the observed counts are reported.
func (e *Evaluator) dismiss(ctx context.Context, page schemas.Page, d *schemas.DismissStep) Verdict {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = e.actionTimeout
	}
	items := d.Items.At(schemas.AllMatches)
	v := Verdict{
		Message:  fmt.Sprintf("dismiss every %s", d.Items.Selector),
		Expected: "count decreasing by one to 0",
	}
	fail := func(seq []int, err error) Verdict {
		v.Outcome = schemas.OutcomeFailed
		v.Actual = formatSequence(seq)
		v.Err = err
		return v
	}

	n, err := e.resolver.Count(ctx, page, items)
	if err != nil {
		return fail(nil, err)
	}
	seq := []int{n}

	for i := 0; n > 0; i++ {
		if i >= d.Max {
			return fail(seq, fmt.Errorf("%d items remain after %d dismissals", n, d.Max))
		}

		button := d.Button.Within(d.Items.At(0))
		el, err := e.resolver.Resolve(ctx, page, button, timeout)
		if err != nil {
			return fail(seq, err)
		}
		if err := e.executor.Act(ctx, el, schemas.ActionClick, action.Payload{}, timeout); err != nil {
			return fail(seq, err)
		}

		before := n
		pollErr := wait.PollUntilContextTimeout(ctx, e.interval, timeout, true, func(pctx context.Context) (bool, error) {
			m, err := e.resolver.Count(pctx, page, items)
			if err != nil {
				return false, nil
			}
			n = m
			return m != before, nil
		})
		if pollErr != nil {
			if ctx.Err() != nil {
				return fail(seq, ctx.Err())
			}
			return fail(append(seq, n), fmt.Errorf("item count stayed at %d after dismissal %d", before, i+1))
		}
		seq = append(seq, n)
		if n != before-1 {
			return fail(seq, fmt.Errorf("dismissal %d changed the count from %d to %d", i+1, before, n))
		}
		e.logger.Debug("Dismissed item", zap.Int("remaining", n))
	}

	v.Outcome = schemas.OutcomePassed
	v.Actual = formatSequence(seq)
	return v
}

func formatSequence(seq []int) string {
	if len(seq) == 0 {
		return "no count observed"
	}
	parts := make([]string, len(seq))
	for i, n := range seq {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, " -> ")
}
