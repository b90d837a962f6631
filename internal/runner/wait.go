package runner

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/xkilldash9x/probe/api/schemas"
)

// wait sleeps for a fixed duration, or polls until the locator reaches the
// requested state.
func (r *Runner) wait(ctx context.Context, page schemas.Page, w *schemas.WaitStep) error {
	if w.Locator == nil {
		t := time.NewTimer(w.Duration)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}

	timeout := w.Timeout
	if timeout <= 0 {
		timeout = r.actionTimeout
	}
	state := w.State
	if state == "" {
		state = schemas.StateVisible
	}
	loc := *w.Locator
	index := loc.Index
	if index < 0 {
		index = 0
	}

	matches := -1
	var lastErr error
	err := wait.PollUntilContextTimeout(ctx, r.pollInterval, timeout, true, func(pctx context.Context) (bool, error) {
		els, err := r.resolver.ResolveAll(pctx, page, loc)
		if err != nil {
			lastErr = err
			return false, nil
		}
		matches, lastErr = len(els), nil
		if index >= len(els) {
			return state == schemas.StateDetached || state == schemas.StateHidden, nil
		}
		el := els[index]
		switch state {
		case schemas.StateAttached, schemas.StateDetached:
			attached, err := el.IsAttached(pctx)
			if err != nil {
				lastErr = err
				return false, nil
			}
			return attached == (state == schemas.StateAttached), nil
		default:
			snap, err := el.Snapshot(pctx)
			if err != nil {
				lastErr = err
				return false, nil
			}
			visible := snap.Attached && snap.Visible
			return visible == (state == schemas.StateVisible), nil
		}
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !wait.Interrupted(err) {
		return err
	}
	switch state {
	case schemas.StateAttached, schemas.StateVisible:
		return &schemas.ElementNotFoundError{Locator: loc, Timeout: timeout, Matches: matches, Err: lastErr}
	}
	return &schemas.AssertionFailedError{
		Message:  fmt.Sprintf("%s did not become %s within %s", loc, state, timeout),
		Expected: string(state),
		Actual:   fmt.Sprintf("%d matches", matches),
		Err:      lastErr,
	}
}
