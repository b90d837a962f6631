package action

import (
	"context"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/xkilldash9x/probe/api/schemas"
)

// Settle waits before an interaction so that entrance animations and late
// enabling finish. In stable mode it returns once the element's bounding box is
// identical across two consecutive polls and the element is enabled, or when
// bound elapses. In fixed mode it sleeps for bound. It reports whether the
// element was observed stable; running out the bound is not an error and the
// caller proceeds with the action. Only cancellation of ctx is returned.
func (e *Executor) Settle(ctx context.Context, el schemas.Element, bound time.Duration) (bool, error) {
	if bound <= 0 {
		bound = DefaultSettleBound
	}
	switch e.settleMode {
	case SettleOff:
		return true, nil
	case SettleFixed:
		t := time.NewTimer(bound)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-t.C:
			return true, nil
		}
	}

	var (
		prev    *schemas.Box
		polls   int
		lastErr error
	)
	err := wait.PollUntilContextTimeout(ctx, e.settleInterval, bound, true, func(pctx context.Context) (bool, error) {
		polls++
		snap, err := el.Snapshot(pctx)
		if err != nil {
			lastErr = err
			prev = nil
			return false, nil
		}
		if !snap.Attached || !snap.Visible {
			prev = nil
			return false, nil
		}
		box := snap.Box
		stable := prev != nil && *prev == box
		prev = &box
		return stable && snap.Enabled, nil
	})
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	e.logger.Debug("Element did not settle within bound, proceeding",
		zap.String("element", el.Describe()),
		zap.Duration("bound", bound),
		zap.Int("polls", polls),
		zap.Error(lastErr))
	return false, nil
}
