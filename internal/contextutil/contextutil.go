// Package contextutil holds context helpers shared by the browser driver and the
// runner. chromedp keeps the CDP target in context values, so derived contexts
// must keep the parent's values even when they drop its cancellation.
package contextutil

import (
	"context"
	"time"
)

// CombineContext derives a context from primary that is also canceled when
// secondary is done. Values come from primary only.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// Detach returns a context carrying the values of ctx that is never canceled
// by it. Teardown runs on detached contexts so an expired test deadline cannot
// skip it.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// Cleanup returns a detached context bounded by timeout. A non-positive timeout
// leaves it unbounded.
func Cleanup(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(Detach(ctx))
	}
	return context.WithTimeout(Detach(ctx), timeout)
}
