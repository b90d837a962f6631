// Package locator turns Locator descriptions into live element handles.
package locator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/xkilldash9x/probe/api/schemas"
	"github.com/xkilldash9x/probe/internal/frames"
)

// DefaultPollInterval is how often an unresolved locator is queried again.
const DefaultPollInterval = 100 * time.Millisecond

// Resolver resolves locators against a page, waiting for elements to appear.
type Resolver struct {
	logger   *zap.Logger
	interval time.Duration
}

// NewResolver creates a Resolver. A non-positive interval selects the default.
func NewResolver(logger *zap.Logger, interval time.Duration) *Resolver {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Resolver{logger: logger.Named("locator"), interval: interval}
}

// Resolve waits up to timeout for the element at loc.Index among the matches of
// loc to exist and be attached. The match list is re-queried on every poll so an
// element replaced by a re-render is found again. On timeout it returns
// *schemas.ElementNotFoundError carrying the last observed match count.
func (r *Resolver) Resolve(ctx context.Context, page schemas.Page, loc schemas.Locator, timeout time.Duration) (schemas.Element, error) {
	if loc.Index < 0 {
		return nil, fmt.Errorf("locator %s: index must be non-negative to resolve a single element", loc)
	}

	var (
		found   schemas.Element
		matches = -1
		lastErr error
	)
	err := wait.PollUntilContextTimeout(ctx, r.interval, timeout, true, func(pctx context.Context) (bool, error) {
		els, err := r.query(pctx, page, loc)
		if err != nil {
			lastErr = err
			return false, nil
		}
		matches, lastErr = len(els), nil
		if loc.Index >= len(els) {
			return false, nil
		}
		el := els[loc.Index]
		attached, err := el.IsAttached(pctx)
		if err != nil || !attached {
			lastErr = err
			return false, nil
		}
		found = el
		return true, nil
	})
	if err == nil {
		r.logger.Debug("Resolved locator", zap.Stringer("locator", loc), zap.String("element", found.Describe()))
		return found, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !wait.Interrupted(err) {
		return nil, err
	}
	return nil, &schemas.ElementNotFoundError{Locator: loc, Timeout: timeout, Matches: matches, Err: lastErr}
}

// Count returns the current number of matches of loc without waiting. The index
// of loc is ignored. A scope that does not resolve yields zero matches.
func (r *Resolver) Count(ctx context.Context, page schemas.Page, loc schemas.Locator) (int, error) {
	els, err := r.ResolveAll(ctx, page, loc)
	if err != nil {
		return 0, err
	}
	return len(els), nil
}

// ResolveAll returns every current match of loc in document order without waiting.
func (r *Resolver) ResolveAll(ctx context.Context, page schemas.Page, loc schemas.Locator) ([]schemas.Element, error) {
	els, err := r.query(ctx, page, loc)
	if err != nil {
		if _, missing := err.(*scopeMissingError); missing {
			return nil, nil
		}
		return nil, err
	}
	return els, nil
}

type scopeMissingError struct {
	scope schemas.Locator
	count int
}

func (e *scopeMissingError) Error() string {
	return fmt.Sprintf("scope %s not present (%d matches)", e.scope, e.count)
}

// query performs one non-waiting lookup, resolving the scope chain first.
func (r *Resolver) query(ctx context.Context, page schemas.Page, loc schemas.Locator) ([]schemas.Element, error) {
	var scope schemas.Element
	frame := loc.Frame
	if loc.Scope != nil {
		parents, err := r.query(ctx, page, *loc.Scope)
		if err != nil {
			return nil, err
		}
		if loc.Scope.Index < 0 || loc.Scope.Index >= len(parents) {
			return nil, &scopeMissingError{scope: *loc.Scope, count: len(parents)}
		}
		scope = parents[loc.Scope.Index]
		frame = loc.Scope.Frame
	}
	ref, err := frames.Resolve(ctx, page, frame)
	if err != nil {
		return nil, err
	}
	return page.Query(ctx, ref, scope, loc.Selector)
}
