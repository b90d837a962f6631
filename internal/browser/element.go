package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/probe/api/schemas"
)

// ErrDetached is returned by interactions on an element that left the document.
var ErrDetached = errors.New("element is detached from the document")

// Element is a remote object handle to a DOM element.
type Element struct {
	page     *Page
	frame    schemas.FrameRef
	objectID runtime.RemoteObjectID
	desc     string
}

var _ schemas.Element = (*Element)(nil)

func (e *Element) Describe() string {
	if e.frame.IsRoot() {
		return e.desc
	}
	return e.desc + " in " + e.frame.String()
}

// call applies fn to the element and decodes the by-value result into out
// when out is non-nil.
func (e *Element) call(ctx context.Context, fn string, out any) error {
	var (
		obj *runtime.RemoteObject
		exc *runtime.ExceptionDetails
	)
	err := e.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		obj, exc, err = runtime.CallFunctionOn(fn).
			WithObjectID(e.objectID).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		return err
	}))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The handle is gone once its document or execution context is.
		return fmt.Errorf("%w: %v", ErrDetached, err)
	}
	if exc != nil {
		return &schemas.ScriptEvaluationError{Expression: fn, Message: exceptionMessage(exc)}
	}
	if out == nil {
		return nil
	}
	raw := remoteValue(obj)
	if raw == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (e *Element) IsAttached(ctx context.Context) (bool, error) {
	var connected bool
	if err := e.call(ctx, connectedFunction, &connected); err != nil {
		if errors.Is(err, ErrDetached) {
			return false, nil
		}
		return false, err
	}
	return connected, nil
}

func (e *Element) Snapshot(ctx context.Context) (schemas.ElementSnapshot, error) {
	var snap schemas.ElementSnapshot
	if err := e.call(ctx, snapshotFunction, &snap); err != nil {
		if errors.Is(err, ErrDetached) {
			return schemas.ElementSnapshot{}, nil
		}
		return schemas.ElementSnapshot{}, err
	}
	return snap, nil
}

func (e *Element) Text(ctx context.Context) (string, error) {
	var text string
	if err := e.call(ctx, textFunction, &text); err != nil {
		return "", err
	}
	return text, nil
}

// Click scrolls the element into view and presses the left button at the
// centre of its first content quad.
func (e *Element) Click(ctx context.Context) error {
	attached, err := e.IsAttached(ctx)
	if err != nil {
		return err
	}
	if !attached {
		return ErrDetached
	}
	return e.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := dom.ScrollIntoViewIfNeeded().WithObjectID(e.objectID).Do(ctx); err != nil {
			return fmt.Errorf("scroll into view: %w", err)
		}
		quads, err := dom.GetContentQuads().WithObjectID(e.objectID).Do(ctx)
		if err != nil {
			return fmt.Errorf("locate element: %w", err)
		}
		x, y, ok := quadCentre(quads)
		if !ok {
			return errors.New("element has no visible area to click")
		}
		for _, typ := range []input.MouseType{input.MouseMoved, input.MousePressed, input.MouseReleased} {
			ev := input.DispatchMouseEvent(typ, x, y)
			if typ != input.MouseMoved {
				ev = ev.WithButton(input.Left).WithClickCount(1)
			}
			if err := ev.Do(ctx); err != nil {
				return fmt.Errorf("dispatch %s: %w", typ, err)
			}
		}
		return nil
	}))
}

// quadCentre returns the centre of the first quad with a non-zero area.
func quadCentre(quads []dom.Quad) (float64, float64, bool) {
	for _, q := range quads {
		if len(q) != 8 {
			continue
		}
		minX, maxX, minY, maxY := q[0], q[0], q[1], q[1]
		var x, y float64
		for i := 0; i < 8; i += 2 {
			x += q[i]
			y += q[i+1]
			minX, maxX = min(minX, q[i]), max(maxX, q[i])
			minY, maxY = min(minY, q[i+1]), max(maxY, q[i+1])
		}
		if maxX-minX < 1 || maxY-minY < 1 {
			continue
		}
		return x / 4, y / 4, true
	}
	return 0, 0, false
}

// Fill focuses the element, selects its content and inserts text the way a
// paste would, so input listeners fire once with the final value.
func (e *Element) Fill(ctx context.Context, text string) error {
	if err := e.call(ctx, focusForFillFunction, nil); err != nil {
		return err
	}
	if text == "" {
		return e.call(ctx, clearFunction, nil)
	}
	err := e.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.InsertText(text).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("insert text: %w", err)
	}
	return e.call(ctx, changeFunction, nil)
}

func (e *Element) ScrollBy(ctx context.Context, dx, dy float64) error {
	args, err := json.Marshal([]float64{dx, dy})
	if err != nil {
		return err
	}
	return e.call(ctx, bindArgs(scrollByFunction, string(args)), nil)
}

// Evaluate applies fn with the element as this and as the first argument.
func (e *Element) Evaluate(ctx context.Context, fn string) (json.RawMessage, error) {
	decl := "function() { return (" + fn + ").call(this, this); }"
	var (
		obj *runtime.RemoteObject
		exc *runtime.ExceptionDetails
	)
	err := e.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		obj, exc, err = runtime.CallFunctionOn(decl).
			WithObjectID(e.objectID).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		return err
	}))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &schemas.ScriptEvaluationError{Expression: fn, Err: fmt.Errorf("%w: %v", ErrDetached, err)}
	}
	if exc != nil {
		return nil, &schemas.ScriptEvaluationError{Expression: fn, Message: exceptionMessage(exc)}
	}
	return remoteValue(obj), nil
}
