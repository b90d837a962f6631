package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/xkilldash9x/probe/api/schemas"
	"github.com/xkilldash9x/probe/internal/contextutil"
)

// objectGroup tags every handle created by a query so they share a lifetime.
const objectGroup = "probe"

// contextWait bounds how long a frame lookup waits for the frame's default
// execution context to be reported after attachment.
const contextWait = time.Second

// Page drives one page target over CDP. All frames of the page share the
// target's session because site isolation is disabled at launch.
type Page struct {
	ctx      context.Context
	cancel   context.CancelFunc
	targetID target.ID
	logger   *zap.Logger
	interval time.Duration

	attachOnce sync.Once
	attachErr  error

	mu       sync.Mutex
	contexts map[cdp.FrameID]runtime.ExecutionContextID
}

var (
	_ schemas.Page           = (*Page)(nil)
	_ schemas.HandleReleaser = (*Page)(nil)
)

// newPage wraps a chromedp context bound to a page target. The execution
// context listener is installed before the first Run so the contexts reported
// on runtime.enable are not missed.
func newPage(ctx context.Context, cancel context.CancelFunc, id target.ID, logger *zap.Logger, interval time.Duration) *Page {
	p := &Page{
		ctx:      ctx,
		cancel:   cancel,
		targetID: id,
		logger:   logger.With(zap.String("target", string(id))),
		interval: interval,
		contexts: make(map[cdp.FrameID]runtime.ExecutionContextID),
	}
	chromedp.ListenTarget(ctx, p.handleEvent)
	return p
}

// attach runs the chromedp context once so the target is attached and its
// domains enabled.
func (p *Page) attach(ctx context.Context) error {
	p.attachOnce.Do(func() {
		runCtx, cancel := contextutil.CombineContext(p.ctx, ctx)
		defer cancel()
		p.attachErr = chromedp.Run(runCtx)
	})
	return p.attachErr
}

func (p *Page) handleEvent(ev any) {
	switch ev := ev.(type) {
	case *runtime.EventExecutionContextCreated:
		if ev.Context == nil || len(ev.Context.AuxData) == 0 {
			return
		}
		var aux struct {
			FrameID   cdp.FrameID `json:"frameId"`
			IsDefault bool        `json:"isDefault"`
		}
		if err := json.Unmarshal([]byte(ev.Context.AuxData), &aux); err != nil || !aux.IsDefault || aux.FrameID == "" {
			return
		}
		p.mu.Lock()
		p.contexts[aux.FrameID] = ev.Context.ID
		p.mu.Unlock()
	case *runtime.EventExecutionContextDestroyed:
		p.mu.Lock()
		for frame, id := range p.contexts {
			if id == ev.ExecutionContextID {
				delete(p.contexts, frame)
			}
		}
		p.mu.Unlock()
	case *runtime.EventExecutionContextsCleared:
		p.mu.Lock()
		p.contexts = make(map[cdp.FrameID]runtime.ExecutionContextID)
		p.mu.Unlock()
	}
}

// run executes actions against the page target while honouring both the
// page lifetime and the caller's context.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := contextutil.CombineContext(p.ctx, ctx)
	defer cancel()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *Page) URL(ctx context.Context) (string, error) {
	var u string
	if err := p.run(ctx, chromedp.Location(&u)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return u, nil
}

// ReleaseHandles drops every remote object created by Query. Elements
// returned earlier stop working.
func (p *Page) ReleaseHandles(ctx context.Context) error {
	if err := p.run(ctx, runtime.ReleaseObjectGroup(objectGroup)); err != nil {
		return fmt.Errorf("release object group: %w", err)
	}
	return nil
}

// Navigate issues Page.navigate and then polls document.readyState of the
// top-level document until ready is satisfied or ctx ends. Handles into the
// old document are released first.
func (p *Page) Navigate(ctx context.Context, url string, ready schemas.ReadyState) error {
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := runtime.ReleaseObjectGroup(objectGroup).Do(ctx); err != nil {
			p.logger.Debug("Could not release object group before navigation", zap.Error(err))
		}
		var res page.NavigateReturns
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
			return err
		}
		if res.ErrorText != "" {
			return &schemas.NavigationError{URL: url, Message: res.ErrorText}
		}
		return nil
	}))
	if err != nil {
		return err
	}

	var last string
	pollErr := wait.PollUntilContextCancel(ctx, p.interval, true, func(pctx context.Context) (bool, error) {
		state, err := p.ReadyState(pctx, schemas.RootFrame())
		if err != nil {
			// The old document's context disappears during the swap.
			return false, nil
		}
		last = state
		return ready.Satisfied(state), nil
	})
	if pollErr != nil {
		return fmt.Errorf("waiting for %s (last readyState %q): %w", ready, last, ctx.Err())
	}
	return nil
}

func (p *Page) Frames(ctx context.Context) ([]schemas.FrameInfo, error) {
	tree, err := p.frameTree(ctx)
	if err != nil {
		return nil, err
	}
	var out []schemas.FrameInfo
	var walk func(t *page.FrameTree, ref schemas.FrameRef)
	walk = func(t *page.FrameTree, ref schemas.FrameRef) {
		if t == nil || t.Frame == nil {
			return
		}
		out = append(out, schemas.FrameInfo{
			Ref:  ref,
			ID:   string(t.Frame.ID),
			Name: t.Frame.Name,
			URL:  t.Frame.URL + t.Frame.URLFragment,
		})
		for i, child := range t.ChildFrames {
			walk(child, ref.Child(i))
		}
	}
	walk(tree, schemas.RootFrame())
	return out, nil
}

func (p *Page) frameTree(ctx context.Context) (*page.FrameTree, error) {
	var tree *page.FrameTree
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		tree, err = page.GetFrameTree().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("read frame tree: %w", err)
	}
	return tree, nil
}

// frameID maps a reference onto the CDP id of a live frame.
func (p *Page) frameID(ctx context.Context, ref schemas.FrameRef) (cdp.FrameID, error) {
	tree, err := p.frameTree(ctx)
	if err != nil {
		return "", err
	}
	if ref.IsSymbolic() {
		var found cdp.FrameID
		var walk func(t *page.FrameTree) bool
		walk = func(t *page.FrameTree) bool {
			if t == nil || t.Frame == nil {
				return false
			}
			if (ref.Name != "" && t.Frame.Name == ref.Name) || (ref.Name == "" && strings.Contains(t.Frame.URL, ref.URL)) {
				found = t.Frame.ID
				return true
			}
			for _, c := range t.ChildFrames {
				if walk(c) {
					return true
				}
			}
			return false
		}
		if !walk(tree) {
			return "", fmt.Errorf("no frame matches %s", ref)
		}
		return found, nil
	}
	cur := tree
	for depth, i := range ref.Path {
		if i < 0 || i >= len(cur.ChildFrames) {
			return "", fmt.Errorf("frame %s is not attached: level %d has %d children", ref, depth, len(cur.ChildFrames))
		}
		cur = cur.ChildFrames[i]
	}
	return cur.Frame.ID, nil
}

// executionContext returns the default world of the frame. Contexts are
// reported asynchronously, so a frame that just attached is given a moment.
// When none shows up an isolated world is created instead; it shares the DOM
// but not page globals.
func (p *Page) executionContext(ctx context.Context, ref schemas.FrameRef) (runtime.ExecutionContextID, error) {
	frame, err := p.frameID(ctx, ref)
	if err != nil {
		return 0, err
	}
	lookup := func() (runtime.ExecutionContextID, bool) {
		p.mu.Lock()
		defer p.mu.Unlock()
		id, ok := p.contexts[frame]
		return id, ok
	}
	if id, ok := lookup(); ok {
		return id, nil
	}

	var id runtime.ExecutionContextID
	pollErr := wait.PollUntilContextTimeout(ctx, p.interval, contextWait, true, func(context.Context) (bool, error) {
		var ok bool
		id, ok = lookup()
		return ok, nil
	})
	if pollErr == nil {
		return id, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	p.logger.Warn("No default execution context reported for frame, using an isolated world.", zap.String("frame", ref.String()))
	err = p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		id, err = page.CreateIsolatedWorld(frame).WithWorldName(objectGroup).Do(ctx)
		return err
	}))
	if err != nil {
		return 0, fmt.Errorf("create isolated world for %s: %w", ref, err)
	}
	return id, nil
}

func (p *Page) ReadyState(ctx context.Context, ref schemas.FrameRef) (string, error) {
	raw, err := p.Evaluate(ctx, ref, readyStateExpression)
	if err != nil {
		return "", err
	}
	var state string
	if err := json.Unmarshal(raw, &state); err != nil {
		return "", fmt.Errorf("decode readyState: %w", err)
	}
	return state, nil
}

// Evaluate runs expr in the default world of the frame. Promises are awaited.
func (p *Page) Evaluate(ctx context.Context, ref schemas.FrameRef, expr string) (json.RawMessage, error) {
	id, err := p.executionContext(ctx, ref)
	if err != nil {
		return nil, err
	}
	var (
		obj *runtime.RemoteObject
		exc *runtime.ExceptionDetails
	)
	err = p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		obj, exc, err = runtime.Evaluate(expr).
			WithContextID(id).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		return err
	}))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &schemas.ScriptEvaluationError{Expression: expr, Err: err}
	}
	if exc != nil {
		return nil, &schemas.ScriptEvaluationError{Expression: expr, Message: exceptionMessage(exc)}
	}
	return remoteValue(obj), nil
}

// Query runs the selector in the frame, or below scope when given. scope
// must be an element of this page and its own frame wins over ref.
func (p *Page) Query(ctx context.Context, ref schemas.FrameRef, scope schemas.Element, sel schemas.Selector) ([]schemas.Element, error) {
	args, err := json.Marshal([]string{string(sel.Kind), sel.Expr})
	if err != nil {
		return nil, err
	}
	decl := bindArgs(queryFunction, string(args))

	call := runtime.CallFunctionOn(decl).WithObjectGroup(objectGroup).WithAwaitPromise(true)
	frame := ref
	if scope != nil {
		el, ok := scope.(*Element)
		if !ok || el.page != p {
			return nil, fmt.Errorf("scope %s does not belong to this page", scope.Describe())
		}
		call = call.WithObjectID(el.objectID)
		frame = el.frame
	} else {
		id, err := p.executionContext(ctx, ref)
		if err != nil {
			return nil, err
		}
		call = call.WithExecutionContextID(id)
	}

	var (
		handles []runtime.RemoteObjectID
		descs   []string
	)
	err = p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		arr, exc, err := call.Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return &schemas.ScriptEvaluationError{Expression: sel.String(), Message: exceptionMessage(exc)}
		}
		if arr == nil || arr.ObjectID == "" {
			return nil
		}
		defer func() { _ = runtime.ReleaseObject(arr.ObjectID).Do(ctx) }()

		handles, err = arrayElements(ctx, arr.ObjectID)
		if err != nil {
			return err
		}
		descs, err = describeAll(ctx, arr.ObjectID, len(handles))
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("query %s in %s: %w", sel, frame, err)
	}

	out := make([]schemas.Element, len(handles))
	for i, h := range handles {
		out[i] = &Element{page: p, frame: frame, objectID: h, desc: descs[i]}
	}
	return out, nil
}

// arrayElements lists the element handles of a JS array in index order.
func arrayElements(ctx context.Context, array runtime.RemoteObjectID) ([]runtime.RemoteObjectID, error) {
	var props runtime.GetPropertiesReturns
	if err := cdp.Execute(ctx, runtime.CommandGetProperties, runtime.GetProperties(array).WithOwnProperties(true), &props); err != nil {
		return nil, fmt.Errorf("list query results: %w", err)
	}
	type indexed struct {
		i  int
		id runtime.RemoteObjectID
	}
	var items []indexed
	for _, prop := range props.Result {
		i, err := strconv.Atoi(prop.Name)
		if err != nil || prop.Value == nil || prop.Value.ObjectID == "" {
			continue
		}
		items = append(items, indexed{i, prop.Value.ObjectID})
	}
	sort.Slice(items, func(a, b int) bool { return items[a].i < items[b].i })
	out := make([]runtime.RemoteObjectID, len(items))
	for i, it := range items {
		out[i] = it.id
	}
	return out, nil
}

func describeAll(ctx context.Context, array runtime.RemoteObjectID, n int) ([]string, error) {
	descs := make([]string, n)
	if n == 0 {
		return descs, nil
	}
	decl := "function() { const d = " + describeFunction + "; return this.map(el => d.call(el)); }"
	obj, exc, err := runtime.CallFunctionOn(decl).WithObjectID(array).WithReturnByValue(true).Do(ctx)
	if err != nil {
		return nil, err
	}
	if exc == nil {
		var got []string
		if json.Unmarshal(remoteValue(obj), &got) == nil && len(got) == n {
			return got, nil
		}
	}
	for i := range descs {
		descs[i] = "<element>"
	}
	return descs, nil
}

// Wheel dispatches a wheel event at the centre of the viewport.
func (p *Page) Wheel(ctx context.Context, dx, dy float64) error {
	w, h, err := p.Viewport(ctx)
	if err != nil {
		return err
	}
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, w/2, h/2).
			WithDeltaX(dx).
			WithDeltaY(dy).
			Do(ctx)
	}))
}

func (p *Page) Viewport(ctx context.Context) (float64, float64, error) {
	raw, err := p.Evaluate(ctx, schemas.RootFrame(), viewportExpression)
	if err != nil {
		return 0, 0, err
	}
	var wh [2]float64
	if err := json.Unmarshal(raw, &wh); err != nil {
		return 0, 0, fmt.Errorf("decode viewport: %w", err)
	}
	return wh[0], wh[1], nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		data, err := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(ctx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	raw, err := p.Evaluate(ctx, schemas.RootFrame(), outerHTMLExpression)
	if err != nil {
		return "", err
	}
	var doc string
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// bindArgs wraps a function declaration so it is applied to this with the
// given JSON encoded argument array.
func bindArgs(fn, args string) string {
	return "function() { return (" + fn + ").apply(this, " + args + "); }"
}

// remoteValue returns the JSON value of an object fetched by value. An
// undefined result yields nil.
func remoteValue(obj *runtime.RemoteObject) json.RawMessage {
	if obj == nil || len(obj.Value) == 0 {
		if obj != nil && obj.Type == runtime.TypeObject && obj.Subtype == runtime.SubtypeNull {
			return json.RawMessage("null")
		}
		return nil
	}
	return json.RawMessage(obj.Value)
}

func exceptionMessage(exc *runtime.ExceptionDetails) string {
	if exc.Exception != nil && exc.Exception.Description != "" {
		// The description carries the stack; the first line is the message.
		msg, _, _ := strings.Cut(exc.Exception.Description, "\n")
		return msg
	}
	return exc.Text
}

