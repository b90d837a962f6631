// Package browsertest provides an in-memory implementation of schemas.Page backed
// by parsed HTML. It lets the locator, action, assertion and runner packages be
// tested without a browser.
package browsertest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/probe/api/schemas"
)

// ScriptFunc produces the value of a registered page expression.
type ScriptFunc func() (any, error)

// ElementScriptFunc produces the value of a function called on an element.
type ElementScriptFunc func(n *html.Node) (any, error)

// Delta is one recorded wheel event.
type Delta struct {
	DX, DY float64
}

type frame struct {
	name       string
	url        string
	doc        *html.Node
	readyState string
	detached   bool
	children   []*frame
}

type route struct {
	doc        string
	readyState string
	err        error
}

type clickHandler struct {
	css string
	fn  func(p *Page, n *html.Node)
}

type fillHandler struct {
	css string
	fn  func(p *Page, n *html.Node, text string)
}

// Page is an HTML-backed fake page. The zero value is not usable; use New.
type Page struct {
	mu sync.Mutex

	url      string
	root     *frame
	routes   map[string]route
	scripts  map[string]ScriptFunc
	elScript map[string]ElementScriptFunc
	clicks   []clickHandler
	fills    []fillHandler

	width, height float64
	wheel         []Delta
	navigations   []string
	clickCount    int
	releases      int
	boxes         map[*html.Node][]schemas.Box
}

// New parses doc as the root document of a fresh page at about:blank.
func New(doc string) *Page {
	return &Page{
		url:      "about:blank",
		root:     newFrame("", "about:blank", doc, "complete"),
		routes:   make(map[string]route),
		scripts:  make(map[string]ScriptFunc),
		elScript: make(map[string]ElementScriptFunc),
		width:    1280,
		height:   720,
		boxes:    make(map[*html.Node][]schemas.Box),
	}
}

func newFrame(name, url, doc, state string) *frame {
	node, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		// html.Parse only fails on reader errors.
		panic(err)
	}
	return &frame{name: name, url: url, doc: node, readyState: state}
}

// -- Fixture setup --

// AddFrame attaches a child document under parent and returns its reference.
func (p *Page) AddFrame(parent schemas.FrameRef, name, url, doc string) schemas.FrameRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.frameLocked(parent)
	if err != nil {
		panic(err)
	}
	f.children = append(f.children, newFrame(name, url, doc, "complete"))
	return parent.Child(len(f.children) - 1)
}

// SetReadyState overrides document.readyState of a frame. "loading" makes the
// frame never ready.
func (p *Page) SetReadyState(ref schemas.FrameRef, state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.frameLocked(ref)
	if err != nil {
		panic(err)
	}
	f.readyState = state
}

// Route registers the document served for url.
func (p *Page) Route(url, doc string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[url] = route{doc: doc, readyState: "complete"}
}

// RouteLoading registers a document that stays in the given readyState after navigation.
func (p *Page) RouteLoading(url, doc, state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[url] = route{doc: doc, readyState: state}
}

// RouteError makes navigation to url fail with err.
func (p *Page) RouteError(url string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[url] = route{err: err}
}

// SetScript registers a constant result for expr.
func (p *Page) SetScript(expr string, value any) {
	p.SetScriptFunc(expr, func() (any, error) { return value, nil })
}

// SetScriptFunc registers a computed result for expr. A returned error is
// reported as a thrown exception.
func (p *Page) SetScriptFunc(expr string, fn ScriptFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[strings.TrimSpace(expr)] = fn
}

// SetElementScript registers the result of calling fn on an element.
func (p *Page) SetElementScript(fn string, impl ElementScriptFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elScript[strings.TrimSpace(fn)] = impl
}

// OnClick runs fn when an element matching css, or a descendant of one, is clicked.
func (p *Page) OnClick(css string, fn func(p *Page, n *html.Node)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks = append(p.clicks, clickHandler{css: css, fn: fn})
}

// OnFill runs fn after an element matching css is filled.
func (p *Page) OnFill(css string, fn func(p *Page, n *html.Node, text string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fills = append(p.fills, fillHandler{css: css, fn: fn})
}

// SetBoxes makes successive snapshots of the first element matching css report
// the given boxes. The last box repeats once the sequence is exhausted.
func (p *Page) SetBoxes(css string, boxes ...schemas.Box) {
	p.mu.Lock()
	defer p.mu.Unlock()
	nodes := cssQuery(p.root.doc, css)
	if len(nodes) == 0 {
		panic(fmt.Sprintf("browsertest: no element matches %q", css))
	}
	p.boxes[nodes[0]] = boxes
}

// -- Mutation helpers for handlers --

// Remove detaches n from its document.
func (p *Page) Remove(n *html.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// Append parses fragment and appends it to the first root-document element matching css.
func (p *Page) Append(css, fragment string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	targets := cssQuery(p.root.doc, css)
	if len(targets) == 0 {
		return fmt.Errorf("browsertest: no element matches %q", css)
	}
	parent := targets[0]
	nodes, err := html.ParseFragment(strings.NewReader(fragment), parent)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		parent.AppendChild(n)
	}
	return nil
}

// SetAttr sets an attribute on n.
func (p *Page) SetAttr(n *html.Node, key, val string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	setAttr(n, key, val)
}

// Find returns the root-document elements matching css.
func (p *Page) Find(css string) []*html.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cssQuery(p.root.doc, css)
}

// -- Recorded interactions --

// Wheels returns the wheel events dispatched so far.
func (p *Page) Wheels() []Delta {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Delta(nil), p.wheel...)
}

// Navigations returns the URLs navigated to so far.
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// ClickCount returns the number of clicks delivered to enabled elements.
func (p *Page) ClickCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clickCount
}

// Releases returns how often ReleaseHandles was called.
func (p *Page) Releases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releases
}

// ReleaseHandles counts the call. Fake elements hold no remote state.
func (p *Page) ReleaseHandles(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases++
	return ctx.Err()
}

// -- schemas.Page --

var (
	_ schemas.Page           = (*Page)(nil)
	_ schemas.HandleReleaser = (*Page)(nil)
)

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, ctx.Err()
}

func (p *Page) Navigate(ctx context.Context, url string, ready schemas.ReadyState) error {
	if err := ctx.Err(); err != nil {
		return &schemas.NavigationError{URL: url, Err: err}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigations = append(p.navigations, url)
	r, ok := p.routes[url]
	if !ok {
		return &schemas.NavigationError{URL: url, Message: "net::ERR_NAME_NOT_RESOLVED"}
	}
	if r.err != nil {
		return &schemas.NavigationError{URL: url, Err: r.err}
	}
	markDetached(p.root)
	p.root = newFrame("", url, r.doc, r.readyState)
	p.url = url
	if !ready.Satisfied(r.readyState) {
		return &schemas.NavigationError{URL: url, Message: fmt.Sprintf("document stayed %q waiting for %s", r.readyState, ready)}
	}
	return nil
}

func markDetached(f *frame) {
	f.detached = true
	for _, c := range f.children {
		markDetached(c)
	}
}

func (p *Page) Frames(ctx context.Context) ([]schemas.FrameInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []schemas.FrameInfo
	var walk func(f *frame, ref schemas.FrameRef)
	walk = func(f *frame, ref schemas.FrameRef) {
		out = append(out, schemas.FrameInfo{Ref: ref, ID: ref.String(), Name: f.name, URL: f.url})
		for i, c := range f.children {
			walk(c, ref.Child(i))
		}
	}
	walk(p.root, schemas.RootFrame())
	return out, nil
}

func (p *Page) ReadyState(ctx context.Context, ref schemas.FrameRef) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.frameLocked(ref)
	if err != nil {
		return "", err
	}
	return f.readyState, nil
}

func (p *Page) Query(ctx context.Context, ref schemas.FrameRef, scope schemas.Element, sel schemas.Selector) ([]schemas.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.frameLocked(ref)
	if err != nil {
		return nil, err
	}
	root := f.doc
	if scope != nil {
		el, ok := scope.(*Element)
		if !ok || el.page != p {
			return nil, fmt.Errorf("browsertest: scope element belongs to another page")
		}
		if !el.attachedLocked() {
			return nil, fmt.Errorf("browsertest: scope element is detached")
		}
		root = el.node
		f = el.frame
	}

	var nodes []*html.Node
	switch sel.Kind {
	case schemas.SelectorCSS:
		nodes = cssQuery(root, sel.Expr)
	case schemas.SelectorXPath:
		found, err := htmlquery.QueryAll(root, sel.Expr)
		if err != nil {
			return nil, fmt.Errorf("invalid xpath %q: %w", sel.Expr, err)
		}
		for _, n := range found {
			if n.Type == html.ElementNode {
				nodes = append(nodes, n)
			}
		}
	case schemas.SelectorText:
		nodes = textQuery(root, sel.Expr)
	default:
		return nil, fmt.Errorf("unsupported selector kind %q", sel.Kind)
	}

	out := make([]schemas.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &Element{page: p, frame: f, node: n})
	}
	return out, nil
}

func (p *Page) Evaluate(ctx context.Context, ref schemas.FrameRef, expr string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if _, err := p.frameLocked(ref); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	fn, ok := p.scripts[strings.TrimSpace(expr)]
	p.mu.Unlock()
	if !ok {
		return nil, &schemas.ScriptEvaluationError{Expression: expr, Message: "ReferenceError: expression is not defined"}
	}
	v, err := fn()
	if err != nil {
		return nil, &schemas.ScriptEvaluationError{Expression: expr, Message: err.Error()}
	}
	return json.Marshal(v)
}

func (p *Page) Wheel(ctx context.Context, dx, dy float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wheel = append(p.wheel, Delta{DX: dx, DY: dy})
	return nil
}

func (p *Page) Viewport(ctx context.Context) (float64, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width, p.height, ctx.Err()
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []byte("\x89PNG\r\n\x1a\nbrowsertest"), nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var buf bytes.Buffer
	if err := html.Render(&buf, p.root.doc); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (p *Page) frameLocked(ref schemas.FrameRef) (*frame, error) {
	if ref.IsSymbolic() {
		return nil, fmt.Errorf("browsertest: frame %s must be resolved to a path", ref)
	}
	f := p.root
	for depth, i := range ref.Path {
		if i < 0 || i >= len(f.children) {
			return nil, fmt.Errorf("frame %s does not exist (level %d has %d children)", ref, depth, len(f.children))
		}
		f = f.children[i]
	}
	return f, nil
}

// -- DOM helpers --

func cssQuery(root *html.Node, expr string) []*html.Node {
	return goquery.NewDocumentFromNode(root).Find(expr).Nodes
}

func matchesCSS(root, n *html.Node, expr string) bool {
	for _, m := range cssQuery(root, expr) {
		if m == n {
			return true
		}
	}
	return false
}

// textQuery returns the deepest elements whose text contains needle, case-insensitively.
func textQuery(root *html.Node, needle string) []*html.Node {
	needle = strings.ToLower(needle)
	var out []*html.Node
	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		childMatched := false
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && walk(c) {
				childMatched = true
			}
		}
		if childMatched {
			return true
		}
		if n.Type == html.ElementNode && n != root && strings.Contains(strings.ToLower(innerText(n)), needle) {
			out = append(out, n)
			return true
		}
		return false
	}
	walk(root)
	return out
}

func innerText(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
