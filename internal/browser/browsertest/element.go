package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/xkilldash9x/probe/api/schemas"
)

var (
	ErrDetached    = errors.New("element is detached from the document")
	ErrNotVisible  = errors.New("element is not visible")
	ErrNotEditable = errors.New("element is not an editable input")
)

// Element is a handle to a node of a fake page.
type Element struct {
	page  *Page
	frame *frame
	node  *html.Node
}

var _ schemas.Element = (*Element)(nil)

// Node exposes the underlying HTML node.
func (e *Element) Node() *html.Node { return e.node }

func (e *Element) Describe() string {
	var b strings.Builder
	b.WriteString("<")
	b.WriteString(e.node.Data)
	if id, ok := attr(e.node, "id"); ok {
		b.WriteString(" id=" + strconv.Quote(id))
	}
	if class, ok := attr(e.node, "class"); ok {
		b.WriteString(" class=" + strconv.Quote(class))
	}
	b.WriteString(">")
	return b.String()
}

func (e *Element) IsAttached(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	return e.attachedLocked(), nil
}

func (e *Element) attachedLocked() bool {
	if e.frame.detached {
		return false
	}
	for n := e.node; n != nil; n = n.Parent {
		if n == e.frame.doc {
			return true
		}
	}
	return false
}

func (e *Element) visibleLocked() bool {
	for n := e.node; n != nil; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		if _, hidden := attr(n, "hidden"); hidden {
			return false
		}
		if style, ok := attr(n, "style"); ok {
			compact := strings.ReplaceAll(strings.ToLower(style), " ", "")
			if strings.Contains(compact, "display:none") || strings.Contains(compact, "visibility:hidden") {
				return false
			}
		}
		if n == e.node && n.Data == "input" {
			if t, _ := attr(n, "type"); strings.EqualFold(t, "hidden") {
				return false
			}
		}
	}
	return true
}

func (e *Element) enabledLocked() bool {
	_, disabled := attr(e.node, "disabled")
	return !disabled
}

func (e *Element) boxLocked() schemas.Box {
	if seq, ok := e.page.boxes[e.node]; ok && len(seq) > 0 {
		b := seq[0]
		if len(seq) > 1 {
			e.page.boxes[e.node] = seq[1:]
		}
		return b
	}
	if raw, ok := attr(e.node, "data-box"); ok {
		var v [4]float64
		parts := strings.Split(raw, ",")
		for i := 0; i < len(parts) && i < 4; i++ {
			v[i], _ = strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		}
		return schemas.Box{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
	}
	return schemas.Box{X: 0, Y: 0, Width: 100, Height: 20}
}

func (e *Element) Snapshot(ctx context.Context) (schemas.ElementSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return schemas.ElementSnapshot{}, err
	}
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	snap := schemas.ElementSnapshot{Attached: e.attachedLocked()}
	if !snap.Attached {
		return snap, nil
	}
	snap.Visible = e.visibleLocked()
	snap.Enabled = e.enabledLocked()
	if snap.Visible {
		snap.Box = e.boxLocked()
	}
	return snap, nil
}

func (e *Element) Text(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	if !e.attachedLocked() {
		return "", ErrDetached
	}
	if !e.visibleLocked() {
		return "", nil
	}
	return innerText(e.node), nil
}

func (e *Element) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.page.mu.Lock()
	switch {
	case !e.attachedLocked():
		e.page.mu.Unlock()
		return ErrDetached
	case !e.visibleLocked():
		e.page.mu.Unlock()
		return ErrNotVisible
	case !e.enabledLocked():
		// A disabled control swallows the click without an error.
		e.page.mu.Unlock()
		return nil
	}
	e.page.clickCount++

	type call struct {
		fn func(p *Page, n *html.Node)
		n  *html.Node
	}
	var calls []call
	for _, h := range e.page.clicks {
		for n := e.node; n != nil && n != e.frame.doc; n = n.Parent {
			if n.Type == html.ElementNode && matchesCSS(e.frame.doc, n, h.css) {
				calls = append(calls, call{fn: h.fn, n: n})
				break
			}
		}
	}
	e.page.mu.Unlock()

	for _, c := range calls {
		c.fn(e.page, c.n)
	}
	return nil
}

func (e *Element) Fill(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.page.mu.Lock()
	if !e.attachedLocked() {
		e.page.mu.Unlock()
		return ErrDetached
	}
	if !e.editableLocked() {
		e.page.mu.Unlock()
		return ErrNotEditable
	}
	if e.node.Data == "input" {
		setAttr(e.node, "value", text)
	} else {
		for c := e.node.FirstChild; c != nil; {
			next := c.NextSibling
			e.node.RemoveChild(c)
			c = next
		}
		e.node.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}

	var handlers []func(p *Page, n *html.Node, text string)
	for _, h := range e.page.fills {
		if matchesCSS(e.frame.doc, e.node, h.css) {
			handlers = append(handlers, h.fn)
		}
	}
	e.page.mu.Unlock()

	for _, fn := range handlers {
		fn(e.page, e.node, text)
	}
	return nil
}

func (e *Element) editableLocked() bool {
	if !e.enabledLocked() {
		return false
	}
	if _, ro := attr(e.node, "readonly"); ro {
		return false
	}
	switch e.node.Data {
	case "textarea":
		return true
	case "input":
		t, _ := attr(e.node, "type")
		switch strings.ToLower(t) {
		case "", "text", "search", "email", "password", "tel", "url", "number":
			return true
		}
		return false
	}
	ce, ok := attr(e.node, "contenteditable")
	return ok && ce != "false"
}

// Value returns the current value attribute, or the text of non-input elements.
func (e *Element) Value() string {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	if v, ok := attr(e.node, "value"); ok {
		return v
	}
	return innerText(e.node)
}

func (e *Element) ScrollBy(ctx context.Context, dx, dy float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	if !e.attachedLocked() {
		return ErrDetached
	}
	x, _ := attr(e.node, "data-scroll-x")
	y, _ := attr(e.node, "data-scroll-y")
	fx, _ := strconv.ParseFloat(x, 64)
	fy, _ := strconv.ParseFloat(y, 64)
	setAttr(e.node, "data-scroll-x", strconv.FormatFloat(fx+dx, 'f', -1, 64))
	setAttr(e.node, "data-scroll-y", strconv.FormatFloat(fy+dy, 'f', -1, 64))
	return nil
}

func (e *Element) Evaluate(ctx context.Context, fn string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.page.mu.Lock()
	impl, ok := e.page.elScript[strings.TrimSpace(fn)]
	attached := e.attachedLocked()
	e.page.mu.Unlock()
	if !attached {
		return nil, ErrDetached
	}
	if !ok {
		return nil, &schemas.ScriptEvaluationError{Expression: fn, Message: "TypeError: function is not registered"}
	}
	v, err := impl(e.node)
	if err != nil {
		return nil, &schemas.ScriptEvaluationError{Expression: fn, Message: err.Error()}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("browsertest: encode result: %w", err)
	}
	return raw, nil
}
