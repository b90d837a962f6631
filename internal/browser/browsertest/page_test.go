package browsertest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/probe/api/schemas"
)

const listDoc = `<html><body>
<div id="app"><nav><div><a href="/a">Dashboard</a><a href="/b">Orders</a></div></nav>
<ul class="items">
  <li class="item">Low stock: widgets <button>x</button></li>
  <li class="item">Order update <button>x</button></li>
</ul>
<input id="q" type="search"><input id="off" disabled><span hidden>secret</span>
</div></body></html>`

func TestQuerySelectorKinds(t *testing.T) {
	ctx := context.Background()
	p := New(listDoc)

	css, err := p.Query(ctx, schemas.RootFrame(), nil, schemas.MustSelector(".item"))
	require.NoError(t, err)
	assert.Len(t, css, 2)

	xp, err := p.Query(ctx, schemas.RootFrame(), nil, schemas.MustSelector("xpath=html/body/div/nav/div/a"))
	require.NoError(t, err)
	require.Len(t, xp, 2)
	text, err := xp[1].Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Orders", text)

	byText, err := p.Query(ctx, schemas.RootFrame(), nil, schemas.MustSelector("text=order UPDATE"))
	require.NoError(t, err)
	require.Len(t, byText, 1)
	assert.Equal(t, "<li class=\"item\">", byText[0].Describe())

	_, err = p.Query(ctx, schemas.RootFrame(), nil, schemas.MustSelector("xpath=//li[")) // malformed
	assert.Error(t, err)
}

func TestQueryWithinScope(t *testing.T) {
	ctx := context.Background()
	p := New(listDoc)

	items, err := p.Query(ctx, schemas.RootFrame(), nil, schemas.MustSelector(".item"))
	require.NoError(t, err)
	buttons, err := p.Query(ctx, schemas.RootFrame(), items[1], schemas.MustSelector("button"))
	require.NoError(t, err)
	assert.Len(t, buttons, 1)
}

func TestFramesInDocumentOrder(t *testing.T) {
	ctx := context.Background()
	p := New(listDoc)
	a := p.AddFrame(schemas.RootFrame(), "ads", "https://ads.example/", "<p>ad</p>")
	p.AddFrame(a, "", "https://ads.example/inner", "<p>inner</p>")
	p.AddFrame(schemas.RootFrame(), "chat", "https://chat.example/", "<p>chat</p>")

	frames, err := p.Frames(ctx)
	require.NoError(t, err)
	var refs []string
	for _, f := range frames {
		refs = append(refs, f.Ref.String())
	}
	assert.Equal(t, []string{"root", "root>0", "root>0>0", "root>1"}, refs)

	_, err = p.ReadyState(ctx, schemas.FrameRef{Path: []int{5}})
	assert.Error(t, err)
}

func TestNavigationDetachesElements(t *testing.T) {
	ctx := context.Background()
	p := New(listDoc)
	p.Route("http://app.test/next", "<html><body><p>next</p></body></html>")

	items, err := p.Query(ctx, schemas.RootFrame(), nil, schemas.MustSelector(".item"))
	require.NoError(t, err)
	require.NoError(t, p.Navigate(ctx, "http://app.test/next", schemas.ReadyDOMContentLoaded))

	attached, err := items[0].IsAttached(ctx)
	require.NoError(t, err)
	assert.False(t, attached)
	assert.ErrorIs(t, items[0].Click(ctx), ErrDetached)

	err = p.Navigate(ctx, "http://nowhere.test/", schemas.ReadyCommit)
	var navErr *schemas.NavigationError
	assert.ErrorAs(t, err, &navErr)
}

func TestClickAndFillHandlers(t *testing.T) {
	ctx := context.Background()
	p := New(listDoc)
	p.OnClick(".item button", func(p *Page, n *html.Node) { p.Remove(n.Parent) })
	var filled string
	p.OnFill("#q", func(_ *Page, _ *html.Node, text string) { filled = text })

	buttons, err := p.Query(ctx, schemas.RootFrame(), nil, schemas.MustSelector(".item button"))
	require.NoError(t, err)
	require.NoError(t, buttons[0].Click(ctx))
	assert.Len(t, p.Find(".item"), 1)

	inputs, err := p.Query(ctx, schemas.RootFrame(), nil, schemas.MustSelector("#q"))
	require.NoError(t, err)
	require.NoError(t, inputs[0].Fill(ctx, "Customer 3"))
	assert.Equal(t, "Customer 3", filled)
	assert.Equal(t, "Customer 3", inputs[0].(*Element).Value())

	disabled, err := p.Query(ctx, schemas.RootFrame(), nil, schemas.MustSelector("#off"))
	require.NoError(t, err)
	assert.ErrorIs(t, disabled[0].Fill(ctx, "x"), ErrNotEditable)

	hidden, err := p.Query(ctx, schemas.RootFrame(), nil, schemas.MustSelector("span[hidden]"))
	require.NoError(t, err)
	assert.ErrorIs(t, hidden[0].Click(ctx), ErrNotVisible)
}

func TestSessionActivePageFollowsNewTabs(t *testing.T) {
	ctx := context.Background()
	first, second := New(listDoc), New("<p>popup</p>")
	s := NewSession(first)

	active, err := s.ActivePage(ctx)
	require.NoError(t, err)
	assert.Same(t, first, active)

	s.OpenPage(second)
	active, err = s.ActivePage(ctx)
	require.NoError(t, err)
	assert.Same(t, second, active)

	s.ClosePage(second)
	active, err = s.ActivePage(ctx)
	require.NoError(t, err)
	assert.Same(t, first, active)

	require.NoError(t, s.Close(ctx))
	_, err = s.ActivePage(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, 1, s.CloseCount())
}
