package locator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/probe/api/schemas"
	"github.com/xkilldash9x/probe/internal/browser/browsertest"
)

const navDoc = `<html><body><div>
<nav><div><a id="first">Dashboard</a><a id="second">Orders</a><a id="third">Settings</a></div></nav>
<ul id="notifications"></ul>
</div></body></html>`

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	return NewResolver(zaptest.NewLogger(t), 10*time.Millisecond)
}

func TestResolveIndexSemantics(t *testing.T) {
	ctx := context.Background()
	page := browsertest.New(navDoc)
	r := newTestResolver(t)
	links := schemas.Locator{Selector: schemas.MustSelector("xpath=html/body/div/nav/div/a")}

	t.Run("index selects among matches", func(t *testing.T) {
		el, err := r.Resolve(ctx, page, links.At(1), time.Second)
		require.NoError(t, err)
		assert.Contains(t, el.Describe(), `id="second"`)
	})

	t.Run("index past the match count times out as not found", func(t *testing.T) {
		start := time.Now()
		_, err := r.Resolve(ctx, page, links.At(3), 60*time.Millisecond)
		var nf *schemas.ElementNotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, 3, nf.Matches)
		assert.Equal(t, 3, nf.Locator.Index)
		assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	})

	t.Run("negative index is rejected", func(t *testing.T) {
		_, err := r.Resolve(ctx, page, links.At(schemas.AllMatches), time.Second)
		assert.Error(t, err)
	})
}

func TestResolveWaitsForLateElement(t *testing.T) {
	ctx := context.Background()
	page := browsertest.New(navDoc)
	r := newTestResolver(t)

	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = page.Append("#notifications", `<li class="notification-item">Low stock</li>`)
	}()

	el, err := r.Resolve(ctx, page, schemas.Locator{Selector: schemas.MustSelector(".notification-item")}, time.Second)
	require.NoError(t, err)
	text, err := el.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Low stock", text)
}

func TestResolveHonoursCancellation(t *testing.T) {
	page := browsertest.New(navDoc)
	r := newTestResolver(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := r.Resolve(ctx, page, schemas.Locator{Selector: schemas.MustSelector(".never")}, 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolveInChildFrameAndScope(t *testing.T) {
	ctx := context.Background()
	page := browsertest.New(navDoc)
	frame := page.AddFrame(schemas.RootFrame(), "inbox", "https://app.test/inbox",
		`<ul><li class="msg"><button class="dismiss">x</button></li><li class="msg"><button class="dismiss">y</button></li></ul>`)
	r := newTestResolver(t)

	item := schemas.Locator{Selector: schemas.MustSelector(".msg"), Frame: frame, Index: 1}
	button := schemas.Locator{Selector: schemas.MustSelector("button.dismiss")}.Within(item)
	el, err := r.Resolve(ctx, page, button, time.Second)
	require.NoError(t, err)
	text, err := el.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "y", text)

	byName := schemas.Locator{Selector: schemas.MustSelector(".msg"), Frame: schemas.FrameRef{Name: "inbox"}}
	n, err := r.Count(ctx, page, byName)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCountDoesNotWait(t *testing.T) {
	ctx := context.Background()
	page := browsertest.New(navDoc)
	r := newTestResolver(t)

	n, err := r.Count(ctx, page, schemas.Locator{Selector: schemas.MustSelector(".notification-item")})
	require.NoError(t, err)
	assert.Zero(t, n)

	missingScope := schemas.Locator{Selector: schemas.MustSelector("button")}.
		Within(schemas.Locator{Selector: schemas.MustSelector(".notification-item")})
	n, err = r.Count(ctx, page, missingScope)
	require.NoError(t, err)
	assert.Zero(t, n)

	all, err := r.ResolveAll(ctx, page, schemas.Locator{Selector: schemas.MustSelector("nav a"), Index: schemas.AllMatches})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
