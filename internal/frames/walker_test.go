package frames

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/probe/api/schemas"
	"github.com/xkilldash9x/probe/internal/browser/browsertest"
)

func newTestWalker(t *testing.T, timeout time.Duration) (*Walker, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return NewWalker(zap.New(core), timeout, 10*time.Millisecond), logs
}

func TestWalkReturnsEveryFrameWhenOneNeverLoads(t *testing.T) {
	page := browsertest.New("<p>root</p>")
	first := page.AddFrame(schemas.RootFrame(), "ads", "https://ads.example/slot", "<p>ad</p>")
	page.AddFrame(schemas.RootFrame(), "chat", "https://chat.example/", "<p>chat</p>")
	page.SetReadyState(first, "loading")

	w, logs := newTestWalker(t, 50*time.Millisecond)
	frames, err := w.Walk(context.Background(), page)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.True(t, frames[0].Ready())
	assert.False(t, frames[1].Ready())
	assert.True(t, frames[2].Ready())

	var timeout *schemas.FrameReadyTimeoutError
	require.ErrorAs(t, frames[1].Err, &timeout)
	assert.Equal(t, "loading", timeout.State)
	assert.False(t, schemas.IsFatal(frames[1].Err))

	warnings := logs.FilterMessage("Frame did not become ready, continuing").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "root>0", warnings[0].ContextMap()["frame"])
}

func TestWalkWaitsForInteractive(t *testing.T) {
	page := browsertest.New("<p>root</p>")
	page.SetReadyState(schemas.RootFrame(), "loading")
	go func() {
		time.Sleep(30 * time.Millisecond)
		page.SetReadyState(schemas.RootFrame(), "interactive")
	}()

	w, _ := newTestWalker(t, time.Second)
	frames, err := w.Walk(context.Background(), page)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Ready())
	assert.Equal(t, "interactive", frames[0].ReadyState)
}

func TestWalkStopsOnCancellation(t *testing.T) {
	page := browsertest.New("<p>root</p>")
	page.SetReadyState(schemas.RootFrame(), "loading")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w, _ := newTestWalker(t, time.Second)
	_, err := w.Walk(ctx, page)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFindAndResolve(t *testing.T) {
	ctx := context.Background()
	page := browsertest.New("<p>root</p>")
	outer := page.AddFrame(schemas.RootFrame(), "outer", "https://a.example/", "<p>a</p>")
	page.AddFrame(outer, "payment", "https://pay.example/form?id=1", "<p>pay</p>")

	ref, err := Find(ctx, page, Match{URL: "pay.example"})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, ref.Path)

	ref, err = Resolve(ctx, page, schemas.FrameRef{Name: "outer"})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, ref.Path)

	ref, err = Resolve(ctx, page, schemas.RootFrame().Child(0))
	require.NoError(t, err)
	assert.Equal(t, []int{0}, ref.Path)

	_, err = Find(ctx, page, Match{Name: "missing"})
	assert.Error(t, err)
}
