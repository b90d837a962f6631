// Package frames enumerates the frame tree of a page and waits for each frame's
// document to become ready.
package frames

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/xkilldash9x/probe/api/schemas"
)

const (
	DefaultReadyTimeout = 3 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Frame is one entry of a walk. Err is a *schemas.FrameReadyTimeoutError when the
// frame did not reach the interactive state in time.
type Frame struct {
	schemas.FrameInfo
	ReadyState string
	Err        error
}

// Ready reports whether the frame finished loading its content.
func (f Frame) Ready() bool { return f.Err == nil }

// Walker visits every frame of a page.
type Walker struct {
	logger       *zap.Logger
	readyTimeout time.Duration
	interval     time.Duration
}

// NewWalker creates a Walker. Zero durations select the defaults.
func NewWalker(logger *zap.Logger, readyTimeout, interval time.Duration) *Walker {
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Walker{
		logger:       logger.Named("frames"),
		readyTimeout: readyTimeout,
		interval:     interval,
	}
}

// Walk returns the root frame and every attached child frame in document order,
// after waiting for each one to reach "interactive". Frames are waited on one at a
// time with their own bound; a frame that never becomes ready is recorded on its
// entry and logged, and the walk moves on. The only error is failing to list the
// frame tree, or cancellation of ctx.
func (w *Walker) Walk(ctx context.Context, page schemas.Page) ([]Frame, error) {
	infos, err := page.Frames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}

	out := make([]Frame, 0, len(infos))
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		state, err := w.WaitReady(ctx, page, info)
		f := Frame{FrameInfo: info, ReadyState: state, Err: err}
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			w.logger.Warn("Frame did not become ready, continuing",
				zap.String("frame", info.Ref.String()),
				zap.String("url", info.URL),
				zap.Error(err))
		}
		out = append(out, f)
	}

	w.logger.Debug("Frame walk complete", zap.Int("frames", len(out)))
	return out, nil
}

// WaitReady polls document.readyState of one frame until it is at least
// "interactive" or the ready timeout elapses. It returns the last observed state.
func (w *Walker) WaitReady(ctx context.Context, page schemas.Page, info schemas.FrameInfo) (string, error) {
	var (
		last    string
		lastErr error
	)
	err := wait.PollUntilContextTimeout(ctx, w.interval, w.readyTimeout, true, func(pctx context.Context) (bool, error) {
		state, err := page.ReadyState(pctx, info.Ref)
		if err != nil {
			// Frames that are mid-navigation have no document to ask; try again.
			lastErr = err
			return false, nil
		}
		last, lastErr = state, nil
		return schemas.ReadyDOMContentLoaded.Satisfied(state), nil
	})
	if err == nil {
		return last, nil
	}
	if ctx.Err() != nil {
		return last, ctx.Err()
	}
	return last, &schemas.FrameReadyTimeoutError{
		Frame:   info.Ref,
		URL:     info.URL,
		Timeout: w.readyTimeout,
		State:   last,
		Err:     lastErr,
	}
}

// Match selects a frame by name or by a substring of its URL.
type Match struct {
	Name string
	URL  string
}

func (m Match) matches(info schemas.FrameInfo) bool {
	if m.Name != "" && info.Name != m.Name {
		return false
	}
	if m.URL != "" && !strings.Contains(info.URL, m.URL) {
		return false
	}
	return m.Name != "" || m.URL != ""
}

// Find returns the path of the first frame, in document order, that satisfies m.
func Find(ctx context.Context, page schemas.Page, m Match) (schemas.FrameRef, error) {
	infos, err := page.Frames(ctx)
	if err != nil {
		return schemas.FrameRef{}, fmt.Errorf("failed to list frames: %w", err)
	}
	for _, info := range infos {
		if m.matches(info) {
			return info.Ref, nil
		}
	}
	return schemas.FrameRef{}, fmt.Errorf("no frame matches name=%q url=%q among %d frames", m.Name, m.URL, len(infos))
}

// Resolve turns a symbolic reference into a path. Path references are returned as is.
func Resolve(ctx context.Context, page schemas.Page, ref schemas.FrameRef) (schemas.FrameRef, error) {
	if !ref.IsSymbolic() {
		return ref, nil
	}
	return Find(ctx, page, Match{Name: ref.Name, URL: ref.URL})
}
