package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/probe/api/schemas"
	"github.com/xkilldash9x/probe/internal/netcapture"
)

// ErrSessionClosed is returned by ActivePage once Close has started.
var ErrSessionClosed = errors.New("browser session is closed")

// teardownLayer is one resource released by Close. Layers are released in
// slice order.
type teardownLayer struct {
	name  string
	close func(ctx context.Context) error
}

// Session owns one browser process, the isolated browser context created in
// it and every page target of that context.
type Session struct {
	id       string
	logger   *zap.Logger
	interval time.Duration

	// contextCtx is the chromedp context of the isolated browser context;
	// pages the application opens attach under it.
	contextCtx       context.Context
	browserContextID cdp.BrowserContextID
	layers           []teardownLayer
	recorder         *netcapture.Recorder
	onClose          func()

	mu       sync.Mutex
	isClosed bool
	pages    map[target.ID]*Page
	// order holds live page targets oldest first; the last one is active.
	order []target.ID

	closeOnce sync.Once
	closeErr  error
}

var (
	_ schemas.Session         = (*Session)(nil)
	_ schemas.RequestRecorder = (*Session)(nil)
)

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

// handleBrowserEvent tracks the page targets of the session's browser
// context. It runs on chromedp's event loop and must not issue commands.
func (s *Session) handleBrowserEvent(ev any) {
	switch ev := ev.(type) {
	case *target.EventTargetCreated:
		if ev.TargetInfo == nil || ev.TargetInfo.Type != "page" {
			return
		}
		if ev.TargetInfo.BrowserContextID != s.browserContextID {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, id := range s.order {
			if id == ev.TargetInfo.TargetID {
				return
			}
		}
		s.order = append(s.order, ev.TargetInfo.TargetID)
		s.logger.Debug("Page target opened.", zap.String("target", string(ev.TargetInfo.TargetID)))
	case *target.EventTargetDestroyed:
		s.forget(ev.TargetID)
	case *target.EventTargetCrashed:
		s.forget(ev.TargetID)
	}
}

func (s *Session) forget(id target.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cand := range s.order {
		if cand == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	delete(s.pages, id)
	s.logger.Debug("Page target closed.", zap.String("target", string(id)))
}

// ActivePage returns the most recently opened page that is still alive.
// Pages opened by the application get their own chromedp context on first use.
func (s *Session) ActivePage(ctx context.Context) (schemas.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if len(s.order) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s has no open page", s.id)
	}
	id := s.order[len(s.order)-1]
	p, ok := s.pages[id]
	if !ok {
		tabCtx, cancel := chromedp.NewContext(s.contextCtx, chromedp.WithTargetID(id))
		p = newPage(tabCtx, cancel, id, s.logger, s.interval)
		s.pages[id] = p
	}
	s.mu.Unlock()

	if err := p.attach(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("attach to page %s: %w", id, err)
	}
	return p, nil
}

// Requests returns the exchanges observed by the capture proxy, if any.
func (s *Session) Requests() []schemas.RequestRecord {
	if s.recorder == nil {
		return nil
	}
	return s.recorder.Requests()
}

// Close tears the session down in order: secondary page contexts, the
// isolated browser context, the browser, the allocator, the capture proxy.
// Only the first call does work; later calls return the same error. ctx bounds
// the wait for each layer.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.isClosed = true
		var cancels []context.CancelFunc
		for _, p := range s.pages {
			if p.cancel != nil {
				cancels = append(cancels, p.cancel)
			}
		}
		s.mu.Unlock()

		s.logger.Debug("Closing browser session.")
		for _, cancel := range cancels {
			cancel()
		}

		var errs []error
		for _, layer := range s.layers {
			if err := layer.close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", layer.name, err))
			}
		}

		if s.recorder != nil {
			if err := s.recorder.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close capture proxy: %w", err))
			}
		}
		if s.onClose != nil {
			s.onClose()
		}
		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			s.logger.Warn("Browser session closed with errors.", zap.Error(s.closeErr))
		}
	})
	return s.closeErr
}

// chromedpLayer releases a chromedp context. For the context that allocated
// the browser this closes the browser gracefully; for a context owning a
// browser context it closes the target and disposes the browser context.
func chromedpLayer(name string, cctx context.Context, cancel context.CancelFunc) teardownLayer {
	return teardownLayer{name: name, close: func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(cctx) }()
		var err error
		select {
		case err = <-done:
			if errors.Is(err, context.Canceled) {
				err = nil
			}
		case <-ctx.Done():
			err = ctx.Err()
		}
		cancel()
		return err
	}}
}

// cancelLayer releases a resource that only needs its cancel func called.
func cancelLayer(name string, cancel context.CancelFunc) teardownLayer {
	return teardownLayer{name: name, close: func(context.Context) error {
		cancel()
		return nil
	}}
}
