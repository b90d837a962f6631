// Package browser implements the session manager on top of chromedp. Each
// session is a separate headless Chromium process with a throwaway profile
// and one isolated browser context.
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
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/probe/api/schemas"
	"github.com/xkilldash9x/probe/internal/config"
	"github.com/xkilldash9x/probe/internal/netcapture"
)

const defaultCloseTimeout = 10 * time.Second

// ErrManagerClosed is returned by Open after Shutdown.
var ErrManagerClosed = errors.New("browser manager is shut down")

// Manager launches sessions and keeps track of the live ones so Shutdown can
// reclaim anything a caller forgot to close.
type Manager struct {
	logger *zap.Logger
	cfg    *config.Config

	// base outlives individual Open calls; browsers are tied to it.
	base       context.Context
	baseCancel context.CancelFunc

	sessions map[string]*Session
	mu       sync.RWMutex
	wg       sync.WaitGroup
	closed   bool
}

var _ schemas.SessionOpener = (*Manager)(nil)

// NewManager creates a browser manager. Nothing is launched until Open.
func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:     logger.Named("browser_manager"),
		cfg:        cfg,
		base:       base,
		baseCancel: cancel,
		sessions:   make(map[string]*Session),
	}
	return m
}

// Open launches a browser, creates an isolated browser context with one page
// in it and starts tracking the context's page targets. Every failure is a *schemas.LaunchError naming the stage.
func (m *Manager) Open(ctx context.Context) (schemas.Session, error) {
	s, err := m.open(ctx)
	if err != nil {
		m.logger.Error("Failed to open browser session.", zap.Error(err))
		return nil, err
	}
	return s, nil
}

func (m *Manager) open(ctx context.Context) (*Session, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, schemas.NewLaunchError("allocate", ErrManagerClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, schemas.NewLaunchError("allocate", err)
	}

	id := uuid.NewString()
	logger := m.logger.With(zap.String("session_id", id))

	var recorder *netcapture.Recorder
	proxy := ""
	if m.cfg.Network.Capture {
		r, err := netcapture.Start(logger, m.cfg.Network.ProxyListen)
		if err != nil {
			return nil, schemas.NewLaunchError("proxy", err)
		}
		recorder = r
		proxy = r.Addr()
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(m.base, AllocatorOptions(m.cfg.Browser, proxy)...)
	var ctxOpts []chromedp.ContextOption
	if m.cfg.Browser.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(logger.Sugar().Debugf))
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	s := &Session{
		id:       id,
		logger:   logger.Named("session"),
		interval: m.cfg.Timeouts.Poll,
		recorder: recorder,
		pages:    make(map[target.ID]*Page),
	}
	// Released in reverse order of creation; the browser context layer is
	// prepended once it exists.
	s.layers = []teardownLayer{
		chromedpLayer("browser", browserCtx, browserCancel),
		cancelLayer("allocator", allocCancel),
	}

	abort := func(stage string, err error) (*Session, error) {
		cctx, cancel := context.WithTimeout(context.Background(), m.closeTimeout())
		defer cancel()
		for _, layer := range s.layers {
			_ = layer.close(cctx)
		}
		if recorder != nil {
			_ = recorder.Close(cctx)
		}
		return nil, schemas.NewLaunchError(stage, err)
	}

	if err := runWatched(ctx, browserCtx); err != nil {
		return abort("launch", err)
	}

	// Pages of the session live in their own browser context, separate from
	// the default one the browser started with.
	contextCtx, contextCancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())
	s.layers = append([]teardownLayer{chromedpLayer("browser context", contextCtx, contextCancel)}, s.layers...)
	// The page listens before its target exists so no execution context
	// event is missed.
	first := newPage(contextCtx, nil, "", s.logger, s.interval)
	if err := runWatched(ctx, contextCtx); err != nil {
		return abort("context", err)
	}

	c := chromedp.FromContext(contextCtx)
	s.contextCtx = contextCtx
	s.browserContextID = c.BrowserContextID
	first.targetID = c.Target.TargetID
	first.logger = s.logger.With(zap.String("target", string(c.Target.TargetID)))
	first.attachOnce.Do(func() {})
	s.pages[c.Target.TargetID] = first
	s.order = []target.ID{c.Target.TargetID}

	chromedp.ListenBrowser(browserCtx, s.handleBrowserEvent)
	err := chromedp.Run(contextCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, c.Browser))
	}))
	if err != nil {
		return abort("discover", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return abort("allocate", ErrManagerClosed)
	}
	m.sessions[id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	s.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		m.wg.Done()
	}
	logger.Info("Browser session opened.",
		zap.String("browser_context", string(s.browserContextID)),
		zap.Bool("capture", recorder != nil))
	return s, nil
}

// runWatched performs the first Run of a chromedp context. That Run binds
// the browser or target to the context it is given, so it gets cctx itself
// and ctx is only watched.
func runWatched(ctx, cctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(cctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) closeTimeout() time.Duration {
	if m.cfg.Browser.CloseTimeout > 0 {
		return m.cfg.Browser.CloseTimeout
	}
	return defaultCloseTimeout
}

// ActiveSessions returns the number of sessions not yet closed.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown closes every remaining session and refuses new ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessionsToClose := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessionsToClose = append(sessionsToClose, s)
	}
	m.mu.Unlock()

	if len(sessionsToClose) > 0 {
		m.logger.Info("Closing sessions left open.", zap.Int("count", len(sessionsToClose)))
	}
	var (
		errMu sync.Mutex
		errs  []error
	)
	for _, s := range sessionsToClose {
		go func(s *Session) {
			if err := s.Close(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", s.ID(), err))
				errMu.Unlock()
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close.", zap.Error(ctx.Err()))
		err = ctx.Err()
	}
	m.baseCancel()

	errMu.Lock()
	defer errMu.Unlock()
	return errors.Join(append(errs, err)...)
}
