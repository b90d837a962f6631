package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/xkilldash9x/probe/api/schemas"
)

// ErrSessionClosed is returned by ActivePage after Close.
var ErrSessionClosed = errors.New("session is closed")

// Session is a fake session holding a stack of pages. The last opened page is active.
type Session struct {
	mu        sync.Mutex
	id        string
	pages     []*Page
	closes    int
	requests  []schemas.RequestRecord
	CloseErr  error
	OnClose   func()
	activeErr error
}

var (
	_ schemas.Session         = (*Session)(nil)
	_ schemas.RequestRecorder = (*Session)(nil)
)

// NewSession creates a session whose active page is p.
func NewSession(p *Page) *Session {
	return &Session{id: uuid.NewString(), pages: []*Page{p}}
}

func (s *Session) ID() string { return s.id }

// OpenPage simulates the application opening a new tab.
func (s *Session) OpenPage(p *Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, p)
}

// ClosePage simulates a tab closing. The previous page becomes active.
func (s *Session) ClosePage(p *Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cand := range s.pages {
		if cand == p {
			s.pages = append(s.pages[:i], s.pages[i+1:]...)
			return
		}
	}
}

// FailActivePage makes every ActivePage call fail with err.
func (s *Session) FailActivePage(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeErr = err
}

// Record appends a request the session reports through Requests.
func (s *Session) Record(r schemas.RequestRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r)
}

func (s *Session) ActivePage(ctx context.Context) (schemas.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return nil, ErrSessionClosed
	}
	if s.activeErr != nil {
		return nil, s.activeErr
	}
	if len(s.pages) == 0 {
		return nil, fmt.Errorf("session %s has no open page", s.id)
	}
	return s.pages[len(s.pages)-1], nil
}

// Close counts invocations so tests can assert teardown ran exactly once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closes++
	hook := s.OnClose
	err := s.CloseErr
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *Session) Requests() []schemas.RequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schemas.RequestRecord(nil), s.requests...)
}

// Opener hands out sessions built by New and remembers them.
type Opener struct {
	mu       sync.Mutex
	New      func() (*Session, error)
	sessions []*Session
}

var _ schemas.SessionOpener = (*Opener)(nil)

// NewOpener returns an opener creating a session around a fresh page from build.
func NewOpener(build func() *Page) *Opener {
	return &Opener{New: func() (*Session, error) { return NewSession(build()), nil }}
}

func (o *Opener) Open(ctx context.Context) (schemas.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, schemas.NewLaunchError("allocate", err)
	}
	s, err := o.New()
	if err != nil {
		return nil, schemas.NewLaunchError("allocate", err)
	}
	o.mu.Lock()
	o.sessions = append(o.sessions, s)
	o.mu.Unlock()
	return s, nil
}

// Sessions returns every session opened so far.
func (o *Opener) Sessions() []*Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Session(nil), o.sessions...)
}
