package schemas

import (
	"context"
	"encoding/json"
)

// -- Browser Abstractions --
// The core components only see these interfaces. The chromedp implementation
// lives in internal/browser and an in-memory one in internal/browser/browsertest.

// FrameInfo describes one attached frame of a page.
type FrameInfo struct {
	Ref  FrameRef `json:"ref"`
	ID   string   `json:"id"`
	Name string   `json:"name,omitempty"`
	URL  string   `json:"url"`
}

// Box is an element's bounding rectangle in CSS pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ElementSnapshot is the observable state of an element at one instant.
type ElementSnapshot struct {
	Attached bool `json:"attached"`
	Visible  bool `json:"visible"`
	Enabled  bool `json:"enabled"`
	Box      Box  `json:"box"`
}

// Page is the active document of a session together with its frame tree.
type Page interface {
	// URL returns the address of the top-level document.
	URL(ctx context.Context) (string, error)
	// Navigate loads url and returns once the ready milestone is reached.
	Navigate(ctx context.Context, url string, ready ReadyState) error
	// Frames lists the root and every attached child frame in document order.
	Frames(ctx context.Context) ([]FrameInfo, error)
	// ReadyState returns document.readyState of the frame.
	ReadyState(ctx context.Context, frame FrameRef) (string, error)
	// Query returns all elements matching sel in the frame, relative to scope when non-nil.
	Query(ctx context.Context, frame FrameRef, scope Element, sel Selector) ([]Element, error)
	// Evaluate runs an expression in the frame's main world and returns its JSON value.
	// A thrown exception is reported as *ScriptEvaluationError.
	Evaluate(ctx context.Context, frame FrameRef, expr string) (json.RawMessage, error)
	// Wheel dispatches a mouse wheel event at the viewport centre.
	Wheel(ctx context.Context, dx, dy float64) error
	// Viewport returns the inner width and height of the window.
	Viewport(ctx context.Context) (width, height float64, err error)
	Screenshot(ctx context.Context) ([]byte, error)
	// HTML returns the serialised top-level document.
	HTML(ctx context.Context) (string, error)
}

// Element is a handle to a DOM element inside some frame of a Page.
type Element interface {
	// Describe returns a short human readable description for diagnostics.
	Describe() string
	IsAttached(ctx context.Context) (bool, error)
	Snapshot(ctx context.Context) (ElementSnapshot, error)
	Text(ctx context.Context) (string, error)
	Click(ctx context.Context) error
	// Fill replaces the value of an editable element with text.
	Fill(ctx context.Context, text string) error
	ScrollBy(ctx context.Context, dx, dy float64) error
	// Evaluate calls a function declaration with the element bound to `this`
	// and as its first argument.
	Evaluate(ctx context.Context, fn string) (json.RawMessage, error)
}

// Session is one isolated browser instance owned by a single test run.
type Session interface {
	ID() string
	// ActivePage returns the page currently in the foreground. It is derived on
	// each call and must not be cached across waits.
	ActivePage(ctx context.Context) (Page, error)
	// Close releases every resource of the session. It is safe to call repeatedly.
	Close(ctx context.Context) error
}

// SessionOpener creates sessions. Open failures are LaunchFailure errors.
type SessionOpener interface {
	Open(ctx context.Context) (Session, error)
}

// RequestRecorder is implemented by sessions that observe network traffic.
type RequestRecorder interface {
	Requests() []RequestRecord
}

// HandleReleaser is implemented by pages whose element handles pin remote
// objects. ReleaseHandles invalidates every Element the page returned so far.
type HandleReleaser interface {
	ReleaseHandles(ctx context.Context) error
}
