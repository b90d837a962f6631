package schemas

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Typed errors let the runner and the reporters classify failures with errors.As
// instead of matching on message text.

// ErrorKind is a stable machine readable name for a failure class.
type ErrorKind string

const (
	KindLaunchFailure     ErrorKind = "launch_failure"
	KindFrameReadyTimeout ErrorKind = "frame_ready_timeout"
	KindElementNotFound   ErrorKind = "element_not_found"
	KindActionFailed      ErrorKind = "action_failed"
	KindAssertionFailed   ErrorKind = "assertion_failed"
	KindScriptEvaluation  ErrorKind = "script_evaluation_error"
	KindNavigationFailed  ErrorKind = "navigation_failed"
	KindInvalidStep       ErrorKind = "invalid_step"
	KindTimeout           ErrorKind = "timeout"
	KindCanceled          ErrorKind = "canceled"
	KindUnknown           ErrorKind = "unknown"
)

// kinded is implemented by every error type in this file.
type kinded interface {
	Kind() ErrorKind
}

// LaunchError reports that the browser process or its context could not be created.
type LaunchError struct {
	Stage string
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("browser launch failed during %s: %v", e.Stage, e.Err)
}
func (e *LaunchError) Unwrap() error   { return e.Err }
func (e *LaunchError) Kind() ErrorKind { return KindLaunchFailure }

// NewLaunchError wraps err as a launch failure at the given stage.
func NewLaunchError(stage string, err error) *LaunchError {
	return &LaunchError{Stage: stage, Err: err}
}

// FrameReadyTimeoutError is recorded when a frame does not finish loading in time.
// The frame walker absorbs it.
type FrameReadyTimeoutError struct {
	Frame   FrameRef
	URL     string
	Timeout time.Duration
	State   string
	Err     error
}

func (e *FrameReadyTimeoutError) Error() string {
	msg := fmt.Sprintf("frame %s (%s) not ready after %s", e.Frame, e.URL, e.Timeout)
	if e.State != "" {
		msg += fmt.Sprintf(", last readyState %q", e.State)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}
func (e *FrameReadyTimeoutError) Unwrap() error   { return e.Err }
func (e *FrameReadyTimeoutError) Kind() ErrorKind { return KindFrameReadyTimeout }

// ElementNotFoundError means a locator did not produce an attached element in time.
type ElementNotFoundError struct {
	Locator Locator
	Timeout time.Duration
	// Matches is the last observed match count, -1 if the query never succeeded.
	Matches int
	Err     error
}

func (e *ElementNotFoundError) Error() string {
	msg := fmt.Sprintf("element not found: %s", e.Locator)
	if e.Timeout > 0 {
		msg += fmt.Sprintf(" after %s", e.Timeout)
	}
	if e.Matches >= 0 {
		msg += fmt.Sprintf(" (%d matches)", e.Matches)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}
func (e *ElementNotFoundError) Unwrap() error   { return e.Err }
func (e *ElementNotFoundError) Kind() ErrorKind { return KindElementNotFound }

// NewElementNotFoundError creates an ElementNotFoundError.
func NewElementNotFoundError(loc Locator, timeout time.Duration, matches int) *ElementNotFoundError {
	return &ElementNotFoundError{Locator: loc, Timeout: timeout, Matches: matches}
}

// ActionFailedError wraps the failure of an interaction primitive.
type ActionFailedError struct {
	Action ActionKind
	Target string
	Err    error
}

func (e *ActionFailedError) Error() string {
	return fmt.Sprintf("%s on %s failed: %v", e.Action, e.Target, e.Err)
}
func (e *ActionFailedError) Unwrap() error   { return e.Err }
func (e *ActionFailedError) Kind() ErrorKind { return KindActionFailed }

// AssertionFailedError carries the expected and actual values of a failed check.
type AssertionFailedError struct {
	Message  string
	Expected string
	Actual   string
	Err      error
}

func (e *AssertionFailedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "assertion failed"
	}
	if e.Expected != "" || e.Actual != "" {
		msg += fmt.Sprintf(": expected %s, got %s", e.Expected, e.Actual)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}
func (e *AssertionFailedError) Unwrap() error   { return e.Err }
func (e *AssertionFailedError) Kind() ErrorKind { return KindAssertionFailed }

// ScriptEvaluationError is an exception thrown by an in-page expression.
type ScriptEvaluationError struct {
	Expression string
	Message    string
	Err        error
}

func (e *ScriptEvaluationError) Error() string {
	expr := e.Expression
	if len(expr) > 80 {
		cut := 77
		for cut > 0 && !utf8.RuneStart(expr[cut]) {
			cut--
		}
		expr = expr[:cut] + "..."
	}
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("script %q failed: %v", expr, e.Err)
	}
	return fmt.Sprintf("script %q threw: %s", expr, e.Message)
}
func (e *ScriptEvaluationError) Unwrap() error   { return e.Err }
func (e *ScriptEvaluationError) Kind() ErrorKind { return KindScriptEvaluation }

// NavigationError represents a failure during a page navigation attempt.
type NavigationError struct {
	URL     string
	Message string
	Err     error
}

func (e *NavigationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("navigation to %s failed: %s", e.URL, e.Message)
	}
	return fmt.Sprintf("navigation to %s failed: %v", e.URL, e.Err)
}
func (e *NavigationError) Unwrap() error   { return e.Err }
func (e *NavigationError) Kind() ErrorKind { return KindNavigationFailed }

// InvalidStepError reports a malformed step in a test case.
type InvalidStepError struct {
	Test   string
	Index  int
	Reason string
}

func (e *InvalidStepError) Error() string {
	if e.Test == "" {
		return fmt.Sprintf("step %d is invalid: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("test %q step %d is invalid: %s", e.Test, e.Index, e.Reason)
}
func (e *InvalidStepError) Kind() ErrorKind { return KindInvalidStep }

// KindOf classifies err. Context errors are checked before typed errors so a
// cancelled run is not reported as an element or action failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsFatal reports whether err fails the step it occurred in. Frame readiness
// timeouts are absorbed by the frame walker and never fail a step.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) != KindFrameReadyTimeout
}
