// Package action applies interactions to resolved elements and to the page.
package action

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/probe/api/schemas"
)

const (
	DefaultTimeout        = 5 * time.Second
	DefaultSettleBound    = 3 * time.Second
	DefaultSettleInterval = 100 * time.Millisecond
)

// SettleMode selects how the executor waits before an interaction.
type SettleMode string

const (
	// SettleStable waits for a stable, enabled bounding box.
	SettleStable SettleMode = "stable"
	// SettleFixed always sleeps for the full bound.
	SettleFixed SettleMode = "fixed"
	// SettleOff skips the wait.
	SettleOff SettleMode = "off"
)

// Payload carries the inputs of an action. Only the fields of the chosen kind are read.
type Payload struct {
	Text   string
	DX, DY float64
	Script string
}

// Executor dispatches actions with per-action timeouts.
type Executor struct {
	logger         *zap.Logger
	defaultTimeout time.Duration
	settleMode     SettleMode
	settleInterval time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithSettleMode selects the settle strategy.
func WithSettleMode(mode SettleMode) Option {
	return func(e *Executor) { e.settleMode = mode }
}

// WithSettleInterval sets the polling interval of the stable settle strategy.
func WithSettleInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.settleInterval = d
		}
	}
}

// NewExecutor creates an Executor. defaultTimeout applies to actions called with
// a zero timeout.
func NewExecutor(logger *zap.Logger, defaultTimeout time.Duration, opts ...Option) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	e := &Executor{
		logger:         logger.Named("action"),
		defaultTimeout: defaultTimeout,
		settleMode:     SettleStable,
		settleInterval: DefaultSettleInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Act performs kind on target within timeout. Every failure, including a target
// that detached between resolution and dispatch, is returned as
// *schemas.ActionFailedError. Cancellation of ctx is returned unwrapped.
func (e *Executor) Act(ctx context.Context, target schemas.Element, kind schemas.ActionKind, payload Payload, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	desc := target.Describe()
	start := time.Now()
	var err error
	switch kind {
	case schemas.ActionClick:
		err = target.Click(opCtx)
	case schemas.ActionFill:
		err = target.Fill(opCtx, payload.Text)
	case schemas.ActionScroll:
		err = target.ScrollBy(opCtx, payload.DX, payload.DY)
	case schemas.ActionEvaluate:
		_, err = target.Evaluate(opCtx, payload.Script)
	default:
		err = fmt.Errorf("unsupported action %q", kind)
	}

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opCtx.Err() != nil {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		e.logger.Debug("Action failed", zap.String("action", string(kind)), zap.String("target", desc), zap.Error(err))
		return &schemas.ActionFailedError{Action: kind, Target: desc, Err: err}
	}

	e.logger.Debug("Action complete",
		zap.String("action", string(kind)),
		zap.String("target", desc),
		zap.Duration("took", time.Since(start)))
	return nil
}

// ScrollPage dispatches a wheel event at the centre of the viewport. When
// viewports is non-zero the vertical delta is that many viewport heights.
func (e *Executor) ScrollPage(ctx context.Context, page schemas.Page, dx, dy, viewports float64, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if viewports != 0 {
		_, height, err := page.Viewport(opCtx)
		if err != nil {
			return &schemas.ActionFailedError{Action: schemas.ActionScroll, Target: "page", Err: fmt.Errorf("read viewport: %w", err)}
		}
		dy = viewports * height
	}
	if err := page.Wheel(opCtx, dx, dy); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &schemas.ActionFailedError{Action: schemas.ActionScroll, Target: "page", Err: err}
	}
	e.logger.Debug("Page scrolled", zap.Float64("dx", dx), zap.Float64("dy", dy))
	return nil
}
