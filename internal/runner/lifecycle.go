package runner

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/probe/api/schemas"
)

// rank orders the lifecycle states. A transition must move to a higher rank,
// except that Running and Verifying repeat for each later step.
var rank = map[schemas.TestState]int{
	schemas.StateInitializing: 0,
	schemas.StateRunning:      1,
	schemas.StateVerifying:    2,
	schemas.StatePassed:       3,
	schemas.StateFailed:       3,
	schemas.StateTearingDown:  4,
	schemas.StateDone:         5,
}

// Transition is one recorded state change.
type Transition struct {
	From schemas.TestState
	To   schemas.TestState
	Step int
	At   time.Time
}

// Lifecycle is the per-test state machine:
// Initializing -> Running(n) -> Verifying(n) -> Passed|Failed -> TearingDown -> Done.
// TearingDown can be entered from any earlier state. No state is revisited.
type Lifecycle struct {
	mu      sync.Mutex
	logger  *zap.Logger
	state   schemas.TestState
	step    int
	history []Transition
}

// NewLifecycle starts a lifecycle in Initializing.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{logger: logger, state: schemas.StateInitializing, step: -1}
}

// State returns the current state.
func (l *Lifecycle) State() schemas.TestState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// History returns a copy of every transition made so far.
func (l *Lifecycle) History() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transition(nil), l.history...)
}

// Transition moves to state to. step is the index of the step being executed for
// Running and Verifying and is ignored otherwise.
func (l *Lifecycle) Transition(to schemas.TestState, step int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	from := l.state
	if err := l.check(from, to, step); err != nil {
		l.logger.Error("Rejected lifecycle transition", zap.String("from", string(from)), zap.String("to", string(to)), zap.Error(err))
		return err
	}
	l.state = to
	if to == schemas.StateRunning || to == schemas.StateVerifying {
		l.step = step
	}
	l.history = append(l.history, Transition{From: from, To: to, Step: step, At: time.Now()})
	l.logger.Debug("Lifecycle transition", zap.String("from", string(from)), zap.String("to", string(to)), zap.Int("step", step))
	return nil
}

func (l *Lifecycle) check(from, to schemas.TestState, step int) error {
	target, ok := rank[to]
	if !ok {
		return fmt.Errorf("unknown state %q", to)
	}
	switch {
	case to == schemas.StateTearingDown:
		if from == schemas.StateTearingDown || from == schemas.StateDone {
			return fmt.Errorf("cannot enter %s from %s", to, from)
		}
		return nil
	case to == schemas.StateDone:
		if from != schemas.StateTearingDown {
			return fmt.Errorf("cannot enter %s from %s", to, from)
		}
		return nil
	case from == schemas.StateTearingDown || from == schemas.StateDone:
		return fmt.Errorf("cannot enter %s from %s", to, from)
	case to == from && (to == schemas.StateRunning || to == schemas.StateVerifying):
		if step <= l.step {
			return fmt.Errorf("%s(%d) does not advance past step %d", to, step, l.step)
		}
		return nil
	case target <= rank[from]:
		return fmt.Errorf("cannot move back from %s to %s", from, to)
	}
	return nil
}
