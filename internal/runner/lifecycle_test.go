package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/probe/api/schemas"
)

func TestLifecycleHappyPath(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))
	require.NoError(t, lc.Transition(schemas.StateRunning, 0))
	require.NoError(t, lc.Transition(schemas.StateRunning, 1))
	require.NoError(t, lc.Transition(schemas.StateVerifying, 2))
	require.NoError(t, lc.Transition(schemas.StateVerifying, 3))
	require.NoError(t, lc.Transition(schemas.StatePassed, -1))
	require.NoError(t, lc.Transition(schemas.StateTearingDown, -1))
	require.NoError(t, lc.Transition(schemas.StateDone, -1))

	assert.Equal(t, schemas.StateDone, lc.State())
	assert.Len(t, lc.History(), 7)
}

func TestLifecycleRejectsBackwardMoves(t *testing.T) {
	testCases := []struct {
		name  string
		setup []schemas.TestState
		to    schemas.TestState
		step  int
	}{
		{name: "verifying back to running", setup: []schemas.TestState{schemas.StateRunning, schemas.StateVerifying}, to: schemas.StateRunning, step: 5},
		{name: "repeat running without advancing", setup: []schemas.TestState{schemas.StateRunning}, to: schemas.StateRunning, step: 0},
		{name: "passed then failed", setup: []schemas.TestState{schemas.StatePassed}, to: schemas.StateFailed},
		{name: "done before teardown", setup: []schemas.TestState{schemas.StateFailed}, to: schemas.StateDone},
		{name: "teardown twice", setup: []schemas.TestState{schemas.StateTearingDown}, to: schemas.StateTearingDown},
		{name: "running after teardown", setup: []schemas.TestState{schemas.StateTearingDown}, to: schemas.StateRunning, step: 9},
	}

	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			lc := NewLifecycle(zaptest.NewLogger(t))
			for _, s := range tt.setup {
				require.NoError(t, lc.Transition(s, 0))
			}
			before := lc.State()
			assert.Error(t, lc.Transition(tt.to, tt.step))
			assert.Equal(t, before, lc.State())
		})
	}
}

func TestLifecycleTearingDownFromAnyState(t *testing.T) {
	for _, s := range []schemas.TestState{schemas.StateInitializing, schemas.StateRunning, schemas.StateVerifying, schemas.StateFailed} {
		lc := NewLifecycle(zaptest.NewLogger(t))
		if s != schemas.StateInitializing {
			require.NoError(t, lc.Transition(s, 0))
		}
		assert.NoError(t, lc.Transition(schemas.StateTearingDown, -1), "from %s", s)
	}
}
