package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/probe/cmd"
)

func resetMocks() {
	osWriteFile = os.WriteFile
	osExit = os.Exit
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(&cmd.ExitError{Code: cmd.ExitFailed, Err: cmd.ErrTestsFailed}))
	assert.Equal(t, 2, exitCode(&cmd.ExitError{Code: cmd.ExitInvalid, Err: errors.New("bad suite")}))
	assert.Equal(t, 1, exitCode(fmt.Errorf("run: %w", context.Canceled)))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestHandlePanic(t *testing.T) {
	defer resetMocks()

	var written string
	code := -1
	osWriteFile = func(name string, data []byte, perm os.FileMode) error {
		assert.Equal(t, panicLogFile, name)
		written = string(data)
		return nil
	}
	osExit = func(c int) { code = c }

	func() {
		defer handlePanic()
		panic("runner exploded")
	}()

	assert.Equal(t, 1, code)
	assert.Contains(t, written, "panic: runner exploded")
	assert.Contains(t, written, "goroutine")
}

func TestHandlePanicLogWriteFails(t *testing.T) {
	defer resetMocks()

	code := -1
	osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only file system") }
	osExit = func(c int) { code = c }

	func() {
		defer handlePanic()
		panic("again")
	}()
	assert.Equal(t, 1, code)
}

func TestHandlePanicWithoutPanic(t *testing.T) {
	defer resetMocks()
	called := false
	osExit = func(int) { called = true }
	func() {
		defer handlePanic()
	}()
	assert.False(t, called)
}
