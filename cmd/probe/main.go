package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/probe/cmd"
	"github.com/xkilldash9x/probe/internal/observability"
)

const panicLogFile = "probe-panic.log"

// Replaced in tests.
var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
)

func main() {
	defer handlePanic()

	// Cancelling the context stops the suite; sessions are still closed.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx, os.Args[1:])
	observability.Sync()
	osExit(exitCode(err))
}

func exitCode(err error) int {
	if err == nil {
		return cmd.ExitOK
	}
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "probe: interrupted")
		return cmd.ExitFailed
	}
	if !errors.Is(err, cmd.ErrTestsFailed) {
		fmt.Fprintln(os.Stderr, "probe:", err)
	}
	return cmd.ExitCode(err)
}

// handlePanic writes the stack of an unrecovered panic to panicLogFile so it
// survives a terminal that scrolled away.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	msg := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(msg), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n%s\n", err, msg)
	} else {
		fmt.Fprintf(os.Stderr, "probe crashed; details logged to %s\n", panicLogFile)
	}
	osExit(cmd.ExitFailed)
}
