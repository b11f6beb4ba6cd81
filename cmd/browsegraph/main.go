// File: cmd/browsegraph/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/xkilldash9x/browsegraph/cmd"
	"github.com/xkilldash9x/browsegraph/internal/observability"
)

const panicLogFile = "panic.log"

// Function variables so tests can observe the exit path.
var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
	loadEnv     = func() error { return godotenv.Load() }
)

func main() {
	defer handlePanic()

	if err := loadEnv(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "Error loading .env file:", err)
		osExit(1)
		return
	}

	// SIGINT is left to the run itself, which pauses on the first one.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	osExit(exitCode(cmd.Execute(ctx)))
}

// exitCode maps the command result to a process status. A shutdown by signal
// is a clean exit.
func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	default:
		return 1
	}
}

// handlePanic records a crash to panicLogFile before exiting.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(panicMessage), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
		osExit(2)
		return
	}
	fmt.Fprintf(os.Stderr, "\nbrowsegraph crashed. Details logged to %s\n", panicLogFile)
	osExit(2)
}
