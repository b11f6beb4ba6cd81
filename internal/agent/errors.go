// internal/agent/errors.go
package agent

import "errors"

var (
	// ErrInterrupted is the cancellation cause used when the user forces the
	// run to stop. Run treats it as a normal return.
	ErrInterrupted = errors.New("run interrupted by user")
	// ErrInvalidOptions is returned when RunOptions fail validation.
	ErrInvalidOptions = errors.New("invalid run options")
	// ErrTransitionLimit aborts a machine that keeps cycling without
	// reaching a terminal state.
	ErrTransitionLimit = errors.New("state machine exceeded its transition limit")
)
