// File: internal/agent/interfaces.go
package agent

import (
	"context"
	"time"

	"github.com/xkilldash9x/browsegraph/api/schemas"
	"github.com/xkilldash9x/browsegraph/internal/eventbus"
)

// StepExecutor performs the work of each phase of a step.
type StepExecutor interface {
	AcquireSnapshot(ctx context.Context, info schemas.StepInfo) (*schemas.Snapshot, error)
	// RequestPlan also mirrors the plan into the controller's own last-output slot.
	RequestPlan(ctx context.Context, snapshot *schemas.Snapshot) (*schemas.Plan, error)
	ExecutePlan(ctx context.Context) ([]schemas.ActionResult, error)
	PostProcess(ctx context.Context) error
	Finalize(ctx context.Context, snapshot *schemas.Snapshot) error
	HandleStepError(ctx context.Context, stepErr error) error
}

// RunStatus exposes the pause, stop and failure state the guards read.
type RunStatus interface {
	Paused() bool
	Stopped() bool
	Pause()
	Resume()
	// WaitForResume blocks until the run is resumed or ctx is done.
	WaitForResume(ctx context.Context) error
	ConsecutiveFailures() int
	IncrementFailures()
	SetLastResult(results []schemas.ActionResult)
	IsTaskDone() bool
}

// Lifecycle covers setup and teardown of the environment around a run.
type Lifecycle interface {
	Task() string
	Start(ctx context.Context) error
	ExecuteInitialActions(ctx context.Context) error
	LogCompletion(ctx context.Context) error
	History() *schemas.History
	UsageSummary() schemas.Usage
	Close(ctx context.Context) error
}

// Controller is the full collaborator contract the state machine drives.
type Controller interface {
	StepExecutor
	RunStatus
	Lifecycle
}

// StepHook is invoked at the start or end of every step.
type StepHook func(ctx context.Context, c Controller) error

// DoneCallback receives the history once the task is complete.
type DoneCallback func(ctx context.Context, history *schemas.History) error

// EventPublisher dispatches run events. *eventbus.Bus satisfies it.
type EventPublisher interface {
	Post(ctx context.Context, ev eventbus.Event) error
	Stop(timeout time.Duration) error
}

// ArtifactWriter persists the history artifact and returns the written path.
type ArtifactWriter interface {
	Write(ctx context.Context, history *schemas.History) (string, error)
}
