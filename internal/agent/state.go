package agent

import (
	"time"

	"github.com/xkilldash9x/browsegraph/api/schemas"
)

// State names a node of the step state machine.
type State string

const (
	// StateCheckBudget is the entry point of every step iteration.
	StateCheckBudget     State = "check_budget"
	StateCheckPaused     State = "check_paused"
	StatePausedActions   State = "paused_state_actions"
	StateCheckFailures   State = "check_consecutive_failures"
	StateFailureActions  State = "consecutive_failure_actions"
	StateCheckStopped    State = "check_stopped"
	StateStoppedActions  State = "stopped_state_actions"
	StateStepStart       State = "on_step_start"
	StateAcquireSnapshot State = "prepare_context"
	StateRequestPlan     State = "get_next_action"
	StateExecutePlan     State = "execute_actions"
	StateEvaluateResult  State = "evaluate_result"
	StateHandleError     State = "handle_error"
	StateFinalize        State = "finalize_step"
	StateStepEnd         State = "on_step_end"
	StateHistoryDone     State = "history_is_done_actions"
	StateEnd             State = "end"
)

// IsTerminal reports whether the machine stops in this state.
func (s State) IsTerminal() bool {
	return s == StateEnd
}

// Route is the typed outcome of a guard evaluation.
type Route string

const (
	RouteBudgetRemaining Route = "remaining"
	RouteBudgetExhausted Route = "exhausted"
	RoutePausedYes       Route = "paused"
	RouteNotPaused       Route = "not_paused"
	RouteTooManyFailures Route = "too_many_failures"
	RouteFailuresOK      Route = "ok"
	RouteStoppedYes      Route = "stopped"
	RouteNotStopped      Route = "not_stopped"
	RouteTimeout         Route = "timeout"
	RouteError           Route = "error"
	RouteContinue        Route = "continue"
	RouteDone            Route = "done"
)

// StepContext is the record passed between phases for one run.
// Unset values are nil, never missing.
type StepContext struct {
	Task       string
	Snapshot   *schemas.Snapshot
	LastPlan   *schemas.Plan
	LastResult []schemas.ActionResult
}

// NewStepContext seeds the context for a run of task.
func NewStepContext(task string) *StepContext {
	return &StepContext{Task: task}
}

// RunState is the step bookkeeping owned by the Runner and mutated only by
// guards and phases.
type RunState struct {
	CurrentStep int
	MaxSteps    int
	StepInfo    *schemas.StepInfo
	TimedOut    bool
	EndedEarly  bool
	StepStarted time.Time

	lastError string
	// iterations counts step traversals started, including ones that never
	// reached finalize.
	iterations int
}

// NewRunState creates the bookkeeping for a run allowed maxSteps steps.
func NewRunState(maxSteps int) *RunState {
	return &RunState{MaxSteps: maxSteps}
}

// SetError records a phase failure.
func (r *RunState) SetError(msg string) {
	if msg == "" {
		msg = "unknown error"
	}
	r.lastError = msg
}

// ClearError forgets the last phase failure.
func (r *RunState) ClearError() {
	r.lastError = ""
}

// Err returns the last phase failure and whether one is recorded.
func (r *RunState) Err() (string, bool) {
	return r.lastError, r.lastError != ""
}

// Iterations returns how many step traversals have started.
func (r *RunState) Iterations() int {
	return r.iterations
}
