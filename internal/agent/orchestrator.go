package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// transitionsPerStep bounds how many transitions one step may take before
// the machine is considered stuck.
const transitionsPerStep = 15

// phase is the body of a non-guard state.
type phase func(ctx context.Context, sc *StepContext, rs *RunState) error

// transition leaves a state either unconditionally (next) or through a guard
// whose route selects the target.
type transition struct {
	next   State
	guard  func(rs *RunState) Route
	routes map[Route]State
}

// Options configures an Orchestrator.
type Options struct {
	Policy      FailurePolicy
	StepTimeout time.Duration
	OnStepStart StepHook
	OnStepEnd   StepHook
	OnDone      DoneCallback
	// ResetSignals is called once a paused run resumes.
	ResetSignals func()
}

// TransitionObserver sees every transition the machine takes. Route is empty
// for unconditional edges.
type TransitionObserver func(from, to State, route Route)

// Orchestrator drives one run through the step state machine.
type Orchestrator struct {
	ctrl    Controller
	logger  *zap.Logger
	opts    Options
	now     func() time.Time
	observe TransitionObserver

	phases      map[State]phase
	transitions map[State]transition
}

// NewOrchestrator wires the phases and guards around ctrl.
func NewOrchestrator(ctrl Controller, logger *zap.Logger, opts Options) *Orchestrator {
	o := &Orchestrator{
		ctrl:   ctrl,
		logger: logger.Named("orchestrator"),
		opts:   opts,
		now:    time.Now,
	}

	o.phases = map[State]phase{
		StatePausedActions:   o.pausedActions,
		StateFailureActions:  o.failureActions,
		StateStoppedActions:  o.stoppedActions,
		StateStepStart:       o.stepStart,
		StateAcquireSnapshot: o.acquireSnapshot,
		StateRequestPlan:     o.requestPlan,
		StateExecutePlan:     o.executePlan,
		StateEvaluateResult:  o.evaluateResult,
		StateHandleError:     o.handleError,
		StateFinalize:        o.finalizeStep,
		StateStepEnd:         o.stepEnd,
		StateHistoryDone:     o.historyDone,
	}

	afterPhase := func(next State) transition {
		return transition{
			guard: RouteOnTimeoutOrError,
			routes: map[Route]State{
				RouteTimeout:  StateStepEnd,
				RouteError:    StateHandleError,
				RouteContinue: next,
			},
		}
	}

	o.transitions = map[State]transition{
		StateCheckBudget: {
			guard:  RouteBudget,
			routes: map[Route]State{RouteBudgetRemaining: StateCheckPaused, RouteBudgetExhausted: StateEnd},
		},
		StateCheckPaused: {
			guard:  func(*RunState) Route { return RoutePaused(o.ctrl) },
			routes: map[Route]State{RoutePausedYes: StatePausedActions, RouteNotPaused: StateCheckFailures},
		},
		StatePausedActions: {next: StateCheckFailures},
		StateCheckFailures: {
			guard:  func(*RunState) Route { return RouteConsecutiveFailures(o.ctrl, o.opts.Policy) },
			routes: map[Route]State{RouteTooManyFailures: StateFailureActions, RouteFailuresOK: StateCheckStopped},
		},
		StateFailureActions: {next: StateEnd},
		StateCheckStopped: {
			guard:  func(*RunState) Route { return RouteStopped(o.ctrl) },
			routes: map[Route]State{RouteStoppedYes: StateStoppedActions, RouteNotStopped: StateStepStart},
		},
		StateStoppedActions:  {next: StateEnd},
		StateStepStart:       {next: StateAcquireSnapshot},
		StateAcquireSnapshot: afterPhase(StateRequestPlan),
		StateRequestPlan:     afterPhase(StateExecutePlan),
		StateExecutePlan:     afterPhase(StateEvaluateResult),
		StateEvaluateResult:  afterPhase(StateFinalize),
		StateHandleError:     {next: StateFinalize},
		StateFinalize:        {next: StateStepEnd},
		StateStepEnd: {
			guard:  func(*RunState) Route { return RouteCompletion(o.ctrl) },
			routes: map[Route]State{RouteDone: StateHistoryDone, RouteContinue: StateCheckBudget},
		},
		StateHistoryDone: {next: StateEnd},
	}
	return o
}

// OnTransition registers an observer for every transition taken.
func (o *Orchestrator) OnTransition(fn TransitionObserver) {
	o.observe = fn
}

// Invoke runs the machine from the step budget check until it reaches the
// terminal state. A phase error, cancellation of ctx or running past the
// transition limit aborts the run.
func (o *Orchestrator) Invoke(ctx context.Context, sc *StepContext, rs *RunState) error {
	limit := rs.MaxSteps * transitionsPerStep
	state := StateCheckBudget

	for taken := 0; !state.IsTerminal(); taken++ {
		if taken >= limit {
			return fmt.Errorf("%w: %d transitions, last state %s", ErrTransitionLimit, taken, state)
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		if run, ok := o.phases[state]; ok {
			if err := run(ctx, sc, rs); err != nil {
				return fmt.Errorf("%s: %w", state, err)
			}
		}

		next, route, err := o.next(state, rs)
		if err != nil {
			return err
		}
		if o.observe != nil {
			o.observe(state, next, route)
		}
		state = next
	}
	return nil
}

func (o *Orchestrator) next(state State, rs *RunState) (State, Route, error) {
	t, ok := o.transitions[state]
	if !ok {
		return "", "", fmt.Errorf("no transition out of state %q", state)
	}
	if t.guard == nil {
		return t.next, "", nil
	}
	route := t.guard(rs)
	to, ok := t.routes[route]
	if !ok {
		return "", route, fmt.Errorf("state %q has no branch for route %q", state, route)
	}
	return to, route, nil
}
