package agent

// FailurePolicy is the consecutive failure budget of a run.
type FailurePolicy struct {
	MaxFailures               int
	FinalResponseAfterFailure bool
}

// Limit is the failure count at which the run gives up. One extra failure is
// tolerated when a final response is allowed after failing.
func (p FailurePolicy) Limit() int {
	if p.FinalResponseAfterFailure {
		return p.MaxFailures + 1
	}
	return p.MaxFailures
}

// RouteBudget stops the loop once MaxSteps step traversals have started.
func RouteBudget(rs *RunState) Route {
	if rs.iterations >= rs.MaxSteps {
		return RouteBudgetExhausted
	}
	return RouteBudgetRemaining
}

// RoutePaused checks the pause flag.
func RoutePaused(status RunStatus) Route {
	if status.Paused() {
		return RoutePausedYes
	}
	return RouteNotPaused
}

// RouteConsecutiveFailures compares the failure counter against the policy limit.
func RouteConsecutiveFailures(status RunStatus, policy FailurePolicy) Route {
	if status.ConsecutiveFailures() >= policy.Limit() {
		return RouteTooManyFailures
	}
	return RouteFailuresOK
}

// RouteStopped checks the stop flag.
func RouteStopped(status RunStatus) Route {
	if status.Stopped() {
		return RouteStoppedYes
	}
	return RouteNotStopped
}

// RouteOnTimeoutOrError runs after each phase. A timeout wins over an error.
func RouteOnTimeoutOrError(rs *RunState) Route {
	if rs.TimedOut {
		return RouteTimeout
	}
	if _, ok := rs.Err(); ok {
		return RouteError
	}
	return RouteContinue
}

// RouteCompletion asks whether the accumulated history marks the task done.
func RouteCompletion(status RunStatus) Route {
	if status.IsTaskDone() {
		return RouteDone
	}
	return RouteContinue
}
