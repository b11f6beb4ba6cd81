package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browsegraph/api/schemas"
)

func (o *Orchestrator) pausedActions(ctx context.Context, _ *StepContext, rs *RunState) error {
	o.logger.Debug("Agent paused, waiting to resume.", zap.Int("step", rs.CurrentStep))
	if err := o.ctrl.WaitForResume(ctx); err != nil {
		return fmt.Errorf("waiting for resume: %w", err)
	}
	if o.opts.ResetSignals != nil {
		o.opts.ResetSignals()
	}
	return nil
}

func (o *Orchestrator) failureActions(_ context.Context, _ *StepContext, rs *RunState) error {
	o.logger.Error(fmt.Sprintf("Stopping due to %d consecutive failures", o.opts.Policy.MaxFailures))
	rs.EndedEarly = true
	return nil
}

func (o *Orchestrator) stoppedActions(_ context.Context, _ *StepContext, rs *RunState) error {
	o.logger.Info("Agent stopped")
	rs.EndedEarly = true
	return nil
}

func (o *Orchestrator) stepStart(ctx context.Context, _ *StepContext, rs *RunState) error {
	rs.iterations++
	if o.opts.OnStepStart != nil {
		if err := o.opts.OnStepStart(ctx, o.ctrl); err != nil {
			return fmt.Errorf("step start hook: %w", err)
		}
	}
	return nil
}

// acquireSnapshot opens a new step: it restarts the step clock and clears the
// timeout flag left by the previous step.
func (o *Orchestrator) acquireSnapshot(ctx context.Context, sc *StepContext, rs *RunState) error {
	o.logger.Debug("Starting step.", zap.Int("step", rs.CurrentStep+1), zap.Int("max_steps", rs.MaxSteps))
	rs.StepStarted = o.now()
	rs.TimedOut = false
	rs.ClearError()

	info := schemas.StepInfo{StepNumber: rs.CurrentStep, MaxSteps: rs.MaxSteps}
	snapshot, err := o.ctrl.AcquireSnapshot(ctx, info)
	if err != nil {
		o.phaseFailed(rs, StateAcquireSnapshot, err)
	} else {
		sc.Snapshot = snapshot
		rs.StepInfo = &info
		o.logger.Debug("Context prepared.", zap.Int("step", rs.CurrentStep))
	}
	o.checkStepTimeout(rs, StateAcquireSnapshot)
	return nil
}

func (o *Orchestrator) requestPlan(ctx context.Context, sc *StepContext, rs *RunState) error {
	rs.ClearError()
	plan, err := o.ctrl.RequestPlan(ctx, sc.Snapshot)
	if err != nil {
		o.phaseFailed(rs, StateRequestPlan, err)
	} else {
		sc.LastPlan = plan
		o.logger.Debug("Plan received.", zap.Int("step", rs.CurrentStep))
	}
	o.checkStepTimeout(rs, StateRequestPlan)
	return nil
}

func (o *Orchestrator) executePlan(ctx context.Context, sc *StepContext, rs *RunState) error {
	rs.ClearError()
	results, err := o.ctrl.ExecutePlan(ctx)
	if err != nil {
		o.phaseFailed(rs, StateExecutePlan, err)
	} else {
		sc.LastResult = results
		o.logger.Debug("Actions executed.", zap.Int("step", rs.CurrentStep), zap.Int("results", len(results)))
	}
	o.checkStepTimeout(rs, StateExecutePlan)
	return nil
}

func (o *Orchestrator) evaluateResult(ctx context.Context, _ *StepContext, rs *RunState) error {
	rs.ClearError()
	if err := o.ctrl.PostProcess(ctx); err != nil {
		o.phaseFailed(rs, StateEvaluateResult, err)
	} else {
		o.logger.Debug("Result evaluated.", zap.Int("step", rs.CurrentStep))
	}
	o.checkStepTimeout(rs, StateEvaluateResult)
	return nil
}

// finalizeStep is the only phase whose collaborator error aborts the run.
func (o *Orchestrator) finalizeStep(ctx context.Context, sc *StepContext, rs *RunState) error {
	if err := o.ctrl.Finalize(ctx, sc.Snapshot); err != nil {
		return fmt.Errorf("finalize step %d: %w", rs.CurrentStep, err)
	}
	rs.CurrentStep++
	o.logger.Debug("Step finalized.", zap.Int("step", rs.CurrentStep-1), zap.Int("next_step", rs.CurrentStep))
	o.checkStepTimeout(rs, StateFinalize)
	return nil
}

// handleError never fails. The handler's own error is logged and dropped.
func (o *Orchestrator) handleError(ctx context.Context, _ *StepContext, rs *RunState) error {
	msg, ok := rs.Err()
	if !ok {
		msg = "Unknown error"
	}
	if err := o.ctrl.HandleStepError(ctx, errors.New(msg)); err != nil {
		o.logger.Error("Step error handler failed.", zap.Int("step", rs.CurrentStep), zap.Error(err))
		return nil
	}
	o.logger.Debug("Error handled.", zap.Int("step", rs.CurrentStep))
	return nil
}

func (o *Orchestrator) stepEnd(ctx context.Context, _ *StepContext, _ *RunState) error {
	if o.opts.OnStepEnd != nil {
		if err := o.opts.OnStepEnd(ctx, o.ctrl); err != nil {
			return fmt.Errorf("step end hook: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) historyDone(ctx context.Context, _ *StepContext, rs *RunState) error {
	o.logger.Info(fmt.Sprintf("Task completed after %d steps", rs.CurrentStep+1))
	if err := o.ctrl.LogCompletion(ctx); err != nil {
		o.logger.Warn("Failed to log completion.", zap.Error(err))
	}
	if o.opts.OnDone != nil {
		if err := o.opts.OnDone(ctx, o.ctrl.History()); err != nil {
			return fmt.Errorf("done callback: %w", err)
		}
	}
	rs.EndedEarly = true
	return nil
}

func (o *Orchestrator) phaseFailed(rs *RunState, state State, err error) {
	rs.SetError(err.Error())
	o.logger.Debug("Phase failed.", zap.String("phase", string(state)), zap.Int("step", rs.CurrentStep), zap.Error(err))
}

// checkStepTimeout compares the time spent in the current step to the step
// timeout. On overrun it counts a failure, records a synthetic error result
// and sets TimedOut. Every call that sees an overrun counts again.
func (o *Orchestrator) checkStepTimeout(rs *RunState, state State) bool {
	if o.opts.StepTimeout <= 0 {
		return false
	}
	elapsed := o.now().Sub(rs.StepStarted)
	if elapsed <= o.opts.StepTimeout {
		return false
	}

	msg := fmt.Sprintf("Step %d timed out after %s seconds",
		rs.CurrentStep+1, strconv.FormatFloat(o.opts.StepTimeout.Seconds(), 'f', -1, 64))
	o.logger.Warn(msg, zap.String("phase", string(state)), zap.Duration("elapsed", elapsed))

	o.ctrl.IncrementFailures()
	o.ctrl.SetLastResult([]schemas.ActionResult{{Error: msg, IncludeInMemory: true}})
	rs.TimedOut = true
	return true
}
