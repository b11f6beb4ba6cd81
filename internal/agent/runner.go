package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/browsegraph/api/schemas"
	"github.com/xkilldash9x/browsegraph/internal/eventbus"
	"github.com/xkilldash9x/browsegraph/internal/observability"
)

const (
	DefaultMaxSteps    = 100
	DefaultStepTimeout = 30 * time.Second

	// maxStepsFailure is recorded when the budget runs out before completion.
	maxStepsFailure = "Failed to complete task in maximum steps"
	// interruptError is reported by the force-exit telemetry.
	interruptError = "SIGINT: Cancelled by user"

	defaultEventStopTimeout = 3 * time.Second
	forceExitPostTimeout    = 2 * time.Second
)

// RunOptions are the per-run parameters. Zero values take the defaults.
type RunOptions struct {
	MaxSteps    int
	StepTimeout time.Duration
	OnStepStart StepHook
	OnStepEnd   StepHook
}

func (o RunOptions) withDefaults() RunOptions {
	if o.MaxSteps == 0 {
		o.MaxSteps = DefaultMaxSteps
	}
	if o.StepTimeout == 0 {
		o.StepTimeout = DefaultStepTimeout
	}
	return o
}

// Validate rejects negative budgets.
func (o RunOptions) Validate() error {
	if o.MaxSteps <= 0 {
		return fmt.Errorf("%w: max steps must be positive, got %d", ErrInvalidOptions, o.MaxSteps)
	}
	if o.StepTimeout <= 0 {
		return fmt.Errorf("%w: step timeout must be positive, got %s", ErrInvalidOptions, o.StepTimeout)
	}
	return nil
}

// Settings are the agent-level knobs a Runner applies to every run.
type Settings struct {
	Policy           FailurePolicy
	GenerateArtifact bool
	Telemetry        bool
	HandleSignals    bool
	EventStopTimeout time.Duration
	OnDone           DoneCallback
}

// Runner is the run driver: it prepares the environment, drives the
// orchestrator and tears everything down afterwards.
type Runner struct {
	ctrl      Controller
	logger    *zap.Logger
	settings  Settings
	events    EventPublisher
	artifacts ArtifactWriter
	signalCfg SignalConfig
	now       func() time.Time

	sessionID          string
	sessionInitialized bool
	lastState          *RunState
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithEventPublisher sends run events through p.
func WithEventPublisher(p EventPublisher) RunnerOption {
	return func(r *Runner) { r.events = p }
}

// WithArtifactWriter persists the history through w when artifacts are enabled.
func WithArtifactWriter(w ArtifactWriter) RunnerOption {
	return func(r *Runner) { r.artifacts = w }
}

// WithSignalConfig overrides the input and exit hooks used by signal handling.
func WithSignalConfig(cfg SignalConfig) RunnerOption {
	return func(r *Runner) { r.signalCfg = cfg }
}

// WithClock replaces the wall clock used for step timeouts.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner for ctrl.
func NewRunner(ctrl Controller, logger *zap.Logger, settings Settings, opts ...RunnerOption) *Runner {
	if settings.EventStopTimeout <= 0 {
		settings.EventStopTimeout = defaultEventStopTimeout
	}
	r := &Runner{
		ctrl:      ctrl,
		logger:    logger.Named("runner"),
		settings:  settings,
		now:       time.Now,
		sessionID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SessionID identifies every run of this Runner.
func (r *Runner) SessionID() string {
	return r.sessionID
}

// LastRunState returns the bookkeeping of the most recent run.
func (r *Runner) LastRunState() *RunState {
	return r.lastState
}

// Run executes the task until completion, a terminal guard or the step
// budget. An interrupt returns the history gathered so far with a nil error.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*schemas.History, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	taskID := uuid.NewString()
	logger := observability.RunLogger(r.logger, r.sessionID, taskID)
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var forcedExit atomic.Bool
	var signals *SignalHandler
	if r.settings.HandleSignals {
		cfg := r.signalCfg
		cfg.Status = r.ctrl
		cfg.OnForceExit = func() {
			forcedExit.Store(true)
			postCtx, cancelPost := context.WithTimeout(context.WithoutCancel(ctx), forceExitPostTimeout)
			defer cancelPost()
			r.publishRunFinished(postCtx, logger, taskID, opts, interruptError)
		}
		cfg.Cancel = func() { cancel(ErrInterrupted) }
		signals = NewSignalHandler(logger, cfg)
		signals.Register()
	}

	rs := NewRunState(opts.MaxSteps)
	r.lastState = rs
	runErr := ""

	defer func() {
		r.teardown(context.WithoutCancel(ctx), logger, taskID, opts, signals, &forcedExit, runErr)
	}()

	logger.Info("Starting task.", zap.String("task", r.ctrl.Task()), zap.Int("max_steps", opts.MaxSteps))
	r.publishStart(runCtx, logger, taskID, opts)

	if err := r.start(runCtx); err != nil {
		runErr = err.Error()
		logger.Error("Agent run failed.", zap.Error(err))
		return nil, err
	}

	orch := NewOrchestrator(r.ctrl, logger, Options{
		Policy:       r.settings.Policy,
		StepTimeout:  opts.StepTimeout,
		OnStepStart:  opts.OnStepStart,
		OnStepEnd:    opts.OnStepEnd,
		OnDone:       r.settings.OnDone,
		ResetSignals: signals.Reset,
	})
	orch.now = r.now

	if err := orch.Invoke(runCtx, NewStepContext(r.ctrl.Task()), rs); err != nil {
		if isInterrupt(runCtx, err) {
			logger.Info("Got interrupt, returning the history gathered so far.")
			history := r.ctrl.History()
			usage := r.ctrl.UsageSummary()
			history.Usage = &usage
			return history, nil
		}
		runErr = err.Error()
		logger.Error("Agent run failed.", zap.Error(err))
		return nil, err
	}

	history := r.ctrl.History()
	if !rs.EndedEarly {
		history.AddItem(schemas.HistoryItem{
			Results: []schemas.ActionResult{{Error: maxStepsFailure, IncludeInMemory: true}},
			State:   schemas.StateHistory{Tabs: []schemas.Tab{}},
		})
		logger.Info(maxStepsFailure)
		runErr = maxStepsFailure
	}

	usage := r.ctrl.UsageSummary()
	history.Usage = &usage
	return history, nil
}

func (r *Runner) start(ctx context.Context) error {
	if err := r.ctrl.Start(ctx); err != nil {
		return fmt.Errorf("starting environment: %w", err)
	}
	if err := r.ctrl.ExecuteInitialActions(ctx); err != nil {
		return fmt.Errorf("running initial actions: %w", err)
	}
	return nil
}

func isInterrupt(runCtx context.Context, err error) bool {
	if errors.Is(err, ErrInterrupted) {
		return true
	}
	if !errors.Is(err, context.Canceled) {
		return false
	}
	cause := context.Cause(runCtx)
	return errors.Is(cause, ErrInterrupted) || errors.Is(cause, context.Canceled)
}

// teardown runs on every exit path. Its failures are logged, never returned.
func (r *Runner) teardown(ctx context.Context, logger *zap.Logger, taskID string, opts RunOptions, signals *SignalHandler, forcedExit *atomic.Bool, runErr string) {
	usage := r.ctrl.UsageSummary()
	logger.Info("Usage summary.",
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
		zap.Int("total_tokens", usage.TotalTokens),
		zap.Int("requests", usage.Requests),
	)

	if signals != nil {
		signals.Unregister()
	}
	// The force-exit path already reported this run.
	if !forcedExit.Load() {
		r.publishRunFinished(ctx, logger, taskID, opts, runErr)
	}

	history := r.ctrl.History()
	var g errgroup.Group
	g.Go(func() error {
		return r.publish(ctx, taskID, eventbus.TypeTaskUpdated, eventbus.TaskUpdated{
			Done:    history.IsDone(),
			Success: history.IsSuccessful(),
			Steps:   history.Len(),
			Result:  history.FinalResult(),
		})
	})
	if r.settings.GenerateArtifact && r.artifacts != nil {
		g.Go(func() error {
			path, err := r.artifacts.Write(ctx, history)
			if err != nil {
				return fmt.Errorf("writing history artifact: %w", err)
			}
			logger.Info("Wrote history artifact.", zap.String("path", path))
			return r.publish(ctx, taskID, eventbus.TypeOutputFileCreated, eventbus.OutputFileCreated{Path: path})
		})
	}

	errs := []error{g.Wait()}
	if r.events != nil && r.settings.Telemetry {
		errs = append(errs, r.events.Stop(r.settings.EventStopTimeout))
	}
	if err := r.ctrl.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing environment: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("Teardown completed with errors.", zap.Error(err))
	}
}

func (r *Runner) publishStart(ctx context.Context, logger *zap.Logger, taskID string, opts RunOptions) {
	if !r.sessionInitialized {
		if err := r.publish(ctx, "", eventbus.TypeSessionCreated, eventbus.SessionCreated{StartedAt: r.now().UTC()}); err != nil {
			logger.Warn("Failed to dispatch session event.", zap.Error(err))
		}
		r.sessionInitialized = true
	}
	if err := r.publish(ctx, taskID, eventbus.TypeTaskCreated, eventbus.TaskCreated{Task: r.ctrl.Task(), MaxSteps: opts.MaxSteps}); err != nil {
		logger.Warn("Failed to dispatch task event.", zap.Error(err))
	}
}

func (r *Runner) publishRunFinished(ctx context.Context, logger *zap.Logger, taskID string, opts RunOptions, runErr string) {
	finished := eventbus.RunFinished{
		Task:     r.ctrl.Task(),
		MaxSteps: opts.MaxSteps,
		RunError: runErr,
	}
	if runErr != interruptError {
		history := r.ctrl.History()
		finished.Steps = history.Len()
		finished.Done = history.IsDone()
		finished.Success = history.IsSuccessful()
		finished.Errors = history.Errors()
		finished.URLs = history.URLs()
		finished.Duration = history.TotalDuration()
		finished.FinalResult = history.FinalResult()
		finished.TotalTokens = r.ctrl.UsageSummary().TotalTokens
	} else {
		finished.ForcedExit = true
	}
	logger.Info("Run finished.", zap.Bool("done", finished.Done), zap.Int("steps", finished.Steps), zap.Bool("forced_exit", finished.ForcedExit))
	if err := r.publish(ctx, taskID, eventbus.TypeRunFinished, finished); err != nil {
		logger.Warn("Failed to dispatch run telemetry.", zap.Error(err))
	}
}

func (r *Runner) publish(ctx context.Context, taskID string, t eventbus.EventType, payload interface{}) error {
	if r.events == nil || !r.settings.Telemetry {
		return nil
	}
	err := r.events.Post(ctx, eventbus.Event{
		Type:      t,
		SessionID: r.sessionID,
		TaskID:    taskID,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("dispatching %s: %w", t, err)
	}
	return nil
}
