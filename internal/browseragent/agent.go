// Package browseragent implements the agent.Controller that drives a real
// browser with a planning model.
package browseragent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsegraph/api/schemas"
	"github.com/xkilldash9x/browsegraph/internal/agent"
	"github.com/xkilldash9x/browsegraph/internal/browser"
	"github.com/xkilldash9x/browsegraph/internal/llmclient"
	"github.com/xkilldash9x/browsegraph/internal/store"
)

// maxMemory bounds how many result notes are replayed to the planner.
const maxMemory = 20

// Browser is the page surface the agent acts on. *browser.Session satisfies it.
type Browser interface {
	Start(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	Snapshot(ctx context.Context, step int) (*schemas.Snapshot, error)
	Execute(ctx context.Context, snap *schemas.Snapshot, action schemas.Action) (schemas.ActionResult, error)
	Close(ctx context.Context) error
}

// Planner proposes the actions of each step. *llmclient.Planner satisfies it.
type Planner interface {
	Plan(ctx context.Context, req llmclient.PlanRequest) (*schemas.Plan, error)
	Usage() schemas.Usage
}

// Config describes one task.
type Config struct {
	Task     string
	StartURL string
	// OutputSchema is a JSON schema the final answer must follow.
	OutputSchema string
	// RunID keys persisted steps. Generated when empty.
	RunID string
}

// Agent holds the mutable state of a browsing task.
type Agent struct {
	cfg     Config
	browser Browser
	planner Planner
	store   store.HistoryStore
	logger  *zap.Logger
	now     func() time.Time

	mu         sync.Mutex
	paused     bool
	stopped    bool
	resumeCh   chan struct{}
	failures   int
	lastResult []schemas.ActionResult
	lastPlan   *schemas.Plan
	snapshot   *schemas.Snapshot
	step       schemas.StepInfo
	stepStart  time.Time
	memory     []string
	history    *schemas.History
}

var _ agent.Controller = (*Agent)(nil)

// New creates an agent. A nil store keeps history in memory only.
func New(cfg Config, b Browser, p Planner, st store.HistoryStore, logger *zap.Logger) *Agent {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	return &Agent{
		cfg:     cfg,
		browser: b,
		planner: p,
		store:   st,
		logger:  logger.Named("browser_agent").With(zap.String("run_id", cfg.RunID)),
		now:     time.Now,
		history: &schemas.History{OutputSchema: cfg.OutputSchema},
	}
}

// RunID identifies the persisted steps of this agent.
func (a *Agent) RunID() string { return a.cfg.RunID }

func (a *Agent) Task() string { return a.cfg.Task }

// -- Step phases --

func (a *Agent) AcquireSnapshot(ctx context.Context, info schemas.StepInfo) (*schemas.Snapshot, error) {
	a.mu.Lock()
	a.step = info
	a.stepStart = a.now()
	a.lastPlan = nil
	a.mu.Unlock()

	snap, err := a.browser.Snapshot(ctx, info.StepNumber)
	if err != nil {
		return nil, fmt.Errorf("capture page state: %w", err)
	}

	a.mu.Lock()
	a.snapshot = snap
	a.mu.Unlock()
	return snap, nil
}

func (a *Agent) RequestPlan(ctx context.Context, snap *schemas.Snapshot) (*schemas.Plan, error) {
	a.mu.Lock()
	req := llmclient.PlanRequest{
		Task:         a.cfg.Task,
		Step:         a.step,
		Snapshot:     snap,
		Memory:       append([]string(nil), a.memory...),
		LastResults:  append([]schemas.ActionResult(nil), a.lastResult...),
		OutputSchema: a.cfg.OutputSchema,
	}
	a.mu.Unlock()

	plan, err := a.planner.Plan(ctx, req)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.lastPlan = plan
	a.mu.Unlock()
	a.logger.Info("Next goal.", zap.Int("step", req.Step.StepNumber+1), zap.String("goal", plan.NextGoal))
	return plan, nil
}

// ExecutePlan runs the planned actions in order. It stops early after an
// action that changes the page, since later element indexes would be stale.
func (a *Agent) ExecutePlan(ctx context.Context) ([]schemas.ActionResult, error) {
	a.mu.Lock()
	plan, snap := a.lastPlan, a.snapshot
	a.mu.Unlock()
	if plan == nil {
		return nil, errors.New("no plan to execute")
	}

	results := make([]schemas.ActionResult, 0, len(plan.Actions))
	for i, action := range plan.Actions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := a.browser.Execute(ctx, snap, action)
		if err != nil {
			return nil, fmt.Errorf("action %d/%d failed: %w", i+1, len(plan.Actions), err)
		}
		results = append(results, res)
		if res.IsDone || changesPage(action.Type) {
			break
		}
	}

	a.mu.Lock()
	a.lastResult = results
	a.mu.Unlock()
	return results, nil
}

func changesPage(t schemas.ActionType) bool {
	return t == schemas.ActionNavigate || t == schemas.ActionGoBack
}

// PostProcess updates the failure streak from the step's results and keeps
// their notes for the planner.
func (a *Agent) PostProcess(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.lastResult) == 1 && a.lastResult[0].Error != "" {
		a.failures++
	} else {
		a.failures = 0
	}

	for _, r := range a.lastResult {
		if r.IncludeInMemory && r.ExtractedContent != "" {
			a.memory = append(a.memory, r.ExtractedContent)
		}
	}
	if n := len(a.memory); n > maxMemory {
		a.memory = append([]string(nil), a.memory[n-maxMemory:]...)
	}
	return nil
}

// Finalize records the step in the history and persists it.
func (a *Agent) Finalize(ctx context.Context, snap *schemas.Snapshot) error {
	a.mu.Lock()
	state := schemas.StateHistory{Tabs: []schemas.Tab{}}
	if snap != nil {
		state.URL, state.Title, state.ScreenshotPath = snap.URL, snap.Title, snap.ScreenshotPath
		if snap.Tabs != nil {
			state.Tabs = snap.Tabs
		}
	}
	item := schemas.HistoryItem{
		Plan:    a.lastPlan,
		Results: append([]schemas.ActionResult(nil), a.lastResult...),
		State:   state,
		Metadata: &schemas.StepMetadata{
			StepNumber: a.step.StepNumber,
			StepStart:  a.stepStart,
			StepEnd:    a.now(),
		},
	}
	a.history.AddItem(item)
	rec := store.StepRecord{
		RunID:      a.cfg.RunID,
		Task:       a.cfg.Task,
		Step:       a.step.StepNumber,
		Item:       item,
		RecordedAt: item.Metadata.StepEnd,
	}
	a.mu.Unlock()

	return a.store.SaveStep(ctx, rec)
}

// HandleStepError counts the failure and reports it to the planner as the
// step's result.
func (a *Agent) HandleStepError(_ context.Context, stepErr error) error {
	msg := describeError(stepErr)

	a.mu.Lock()
	a.failures++
	failures := a.failures
	a.lastResult = []schemas.ActionResult{{Error: msg, IncludeInMemory: true}}
	a.mu.Unlock()

	a.logger.Warn("Step failed.", zap.Int("consecutive_failures", failures), zap.String("error", msg))
	return nil
}

func describeError(err error) string {
	if err == nil {
		return "Unknown error"
	}
	switch {
	case errors.Is(err, llmclient.ErrInvalidPlan):
		return "Invalid model output: " + err.Error()
	case browser.CodeOf(err) != "":
		return fmt.Sprintf("[%s] %s", browser.CodeOf(err), err.Error())
	}
	return err.Error()
}

// -- Run status --

func (a *Agent) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

func (a *Agent) Stopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

func (a *Agent) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paused {
		return
	}
	a.paused = true
	a.resumeCh = make(chan struct{})
	a.logger.Info("Agent paused.")
}

func (a *Agent) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.paused {
		return
	}
	a.paused = false
	close(a.resumeCh)
	a.resumeCh = nil
	a.logger.Info("Agent resumed.")
}

// Stop asks the run to end at the next step boundary. A paused run is
// released so it can observe the request.
func (a *Agent) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	a.Resume()
}

func (a *Agent) WaitForResume(ctx context.Context) error {
	a.mu.Lock()
	if !a.paused {
		a.mu.Unlock()
		return nil
	}
	ch := a.resumeCh
	a.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) ConsecutiveFailures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}

func (a *Agent) IncrementFailures() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures++
}

func (a *Agent) SetLastResult(results []schemas.ActionResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastResult = results
}

// LastResult returns the results recorded for the most recent step.
func (a *Agent) LastResult() []schemas.ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]schemas.ActionResult(nil), a.lastResult...)
}

func (a *Agent) IsTaskDone() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history.IsDone()
}

// -- Lifecycle --

func (a *Agent) Start(ctx context.Context) error {
	if err := a.browser.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	return nil
}

// ExecuteInitialActions opens the start URL, if any.
func (a *Agent) ExecuteInitialActions(ctx context.Context) error {
	if a.cfg.StartURL == "" {
		return nil
	}
	if err := a.browser.Navigate(ctx, a.cfg.StartURL); err != nil {
		return fmt.Errorf("open start url: %w", err)
	}
	a.mu.Lock()
	a.memory = append(a.memory, "Opened "+a.cfg.StartURL)
	a.mu.Unlock()
	return nil
}

func (a *Agent) LogCompletion(_ context.Context) error {
	a.mu.Lock()
	success := a.history.IsSuccessful()
	result := a.history.FinalResult()
	a.mu.Unlock()

	if success != nil && *success {
		a.logger.Info("Task completed successfully.", zap.String("result", result))
	} else {
		a.logger.Info("Task completed without success.", zap.String("result", result))
	}
	return nil
}

func (a *Agent) History() *schemas.History {
	return a.history
}

func (a *Agent) UsageSummary() schemas.Usage {
	return a.planner.Usage()
}

// Close shuts the browser and the store down.
func (a *Agent) Close(ctx context.Context) error {
	err := a.browser.Close(ctx)
	a.store.Close()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}
