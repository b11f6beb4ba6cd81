package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xkilldash9x/browsegraph/api/schemas"
	"github.com/xkilldash9x/browsegraph/internal/eventbus"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeController records every collaborator call in order. Behavior is
// scripted through its exported fields.
type fakeController struct {
	mu sync.Mutex

	task     string
	calls    []string
	paused   bool
	stopped  bool
	failures int

	lastResult []schemas.ActionResult
	history    *schemas.History
	usage      schemas.Usage
	finalized  int
	closed     bool
	completion int

	// DoneAfter marks the history done once this many steps are finalized. Zero never completes.
	DoneAfter int

	SnapshotErr func(step int) error
	PlanErr     error
	ExecErr     error
	PostErr     error
	FinalizeErr error
	HandleErr   error
	StartErr    error
	CloseErr    error

	// OnExecute runs inside ExecutePlan, typically to advance a clock.
	OnExecute func()
	// StaySuspended keeps WaitForResume from resuming the run itself.
	StaySuspended bool
}

func newFakeController(task string) *fakeController {
	return &fakeController{task: task, history: &schemas.History{}}
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) CallCount(name string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeController) Task() string { return f.task }

func (f *fakeController) AcquireSnapshot(_ context.Context, info schemas.StepInfo) (*schemas.Snapshot, error) {
	f.record("acquire_snapshot")
	if f.SnapshotErr != nil {
		if err := f.SnapshotErr(info.StepNumber); err != nil {
			return nil, err
		}
	}
	return &schemas.Snapshot{URL: fmt.Sprintf("https://example.test/step/%d", info.StepNumber), Title: "step"}, nil
}

func (f *fakeController) RequestPlan(_ context.Context, _ *schemas.Snapshot) (*schemas.Plan, error) {
	f.record("request_plan")
	if f.PlanErr != nil {
		return nil, f.PlanErr
	}
	return &schemas.Plan{NextGoal: "click", Actions: []schemas.Action{{Type: schemas.ActionClick, Index: 1}}}, nil
}

func (f *fakeController) ExecutePlan(_ context.Context) ([]schemas.ActionResult, error) {
	f.record("execute_plan")
	if f.OnExecute != nil {
		f.OnExecute()
	}
	if f.ExecErr != nil {
		return nil, f.ExecErr
	}
	results := []schemas.ActionResult{{ExtractedContent: "clicked"}}
	f.mu.Lock()
	f.lastResult = results
	f.mu.Unlock()
	return results, nil
}

func (f *fakeController) PostProcess(_ context.Context) error {
	f.record("post_process")
	return f.PostErr
}

func (f *fakeController) Finalize(_ context.Context, snapshot *schemas.Snapshot) error {
	f.record("finalize")
	if f.FinalizeErr != nil {
		return f.FinalizeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized++
	result := schemas.ActionResult{ExtractedContent: "step"}
	if f.DoneAfter > 0 && f.finalized >= f.DoneAfter {
		result = schemas.ActionResult{IsDone: true, Success: schemas.BoolPtr(true), ExtractedContent: "finished"}
	}
	item := schemas.HistoryItem{Results: []schemas.ActionResult{result}}
	if snapshot != nil {
		item.State = schemas.StateHistory{URL: snapshot.URL, Title: snapshot.Title}
	}
	f.history.AddItem(item)
	return nil
}

func (f *fakeController) HandleStepError(_ context.Context, stepErr error) error {
	f.record("handle_step_error")
	f.mu.Lock()
	f.failures++
	f.lastResult = []schemas.ActionResult{{Error: stepErr.Error()}}
	f.mu.Unlock()
	return f.HandleErr
}

func (f *fakeController) Paused() bool {
	f.record("paused?")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeController) Stopped() bool {
	f.record("stopped?")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeController) Pause() {
	f.record("pause")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

func (f *fakeController) Resume() {
	f.record("resume")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
}

func (f *fakeController) IsPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeController) WaitForResume(ctx context.Context) error {
	f.record("wait_for_resume")
	if f.StaySuspended {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	return nil
}

func (f *fakeController) ConsecutiveFailures() int {
	f.record("failures?")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}

func (f *fakeController) Failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}

func (f *fakeController) IncrementFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
}

func (f *fakeController) SetLastResult(results []schemas.ActionResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastResult = results
}

func (f *fakeController) LastResult() []schemas.ActionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastResult
}

func (f *fakeController) IsTaskDone() bool {
	f.record("done?")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history.IsDone()
}

func (f *fakeController) Start(_ context.Context) error {
	f.record("start")
	return f.StartErr
}

func (f *fakeController) ExecuteInitialActions(_ context.Context) error {
	f.record("initial_actions")
	return nil
}

func (f *fakeController) LogCompletion(_ context.Context) error {
	f.record("log_completion")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completion++
	return nil
}

func (f *fakeController) History() *schemas.History { return f.history }

func (f *fakeController) UsageSummary() schemas.Usage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage
}

func (f *fakeController) Close(_ context.Context) error {
	f.record("close")
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return f.CloseErr
}

func (f *fakeController) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// recordingPublisher keeps posted events in memory.
type recordingPublisher struct {
	mu      sync.Mutex
	events  []eventbus.Event
	stopped int
	PostErr error
}

func (p *recordingPublisher) Post(_ context.Context, ev eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PostErr != nil {
		return p.PostErr
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Stop(time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped++
	return nil
}

func (p *recordingPublisher) Types() []eventbus.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]eventbus.EventType, 0, len(p.events))
	for _, ev := range p.events {
		types = append(types, ev.Type)
	}
	return types
}

func (p *recordingPublisher) Find(t eventbus.EventType) (eventbus.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if ev.Type == t {
			return ev, true
		}
	}
	return eventbus.Event{}, false
}

// fakeArtifactWriter records the history it was asked to persist.
type fakeArtifactWriter struct {
	mu      sync.Mutex
	written int
	path    string
	err     error
}

func (w *fakeArtifactWriter) Write(_ context.Context, _ *schemas.History) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return "", w.err
	}
	w.written++
	return w.path, nil
}
