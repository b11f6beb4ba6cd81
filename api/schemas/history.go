package schemas

import (
	"time"
)

// -- Step Bookkeeping --

// StepInfo identifies a step within the budget of a run.
type StepInfo struct {
	StepNumber int `json:"step_number"`
	MaxSteps   int `json:"max_steps"`
}

// IsLastStep reports whether this is the final step the budget allows.
func (s StepInfo) IsLastStep() bool {
	return s.StepNumber >= s.MaxSteps-1
}

// -- Perception --

// Tab describes one open page target in the browser.
type Tab struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Element is an interactive DOM element the planner can refer to by index.
type Element struct {
	Index    int    `json:"index"`
	Tag      string `json:"tag"`
	Text     string `json:"text,omitempty"`
	Selector string `json:"selector"`
}

// Snapshot is a point-in-time capture of the environment being acted upon.
type Snapshot struct {
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	Tabs           []Tab     `json:"tabs"`
	Elements       []Element `json:"elements"`
	Text           string    `json:"text,omitempty"`
	ScreenshotPath string    `json:"screenshot_path,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
}

// ElementByIndex looks up an interactive element from this snapshot.
func (s *Snapshot) ElementByIndex(index int) (Element, bool) {
	if s == nil {
		return Element{}, false
	}
	for _, el := range s.Elements {
		if el.Index == index {
			return el, true
		}
	}
	return Element{}, false
}

// -- Planning --

// ActionType enumerates the actions a plan may contain.
type ActionType string

const (
	ActionNavigate  ActionType = "navigate"
	ActionClick     ActionType = "click"
	ActionInputText ActionType = "input_text"
	ActionScroll    ActionType = "scroll"
	ActionGoBack    ActionType = "go_back"
	ActionWait      ActionType = "wait"
	ActionDone      ActionType = "done"
)

// Action is a single browser operation proposed by the planner.
type Action struct {
	Type    ActionType `json:"type"`
	Index   int        `json:"index,omitempty"`
	URL     string     `json:"url,omitempty"`
	Text    string     `json:"text,omitempty"`
	Amount  int        `json:"amount,omitempty"`
	Seconds float64    `json:"seconds,omitempty"`
	Success bool       `json:"success,omitempty"`
}

// Plan is the set of actions proposed for the next step, with the model's reasoning.
type Plan struct {
	EvaluationPreviousGoal string   `json:"evaluation_previous_goal"`
	Memory                 string   `json:"memory"`
	NextGoal               string   `json:"next_goal"`
	Actions                []Action `json:"actions"`
}

// -- Execution --

// ActionResult is the outcome of executing one action.
type ActionResult struct {
	IsDone           bool   `json:"is_done"`
	Success          *bool  `json:"success,omitempty"`
	Error            string `json:"error,omitempty"`
	ExtractedContent string `json:"extracted_content,omitempty"`
	IncludeInMemory  bool   `json:"include_in_memory"`
}

// -- History --

// StateHistory is the slice of the snapshot kept with each history entry.
type StateHistory struct {
	URL            string `json:"url"`
	Title          string `json:"title"`
	Tabs           []Tab  `json:"tabs"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
}

// StepMetadata records timing for one finalized step.
type StepMetadata struct {
	StepNumber int       `json:"step_number"`
	StepStart  time.Time `json:"step_start"`
	StepEnd    time.Time `json:"step_end"`
}

// Duration is the wall-clock time the step took.
func (m StepMetadata) Duration() time.Duration {
	return m.StepEnd.Sub(m.StepStart)
}

// HistoryItem is one entry of the run history.
type HistoryItem struct {
	Plan     *Plan          `json:"plan"`
	Results  []ActionResult `json:"results"`
	State    StateHistory   `json:"state"`
	Metadata *StepMetadata  `json:"metadata"`
}

// Usage aggregates token accounting across a run.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	Requests         int `json:"requests"`
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.Requests += other.Requests
}

// History is the ordered, append-only record of all steps taken during a run.
// It is owned by a single run and is not safe for concurrent mutation.
type History struct {
	Items        []HistoryItem `json:"history"`
	Usage        *Usage        `json:"usage,omitempty"`
	OutputSchema string        `json:"output_schema,omitempty"`
}

// AddItem appends a step record.
func (h *History) AddItem(item HistoryItem) {
	h.Items = append(h.Items, item)
}

// Len returns the number of recorded steps.
func (h *History) Len() int {
	return len(h.Items)
}

// lastResult returns the final action result of the final history item.
func (h *History) lastResult() (ActionResult, bool) {
	if len(h.Items) == 0 {
		return ActionResult{}, false
	}
	results := h.Items[len(h.Items)-1].Results
	if len(results) == 0 {
		return ActionResult{}, false
	}
	return results[len(results)-1], true
}

// IsDone reports whether the agent declared the task finished.
func (h *History) IsDone() bool {
	r, ok := h.lastResult()
	return ok && r.IsDone
}

// IsSuccessful returns the success flag of the final result, or nil when the
// task is not done.
func (h *History) IsSuccessful() *bool {
	r, ok := h.lastResult()
	if !ok || !r.IsDone {
		return nil
	}
	return r.Success
}

// FinalResult returns the extracted content of the final result.
func (h *History) FinalResult() string {
	r, ok := h.lastResult()
	if !ok {
		return ""
	}
	return r.ExtractedContent
}

// Errors returns one entry per step: the first error of that step, or "".
func (h *History) Errors() []string {
	errs := make([]string, 0, len(h.Items))
	for _, item := range h.Items {
		stepErr := ""
		for _, r := range item.Results {
			if r.Error != "" {
				stepErr = r.Error
				break
			}
		}
		errs = append(errs, stepErr)
	}
	return errs
}

// URLs returns the page URL recorded for every step.
func (h *History) URLs() []string {
	urls := make([]string, 0, len(h.Items))
	for _, item := range h.Items {
		urls = append(urls, item.State.URL)
	}
	return urls
}

// TotalDuration sums the recorded step durations.
func (h *History) TotalDuration() time.Duration {
	var total time.Duration
	for _, item := range h.Items {
		if item.Metadata != nil {
			total += item.Metadata.Duration()
		}
	}
	return total
}

// BoolPtr is a helper for the optional Success field.
func BoolPtr(b bool) *bool {
	return &b
}
