package eventbus

import "time"

// EventType names a kind of run event.
type EventType string

const (
	TypeSessionCreated    EventType = "session.created"
	TypeTaskCreated       EventType = "task.created"
	TypeTaskUpdated       EventType = "task.updated"
	TypeOutputFileCreated EventType = "output_file.created"
	// TypeRunFinished carries the end-of-run telemetry record.
	TypeRunFinished EventType = "run.finished"
)

// Event is the envelope carried over the bus.
type Event struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	TaskID    string      `json:"task_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// SessionCreated is posted once per agent, on its first run.
type SessionCreated struct {
	StartedAt time.Time `json:"started_at"`
}

// TaskCreated is posted at the beginning of every run.
type TaskCreated struct {
	Task     string `json:"task"`
	MaxSteps int    `json:"max_steps"`
}

// TaskUpdated is posted during teardown with the final state of the task.
type TaskUpdated struct {
	Done    bool   `json:"done"`
	Success *bool  `json:"success,omitempty"`
	Steps   int    `json:"steps"`
	Result  string `json:"result,omitempty"`
}

// OutputFileCreated announces an artifact written for the run.
type OutputFileCreated struct {
	Path string `json:"path"`
}

// RunFinished is the telemetry summary of a run.
type RunFinished struct {
	Task        string        `json:"task"`
	MaxSteps    int           `json:"max_steps"`
	Steps       int           `json:"steps"`
	Done        bool          `json:"done"`
	Success     *bool         `json:"success,omitempty"`
	Errors      []string      `json:"errors,omitempty"`
	URLs        []string      `json:"urls,omitempty"`
	Duration    time.Duration `json:"duration"`
	TotalTokens int           `json:"total_tokens"`
	FinalResult string        `json:"final_result,omitempty"`
	RunError    string        `json:"run_error,omitempty"`
	ForcedExit  bool          `json:"forced_exit"`
}
