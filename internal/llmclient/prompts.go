package llmclient

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/browsegraph/api/schemas"
)

const plannerSystemPrompt = `You are a browser automation agent. Each turn you receive the task, the
current page and the outcome of your previous actions. Reply with a single JSON
object and nothing else:

{
  "evaluation_previous_goal": "Success|Failed|Unknown - short reason",
  "memory": "what you have done so far and what to remember",
  "next_goal": "what the next actions should achieve",
  "actions": [ { "type": "...", ... } ]
}

Available actions:
  {"type": "navigate", "url": "https://..."}
  {"type": "click", "index": <element index>}
  {"type": "input_text", "index": <element index>, "text": "..."}
  {"type": "scroll", "amount": <pixels, negative scrolls up>}
  {"type": "go_back"}
  {"type": "wait", "seconds": <seconds>}
  {"type": "done", "success": true|false, "text": "final answer for the user"}

Rules:
- Only use element indexes listed on the current page.
- Actions run in order. The page may change after a click or navigation, so
  stop the list at the first action that changes the page.
- Use "done" as the only action once the task is complete or impossible.`

// PlanRequest is everything the planner sees for one step.
type PlanRequest struct {
	Task        string
	Step        schemas.StepInfo
	Snapshot    *schemas.Snapshot
	Memory      []string
	LastResults []schemas.ActionResult
	// OutputSchema, when set, constrains the text of the final done action.
	OutputSchema string
}

func buildUserPrompt(req PlanRequest) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Task: %s\n\n", req.Task)
	fmt.Fprintf(&sb, "Step %d of %d.", req.Step.StepNumber+1, req.Step.MaxSteps)
	if req.Step.IsLastStep() {
		sb.WriteString(" This is the last step: finish with a done action now.")
	}
	sb.WriteString("\n\n")

	if req.OutputSchema != "" {
		fmt.Fprintf(&sb, "The text of the done action must be JSON matching this schema:\n%s\n\n", req.OutputSchema)
	}

	if len(req.Memory) > 0 {
		sb.WriteString("Memory:\n")
		for _, m := range req.Memory {
			fmt.Fprintf(&sb, "- %s\n", m)
		}
		sb.WriteString("\n")
	}

	if len(req.LastResults) > 0 {
		sb.WriteString("Previous action results:\n")
		for i, r := range req.LastResults {
			switch {
			case r.Error != "":
				fmt.Fprintf(&sb, "%d. error: %s\n", i+1, r.Error)
			case r.ExtractedContent != "":
				fmt.Fprintf(&sb, "%d. %s\n", i+1, r.ExtractedContent)
			}
		}
		sb.WriteString("\n")
	}

	snap := req.Snapshot
	if snap == nil {
		sb.WriteString("Current page: unavailable\n")
		return sb.String()
	}

	fmt.Fprintf(&sb, "Current page: %s (%s)\n", snap.URL, snap.Title)
	if len(snap.Tabs) > 1 {
		sb.WriteString("Open tabs:\n")
		for _, tab := range snap.Tabs {
			fmt.Fprintf(&sb, "- %s (%s)\n", tab.URL, tab.Title)
		}
	}
	sb.WriteString("\nInteractive elements:\n")
	if len(snap.Elements) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, el := range snap.Elements {
		fmt.Fprintf(&sb, "[%d] <%s> %s\n", el.Index, el.Tag, el.Text)
	}
	if snap.Text != "" {
		fmt.Fprintf(&sb, "\nPage text:\n%s\n", snap.Text)
	}
	return sb.String()
}
