package llmclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/browsegraph/api/schemas"
)

func TestParsePlan(t *testing.T) {
	t.Run("plain json", func(t *testing.T) {
		plan, err := ParsePlan(`{"next_goal": "open docs", "actions": [{"type": "click", "index": 3}]}`, 0)
		require.NoError(t, err)
		assert.Equal(t, "open docs", plan.NextGoal)
		assert.Equal(t, []schemas.Action{{Type: schemas.ActionClick, Index: 3}}, plan.Actions)
	})

	t.Run("fenced with prose", func(t *testing.T) {
		text := "Here you go:\n```json\n{\"actions\": [{\"type\": \"go_back\"}]}\n```"
		plan, err := ParsePlan(text, 0)
		require.NoError(t, err)
		assert.Equal(t, schemas.ActionGoBack, plan.Actions[0].Type)
	})

	t.Run("caps the number of actions", func(t *testing.T) {
		text := `{"actions": [{"type": "scroll"}, {"type": "scroll"}, {"type": "scroll"}]}`
		plan, err := ParsePlan(text, 2)
		require.NoError(t, err)
		assert.Len(t, plan.Actions, 2)
	})

	t.Run("drops actions after done", func(t *testing.T) {
		text := `{"actions": [{"type": "done", "success": true, "text": "ok"}, {"type": "click", "index": 1}]}`
		plan, err := ParsePlan(text, 0)
		require.NoError(t, err)
		require.Len(t, plan.Actions, 1)
		assert.True(t, plan.Actions[0].Success)
	})

	invalid := map[string]string{
		"empty":                "",
		"not json":             "I think we should click the button",
		"no actions":           `{"next_goal": "think", "actions": []}`,
		"unknown action":       `{"actions": [{"type": "teleport"}]}`,
		"click without index":  `{"actions": [{"type": "click"}]}`,
		"navigate without url": `{"actions": [{"type": "navigate"}]}`,
	}
	for name, text := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePlan(text, 0)
			assert.ErrorIs(t, err, ErrInvalidPlan)
		})
	}
}

func TestPlanner_Plan(t *testing.T) {
	gen := new(MockGenerator)
	logger, _ := setupTestLogger(t)
	p := NewPlanner(gen, 5, logger)

	req := PlanRequest{
		Task: "find the go release notes",
		Step: schemas.StepInfo{StepNumber: 0, MaxSteps: 10},
		Snapshot: &schemas.Snapshot{
			URL:      "https://go.dev",
			Title:    "Go",
			Elements: []schemas.Element{{Index: 1, Tag: "a", Text: "Docs"}},
		},
	}
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(r GenerationRequest) bool {
		return r.ForceJSON && r.SystemPrompt == plannerSystemPrompt &&
			assert.Contains(t, r.UserPrompt, "find the go release notes") &&
			assert.Contains(t, r.UserPrompt, "[1] <a> Docs")
	})).Return(GenerationResponse{
		Text:  `{"actions": [{"type": "click", "index": 1}]}`,
		Usage: schemas.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12, Requests: 1},
	}, nil).Twice()

	for i := 0; i < 2; i++ {
		plan, err := p.Plan(context.Background(), req)
		require.NoError(t, err)
		assert.Len(t, plan.Actions, 1)
	}
	assert.Equal(t, schemas.Usage{PromptTokens: 20, CompletionTokens: 4, TotalTokens: 24, Requests: 2}, p.Usage())
	gen.AssertExpectations(t)
}

func TestPlanner_Errors(t *testing.T) {
	logger, _ := setupTestLogger(t)

	t.Run("generator failure", func(t *testing.T) {
		gen := new(MockGenerator)
		cause := errors.New("quota exceeded")
		gen.On("Generate", mock.Anything, mock.Anything).Return(GenerationResponse{}, cause)

		_, err := NewPlanner(gen, 0, logger).Plan(context.Background(), PlanRequest{Task: "t"})
		assert.ErrorIs(t, err, cause)
	})

	t.Run("unusable output still counts usage", func(t *testing.T) {
		gen := new(MockGenerator)
		gen.On("Generate", mock.Anything, mock.Anything).
			Return(GenerationResponse{Text: "nope", Usage: schemas.Usage{TotalTokens: 7, Requests: 1}}, nil)
		p := NewPlanner(gen, 0, logger)

		_, err := p.Plan(context.Background(), PlanRequest{Task: "t"})
		assert.ErrorIs(t, err, ErrInvalidPlan)
		assert.Equal(t, 7, p.Usage().TotalTokens)
	})
}

func TestBuildUserPrompt(t *testing.T) {
	prompt := buildUserPrompt(PlanRequest{
		Task:         "buy milk",
		Step:         schemas.StepInfo{StepNumber: 9, MaxSteps: 10},
		Memory:       []string{"opened the shop"},
		LastResults:  []schemas.ActionResult{{Error: "element not found"}, {ExtractedContent: "Scrolled"}},
		OutputSchema: `{"type": "object"}`,
	})

	assert.Contains(t, prompt, "Step 10 of 10. This is the last step")
	assert.Contains(t, prompt, "- opened the shop")
	assert.Contains(t, prompt, "1. error: element not found")
	assert.Contains(t, prompt, "2. Scrolled")
	assert.Contains(t, prompt, `{"type": "object"}`)
	assert.Contains(t, prompt, "Current page: unavailable")
}
