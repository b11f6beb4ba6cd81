package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsegraph/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidPlan is returned when the model output cannot be used as a plan.
var ErrInvalidPlan = errors.New("invalid plan")

// Planner asks a Generator for the next actions and keeps the token tally.
type Planner struct {
	gen        Generator
	logger     *zap.Logger
	maxActions int

	mu    sync.Mutex
	usage schemas.Usage
}

// NewPlanner creates a planner. maxActions caps the actions kept per plan;
// zero or less keeps them all.
func NewPlanner(gen Generator, maxActions int, logger *zap.Logger) *Planner {
	return &Planner{gen: gen, maxActions: maxActions, logger: logger.Named("planner")}
}

// Plan requests and parses the plan for one step.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (*schemas.Plan, error) {
	resp, err := p.gen.Generate(ctx, GenerationRequest{
		SystemPrompt: plannerSystemPrompt,
		UserPrompt:   buildUserPrompt(req),
		ForceJSON:    true,
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.usage.Add(resp.Usage)
	p.mu.Unlock()

	plan, err := ParsePlan(resp.Text, p.maxActions)
	if err != nil {
		p.logger.Debug("Unusable model output.", zap.String("output", resp.Text), zap.Error(err))
		return nil, err
	}
	p.logger.Debug("Planned next actions.",
		zap.Int("step", req.Step.StepNumber),
		zap.String("next_goal", plan.NextGoal),
		zap.Int("actions", len(plan.Actions)),
	)
	return plan, nil
}

// Usage returns the accumulated token usage.
func (p *Planner) Usage() schemas.Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

// ParsePlan decodes model output into a validated plan. Markdown fences are
// tolerated. Actions after a done action are dropped.
func ParsePlan(text string, maxActions int) (*schemas.Plan, error) {
	raw := stripFences(text)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty response", ErrInvalidPlan)
	}

	var plan schemas.Plan
	if err := json.UnmarshalFromString(raw, &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if len(plan.Actions) == 0 {
		return nil, fmt.Errorf("%w: no actions", ErrInvalidPlan)
	}

	for i, a := range plan.Actions {
		if err := validateAction(a); err != nil {
			return nil, fmt.Errorf("%w: action %d: %v", ErrInvalidPlan, i+1, err)
		}
		if a.Type == schemas.ActionDone {
			plan.Actions = plan.Actions[:i+1]
			break
		}
	}
	if maxActions > 0 && len(plan.Actions) > maxActions {
		plan.Actions = plan.Actions[:maxActions]
	}
	return &plan, nil
}

func validateAction(a schemas.Action) error {
	switch a.Type {
	case schemas.ActionClick, schemas.ActionInputText:
		if a.Index <= 0 {
			return fmt.Errorf("%s needs an element index", a.Type)
		}
	case schemas.ActionNavigate:
		if a.URL == "" {
			return fmt.Errorf("navigate needs a url")
		}
	case schemas.ActionScroll, schemas.ActionGoBack, schemas.ActionWait, schemas.ActionDone:
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// stripFences removes a surrounding ```json fence and any prose around the object.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start, end := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return strings.TrimSpace(s)
	}
	return s[start : end+1]
}
