package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browsegraph/api/schemas"
	"github.com/xkilldash9x/browsegraph/internal/config"
)

// GenerationRequest is one prompt sent to a model.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	ForceJSON    bool
}

// GenerationResponse is the model output with its token accounting.
type GenerationResponse struct {
	Text  string
	Usage schemas.Usage
}

// Generator produces text from prompts.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (GenerationResponse, error)
}

// NewClient creates a Generator for the configured provider.
func NewClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (Generator, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s]", cfg.Provider, config.ProviderGemini)
	}
}
