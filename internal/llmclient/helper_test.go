package llmclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/browsegraph/internal/config"
)

// MockGenerator is a mock implementation of the Generator interface for testing.
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, req GenerationRequest) (GenerationResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(GenerationResponse), args.Error(1)
}

// setupTestLogger creates a logger whose output can be inspected.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// getValidLLMConfig returns a valid LLMConfig for testing purposes.
func getValidLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		Provider:    config.ProviderGemini,
		APIKey:      "test-api-key",
		Model:       "test-model",
		APITimeout:  5 * time.Second,
		Temperature: 0.2,
		MaxRetries:  2,
	}
}
