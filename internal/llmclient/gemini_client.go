package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/xkilldash9x/browsegraph/api/schemas"
	"github.com/xkilldash9x/browsegraph/internal/config"
)

// GeminiClient implements Generator on top of the Gemini API.
type GeminiClient struct {
	client  *genai.Client
	cfg     config.LLMConfig
	logger  *zap.Logger
	limiter *rate.Limiter

	// backoff is rebuilt per request so retries do not share state.
	backoff func() backoff.BackOff
}

var _ Generator = (*GeminiClient)(nil)

// geminiOption customizes client construction. Used by tests to point the
// client at a local server.
type geminiOption func(*genai.ClientConfig)

func withBaseURL(url string) geminiOption {
	return func(c *genai.ClientConfig) { c.HTTPOptions.BaseURL = url }
}

// NewGeminiClient initializes the client.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger, opts ...geminiOption) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(clientCfg)
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client init: %w", err)
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(cfg.RequestsPerMinute / 60)
	}

	return &GeminiClient{
		client:  client,
		cfg:     cfg,
		logger:  logger.Named("llm_client.gemini"),
		limiter: rate.NewLimiter(limit, 1),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}, nil
}

// Generate sends the prompts to Gemini, retrying transient failures.
func (c *GeminiClient) Generate(ctx context.Context, req GenerationRequest) (GenerationResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return GenerationResponse{}, fmt.Errorf("rate limiter: %w", err)
	}

	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(c.cfg.Temperature),
	}
	if c.cfg.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(c.cfg.MaxTokens)
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.ForceJSON {
		genCfg.ResponseMIMEType = "application/json"
	}

	attempt := 0
	operation := func() (GenerationResponse, error) {
		attempt++
		callCtx := ctx
		if c.cfg.APITimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.APITimeout)
			defer cancel()
		}

		start := time.Now()
		resp, err := c.client.Models.GenerateContent(callCtx, c.cfg.Model, genai.Text(req.UserPrompt), genCfg)
		if err != nil {
			if isTransient(err) && ctx.Err() == nil {
				c.logger.Warn("Transient LLM error, retrying.", zap.Int("attempt", attempt), zap.Error(err))
				return GenerationResponse{}, fmt.Errorf("gemini generate: %w", err)
			}
			return GenerationResponse{}, backoff.Permanent(fmt.Errorf("gemini generate: %w", err))
		}

		out, err := extractResponse(resp)
		if err != nil {
			return GenerationResponse{}, backoff.Permanent(err)
		}
		c.logger.Debug("LLM generation complete (Gemini)",
			zap.Duration("duration", time.Since(start)),
			zap.Int("prompt_tokens", out.Usage.PromptTokens),
			zap.Int("completion_tokens", out.Usage.CompletionTokens),
		)
		return out, nil
	}

	opts := []backoff.RetryOption{backoff.WithBackOff(c.backoff())}
	if c.cfg.MaxRetries >= 0 {
		opts = append(opts, backoff.WithMaxTries(uint(c.cfg.MaxRetries)+1))
	}
	return backoff.Retry(ctx, operation, opts...)
}

func extractResponse(resp *genai.GenerateContentResponse) (GenerationResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return GenerationResponse{}, fmt.Errorf("gemini returned no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return GenerationResponse{}, fmt.Errorf("gemini returned empty content (reason: %s)", candidate.FinishReason)
	}
	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}

	out := GenerationResponse{Text: sb.String(), Usage: schemas.Usage{Requests: 1}}
	if md := resp.UsageMetadata; md != nil {
		out.Usage.PromptTokens = int(md.PromptTokenCount)
		out.Usage.CompletionTokens = int(md.CandidatesTokenCount)
		out.Usage.TotalTokens = int(md.TotalTokenCount)
	}
	return out, nil
}

// isTransient reports whether a failed call is worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.Code)
	}
	return false
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
