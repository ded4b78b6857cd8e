package enrichment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/STRATINT/polwatch/internal/config"
	"github.com/STRATINT/polwatch/internal/models"
)

// OpenAIConfig holds configuration for OpenAI API usage.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	// MaxAttempts bounds rate-limit retries inside one reasoning call.
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultOpenAIConfig returns defaults for short political posts.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Model:       openai.GPT4oMini,
		Temperature: 0.2,
		MaxTokens:   1200,
		MaxAttempts: 2,
		BaseDelay:   500 * time.Millisecond,
	}
}

// OpenAIConfigFrom maps the application configuration.
func OpenAIConfigFrom(cfg config.OpenAIConfig) OpenAIConfig {
	c := DefaultOpenAIConfig()
	c.APIKey = cfg.APIKey
	c.BaseURL = cfg.BaseURL
	if cfg.Model != "" {
		c.Model = cfg.Model
	}
	c.Temperature = cfg.Temperature
	if cfg.MaxTokens > 0 {
		c.MaxTokens = cfg.MaxTokens
	}
	return c
}

// OpenAIReasoner analyzes posts with a chat completion model.
type OpenAIReasoner struct {
	client  *openai.Client
	config  OpenAIConfig
	prompts *PromptTemplates
	logger  *slog.Logger
}

// NewOpenAIReasoner creates a reasoner. An API key is required.
func NewOpenAIReasoner(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIReasoner, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key not configured")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &OpenAIReasoner{
		client:  openai.NewClientWithConfig(clientCfg),
		config:  cfg,
		prompts: NewPromptTemplates(),
		logger:  logger,
	}, nil
}

func (c *OpenAIReasoner) Name() string { return "openai:" + c.config.Model }

// Analyze runs one chat completion. Rate-limited calls are retried with
// backoff while ctx allows; the caller's deadline bounds the whole call.
func (c *OpenAIReasoner) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	request := c.buildRequest(c.prompts.BuildAnalysisPrompt(req))

	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		start := time.Now()
		resp, err = c.client.CreateChatCompletion(ctx, request)
		c.logger.Debug("openai call complete",
			"model", c.config.Model,
			"attempt", attempt+1,
			"duration_ms", time.Since(start).Milliseconds(),
			"success", err == nil,
		)
		if err == nil || !isRateLimit(err) || attempt == c.config.MaxAttempts-1 {
			break
		}

		delay := c.config.BaseDelay*time.Duration(1<<uint(attempt)) + time.Duration(rand.Intn(250))*time.Millisecond
		c.logger.Warn("openai rate limited, retrying", "attempt", attempt+1, "delay_ms", delay.Milliseconds())
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("openai backoff: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	if err != nil {
		if isRateLimit(err) {
			return nil, fmt.Errorf("openai chat completion: %w: %v", models.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no completion choices from model %s", models.ErrEnrichmentMalformed, c.config.Model)
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty response from model %s (finish_reason: %s)",
			models.ErrEnrichmentMalformed, c.config.Model, resp.Choices[0].FinishReason)
	}
	return ParseAnalysis(content)
}

func (c *OpenAIReasoner) buildRequest(prompt string) openai.ChatCompletionRequest {
	// reasoning models reject JSON mode, system messages and temperature
	if isReasoningModel(c.config.Model) {
		return openai.ChatCompletionRequest{
			Model:               c.config.Model,
			MaxCompletionTokens: c.config.MaxTokens,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: c.prompts.SystemPrompt + "\n\n" + prompt},
			},
		}
	}

	return openai.ChatCompletionRequest{
		Model:               c.config.Model,
		MaxCompletionTokens: c.config.MaxTokens,
		Temperature:         c.config.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.prompts.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
}

func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4") || strings.HasPrefix(m, "gpt-5")
}

func isRateLimit(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}
	return false
}
