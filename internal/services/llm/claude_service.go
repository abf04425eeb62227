// -----------------------------------------------------------------------
// Claude LLM provider - chat and vision over the Anthropic API
// -----------------------------------------------------------------------

package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/bCommonsLAB/secretary/internal/common"
	"github.com/bCommonsLAB/secretary/internal/interfaces"
)

// ClaudeService implements interfaces.LLMService using the Anthropic API.
// Requests are paced by a rate limiter so batches of extraction jobs do not
// trip the provider's request-per-minute limits.
type ClaudeService struct {
	config    *common.ClaudeConfig
	logger    arbor.ILogger
	client    anthropic.Client
	timeout   time.Duration
	maxTokens int
	limiter   *rate.Limiter
}

var _ interfaces.LLMService = (*ClaudeService)(nil)

// NewClaudeService creates a Claude LLM service from configuration.
func NewClaudeService(config *common.ClaudeConfig, logger arbor.ILogger) (*ClaudeService, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required (set claude.api_key, SECRETARY_CLAUDE_API_KEY, or ANTHROPIC_API_KEY)")
	}

	if config.Model == "" {
		config.Model = "claude-sonnet-4-20250514"
	}

	timeout, err := time.ParseDuration(config.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid claude.timeout %q: %w", config.Timeout, err)
	}

	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	limiter, err := newLimiter(config.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid claude.rate_limit %q: %w", config.RateLimit, err)
	}

	client := anthropic.NewClient(
		option.WithAPIKey(config.APIKey),
	)

	service := &ClaudeService{
		config:    config,
		logger:    logger,
		client:    client,
		timeout:   timeout,
		maxTokens: maxTokens,
		limiter:   limiter,
	}

	logger.Debug().
		Str("model", config.Model).
		Dur("timeout", timeout).
		Int("max_tokens", maxTokens).
		Msg("Claude LLM service initialized")

	return service, nil
}

// Chat generates a completion from the conversation history.
func (s *ClaudeService) Chat(ctx context.Context, messages []interfaces.Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("messages cannot be empty for chat completion")
	}

	claudeMessages, systemText, err := convertMessagesToClaude(messages)
	if err != nil {
		return "", fmt.Errorf("failed to convert messages to Claude format: %w", err)
	}

	params := s.baseParams()
	params.Messages = claudeMessages
	if systemText != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemText}}
	}

	return s.send(ctx, params)
}

// Describe runs a vision prompt over one image.
func (s *ClaudeService) Describe(ctx context.Context, mimeType string, image []byte, prompt string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("image data cannot be empty")
	}
	if prompt == "" {
		prompt = "Transcribe all text visible in this image as markdown."
	}

	encoded := base64.StdEncoding.EncodeToString(image)
	params := s.baseParams()
	params.Messages = []anthropic.MessageParam{
		anthropic.NewUserMessage(
			anthropic.NewImageBlockBase64(mimeType, encoded),
			anthropic.NewTextBlock(prompt),
		),
	}

	return s.send(ctx, params)
}

// Close releases the client. No explicit cleanup is required by the SDK.
func (s *ClaudeService) Close() error {
	s.logger.Debug().Msg("Closing Claude LLM service")
	return nil
}

func (s *ClaudeService) baseParams() anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.config.Model),
		MaxTokens: int64(s.maxTokens),
	}
	if s.config.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(s.config.Temperature))
	}
	return params
}

func (s *ClaudeService) send(ctx context.Context, params anthropic.MessageNewParams) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait cancelled: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	resp, err := s.client.Messages.New(timeoutCtx, params)
	if err != nil {
		return "", fmt.Errorf("Claude API call failed: %w", err)
	}

	var response strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			response.WriteString(text.Text)
		}
	}
	if response.Len() == 0 {
		return "", fmt.Errorf("no response generated from Claude API")
	}

	s.logger.Debug().
		Int("response_length", response.Len()).
		Dur("duration", time.Since(start)).
		Msg("Claude completion finished")

	return response.String(), nil
}

// convertMessagesToClaude maps the provider-agnostic messages to Claude
// MessageParam values. System messages are extracted separately for the
// System parameter; the first one wins.
func convertMessagesToClaude(messages []interfaces.Message) ([]anthropic.MessageParam, string, error) {
	hasUserMessage := false
	for _, msg := range messages {
		if msg.Role == "user" {
			hasUserMessage = true
			break
		}
	}
	if !hasUserMessage {
		return nil, "", fmt.Errorf("at least one message must have role 'user'")
	}

	claudeMessages := make([]anthropic.MessageParam, 0, len(messages))
	var systemText string
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if systemText == "" {
				systemText = msg.Content
			}
		case "assistant":
			claudeMessages = append(claudeMessages, anthropic.NewAssistantMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		default:
			claudeMessages = append(claudeMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	return claudeMessages, systemText, nil
}

// newLimiter builds a request pacer from a "minimum gap between requests"
// duration string. An empty value disables pacing.
func newLimiter(gap string) (*rate.Limiter, error) {
	if gap == "" {
		return rate.NewLimiter(rate.Inf, 1), nil
	}
	d, err := time.ParseDuration(gap)
	if err != nil {
		return nil, err
	}
	if d <= 0 {
		return rate.NewLimiter(rate.Inf, 1), nil
	}
	return rate.NewLimiter(rate.Every(d), 1), nil
}
