package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// Provider names accepted by NewClient.
const (
	ProviderAnthropic = "anthropic"
	ProviderEcho      = "echo"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultMaxTokens      = 4096
)

// AnthropicClient implements ports.LLMClient with the Anthropic Messages API.
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int
	logger    *zap.Logger
}

// NewAnthropicClient creates a client for the Anthropic API.
func NewAnthropicClient(cfg *Config, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
	}, nil
}

// DefaultConfig returns the provider and model every call starts from.
func (c *AnthropicClient) DefaultConfig() domain.LLMConfig {
	return domain.LLMConfig{Provider: ProviderAnthropic, Model: c.model}
}

// GenerateCompletion sends the request and waits for the whole reply.
func (c *AnthropicClient) GenerateCompletion(ctx context.Context, req *domain.LLMRequest) (*domain.LLMResponse, error) {
	params, err := c.params(req)
	if err != nil {
		return nil, err
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	return c.response(msg), nil
}

// StreamCompletion streams text deltas to onToken as they arrive.
func (c *AnthropicClient) StreamCompletion(ctx context.Context, req *domain.LLMRequest, onToken func(token string)) (*domain.LLMResponse, error) {
	params, err := c.params(req)
	if err != nil {
		return nil, err
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, fmt.Errorf("failed to accumulate stream: %w", err)
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				onToken(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream failed: %w", err)
	}
	return c.response(&msg), nil
}

func (c *AnthropicClient) params(req *domain.LLMRequest) (anthropic.MessageNewParams, error) {
	cfg := req.Config
	model := cfg.Model
	if model == "" {
		model = c.model
	}
	maxTokens := c.maxTokens
	if cfg.MaxTokens != nil {
		maxTokens = *cfg.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if cfg.Temperature != nil {
		params.Temperature = anthropic.Float(*cfg.Temperature)
	}
	if cfg.TopP != nil {
		params.TopP = anthropic.Float(*cfg.TopP)
	}
	if cfg.TopK != nil {
		params.TopK = anthropic.Int(int64(*cfg.TopK))
	}
	if len(cfg.Stop) > 0 {
		params.StopSequences = cfg.Stop
	}
	if cfg.FrequencyPenalty != nil || cfg.PresencePenalty != nil {
		c.logger.Debug("ignoring penalty settings unsupported by anthropic", zap.String("model", model))
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)
		case domain.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case domain.RoleUser:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		default:
			return params, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(req.Choices) > 0 {
		system = append(system, choiceInstruction(req.Choices))
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if len(params.Messages) == 0 {
		return params, errors.New("request has no user or assistant messages")
	}
	return params, nil
}

func (c *AnthropicClient) response(msg *anthropic.Message) *domain.LLMResponse {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	model := string(msg.Model)
	if model == "" {
		model = c.model
	}
	return &domain.LLMResponse{
		Message: domain.ChatMessage{Role: domain.RoleAssistant, Content: text.String()},
		Usage: domain.TokenUsage{
			Provider:     ProviderAnthropic,
			Model:        model,
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}

// choiceInstruction asks the model to answer with one option only.
func choiceInstruction(choices []string) string {
	quoted := make([]string, len(choices))
	for i, c := range choices {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return "Answer with exactly one of the following options and nothing else: " + strings.Join(quoted, ", ") + "."
}
