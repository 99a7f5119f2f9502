package llm

import (
	"context"
	"strings"

	"github.com/aescanero/cannoli/pkg/domain"
)

// EchoClient answers every request without a network call. The reply is the
// last message of the request, or the first choice when choices are given.
// Token counts are whitespace-separated words.
type EchoClient struct {
	model string
}

// NewEchoClient creates an echo client reporting model in its usage.
func NewEchoClient(model string) *EchoClient {
	if model == "" {
		model = "echo"
	}
	return &EchoClient{model: model}
}

func (c *EchoClient) DefaultConfig() domain.LLMConfig {
	return domain.LLMConfig{Provider: ProviderEcho, Model: c.model}
}

func (c *EchoClient) GenerateCompletion(ctx context.Context, req *domain.LLMRequest) (*domain.LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply := c.reply(req)

	input := 0
	for _, m := range req.Messages {
		input += len(strings.Fields(m.Content))
	}
	model := req.Config.Model
	if model == "" {
		model = c.model
	}
	return &domain.LLMResponse{
		Message: domain.ChatMessage{Role: domain.RoleAssistant, Content: reply},
		Usage: domain.TokenUsage{
			Provider:     ProviderEcho,
			Model:        model,
			InputTokens:  input,
			OutputTokens: len(strings.Fields(reply)),
		},
	}, nil
}

func (c *EchoClient) StreamCompletion(ctx context.Context, req *domain.LLMRequest, onToken func(token string)) (*domain.LLMResponse, error) {
	resp, err := c.GenerateCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, token := range strings.SplitAfter(resp.Message.Content, " ") {
		if token != "" {
			onToken(token)
		}
	}
	return resp, nil
}

func (c *EchoClient) reply(req *domain.LLMRequest) string {
	if len(req.Choices) > 0 {
		return req.Choices[0]
	}
	if len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[len(req.Messages)-1].Content
}
