package ports

import (
	"context"

	"github.com/aescanero/cannoli/pkg/domain"
)

// LLMClient issues completion requests against a provider.
type LLMClient interface {
	// GenerateCompletion returns the full reply for req.
	GenerateCompletion(ctx context.Context, req *domain.LLMRequest) (*domain.LLMResponse, error)

	// StreamCompletion calls onToken for every text fragment in order and
	// returns the assembled reply once the stream ends.
	StreamCompletion(ctx context.Context, req *domain.LLMRequest, onToken func(token string)) (*domain.LLMResponse, error)

	// DefaultConfig returns the settings every call starts from.
	DefaultConfig() domain.LLMConfig
}

// Pricer prices token usage.
type Pricer interface {
	// Cost returns the USD cost of usage, zero when no price is known.
	Cost(usage domain.TokenUsage) float64
}
