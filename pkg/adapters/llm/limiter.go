package llm

import (
	"context"
	"fmt"

	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/aescanero/cannoli/pkg/ports"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultMaxConcurrent is the process-wide cap on in-flight LLM requests.
const DefaultMaxConcurrent = 1000

// Limiter wraps a client so that at most maxConcurrent requests are in
// flight at once across every run sharing it. A positive requestsPerSecond
// also paces request starts.
type Limiter struct {
	next ports.LLMClient
	sem  *semaphore.Weighted
	rate *rate.Limiter
}

// NewLimiter wraps next. maxConcurrent <= 0 uses DefaultMaxConcurrent;
// requestsPerSecond <= 0 disables pacing.
func NewLimiter(next ports.LLMClient, maxConcurrent int, requestsPerSecond float64) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	l := &Limiter{
		next: next,
		sem:  semaphore.NewWeighted(int64(maxConcurrent)),
	}
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		l.rate = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return l
}

func (l *Limiter) DefaultConfig() domain.LLMConfig {
	return l.next.DefaultConfig()
}

func (l *Limiter) GenerateCompletion(ctx context.Context, req *domain.LLMRequest) (*domain.LLMResponse, error) {
	release, err := l.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.GenerateCompletion(ctx, req)
}

func (l *Limiter) StreamCompletion(ctx context.Context, req *domain.LLMRequest, onToken func(token string)) (*domain.LLMResponse, error) {
	release, err := l.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.StreamCompletion(ctx, req, onToken)
}

func (l *Limiter) acquire(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for an LLM slot: %w", err)
	}
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			l.sem.Release(1)
			return nil, fmt.Errorf("waiting for LLM rate limit: %w", err)
		}
	}
	return func() { l.sem.Release(1) }, nil
}
