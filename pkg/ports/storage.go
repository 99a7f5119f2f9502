package ports

import (
	"context"
	"errors"
	"time"

	"github.com/aescanero/cannoli/pkg/domain"
)

// ErrStateNotFound is returned when no state is stored for a run.
var ErrStateNotFound = errors.New("state not found")

// StateStorage persists run states.
type StateStorage interface {
	SaveState(ctx context.Context, state *domain.RunState) error
	GetState(ctx context.Context, runID string) (*domain.RunState, error)
	DeleteState(ctx context.Context, runID string) error
	ListStates(ctx context.Context) ([]*domain.RunState, error)
	SetTTL(ctx context.Context, runID string, ttl time.Duration) error
}
