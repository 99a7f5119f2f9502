package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/aescanero/cannoli/pkg/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const statePrefix = "cannoli:state:"

// StateStorage implements StateStorage using Redis
type StateStorage struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStateStorage creates a new Redis state storage
func NewStateStorage(client *redis.Client, ttl time.Duration, logger *zap.Logger) *StateStorage {
	return &StateStorage{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// SaveState saves run state to Redis with the configured TTL.
func (s *StateStorage) SaveState(ctx context.Context, state *domain.RunState) error {
	key := getStateKey(state.RunID)

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	s.logger.Debug("state saved",
		zap.String("run_id", state.RunID),
		zap.String("status", string(state.Status)))

	return nil
}

// GetState retrieves run state from Redis
func (s *StateStorage) GetState(ctx context.Context, runID string) (*domain.RunState, error) {
	data, err := s.client.Get(ctx, getStateKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ports.ErrStateNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get state: %w", err)
	}

	return decodeState(data)
}

// DeleteState deletes run state from Redis
func (s *StateStorage) DeleteState(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, getStateKey(runID)).Err(); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}

	s.logger.Debug("state deleted", zap.String("run_id", runID))
	return nil
}

// ListStates lists all run states ordered by submission time.
func (s *StateStorage) ListStates(ctx context.Context) ([]*domain.RunState, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = s.client.Scan(ctx, cursor, statePrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}

	states := make([]*domain.RunState, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			// expired between SCAN and GET
			continue
		}

		state, err := decodeState(data)
		if err != nil {
			s.logger.Warn("skipping unreadable state",
				zap.String("run_id", strings.TrimPrefix(key, statePrefix)),
				zap.Error(err))
			continue
		}
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].SubmittedAt.Before(states[j].SubmittedAt)
	})
	return states, nil
}

// SetTTL sets a time-to-live for state data
func (s *StateStorage) SetTTL(ctx context.Context, runID string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, getStateKey(runID), ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to set TTL: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ports.ErrStateNotFound, runID)
	}
	return nil
}

func decodeState(data []byte) (*domain.RunState, error) {
	var state domain.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

// getStateKey returns the Redis key for a run state
func getStateKey(runID string) string {
	return statePrefix + runID
}
