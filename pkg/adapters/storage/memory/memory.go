package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/aescanero/cannoli/pkg/ports"
)

type entry struct {
	data      []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// InMemoryStateStorage implements StateStorage using an in-memory map.
// States are stored serialized so callers never share memory with the store.
type InMemoryStateStorage struct {
	states map[string]entry
	ttl    time.Duration
	now    func() time.Time
	mu     sync.RWMutex
}

// NewInMemoryStateStorage creates a new in-memory state storage. A zero ttl
// keeps states until they are deleted.
func NewInMemoryStateStorage(ttl time.Duration) *InMemoryStateStorage {
	return &InMemoryStateStorage{
		states: make(map[string]entry),
		ttl:    ttl,
		now:    time.Now,
	}
}

// SaveState stores a copy of state.
func (s *InMemoryStateStorage) SaveState(ctx context.Context, state *domain.RunState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{data: data}
	if s.ttl > 0 {
		e.expiresAt = s.now().Add(s.ttl)
	}
	s.states[state.RunID] = e
	return nil
}

// GetState returns a copy of the stored state.
func (s *InMemoryStateStorage) GetState(ctx context.Context, runID string) (*domain.RunState, error) {
	s.mu.RLock()
	e, ok := s.states[runID]
	s.mu.RUnlock()

	if !ok || e.expired(s.now()) {
		return nil, fmt.Errorf("%w: %s", ports.ErrStateNotFound, runID)
	}
	return decode(e.data)
}

// DeleteState removes the state of a run.
func (s *InMemoryStateStorage) DeleteState(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, runID)
	return nil
}

// ListStates returns every live state ordered by submission time.
func (s *InMemoryStateStorage) ListStates(ctx context.Context) ([]*domain.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	states := make([]*domain.RunState, 0, len(s.states))
	for _, e := range s.states {
		if e.expired(now) {
			continue
		}
		st, err := decode(e.data)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].SubmittedAt.Before(states[j].SubmittedAt)
	})
	return states, nil
}

// SetTTL sets a time-to-live for a stored state.
func (s *InMemoryStateStorage) SetTTL(ctx context.Context, runID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.states[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ports.ErrStateNotFound, runID)
	}
	e.expiresAt = s.now().Add(ttl)
	s.states[runID] = e
	return nil
}

func decode(data []byte) (*domain.RunState, error) {
	var st domain.RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &st, nil
}
