package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/aescanero/cannoli/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunTerminal is returned when cancelling a run that already finished.
	ErrRunTerminal = errors.New("run already in terminal state")

	// ErrValidation wraps every document validation failure.
	ErrValidation = errors.New("validation failed")
)

// CancelReasonTimeout marks a cancel request sent by the watchdog.
const CancelReasonTimeout = "timeout"

// Manager coordinates graph runs
type Manager struct {
	eventBus  ports.EventBus
	storage   ports.StateStorage
	metrics   ports.MetricsCollector
	validator *Validator
	logger    *zap.Logger

	// Track watchdogs of unfinished runs
	runs sync.Map // map[string]context.CancelFunc

	runTimeout time.Duration
}

// NewManager creates a new orchestrator manager
func NewManager(
	eventBus ports.EventBus,
	storage ports.StateStorage,
	metrics ports.MetricsCollector,
	validator *Validator,
	logger *zap.Logger,
	runTimeout time.Duration,
) *Manager {
	return &Manager{
		eventBus:   eventBus,
		storage:    storage,
		metrics:    metrics,
		validator:  validator,
		logger:     logger,
		runTimeout: runTimeout,
	}
}

// Start listens for run completions so watchdogs of finished runs stop.
func (m *Manager) Start(ctx context.Context) error {
	return m.eventBus.Subscribe(ctx, domain.TopicRunEvents, func(ctx context.Context, event domain.Event) error {
		switch event.Type {
		case domain.EventTypeRunCompleted, domain.EventTypeRunFailed, domain.EventTypeRunCancelled:
			m.release(event.RunID)
		}
		return nil
	})
}

// Validate checks doc without submitting it.
func (m *Manager) Validate(doc *domain.Document) error {
	if err := m.validator.Validate(doc); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

// SubmitRun validates doc, stores it and queues it for execution
func (m *Manager) SubmitRun(ctx context.Context, doc *domain.Document) (string, error) {
	if err := m.Validate(doc); err != nil {
		m.logger.Warn("document validation failed", zap.Error(err))
		m.metrics.RecordRunSubmitted("rejected")
		return "", err
	}

	runID := uuid.New().String()

	state := &domain.RunState{
		RunID:       runID,
		Document:    doc,
		Status:      domain.RunStatusSubmitted,
		SubmittedAt: time.Now(),
	}

	if err := m.storage.SaveState(ctx, state); err != nil {
		m.logger.Error("failed to save initial state",
			zap.String("run_id", runID),
			zap.Error(err))
		return "", fmt.Errorf("failed to save state: %w", err)
	}

	if err := m.publish(ctx, domain.TopicRunQueue, domain.EventTypeRunSubmitted, runID, nil); err != nil {
		m.logger.Error("failed to publish run submitted event",
			zap.String("run_id", runID),
			zap.Error(err))
		return "", fmt.Errorf("failed to publish event: %w", err)
	}

	if m.runTimeout > 0 {
		watchCtx, cancel := context.WithCancel(context.Background())
		m.runs.Store(runID, cancel)
		go m.watch(watchCtx, runID)
	}

	m.metrics.RecordRunSubmitted(string(domain.RunStatusSubmitted))
	m.logger.Info("run submitted",
		zap.String("run_id", runID),
		zap.String("name", doc.Name),
		zap.Int("vertices", len(doc.Vertices)),
		zap.Int("edges", len(doc.Edges)))

	return runID, nil
}

// GetStatus retrieves the current state of a run
func (m *Manager) GetStatus(ctx context.Context, runID string) (*domain.RunState, error) {
	state, err := m.storage.GetState(ctx, runID)
	if err != nil {
		if errors.Is(err, ports.ErrStateNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	return state, nil
}

// ListRuns returns every stored run
func (m *Manager) ListRuns(ctx context.Context) ([]*domain.RunState, error) {
	states, err := m.storage.ListStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	return states, nil
}

// CancelRun stops a run. A run still waiting in the queue is cancelled in
// place; a running one is asked to stop through the control topic.
func (m *Manager) CancelRun(ctx context.Context, runID string) error {
	return m.cancel(ctx, runID, "user")
}

func (m *Manager) cancel(ctx context.Context, runID, reason string) error {
	state, err := m.GetStatus(ctx, runID)
	if err != nil {
		return err
	}

	if state.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrRunTerminal, state.Status)
	}

	if state.Status == domain.RunStatusSubmitted {
		now := time.Now()
		state.Status = domain.RunStatusCancelled
		eventType := domain.EventTypeRunCancelled
		if reason == CancelReasonTimeout {
			state.Status = domain.RunStatusFailed
			state.Error = "execution timeout"
			eventType = domain.EventTypeRunFailed
		}
		state.CompletedAt = &now
		if err := m.storage.SaveState(ctx, state); err != nil {
			return fmt.Errorf("failed to save state: %w", err)
		}
		if err := m.publish(ctx, domain.TopicRunEvents, eventType, runID, map[string]interface{}{"reason": reason}); err != nil {
			m.logger.Error("failed to publish run event",
				zap.String("run_id", runID),
				zap.Error(err))
		}
		m.release(runID)
	} else {
		if err := m.publish(ctx, domain.TopicRunControl, domain.EventTypeRunCancel, runID, map[string]interface{}{"reason": reason}); err != nil {
			return fmt.Errorf("failed to publish cancel request: %w", err)
		}
	}

	m.logger.Info("run cancellation requested",
		zap.String("run_id", runID),
		zap.String("reason", reason))

	return nil
}

// watch fails the run if it is still unfinished when the timeout expires
func (m *Manager) watch(ctx context.Context, runID string) {
	timer := time.NewTimer(m.runTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	m.logger.Warn("run timed out",
		zap.String("run_id", runID),
		zap.Duration("timeout", m.runTimeout))

	if err := m.cancel(context.Background(), runID, CancelReasonTimeout); err != nil && !errors.Is(err, ErrRunTerminal) {
		m.logger.Error("failed to stop timed out run",
			zap.String("run_id", runID),
			zap.Error(err))
	}
}

func (m *Manager) release(runID string) {
	if cancel, ok := m.runs.LoadAndDelete(runID); ok {
		cancel.(context.CancelFunc)()
	}
}

func (m *Manager) publish(ctx context.Context, topic string, typ domain.EventType, runID string, data map[string]interface{}) error {
	return m.eventBus.Publish(ctx, topic, domain.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
		RunID:     runID,
		Data:      data,
	})
}

// Shutdown stops every watchdog
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager")

	m.runs.Range(func(key, value interface{}) bool {
		value.(context.CancelFunc)()
		m.runs.Delete(key)
		return true
	})

	m.logger.Info("orchestrator manager shut down complete")
	return nil
}
