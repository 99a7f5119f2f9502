package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/cannoli/internal/application/orchestrator"
	"github.com/aescanero/cannoli/internal/engine"
	"github.com/aescanero/cannoli/pkg/adapters/events/memory"
	"github.com/aescanero/cannoli/pkg/adapters/llm"
	"github.com/aescanero/cannoli/pkg/adapters/metrics/noop"
	storage "github.com/aescanero/cannoli/pkg/adapters/storage/memory"
	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// blockingLLM holds every call until release is closed.
type blockingLLM struct {
	release chan struct{}
}

func (b *blockingLLM) DefaultConfig() domain.LLMConfig {
	return domain.LLMConfig{Provider: "blocking", Model: "blocking"}
}

func (b *blockingLLM) GenerateCompletion(ctx context.Context, req *domain.LLMRequest) (*domain.LLMResponse, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &domain.LLMResponse{Message: domain.ChatMessage{Role: domain.RoleAssistant, Content: "late"}}, nil
}

func (b *blockingLLM) StreamCompletion(ctx context.Context, req *domain.LLMRequest, onToken func(string)) (*domain.LLMResponse, error) {
	return b.GenerateCompletion(ctx, req)
}

type harness struct {
	bus     *memory.InMemoryEventBus
	store   *storage.InMemoryStateStorage
	pool    *Pool
	manager *orchestrator.Manager

	mu     sync.Mutex
	events []domain.Event
}

func newHarness(t *testing.T, deps engine.Options, runTimeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		bus:   memory.NewInMemoryEventBus(zap.NewNop()),
		store: storage.NewInMemoryStateStorage(0),
	}
	ctx := context.Background()

	h.pool = NewPool(2, h.bus, h.store, noop.Collector{}, deps, zap.NewNop(), time.Hour)
	require.NoError(t, h.pool.Start())

	h.manager = orchestrator.NewManager(h.bus, h.store, noop.Collector{}, orchestrator.NewValidator(deps), zap.NewNop(), runTimeout)
	require.NoError(t, h.manager.Start(ctx))

	require.NoError(t, h.bus.Subscribe(ctx, domain.TopicRunEvents, func(ctx context.Context, e domain.Event) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e)
		return nil
	}))

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.manager.Shutdown(shutdownCtx)
		_ = h.pool.Shutdown(shutdownCtx)
		_ = h.bus.Close()
	})
	return h
}

func (h *harness) eventTypes(runID string) []domain.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.EventType
	for _, e := range h.events {
		if e.RunID == runID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (h *harness) waitTerminal(t *testing.T, runID string) *domain.RunState {
	t.Helper()
	var state *domain.RunState
	require.Eventually(t, func() bool {
		s, err := h.store.GetState(context.Background(), runID)
		if err != nil || !s.Status.IsTerminal() {
			return false
		}
		state = s
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return state
}

func greetingDocument(callText string) *domain.Document {
	return &domain.Document{
		Name: "greeting",
		Vertices: []domain.VertexData{
			{ID: "A", Kind: domain.KindNode, Type: "content", Text: "hello"},
			{ID: "B", Kind: domain.KindNode, Type: "call", Text: callText},
		},
		Edges: []domain.EdgeData{
			{ID: "e", Type: domain.EdgeTypeVariable, Text: "x", Source: "A", Target: "B"},
		},
	}
}

func objectContent(state *domain.RunState, id string) string {
	for _, o := range state.Objects {
		if o.ID == id {
			return o.Content
		}
	}
	return ""
}

func TestPool_ExecutesSubmittedRun(t *testing.T) {
	h := newHarness(t, engine.Options{LLM: llm.NewEchoClient("")}, 0)

	runID, err := h.manager.SubmitRun(context.Background(), greetingDocument("{{x}}"))
	require.NoError(t, err)

	state := h.waitTerminal(t, runID)

	assert.Equal(t, domain.RunStatusCompleted, state.Status)
	require.NotNil(t, state.Stoppage)
	assert.Equal(t, domain.StopReasonComplete, state.Stoppage.Reason)
	assert.NotNil(t, state.StartedAt)
	assert.NotNil(t, state.CompletedAt)
	assert.Contains(t, objectContent(state, "B"), "hello")
	assert.Empty(t, state.Error)

	assert.Eventually(t, func() bool {
		types := h.eventTypes(runID)
		return len(types) > 0 && types[len(types)-1] == domain.EventTypeRunCompleted
	}, time.Second, 10*time.Millisecond)
	types := h.eventTypes(runID)
	assert.Equal(t, domain.EventTypeRunStarted, types[0])
	assert.Contains(t, types, domain.EventTypeObjectStatus)
}

func TestPool_CancelRunningRun(t *testing.T) {
	blocking := &blockingLLM{release: make(chan struct{})}
	t.Cleanup(func() { close(blocking.release) })
	h := newHarness(t, engine.Options{LLM: blocking}, 0)
	ctx := context.Background()

	runID, err := h.manager.SubmitRun(ctx, greetingDocument("{{x}}"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := h.pool.active.Load(runID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.manager.CancelRun(ctx, runID))

	state := h.waitTerminal(t, runID)
	assert.Equal(t, domain.RunStatusCancelled, state.Status)
	assert.Equal(t, domain.StopReasonUser, state.Stoppage.Reason)
}

func TestPool_TimeoutFailsRun(t *testing.T) {
	blocking := &blockingLLM{release: make(chan struct{})}
	t.Cleanup(func() { close(blocking.release) })
	h := newHarness(t, engine.Options{LLM: blocking}, 200*time.Millisecond)

	runID, err := h.manager.SubmitRun(context.Background(), greetingDocument("{{x}}"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := h.pool.active.Load(runID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	state := h.waitTerminal(t, runID)

	assert.Equal(t, domain.RunStatusFailed, state.Status)
	assert.Equal(t, "execution timeout", state.Error)
}

func TestPool_SkipsRunsNoLongerSubmitted(t *testing.T) {
	h := newHarness(t, engine.Options{LLM: llm.NewEchoClient("")}, 0)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, h.store.SaveState(ctx, &domain.RunState{
		RunID:       "done",
		Document:    greetingDocument("{{x}}"),
		Status:      domain.RunStatusCancelled,
		SubmittedAt: now,
		CompletedAt: &now,
	}))

	require.NoError(t, h.bus.Publish(ctx, domain.TopicRunQueue, domain.Event{Type: domain.EventTypeRunSubmitted, RunID: "done"}))

	time.Sleep(50 * time.Millisecond)
	state, err := h.store.GetState(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, state.Status)
	assert.Nil(t, state.StartedAt)
}

func TestHealthMonitor(t *testing.T) {
	h := newHarness(t, engine.Options{LLM: llm.NewEchoClient("")}, 0)

	status := h.pool.Health().GetStatus()

	assert.Equal(t, 2, status.Workers)
	assert.Equal(t, 0, status.ActiveRuns)
	assert.True(t, status.QueueSubscribed)
	assert.Nil(t, status.LastRunReceived)
	assert.Empty(t, status.Problems)
	assert.True(t, status.Healthy)
	assert.True(t, h.pool.Health().IsHealthy())
}

func TestHealthMonitor_TracksActiveRuns(t *testing.T) {
	blocking := &blockingLLM{release: make(chan struct{})}
	h := newHarness(t, engine.Options{LLM: blocking}, 0)
	monitor := h.pool.Health()
	monitor.SetStuckAfter(20 * time.Millisecond)

	runID, err := h.manager.SubmitRun(context.Background(), greetingDocument("{{x}}"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return monitor.GetStatus().StuckRuns == 1
	}, 5*time.Second, 10*time.Millisecond)
	status := monitor.GetStatus()
	assert.Equal(t, 1, status.ActiveRuns)
	assert.Equal(t, runID, status.OldestRun)
	assert.GreaterOrEqual(t, status.OldestRunAge, 0.02)
	assert.NotNil(t, status.LastRunReceived)
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Problems, "1 runs active for longer than 20ms")

	close(blocking.release)
	h.waitTerminal(t, runID)

	require.Eventually(t, func() bool {
		return monitor.GetStatus().ActiveRuns == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, monitor.IsHealthy())
}

func TestHealthMonitor_CountsTimedOutRuns(t *testing.T) {
	blocking := &blockingLLM{release: make(chan struct{})}
	t.Cleanup(func() { close(blocking.release) })
	h := newHarness(t, engine.Options{LLM: blocking}, 200*time.Millisecond)

	runID, err := h.manager.SubmitRun(context.Background(), greetingDocument("{{x}}"))
	require.NoError(t, err)
	h.waitTerminal(t, runID)

	assert.Eventually(t, func() bool {
		return h.pool.Health().GetStatus().TimedOutRuns == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(0), h.pool.Health().GetStatus().StalledRuns)
}

func TestHealthMonitor_CountsStalledRuns(t *testing.T) {
	h := newHarness(t, engine.Options{LLM: llm.NewEchoClient("")}, 0)

	h.pool.recordOutcome(domain.Stoppage{
		Reason:  domain.StopReasonError,
		Message: engine.ErrStalled.Error() + ": unresolved objects B",
	}, false)
	h.pool.recordOutcome(domain.Stoppage{Reason: domain.StopReasonError, Message: "boom"}, false)
	h.pool.recordOutcome(domain.Stoppage{Reason: domain.StopReasonComplete}, false)

	assert.Equal(t, uint64(1), h.pool.Health().GetStatus().StalledRuns)
}

func TestHealthMonitor_UnhealthyAfterShutdown(t *testing.T) {
	h := newHarness(t, engine.Options{LLM: llm.NewEchoClient("")}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.pool.Shutdown(ctx))

	status := h.pool.Health().GetStatus()
	assert.False(t, status.QueueSubscribed)
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Problems, "run queue subscription is down")
}
