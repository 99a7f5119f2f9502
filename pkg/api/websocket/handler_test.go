package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aescanero/cannoli/pkg/adapters/events/memory"
	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/aescanero/cannoli/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRuns map[string]*domain.RunState

func (f fakeRuns) GetStatus(ctx context.Context, runID string) (*domain.RunState, error) {
	state, ok := f[runID]
	if !ok {
		return nil, ports.ErrStateNotFound
	}
	return state, nil
}

func newTestServer(t *testing.T, runs fakeRuns) (*httptest.Server, *memory.InMemoryEventBus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	bus := memory.NewInMemoryEventBus(zap.NewNop())
	router := gin.New()
	router.GET("/api/v1/runs/:id/ws", NewHandler(bus, runs, zap.NewNop()).HandleRunStream)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		_ = bus.Close()
	})
	return srv, bus
}

func dial(t *testing.T, srv *httptest.Server, runID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/" + runID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestHandleRunStream_LiveEvents(t *testing.T) {
	srv, bus := newTestServer(t, fakeRuns{"r1": {RunID: "r1", Status: domain.RunStatusRunning}})
	conn := dial(t, srv, "r1")
	ctx := context.Background()

	// Keep publishing until the subscription is live.
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = bus.Publish(ctx, domain.TopicRunEvents, domain.Event{Type: domain.EventTypeObjectStatus, RunID: "other"})
				_ = bus.Publish(ctx, domain.TopicRunEvents, domain.Event{Type: domain.EventTypeObjectStatus, RunID: "r1", ObjectID: "A"})
			}
		}
	}()

	var first domain.Event
	require.NoError(t, conn.ReadJSON(&first))
	close(stop)
	assert.Equal(t, "r1", first.RunID)
	assert.Equal(t, "A", first.ObjectID)

	require.NoError(t, bus.Publish(ctx, domain.TopicRunEvents, domain.Event{Type: domain.EventTypeRunCompleted, RunID: "r1"}))

	for {
		var event domain.Event
		require.NoError(t, conn.ReadJSON(&event))
		assert.Equal(t, "r1", event.RunID)
		if event.Type == domain.EventTypeRunCompleted {
			break
		}
	}

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)
}

func TestHandleRunStream_FinishedRun(t *testing.T) {
	done := time.Now()
	srv, _ := newTestServer(t, fakeRuns{"r1": {
		RunID:       "r1",
		Status:      domain.RunStatusFailed,
		Error:       "boom",
		CompletedAt: &done,
		Stoppage:    &domain.Stoppage{Reason: domain.StopReasonError},
	}})
	conn := dial(t, srv, "r1")

	var event domain.Event
	require.NoError(t, conn.ReadJSON(&event))

	assert.Equal(t, domain.EventTypeRunFailed, event.Type)
	assert.Equal(t, "boom", event.Data["error"])
	assert.Equal(t, "error", event.Data["reason"])

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)
}

func TestHandleRunStream_UnknownRun(t *testing.T) {
	srv, _ := newTestServer(t, fakeRuns{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/missing/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}
