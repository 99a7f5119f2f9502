package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aescanero/cannoli/internal/application/orchestrator"
	"github.com/aescanero/cannoli/internal/application/workers"
	"github.com/aescanero/cannoli/internal/engine"
	"github.com/aescanero/cannoli/pkg/adapters/events/memory"
	"github.com/aescanero/cannoli/pkg/adapters/llm"
	"github.com/aescanero/cannoli/pkg/adapters/metrics/noop"
	metrics "github.com/aescanero/cannoli/pkg/adapters/metrics/prometheus"
	storage "github.com/aescanero/cannoli/pkg/adapters/storage/memory"
	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const documentJSON = `{"document": {"name": "greeting", "vertices": [
	{"id": "A", "kind": "node", "type": "content", "text": "hello"},
	{"id": "B", "kind": "node", "type": "call", "text": "{{x}}"}
], "edges": [
	{"id": "e", "type": "variable", "text": "x", "source": "A", "target": "B"}
]}}`

const documentYAML = `name: greeting
vertices:
  - id: A
    kind: node
    type: content
    text: hello
edges: []
`

type testServer struct {
	server *Server
	reg    *prometheus.Registry
}

func newTestServer(t *testing.T, pool WorkerPool) *testServer {
	t.Helper()
	bus := memory.NewInMemoryEventBus(zap.NewNop())
	t.Cleanup(func() { _ = bus.Close() })
	reg := prometheus.NewRegistry()
	validator := orchestrator.NewValidator(engine.Options{LLM: llm.NewEchoClient("")})
	manager := orchestrator.NewManager(bus, storage.NewInMemoryStateStorage(0), metrics.NewCollector(reg), validator, zap.NewNop(), 0)

	return &testServer{
		server: NewServer(&Config{
			Addr:         ":0",
			Orchestrator: manager,
			Pool:         pool,
			Gatherer:     reg,
			Logger:       zap.NewNop(),
		}),
		reg: reg,
	}
}

func (ts *testServer) do(t *testing.T, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) submit(t *testing.T) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/runs", "application/json", documentJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp RunSubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RunID)
	assert.Equal(t, "submitted", resp.Status)
	return resp.RunID
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error.Code
}

func TestSubmitAndQueryRun(t *testing.T) {
	ts := newTestServer(t, nil)
	runID := ts.submit(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, runID, status["run_id"])
	assert.Equal(t, "submitted", status["status"])

	rec = ts.do(t, http.MethodGet, "/api/v1/runs/"+runID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state domain.RunState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "greeting", state.Document.Name)
	assert.Len(t, state.Document.Vertices, 2)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/result", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_COMPLETED", errorCode(t, rec))

	rec = ts.do(t, http.MethodGet, "/api/v1/runs", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs  []RunSummary `json:"runs"`
		Total int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, "greeting", list.Runs[0].Name)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs?status=completed", "", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 0, list.Total)
}

func TestSubmitYAML(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/runs", "application/yaml", documentYAML)

	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestSubmitErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/runs", "application/json", `{"document": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec))

	rec = ts.do(t, http.MethodPost, "/api/v1/runs", "application/json", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	invalid := strings.Replace(documentJSON, `"type": "call"`, `"type": "canvas"`, 1)
	rec = ts.do(t, http.MethodPost, "/api/v1/runs", "application/json", invalid)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, rec))
}

func TestValidateEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/validate", "application/json", documentJSON)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid": true}`, rec.Body.String())

	cyclic := `{"document": {"vertices": [
		{"id": "A", "kind": "node", "type": "content"},
		{"id": "B", "kind": "node", "type": "content"}
	], "edges": [
		{"id": "ab", "type": "write", "source": "A", "target": "B"},
		{"id": "ba", "type": "write", "source": "B", "target": "A"}
	]}}`
	rec = ts.do(t, http.MethodPost, "/api/v1/validate", "application/json", cyclic)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "cycle")
}

func TestUnknownRun(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/api/v1/runs/missing", "/api/v1/runs/missing/status", "/api/v1/runs/missing/result"} {
		rec := ts.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "NOT_FOUND", errorCode(t, rec), path)
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/runs/missing/cancel", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRun(t *testing.T) {
	ts := newTestServer(t, nil)
	runID := ts.submit(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", "", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/result", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"cancelled"`)

	rec = ts.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_FINISHED", errorCode(t, rec))
}

func TestHealthAndWorkers(t *testing.T) {
	t.Run("without pool", func(t *testing.T) {
		ts := newTestServer(t, nil)

		assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", "", "").Code)
		rec := ts.do(t, http.MethodGet, "/api/v1/workers", "", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("with pool", func(t *testing.T) {
		bus := memory.NewInMemoryEventBus(zap.NewNop())
		t.Cleanup(func() { _ = bus.Close() })
		pool := workers.NewPool(2, bus, storage.NewInMemoryStateStorage(0), noop.Collector{},
			engine.Options{LLM: llm.NewEchoClient("")}, zap.NewNop(), time.Hour)
		require.NoError(t, pool.Start())
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = pool.Shutdown(ctx)
		})
		ts := newTestServer(t, pool)

		rec := ts.do(t, http.MethodGet, "/health", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"healthy"`)

		rec = ts.do(t, http.MethodGet, "/api/v1/workers", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Data []WorkerResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Data, 2)
		assert.Equal(t, "worker-0", resp.Data[0].ID)
		assert.Equal(t, "idle", resp.Data[0].State)
	})

	t.Run("after pool shutdown", func(t *testing.T) {
		bus := memory.NewInMemoryEventBus(zap.NewNop())
		t.Cleanup(func() { _ = bus.Close() })
		pool := workers.NewPool(1, bus, storage.NewInMemoryStateStorage(0), noop.Collector{},
			engine.Options{LLM: llm.NewEchoClient("")}, zap.NewNop(), time.Hour)
		require.NoError(t, pool.Start())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, pool.Shutdown(ctx))
		ts := newTestServer(t, pool)

		rec := ts.do(t, http.MethodGet, "/health", "", "")

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), `"unhealthy"`)
		assert.Contains(t, rec.Body.String(), "run queue subscription is down")
	})
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.submit(t)

	rec := ts.do(t, http.MethodGet, "/metrics", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `cannoli_runs_submitted_total{status="submitted"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodOptions, "/api/v1/runs", "", "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
