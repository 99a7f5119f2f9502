package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRunSubmitted("submitted")
	c.RecordRunCompleted("complete", 2*time.Second)
	c.RecordObjectFinished("node", "call", "complete")
	c.RecordObjectFinished("node", "call", "complete")
	c.RecordLLMCall("claude", 300*time.Millisecond, 100, 20, 0.25)
	c.RecordWorkerPoolStatus(3, 1, 0)
	c.SetActiveRuns(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsSubmitted.WithLabelValues("submitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsCompleted.WithLabelValues("complete")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.objectsFinished.WithLabelValues("node", "call", "complete")))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.llmTokens.WithLabelValues("claude", "input")))
	assert.Equal(t, 20.0, testutil.ToFloat64(c.llmTokens.WithLabelValues("claude", "output")))
	assert.InDelta(t, 0.25, testutil.ToFloat64(c.llmCost.WithLabelValues("claude")), 1e-9)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.workerPoolIdle))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeRuns))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCollector_SeparateRegistries(t *testing.T) {
	// Two collectors on private registries must not collide.
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
	})
}
