package engine

import (
	"context"
	"testing"

	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fanInDocument() *domain.Document {
	return &domain.Document{
		Vertices: []domain.VertexData{
			nodeData("Q", domain.NodeTypeCall, "pick"),
			nodeData("A", domain.NodeTypeContent, "from a"),
			nodeData("B", domain.NodeTypeContent, "from b"),
			nodeData("C", domain.NodeTypeContent, "from c"),
			nodeData("T", domain.NodeTypeContent, "{{x}}"),
		},
		Edges: []domain.EdgeData{
			edgeData("qa", domain.EdgeTypeChoice, "a", "Q", "A"),
			edgeData("qb", domain.EdgeTypeChoice, "b", "Q", "B"),
			edgeData("qc", domain.EdgeTypeChoice, "c", "Q", "C"),
			edgeData("at", domain.EdgeTypeVariable, "x", "A", "T"),
			edgeData("bt", domain.EdgeTypeVariable, "x", "B", "T"),
		},
	}
}

func TestRedundantCompletion(t *testing.T) {
	llm := &fakeLLM{reply: func(req *domain.LLMRequest) (string, error) { return "a", nil }}
	r := mustRun(t, fanInDocument(), Options{LLM: llm})

	stoppage := r.Run(context.Background())

	require.Equal(t, domain.StopReasonComplete, stoppage.Reason, stoppage.Message)
	assert.Equal(t, domain.StatusRejected, statusOf(t, r, "bt"))
	assert.Equal(t, domain.StatusComplete, statusOf(t, r, "T"))
	// The choice edge writes the reply into A, which passes it on.
	assert.Equal(t, "a", contentOfID(t, r, "T"))
}

func TestRedundantRejection(t *testing.T) {
	llm := &fakeLLM{reply: func(req *domain.LLMRequest) (string, error) { return "c", nil }}
	r := mustRun(t, fanInDocument(), Options{LLM: llm})

	stoppage := r.Run(context.Background())

	require.Equal(t, domain.StopReasonComplete, stoppage.Reason, stoppage.Message)
	assert.Equal(t, domain.StatusRejected, statusOf(t, r, "at"))
	assert.Equal(t, domain.StatusRejected, statusOf(t, r, "bt"))
	assert.Equal(t, domain.StatusRejected, statusOf(t, r, "T"))
	assert.Equal(t, domain.StatusComplete, statusOf(t, r, "C"))
}

func TestDependenciesComplete(t *testing.T) {
	doc := &domain.Document{
		Vertices: []domain.VertexData{
			nodeData("A", domain.NodeTypeContent, "a"),
			nodeData("B", domain.NodeTypeContent, "b"),
			nodeData("T", domain.NodeTypeContent, ""),
		},
		Edges: []domain.EdgeData{
			edgeData("e1", domain.EdgeTypeVariable, "x", "A", "T"),
			edgeData("e2", domain.EdgeTypeVariable, "x", "B", "T"),
		},
	}

	tests := []struct {
		name   string
		e1, e2 domain.Status
		e2Type domain.EdgeType
		label2 string
		ready  bool
	}{
		{name: "both complete", e1: domain.StatusComplete, e2: domain.StatusComplete, ready: true},
		{name: "twin pending", e1: domain.StatusComplete, e2: domain.StatusPending, ready: true},
		{name: "twin rejected", e1: domain.StatusComplete, e2: domain.StatusRejected, ready: true},
		{name: "none complete", e1: domain.StatusPending, e2: domain.StatusPending, ready: false},
		{name: "different label", e1: domain.StatusComplete, e2: domain.StatusPending, label2: "y", ready: false},
		{name: "different type", e1: domain.StatusComplete, e2: domain.StatusPending, e2Type: domain.EdgeTypeField, ready: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mustRun(t, doc, Options{})
			e1, e2 := r.obj("e1"), r.obj("e2")
			e1.status, e2.status = tt.e1, tt.e2
			if tt.label2 != "" {
				e2.text = tt.label2
			}
			if tt.e2Type != "" {
				e2.typ = string(tt.e2Type)
			}
			assert.Equal(t, tt.ready, r.allDependenciesComplete(r.obj("T")))
		})
	}
}

func TestTryReject(t *testing.T) {
	doc := &domain.Document{
		Vertices: []domain.VertexData{
			nodeData("A", domain.NodeTypeContent, "a"),
			nodeData("B", domain.NodeTypeContent, "b"),
			nodeData("T", domain.NodeTypeContent, ""),
		},
		Edges: []domain.EdgeData{
			edgeData("e1", domain.EdgeTypeVariable, "x", "A", "T"),
			edgeData("e2", domain.EdgeTypeWrite, "x", "B", "T"),
		},
	}

	tests := []struct {
		name     string
		e1, e2   domain.Status
		rejected bool
	}{
		{name: "alternative pending", e1: domain.StatusRejected, e2: domain.StatusPending, rejected: false},
		{name: "alternative complete", e1: domain.StatusRejected, e2: domain.StatusComplete, rejected: false},
		{name: "all rejected", e1: domain.StatusRejected, e2: domain.StatusRejected, rejected: true},
		{name: "nothing rejected", e1: domain.StatusComplete, e2: domain.StatusPending, rejected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mustRun(t, doc, Options{})
			r.obj("e1").status, r.obj("e2").status = tt.e1, tt.e2
			target := r.obj("T")

			r.tryReject(target, target.deps)

			assert.Equal(t, tt.rejected, target.status == domain.StatusRejected)
		})
	}
}

func TestTryReject_VertexDependencyHasNoTwin(t *testing.T) {
	doc := &domain.Document{
		Vertices: []domain.VertexData{
			nodeData("N", domain.NodeTypeContent, "x"),
			nodeData("A", domain.NodeTypeContent, "a"),
			nodeData("T", domain.NodeTypeContent, ""),
		},
		Edges: []domain.EdgeData{
			edgeData("e", domain.EdgeTypeVariable, "x", "A", "T"),
		},
	}
	r := mustRun(t, doc, Options{})
	r.obj("N").status = domain.StatusRejected
	target := r.obj("T")

	// An edge labelled like the rejected node's text does not stand in for it.
	r.tryReject(target, []string{"N", "e"})

	assert.Equal(t, domain.StatusRejected, target.status)
}
