package engine

import (
	"context"
	"net/http"
	"testing"

	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCall_ConfigScope(t *testing.T) {
	llm := &fakeLLM{}
	doc := &domain.Document{
		Vertices: []domain.VertexData{
			nodeData("CG", domain.NodeTypeContent, "group-model"),
			nodeData("CT", domain.NodeTypeContent, "0.2"),
			nodeData("CN", domain.NodeTypeContent, "node-model"),
			groupData("G", domain.GroupTypeBasic, 1, "Q"),
			nodeData("Q", domain.NodeTypeCall, "hi"),
		},
		Edges: []domain.EdgeData{
			edgeData("e1", domain.EdgeTypeConfig, "model", "CG", "G"),
			edgeData("e2", domain.EdgeTypeConfig, "temperature", "CT", "G"),
			edgeData("e3", domain.EdgeTypeConfig, "model", "CN", "Q"),
		},
	}
	r := mustRun(t, doc, Options{LLM: llm})

	stoppage := r.Run(context.Background())

	require.Equal(t, domain.StopReasonComplete, stoppage.Reason, stoppage.Message)
	require.Len(t, llm.requests(), 1)
	cfg := llm.requests()[0].Config
	assert.Equal(t, "node-model", cfg.Model)
	assert.Equal(t, "fake", cfg.Provider)
	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.2, *cfg.Temperature, 1e-9)
	assert.Contains(t, stoppage.Usage, "node-model")
}

func TestCall_ConfigMapping(t *testing.T) {
	llm := &fakeLLM{}
	doc := &domain.Document{
		Vertices: []domain.VertexData{
			nodeData("C", domain.NodeTypeContent, `{"max_tokens": 256, "stop": ["END", "STOP"]}`),
			nodeData("Q", domain.NodeTypeCall, "hi"),
		},
		Edges: []domain.EdgeData{
			edgeData("cfg", domain.EdgeTypeConfig, "", "C", "Q"),
		},
	}
	r := mustRun(t, doc, Options{LLM: llm})

	stoppage := r.Run(context.Background())

	require.Equal(t, domain.StopReasonComplete, stoppage.Reason, stoppage.Message)
	cfg := llm.requests()[0].Config
	require.NotNil(t, cfg.MaxTokens)
	assert.Equal(t, 256, *cfg.MaxTokens)
	assert.Equal(t, []string{"END", "STOP"}, cfg.Stop)
}

func TestCall_ConfigUnknownKey(t *testing.T) {
	t.Run("mapping fails at run time", func(t *testing.T) {
		llm := &fakeLLM{}
		doc := &domain.Document{
			Vertices: []domain.VertexData{
				nodeData("C", domain.NodeTypeContent, "colour: red"),
				nodeData("Q", domain.NodeTypeCall, "hi"),
			},
			Edges: []domain.EdgeData{edgeData("cfg", domain.EdgeTypeConfig, "", "C", "Q")},
		}
		r := mustRun(t, doc, Options{LLM: llm})

		stoppage := r.Run(context.Background())

		assert.Equal(t, domain.StopReasonError, stoppage.Reason)
		assert.Contains(t, stoppage.Message, "cfg: unknown config key")
		assert.Empty(t, llm.requests())
	})

	t.Run("label fails validation", func(t *testing.T) {
		doc := &domain.Document{
			Vertices: []domain.VertexData{
				nodeData("C", domain.NodeTypeContent, "red"),
				nodeData("Q", domain.NodeTypeCall, "hi"),
			},
			Edges: []domain.EdgeData{edgeData("cfg", domain.EdgeTypeConfig, "colour", "C", "Q")},
		}
		r := mustRun(t, doc, Options{LLM: &fakeLLM{}})

		err := r.Validate()

		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrUnknownConfigKey)
	})
}

func TestCall_Messages(t *testing.T) {
	llm := &fakeLLM{}
	doc := &domain.Document{
		Vertices: []domain.VertexData{
			nodeData("P", domain.NodeTypeCall, "first"),
			nodeData("S", domain.NodeTypeContent, "be terse"),
			nodeData("Q", domain.NodeTypeCall, "second"),
		},
		Edges: []domain.EdgeData{
			edgeData("chat", domain.EdgeTypeChat, "", "P", "Q"),
			edgeData("sys", domain.EdgeTypeSystemMessage, "", "S", "Q"),
		},
	}
	r := mustRun(t, doc, Options{LLM: llm})

	stoppage := r.Run(context.Background())

	require.Equal(t, domain.StopReasonComplete, stoppage.Reason, stoppage.Message)
	requests := llm.requests()
	require.Len(t, requests, 2)
	assert.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "be terse"},
		{Role: domain.RoleUser, Content: "first"},
		{Role: domain.RoleAssistant, Content: "first"},
		{Role: domain.RoleUser, Content: "second"},
	}, requests[1].Messages)
}

func TestCall_NoMessages(t *testing.T) {
	doc := &domain.Document{
		Vertices: []domain.VertexData{nodeData("Q", domain.NodeTypeCall, "  ")},
	}
	r := mustRun(t, doc, Options{LLM: &fakeLLM{}})

	stoppage := r.Run(context.Background())

	assert.Equal(t, domain.StopReasonError, stoppage.Reason)
	assert.Contains(t, stoppage.Message, errNoMessages.Error())
}

func TestCall_StreamsIntoChatResponse(t *testing.T) {
	llm := &fakeLLM{}
	doc := &domain.Document{
		Vertices: []domain.VertexData{
			nodeData("Q", domain.NodeTypeCall, "hello world"),
			nodeData("O", domain.NodeTypeContent, ""),
		},
		Edges: []domain.EdgeData{
			edgeData("resp", domain.EdgeTypeChatResponse, "", "Q", "O"),
		},
	}
	r := mustRun(t, doc, Options{LLM: llm})

	stoppage := r.Run(context.Background())

	require.Equal(t, domain.StopReasonComplete, stoppage.Reason, stoppage.Message)
	assert.Equal(t, "hello world"+turnSeparator, contentOfID(t, r, "O"))
}

func TestCall_RequiresClient(t *testing.T) {
	doc := &domain.Document{
		Vertices: []domain.VertexData{nodeData("Q", domain.NodeTypeCall, "hi")},
	}
	r := mustRun(t, doc, Options{})

	err := r.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Q: call node requires an LLM client")
}

func TestFormatter_LeavesUnresolved(t *testing.T) {
	doc := &domain.Document{
		Vertices: []domain.VertexData{
			nodeData("A", domain.NodeTypeContent, "Ada"),
			nodeData("F", domain.NodeTypeFormatter, "Hi {{name}}, loop {{#}}"),
		},
		Edges: []domain.EdgeData{edgeData("e", domain.EdgeTypeVariable, "name", "A", "F")},
	}
	r := mustRun(t, doc, Options{})

	stoppage := r.Run(context.Background())

	require.Equal(t, domain.StopReasonComplete, stoppage.Reason, stoppage.Message)
	assert.Equal(t, "Hi Ada, loop {{#}}", contentOfID(t, r, "F"))
}

func TestContent_ReadsNoteAndFloating(t *testing.T) {
	vault := newFakeVault(map[string]string{"Todo": "buy milk"})
	doc := &domain.Document{
		Vertices: []domain.VertexData{
			nodeData("F", domain.NodeTypeFloating, "[greeting]\nhello"),
			nodeData("C", domain.NodeTypeContent, "{{greeting}}: {{[[Todo]]}} {{[[Missing]]}}"),
		},
	}
	r := mustRun(t, doc, Options{Vault: vault})

	stoppage := r.Run(context.Background())

	require.Equal(t, domain.StopReasonComplete, stoppage.Reason, stoppage.Message)
	assert.Equal(t, "hello: buy milk {{[[Missing]]}}", contentOfID(t, r, "C"))
}

func TestHTTP(t *testing.T) {
	doc := func(template string) *domain.Document {
		return &domain.Document{
			Vertices: []domain.VertexData{
				nodeData("A", domain.NodeTypeContent, "42"),
				nodeData("H", domain.NodeTypeHTTP, template),
				nodeData("O", domain.NodeTypeContent, ""),
			},
			Edges: []domain.EdgeData{
				edgeData("id", domain.EdgeTypeVariable, "id", "A", "H"),
				edgeData("out", domain.EdgeTypeWrite, "", "H", "O"),
			},
		}
	}

	t.Run("request line", func(t *testing.T) {
		fetcher := &fakeFetcher{status: http.StatusOK, body: "ok"}
		r := mustRun(t, doc("GET https://api.example.com/items/{{id}}"), Options{Fetcher: fetcher})

		stoppage := r.Run(context.Background())

		require.Equal(t, domain.StopReasonComplete, stoppage.Reason, stoppage.Message)
		assert.Equal(t, "ok", contentOfID(t, r, "O"))
		require.Len(t, fetcher.requests, 1)
		assert.Equal(t, http.MethodGet, fetcher.requests[0].Method)
		assert.Equal(t, "https://api.example.com/items/42", fetcher.requests[0].URL)
	})

	t.Run("json template", func(t *testing.T) {
		fetcher := &fakeFetcher{status: http.StatusCreated, body: "created"}
		template := `{"method": "put", "url": "https://api.example.com/items", "headers": {"X-Id": "{{id}}"}, "body": {"id": "{{id}}"}}`
		r := mustRun(t, doc(template), Options{Fetcher: fetcher})

		stoppage := r.Run(context.Background())

		require.Equal(t, domain.StopReasonComplete, stoppage.Reason, stoppage.Message)
		req := fetcher.requests[0]
		assert.Equal(t, http.MethodPut, req.Method)
		assert.Equal(t, "42", req.Headers["X-Id"])
		assert.JSONEq(t, `{"id": "42"}`, req.Body)
	})

	t.Run("non-2xx fails", func(t *testing.T) {
		fetcher := &fakeFetcher{status: http.StatusInternalServerError, body: "nope"}
		r := mustRun(t, doc("https://api.example.com/items/{{id}}"), Options{Fetcher: fetcher})

		stoppage := r.Run(context.Background())

		assert.Equal(t, domain.StopReasonError, stoppage.Reason)
		assert.Contains(t, stoppage.Message, "H: request to https://api.example.com/items/42 returned status 500")
	})

	t.Run("unknown variable fails validation", func(t *testing.T) {
		r := mustRun(t, doc("GET https://api.example.com/{{missing}}"), Options{Fetcher: &fakeFetcher{}})

		err := r.Validate()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "no provider: missing")
	})
}

func TestReference(t *testing.T) {
	t.Run("read note", func(t *testing.T) {
		vault := newFakeVault(map[string]string{"Todo": "buy milk"})
		doc := &domain.Document{
			Vertices: []domain.VertexData{
				nodeData("R", domain.NodeTypeReference, "[[Todo]]"),
				nodeData("O", domain.NodeTypeContent, ""),
			},
			Edges: []domain.EdgeData{edgeData("out", domain.EdgeTypeWrite, "", "R", "O")},
		}
		r := mustRun(t, doc, Options{Vault: vault})

		stoppage := r.Run(context.Background())

		require.Equal(t, domain.StopReasonComplete, stoppage.Reason, stoppage.Message)
		assert.Equal(t, "buy milk", contentOfID(t, r, "O"))
	})

	t.Run("extract linked notes", func(t *testing.T) {
		vault := newFakeVault(map[string]string{"Index": "see [[Todo]]", "Todo": "buy milk"})
		doc := &domain.Document{
			Vertices: []domain.VertexData{nodeData("R", domain.NodeTypeReference, "{[[Index]]}")},
		}
		r := mustRun(t, doc, Options{Vault: vault})

		stoppage := r.Run(context.Background())

		require.Equal(t, domain.StopReasonComplete, stoppage.Reason, stoppage.Message)
		assert.Equal(t, "see buy milk", contentOfID(t, r, "R"))
	})

	t.Run("write note and property", func(t *testing.T) {
		vault := newFakeVault(nil)
		prop := edgeData("p", domain.EdgeTypeWrite, "status", "B", "T")
		prop.VaultModifier = domain.VaultModifierProperty
		doc := &domain.Document{
			Vertices: []domain.VertexData{
				nodeData("A", domain.NodeTypeContent, "new text"),
				nodeData("B", domain.NodeTypeContent, "done"),
				nodeData("R", domain.NodeTypeReference, "[[Out]]"),
				nodeData("T", domain.NodeTypeReference, "[[Task]]"),
			},
			Edges: []domain.EdgeData{
				edgeData("w", domain.EdgeTypeWrite, "", "A", "R"),
				prop,
			},
		}
		r := mustRun(t, doc, Options{Vault: vault})

		stoppage := r.Run(context.Background())

		require.Equal(t, domain.StopReasonComplete, stoppage.Reason, stoppage.Message)
		assert.Equal(t, "new text", vault.notes["Out"])
		assert.Equal(t, "done", vault.properties["Task"]["status"])
	})

	t.Run("write floating variable", func(t *testing.T) {
		doc := &domain.Document{
			Vertices: []domain.VertexData{
				nodeData("F", domain.NodeTypeFloating, "[greeting]\nhello"),
				nodeData("A", domain.NodeTypeContent, "hey"),
				nodeData("R", domain.NodeTypeReference, "[greeting]"),
			},
			Edges: []domain.EdgeData{edgeData("w", domain.EdgeTypeWrite, "", "A", "R")},
		}
		r := mustRun(t, doc, Options{})

		stoppage := r.Run(context.Background())

		require.Equal(t, domain.StopReasonComplete, stoppage.Reason, stoppage.Message)
		assert.Equal(t, "hey", stoppage.Results["greeting"])
	})

	t.Run("unknown floating variable fails validation", func(t *testing.T) {
		doc := &domain.Document{
			Vertices: []domain.VertexData{nodeData("R", domain.NodeTypeReference, "[nope]")},
		}
		r := mustRun(t, doc, Options{})

		err := r.Validate()

		require.Error(t, err)
		assert.Contains(t, err.Error(), `floating variable "nope" not found`)
	})
}

func TestFloating_Validation(t *testing.T) {
	doc := &domain.Document{
		Vertices: []domain.VertexData{
			nodeData("F", domain.NodeTypeFloating, "no brackets"),
		},
	}
	r := mustRun(t, doc, Options{})

	err := r.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "floating node must start with a [name] line")
}
