package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/aescanero/cannoli/pkg/ports"
	"github.com/stretchr/testify/require"
)

// fakeLLM echoes the last message unless reply is set.
type fakeLLM struct {
	mu      sync.Mutex
	calls   []*domain.LLMRequest
	reply   func(req *domain.LLMRequest) (string, error)
	started chan struct{}
	release chan struct{}
}

func (f *fakeLLM) respond(ctx context.Context, req *domain.LLMRequest) (*domain.LLMResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}

	content := req.Messages[len(req.Messages)-1].Content
	if f.reply != nil {
		var err error
		if content, err = f.reply(req); err != nil {
			return nil, err
		}
	}
	return &domain.LLMResponse{
		Message: domain.ChatMessage{Role: domain.RoleAssistant, Content: content},
		Usage:   domain.TokenUsage{Provider: "fake", Model: req.Config.Model, InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (f *fakeLLM) GenerateCompletion(ctx context.Context, req *domain.LLMRequest) (*domain.LLMResponse, error) {
	return f.respond(ctx, req)
}

func (f *fakeLLM) StreamCompletion(ctx context.Context, req *domain.LLMRequest, onToken func(string)) (*domain.LLMResponse, error) {
	resp, err := f.respond(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, tok := range strings.SplitAfter(resp.Message.Content, " ") {
		onToken(tok)
	}
	return resp, nil
}

func (f *fakeLLM) DefaultConfig() domain.LLMConfig {
	return domain.LLMConfig{Provider: "fake", Model: "fake-model"}
}

func (f *fakeLLM) requests() []*domain.LLMRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.LLMRequest(nil), f.calls...)
}

// fakeVault keeps notes in maps.
type fakeVault struct {
	mu         sync.Mutex
	notes      map[string]string
	properties map[string]map[string]string
	folders    map[string]string
}

func newFakeVault(notes map[string]string) *fakeVault {
	if notes == nil {
		notes = make(map[string]string)
	}
	return &fakeVault{notes: notes, properties: make(map[string]map[string]string), folders: make(map[string]string)}
}

func (v *fakeVault) ReadNote(ctx context.Context, name string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n, ok := v.notes[name]
	if !ok {
		return "", ports.ErrNoteNotFound
	}
	return n, nil
}

func (v *fakeVault) WriteNote(ctx context.Context, name, content string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.notes[name] = content
	return nil
}

func (v *fakeVault) ReadProperty(ctx context.Context, note, property string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.properties[note][property], nil
}

func (v *fakeVault) WriteProperty(ctx context.Context, note, property, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.properties[note] == nil {
		v.properties[note] = make(map[string]string)
	}
	v.properties[note][property] = value
	return nil
}

func (v *fakeVault) CreateNote(ctx context.Context, name, content string) error {
	return v.WriteNote(ctx, name, content)
}

func (v *fakeVault) CreateFolder(ctx context.Context, path string) error { return nil }

func (v *fakeVault) MoveNote(ctx context.Context, name, folder string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.folders[name] = folder
	return nil
}

func (v *fakeVault) ReadFile(ctx context.Context, path string) ([]byte, error) {
	n, err := v.ReadNote(ctx, path)
	return []byte(n), err
}

// fakeFetcher answers every request with the same response.
type fakeFetcher struct {
	mu       sync.Mutex
	requests []ports.FetchRequest
	status   int
	body     string
	err      error
}

func (f *fakeFetcher) Fetch(ctx context.Context, req ports.FetchRequest) (*ports.FetchResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &ports.FetchResponse{StatusCode: f.status, Body: f.body}, nil
}

// recordingSink remembers every progress call.
type recordingSink struct {
	mu          sync.Mutex
	statuses    []string
	texts       map[string]string
	annotations map[string]string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{texts: make(map[string]string), annotations: make(map[string]string)}
}

func (s *recordingSink) SetStatus(id string, status domain.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, id+"="+string(status))
}

func (s *recordingSink) SetText(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts[id] = text
}

func (s *recordingSink) Annotate(id string, severity domain.Status, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations[id] = message
}

var errBoom = errors.New("boom")

func nodeData(id string, typ domain.NodeType, text string) domain.VertexData {
	return domain.VertexData{ID: id, Kind: domain.KindNode, Type: string(typ), Text: text}
}

func groupData(id string, typ domain.GroupType, maxLoops int, members ...string) domain.VertexData {
	return domain.VertexData{ID: id, Kind: domain.KindGroup, Type: string(typ), MaxLoops: maxLoops, Members: members}
}

func edgeData(id string, typ domain.EdgeType, label, source, target string) domain.EdgeData {
	return domain.EdgeData{ID: id, Type: typ, Text: label, Source: source, Target: target}
}

func mustRun(t *testing.T, doc *domain.Document, opts Options) *Run {
	t.Helper()
	r, err := New(doc, opts)
	require.NoError(t, err)
	return r
}

func statusOf(t *testing.T, r *Run, id string) domain.Status {
	t.Helper()
	s, ok := r.Status(id)
	require.True(t, ok, "unknown object %s", id)
	return s
}

func contentOfID(t *testing.T, r *Run, id string) string {
	t.Helper()
	c, ok := r.Content(id)
	require.True(t, ok, "unknown object %s", id)
	return c
}
