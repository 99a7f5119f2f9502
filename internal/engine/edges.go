package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aescanero/cannoli/pkg/domain"
	"gopkg.in/yaml.v3"
)

// versionSeparator joins the versions an edge collects from a foreach group.
const versionSeparator = "\n\n"

// turnSeparator is appended to a chat response once its stream ends.
const turnSeparator = "\n\n---\n\n"

// loadInput is what a node hands to its outgoing edges.
type loadInput struct {
	content  string
	messages []domain.ChatMessage
	request  *domain.LLMRequest
}

type edgeObject interface {
	Object
	edgeCore() *edge
	load(r *Run, in loadInput)
}

type edge struct {
	object
	edgeType      domain.EdgeType
	source        string
	target        string
	crossingIn    []string
	crossingOut   []string
	reflexive     bool
	addMessages   bool
	vaultModifier domain.VaultModifier

	content  string
	loaded   bool
	messages []domain.ChatMessage
	versions []string
}

func (e *edge) edgeCore() *edge { return e }

func (e *edge) label() string { return strings.TrimSpace(e.text) }

func (e *edge) reset(r *Run) {
	e.object.reset(r)
	e.versions = nil
	if !e.reflexive {
		e.content = ""
		e.loaded = false
		e.messages = nil
	}
}

func (e *edge) execute(r *Run) {
	if len(e.versions) > 0 {
		e.content = strings.Join(e.versions, versionSeparator)
	}
	r.complete(&e.object)
}

func (e *edge) dependencyCompleted(r *Run, dep Object) {
	if e.status != domain.StatusPending {
		return
	}
	if r.allDependenciesComplete(&e.object) {
		r.execute(e.id)
		return
	}
	if !e.insideRunningLoop(r) {
		r.tryReject(&e.object, e.deps)
	}
}

// A rejection inside a loop the edge leaves may be undone by the next
// iteration, so it only counts once every crossed loop has finished.
func (e *edge) dependencyRejected(r *Run, dep Object) {
	if e.insideRunningLoop(r) {
		return
	}
	r.tryReject(&e.object, e.deps)
}

func (e *edge) insideRunningLoop(r *Run) bool {
	for _, id := range e.crossingOut {
		g, ok := r.get(id).(*group)
		if !ok || g.groupType == domain.GroupTypeBasic {
			continue
		}
		if !g.status.IsTerminal() {
			return true
		}
	}
	return false
}

// dependencyVersionComplete snapshots the current content once per finished
// foreach iteration of the nearest foreach group the edge leaves.
func (e *edge) dependencyVersionComplete(r *Run, dep Object) {
	if e.status != domain.StatusPending || dep.core().id != e.versionGroup(r) {
		return
	}
	e.versions = append(e.versions, e.content)
}

func (e *edge) versionGroup(r *Run) string {
	for _, id := range e.crossingOut {
		if g, ok := r.get(id).(*group); ok && g.groupType == domain.GroupTypeForEach {
			return id
		}
	}
	return ""
}

func (e *edge) validate(r *Run) error {
	src, ok := r.get(e.source).(vertexObject)
	if !ok {
		return fmt.Errorf("source %q is not a vertex", e.source)
	}
	if _, ok := r.get(e.target).(vertexObject); !ok {
		return fmt.Errorf("target %q is not a vertex", e.target)
	}
	if e.reflexive != src.vertexCore().inGroup(e.target) {
		if e.reflexive {
			return fmt.Errorf("reflexive edge target %q does not enclose source %q", e.target, e.source)
		}
		return fmt.Errorf("edge into enclosing group %q must be reflexive", e.target)
	}
	return nil
}

// genericEdge covers write, variable, choice, field and list edges.
type genericEdge struct {
	edge
}

func (e *genericEdge) load(r *Run, in loadInput) {
	e.content = in.content
	e.loaded = true
	if e.addMessages {
		e.messages = cloneMessages(in.messages)
	}
}

// chatEdge carries the whole transcript to its target.
type chatEdge struct {
	edge
}

func (e *chatEdge) load(r *Run, in loadInput) {
	e.content = in.content
	e.loaded = true
	if in.messages != nil {
		e.messages = cloneMessages(in.messages)
		return
	}
	e.messages = []domain.ChatMessage{{Role: domain.RoleUser, Content: in.content}}
}

// systemMessageEdge turns its content into a system prompt.
type systemMessageEdge struct {
	edge
}

func (e *systemMessageEdge) load(r *Run, in loadInput) {
	e.content = in.content
	e.loaded = true
	e.messages = []domain.ChatMessage{{Role: domain.RoleSystem, Content: in.content}}
}

// chatResponseEdge accumulates a streamed reply.
type chatResponseEdge struct {
	edge
	streamed bool
}

func (e *chatResponseEdge) reset(r *Run) {
	e.edge.reset(r)
	e.streamed = false
}

func (e *chatResponseEdge) loadToken(token string) {
	e.content += token
	e.loaded = true
	e.streamed = true
}

// endStream closes the current turn. Without streamed tokens it is a no-op
// and the final load carries the reply instead.
func (e *chatResponseEdge) endStream() {
	if e.streamed {
		e.content += turnSeparator
	}
}

func (e *chatResponseEdge) load(r *Run, in loadInput) {
	e.loaded = true
	if e.addMessages {
		e.messages = cloneMessages(in.messages)
	}
	if e.streamed {
		return
	}
	e.content += in.content + turnSeparator
	e.streamed = true
}

func (e *chatResponseEdge) validate(r *Run) error {
	if err := e.edge.validate(r); err != nil {
		return err
	}
	if !isCallNode(r.get(e.source)) {
		return fmt.Errorf("chat response edge must leave a call node")
	}
	return nil
}

// loggingEdge appends one transcript entry per load and never overwrites.
type loggingEdge struct {
	edge
}

func (e *loggingEdge) reset(r *Run) {
	e.object.reset(r)
}

func (e *loggingEdge) execute(r *Run) {
	r.complete(&e.object)
}

func (e *loggingEdge) dependencyVersionComplete(r *Run, dep Object) {}

func (e *loggingEdge) load(r *Run, in loadInput) {
	var b strings.Builder
	for _, h := range e.headers(r) {
		b.WriteString(h)
		b.WriteString("\n")
	}
	if in.request != nil {
		if entries := in.request.Config.Entries(); len(entries) > 0 {
			b.WriteString("#### Config\n")
			for _, kv := range entries {
				fmt.Fprintf(&b, "- %s: %s\n", kv[0], kv[1])
			}
		}
	}
	messages := in.messages
	if messages == nil {
		messages = []domain.ChatMessage{{Role: domain.RoleAssistant, Content: in.content}}
	}
	b.WriteString("#### Messages\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "**%s**:\n\n%s\n\n", m.Role, m.Content)
	}

	entry := strings.TrimRight(b.String(), "\n")
	if e.content != "" {
		e.content += "\n\n"
	}
	e.content += entry
	e.loaded = true
}

// headers describes the iteration of every loop the edge leaves, outermost first.
func (e *loggingEdge) headers(r *Run) []string {
	var out []string
	for i := len(e.crossingOut) - 1; i >= 0; i-- {
		g, ok := r.get(e.crossingOut[i]).(*group)
		if !ok {
			continue
		}
		switch g.groupType {
		case domain.GroupTypeRepeat:
			out = append(out, fmt.Sprintf("### Loop %d of %d", g.currentLoop+1, g.limit(r)))
		case domain.GroupTypeForEach:
			out = append(out, fmt.Sprintf("### Version %d of %d", g.currentLoop+1, g.limit(r)))
		}
	}
	return out
}

func (e *loggingEdge) validate(r *Run) error {
	if err := e.edge.validate(r); err != nil {
		return err
	}
	if !isCallNode(r.get(e.source)) {
		return fmt.Errorf("logging edge must leave a call node")
	}
	return nil
}

// configEdge overrides LLM settings for its target scope.
type configEdge struct {
	edge
	config domain.LLMConfig
}

func (e *configEdge) reset(r *Run) {
	e.edge.reset(r)
	if !e.reflexive {
		e.config = domain.LLMConfig{}
	}
}

func (e *configEdge) load(r *Run, in loadInput) {
	e.content = in.content
	e.loaded = true
	cfg, err := parseConfig(e.label(), in.content)
	if err != nil {
		r.fail(&e.object, err)
		return
	}
	e.config = cfg
}

func (e *configEdge) validate(r *Run) error {
	if err := e.edge.validate(r); err != nil {
		return err
	}
	if label := e.label(); label != "" && !domain.IsConfigKey(label) {
		return fmt.Errorf("%w: %q", domain.ErrUnknownConfigKey, label)
	}
	switch t := r.get(e.target).(type) {
	case *callNode, *group:
	default:
		return fmt.Errorf("config edge target %q must be a call node or a group", t.core().id)
	}
	return nil
}

// parseConfig reads a scalar for a labeled edge, or a JSON or YAML mapping.
func parseConfig(label, content string) (domain.LLMConfig, error) {
	var cfg domain.LLMConfig
	if label != "" {
		if err := cfg.Set(label, content); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	values := make(map[string]interface{})
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(trimmed), &values); err != nil {
		if yerr := yaml.Unmarshal([]byte(trimmed), &values); yerr != nil {
			return cfg, fmt.Errorf("failed to parse config content: %w", yerr)
		}
	}
	for _, key := range sortedKeys(values) {
		if err := cfg.Set(key, stringify(values[key])); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, stringify(p))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}

func cloneMessages(in []domain.ChatMessage) []domain.ChatMessage {
	if in == nil {
		return nil
	}
	out := make([]domain.ChatMessage, len(in))
	copy(out, in)
	return out
}

// isWriteEdge reports whether an edge overwrites its target's content rather
// than providing a named variable.
func isWriteEdge(e *edge) bool {
	switch e.edgeType {
	case domain.EdgeTypeWrite, domain.EdgeTypeLogging, domain.EdgeTypeChatResponse, domain.EdgeTypeChoice:
		return true
	case domain.EdgeTypeChat, domain.EdgeTypeVariable, domain.EdgeTypeField:
		return e.label() == ""
	}
	return false
}

// providesValue reports whether an edge contributes a named variable.
func providesValue(e *edge) bool {
	switch e.edgeType {
	case domain.EdgeTypeLogging, domain.EdgeTypeConfig, domain.EdgeTypeSystemMessage:
		return false
	}
	return e.label() != ""
}

// providesMessages reports whether an edge contributes chat messages to a call.
func providesMessages(e *edge) bool {
	switch e.edgeType {
	case domain.EdgeTypeLogging, domain.EdgeTypeWrite, domain.EdgeTypeConfig:
		return false
	}
	return e.messages != nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
