package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/aescanero/cannoli/pkg/domain"
)

var errNoMessages = errors.New("no messages to send")

// callNode sends a completion request built from its scope.
type callNode struct {
	node
}

func (n *callNode) execute(r *Run) {
	r.setStatus(&n.object, domain.StatusExecuting, "")
	if r.llm == nil {
		r.fail(&n.object, errors.New("no LLM client configured"))
		return
	}

	cfg := r.callConfig(n)
	messages := r.callMessages(n)
	choices := r.choices(n)
	streams := r.chatResponseEdges(n)
	s := r.scopeFor(&n.vertex)
	text := n.text
	gen := n.gen

	r.async(&n.object, "llm", func(ctx context.Context) (func(), error) {
		res, err := s.resolve(ctx, text)
		if err != nil {
			return nil, err
		}
		req := &domain.LLMRequest{Config: cfg, Messages: messages, Choices: choices}
		if prompt := strings.TrimSpace(res.text); prompt != "" {
			req.Messages = append(req.Messages, domain.ChatMessage{Role: domain.RoleUser, Content: res.text})
		}
		if len(req.Messages) == 0 {
			return nil, errNoMessages
		}

		start := time.Now()
		var resp *domain.LLMResponse
		if len(streams) > 0 {
			resp, err = r.llm.StreamCompletion(ctx, req, func(token string) {
				r.post(&n.object, gen, func() {
					for _, e := range streams {
						e.loadToken(token)
					}
				})
			})
		} else {
			resp, err = r.llm.GenerateCompletion(ctx, req)
		}
		if err != nil {
			return nil, fmt.Errorf("LLM call failed: %w", err)
		}
		latency := time.Since(start)
		return func() { n.reply(r, req, resp, streams, latency) }, nil
	})
}

func (n *callNode) reply(r *Run, req *domain.LLMRequest, resp *domain.LLMResponse, streams []*chatResponseEdge, latency time.Duration) {
	usage := resp.Usage
	if usage.Provider == "" {
		usage.Provider = req.Config.Provider
	}
	if usage.Model == "" {
		usage.Model = req.Config.Model
	}
	r.recordUsage(usage, latency)

	for _, e := range streams {
		e.endStream()
	}

	content := resp.Message.Content
	transcript := append(cloneMessages(req.Messages), domain.ChatMessage{Role: domain.RoleAssistant, Content: content})

	if len(req.Choices) > 0 {
		choice, ok := matchChoice(content, req.Choices)
		if !ok {
			r.fail(&n.object, fmt.Errorf("reply %q matches none of the choices [%s]", content, strings.Join(req.Choices, ", ")))
			return
		}
		for _, id := range n.outgoing {
			eo, ok := r.get(id).(edgeObject)
			if !ok {
				continue
			}
			e := eo.edgeCore()
			if e.edgeType == domain.EdgeTypeChoice && !strings.EqualFold(e.label(), choice) {
				r.reject(&e.object)
			}
		}
	}

	r.setText(n.id, content)
	r.finishNode(&n.node, loadInput{content: content, messages: transcript, request: req})
}

func (n *callNode) validate(r *Run) error {
	if r.llm == nil {
		return errors.New("call node requires an LLM client")
	}
	for _, id := range n.outgoing {
		if e, ok := r.get(id).(edgeObject); ok {
			if c := e.edgeCore(); c.edgeType == domain.EdgeTypeChoice && c.label() == "" {
				return fmt.Errorf("choice edge %q has no label", c.id)
			}
		}
	}
	return nil
}

// callConfig starts from the client defaults, applies group config edges from
// the outermost group inward, then the node's own config edges.
func (r *Run) callConfig(n *callNode) domain.LLMConfig {
	cfg := r.llm.DefaultConfig()
	apply := func(ids []string) {
		for _, id := range ids {
			e, ok := r.get(id).(*configEdge)
			if !ok || !e.loaded || e.status == domain.StatusRejected {
				continue
			}
			cfg.Merge(e.config)
		}
	}
	for i := len(n.groups) - 1; i >= 0; i-- {
		if g, ok := r.get(n.groups[i]).(*group); ok {
			apply(g.incoming)
		}
	}
	apply(n.incoming)
	return cfg
}

// callMessages gathers the messages carried by n's available edges, system
// messages first.
func (r *Run) callMessages(n *callNode) []domain.ChatMessage {
	var system, rest []domain.ChatMessage
	for _, e := range r.availableEdges(&n.vertex) {
		if !e.loaded || e.status == domain.StatusRejected || !providesMessages(e) {
			continue
		}
		for _, m := range e.messages {
			if m.Role == domain.RoleSystem {
				system = append(system, m)
			} else {
				rest = append(rest, m)
			}
		}
	}
	return append(system, rest...)
}

// choices lists the distinct labels of n's outgoing choice edges.
func (r *Run) choices(n *callNode) []string {
	var out []string
	seen := make(map[string]bool)
	for _, id := range n.outgoing {
		eo, ok := r.get(id).(edgeObject)
		if !ok {
			continue
		}
		e := eo.edgeCore()
		if e.edgeType != domain.EdgeTypeChoice {
			continue
		}
		key := strings.ToLower(e.label())
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e.label())
	}
	return out
}

func (r *Run) chatResponseEdges(n *callNode) []*chatResponseEdge {
	var out []*chatResponseEdge
	for _, id := range n.outgoing {
		if e, ok := r.get(id).(*chatResponseEdge); ok {
			out = append(out, e)
		}
	}
	return out
}

// matchChoice picks the option a reply selects: an exact case-insensitive
// match first, then the option whose whole-word occurrence comes earliest in
// the reply.
func matchChoice(reply string, choices []string) (string, bool) {
	normalized := strings.ToLower(strings.Trim(strings.TrimSpace(reply), `."'*`))
	for _, c := range choices {
		if strings.ToLower(c) == normalized {
			return c, true
		}
	}

	best, bestAt := "", -1
	for _, c := range choices {
		at := wordIndex(normalized, strings.ToLower(c))
		if at < 0 {
			continue
		}
		// On a tie the longer option wins, so "yes please" beats "yes".
		if bestAt < 0 || at < bestAt || (at == bestAt && len(c) > len(best)) {
			best, bestAt = c, at
		}
	}
	return best, bestAt >= 0
}

// wordIndex returns the first index of word in s that is not part of a
// longer word, or -1.
func wordIndex(s, word string) int {
	if word == "" {
		return -1
	}
	for offset := 0; offset < len(s); {
		i := strings.Index(s[offset:], word)
		if i < 0 {
			return -1
		}
		start, end := offset+i, offset+i+len(word)
		before, _ := utf8.DecodeLastRuneInString(s[:start])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if (start == 0 || !isWordRune(before)) && (end == len(s) || !isWordRune(after)) {
			return start
		}
		offset = start + 1
	}
	return -1
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
