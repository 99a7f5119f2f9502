package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aescanero/cannoli/pkg/domain"
	"github.com/aescanero/cannoli/pkg/ports"
)

// referencePattern matches, in order: an extracted note {[[name]]}, an
// extracted floating variable {[name]}, a plain variable {{name}} and an
// extracted plain variable {name}.
var referencePattern = regexp.MustCompile(
	`\{\[\[([^\[\]{}]+)\]\]\}|\{\[([^\[\]{}]+)\]\}|\{\{([^{}]+)\}\}|\{([A-Za-z0-9_#][^{}\[\]"\n]*)\}`)

var noteLinkPattern = regexp.MustCompile(`\[\[([^\[\]]+)\]\]`)

// scope is a snapshot of everything a vertex's text may reference. It is built
// on the run loop and may then be used from another goroutine.
type scope struct {
	values   map[string]string
	loops    []int
	floating map[string]string
	vault    ports.Vault
}

// resolution is the outcome of rendering a text against a scope.
type resolution struct {
	text       string
	refs       []string
	unresolved []string
}

// scopeFor snapshots the values visible to v.
func (r *Run) scopeFor(v *vertex) *scope {
	s := &scope{
		values:   make(map[string]string),
		floating: make(map[string]string, len(r.floating)),
		vault:    r.vault,
	}

	fromReflexive := make(map[string]bool)
	for _, e := range r.availableEdges(v) {
		if !providesValue(e) {
			continue
		}
		name := e.label()
		value, ok := r.edgeValue(e)
		if !ok {
			continue
		}
		if _, seen := s.values[name]; seen && (fromReflexive[name] || !e.reflexive) {
			continue
		}
		s.values[name] = value
		fromReflexive[name] = e.reflexive
	}

	for _, id := range v.groups {
		if g, ok := r.get(id).(*group); ok && g.groupType != domain.GroupTypeBasic {
			s.loops = append(s.loops, g.currentLoop+1)
		}
	}

	for name, f := range r.floating {
		s.floating[name] = f.value()
	}
	return s
}

// edgeValue is the value an edge contributes to its target's scope. A list
// edge into a foreach group yields the current item.
func (r *Run) edgeValue(e *edge) (string, bool) {
	if !e.loaded {
		return "", false
	}
	if e.edgeType == domain.EdgeTypeList {
		if g, ok := r.get(e.target).(*group); ok && g.groupType == domain.GroupTypeForEach {
			items := splitItems(e.content)
			if g.currentLoop < len(items) {
				return items[g.currentLoop], true
			}
			return "", true
		}
	}
	return e.content, true
}

// availableEdges lists v's direct incoming edges followed by the incoming
// edges of each ancestor group, nearest first.
func (r *Run) availableEdges(v *vertex) []*edge {
	var out []*edge
	add := func(ids []string) {
		for _, id := range ids {
			if e, ok := r.get(id).(edgeObject); ok {
				out = append(out, e.edgeCore())
			}
		}
	}
	add(v.incoming)
	for _, id := range v.groups {
		if g, ok := r.get(id).(*group); ok {
			add(g.incoming)
		}
	}
	return out
}

// resolve renders text, substituting every reference it can.
func (s *scope) resolve(ctx context.Context, text string) (resolution, error) {
	return s.render(ctx, text, true)
}

func (s *scope) render(ctx context.Context, text string, nested bool) (resolution, error) {
	var (
		res  resolution
		b    strings.Builder
		last int
	)
	for _, m := range referencePattern.FindAllStringSubmatchIndex(text, -1) {
		b.WriteString(text[last:m[0]])
		last = m[1]
		token := text[m[0]:m[1]]

		var (
			value   string
			ok      bool
			counted = true
			err     error
			name    string
		)
		switch {
		case m[2] >= 0:
			name = strings.TrimSpace(text[m[2]:m[3]])
			value, ok, err = s.note(ctx, name)
			if ok && nested {
				value, err = s.extractLinks(ctx, value)
			}
		case m[4] >= 0:
			name = strings.TrimSpace(text[m[4]:m[5]])
			value, ok = s.floating[name]
			if ok && nested {
				value, err = s.nestedText(ctx, value)
			}
		case m[6] >= 0:
			name = strings.TrimSpace(text[m[6]:m[7]])
			value, ok, err = s.plain(ctx, name)
		default:
			name = strings.TrimSpace(text[m[8]:m[9]])
			counted = false
			value, ok = s.values[name]
			if !ok {
				value, ok = s.floating[name]
			}
			if !ok && isLoopToken(name) {
				value, ok = s.loop(name)
			}
			if ok && nested {
				value, err = s.nestedText(ctx, value)
			}
		}
		if err != nil {
			return res, err
		}
		if counted {
			res.refs = append(res.refs, name)
		}
		if !ok {
			if counted {
				res.unresolved = append(res.unresolved, name)
			}
			b.WriteString(token)
			continue
		}
		b.WriteString(value)
	}
	b.WriteString(text[last:])
	res.text = b.String()
	return res, nil
}

func (s *scope) nestedText(ctx context.Context, value string) (string, error) {
	res, err := s.render(ctx, value, false)
	if err != nil {
		return "", err
	}
	return res.text, nil
}

// plain resolves {{name}}: an edge value, a loop index, then a note or a
// floating variable.
func (s *scope) plain(ctx context.Context, name string) (string, bool, error) {
	if v, ok := s.values[name]; ok {
		return v, true, nil
	}
	if isLoopToken(name) {
		v, ok := s.loop(name)
		return v, ok, nil
	}
	if strings.HasPrefix(name, "[[") && strings.HasSuffix(name, "]]") {
		return s.note(ctx, strings.TrimSpace(name[2:len(name)-2]))
	}
	if strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]") {
		v, ok := s.floating[strings.TrimSpace(name[1:len(name)-1])]
		return v, ok, nil
	}
	v, ok := s.floating[name]
	return v, ok, nil
}

func (s *scope) loop(name string) (string, bool) {
	depth := len(name) - 1
	if depth >= len(s.loops) {
		return "", false
	}
	return fmt.Sprint(s.loops[depth]), true
}

func (s *scope) note(ctx context.Context, name string) (string, bool, error) {
	if s.vault == nil {
		return "", false, nil
	}
	content, err := s.vault.ReadNote(ctx, name)
	if errors.Is(err, ports.ErrNoteNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read note %q: %w", name, err)
	}
	return content, true, nil
}

// extractLinks replaces [[links]] in content with the linked notes' content.
func (s *scope) extractLinks(ctx context.Context, content string) (string, error) {
	var firstErr error
	out := noteLinkPattern.ReplaceAllStringFunc(content, func(link string) string {
		name := strings.TrimSpace(link[2 : len(link)-2])
		v, ok, err := s.note(ctx, name)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if !ok {
			return link
		}
		return v
	})
	return out, firstErr
}

func isLoopToken(name string) bool {
	return name != "" && strings.Trim(name, "#") == ""
}

// needsVault reports whether rendering text may read notes.
func needsVault(text string) bool {
	return strings.Contains(text, "[[")
}

// hasReferences reports whether text contains anything to resolve.
func hasReferences(text string) bool {
	return referencePattern.MatchString(text)
}

// splitItems reads a list as a JSON array or as one item per non-empty line.
func splitItems(content string) []string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "[") {
		var raw []interface{}
		if err := json.Unmarshal([]byte(trimmed), &raw); err == nil {
			items := make([]string, 0, len(raw))
			for _, item := range raw {
				if str, ok := item.(string); ok {
					items = append(items, str)
					continue
				}
				b, _ := json.Marshal(item)
				items = append(items, string(b))
			}
			return items
		}
	}
	var items []string
	for _, line := range strings.Split(trimmed, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			items = append(items, line)
		}
	}
	return items
}

// splitBracketed splits "[key]\nvalue" into key and value.
func splitBracketed(text string) (string, string, bool) {
	first, rest, _ := strings.Cut(text, "\n")
	first = strings.TrimSpace(first)
	if len(first) < 3 || first[0] != '[' || first[len(first)-1] != ']' || strings.HasPrefix(first, "[[") {
		return "", "", false
	}
	return strings.TrimSpace(first[1 : len(first)-1]), strings.TrimSpace(rest), true
}
