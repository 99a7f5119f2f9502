package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/aescanero/cannoli/pkg/domain"
)

var floatingNamePattern = regexp.MustCompile(`^\[[^\[\]\n]+\]$`)

type vertexObject interface {
	Object
	vertexCore() *vertex
}

type nodeObject interface {
	vertexObject
	nodeCore() *node
}

func (v *vertex) vertexCore() *vertex { return v }

// node is the shared part of every node variant.
type node struct {
	vertex

	// output is the text the node last handed to its outgoing edges.
	output string
}

func (n *node) nodeCore() *node { return n }

func isCallNode(o Object) bool {
	_, ok := o.(*callNode)
	return ok
}

// finishNode loads every live outgoing edge with in and completes n.
func (r *Run) finishNode(n *node, in loadInput) {
	n.output = in.content
	for _, id := range n.outgoing {
		e, ok := r.get(id).(edgeObject)
		if !ok || e.core().status == domain.StatusRejected {
			continue
		}
		e.load(r, in)
	}
	r.complete(&n.object)
}

// render resolves text in n's scope and hands the result to done. Rendering
// moves off the loop only when it may read notes from the vault.
func (r *Run) render(n *node, text string, done func(resolution)) {
	s := r.scopeFor(&n.vertex)
	if !needsVault(text) {
		res, err := s.resolve(r.ctx, text)
		if err != nil {
			r.fail(&n.object, err)
			return
		}
		done(res)
		return
	}
	r.async(&n.object, "resolve", func(ctx context.Context) (func(), error) {
		res, err := s.resolve(ctx, text)
		if err != nil {
			return nil, err
		}
		return func() { done(res) }, nil
	})
}

// writeContent joins the content of n's loaded direct incoming write edges.
func (r *Run) writeContent(n *node) (string, *edge, bool) {
	var (
		parts    []string
		modifier *edge
	)
	for _, id := range n.incoming {
		eo, ok := r.get(id).(edgeObject)
		if !ok {
			continue
		}
		e := eo.edgeCore()
		if !isWriteEdge(e) || !e.loaded || e.status == domain.StatusRejected {
			continue
		}
		parts = append(parts, e.content)
		if modifier == nil && e.vaultModifier != domain.VaultModifierNone {
			modifier = e
		}
	}
	if len(parts) == 0 {
		return "", nil, false
	}
	return strings.Join(parts, versionSeparator), modifier, true
}

// singleVariable returns the value of n's only named incoming variable.
func (r *Run) singleVariable(n *node) (string, bool) {
	var values []string
	for _, id := range n.incoming {
		eo, ok := r.get(id).(edgeObject)
		if !ok {
			continue
		}
		e := eo.edgeCore()
		if !providesValue(e) {
			continue
		}
		if v, ok := r.edgeValue(e); ok {
			values = append(values, v)
		}
	}
	if len(values) != 1 {
		return "", false
	}
	return values[0], true
}

func (r *Run) setText(id, text string) {
	if r.progress != nil {
		r.progress.SetText(id, text)
	}
}

// contentNode surfaces written content, a single variable or its rendered text.
type contentNode struct {
	node
	display string
}

func (n *contentNode) displayText() string { return n.display }

func (n *contentNode) execute(r *Run) {
	r.setStatus(&n.object, domain.StatusExecuting, "")

	if content, _, ok := r.writeContent(&n.node); ok {
		n.show(r, content)
		return
	}
	if strings.TrimSpace(n.text) == "" {
		if v, ok := r.singleVariable(&n.node); ok {
			n.show(r, v)
			return
		}
	}
	if !hasReferences(n.text) {
		n.show(r, n.text)
		return
	}
	r.render(&n.node, n.text, func(res resolution) { n.show(r, res.text) })
}

func (n *contentNode) show(r *Run, text string) {
	n.display = text
	r.setText(n.id, text)
	r.finishNode(&n.node, loadInput{content: text})
}

// formatterNode renders its text and passes it on.
type formatterNode struct {
	node
}

func (n *formatterNode) execute(r *Run) {
	r.setStatus(&n.object, domain.StatusExecuting, "")
	r.render(&n.node, n.text, func(res resolution) {
		r.setText(n.id, res.text)
		r.finishNode(&n.node, loadInput{content: res.text})
	})
}

// floatingNode is a named global value. It never executes and is always complete.
type floatingNode struct {
	node
	content string
}

func newFloatingNode(base node) *floatingNode {
	f := &floatingNode{node: base}
	if _, value, ok := splitBracketed(base.text); ok {
		f.content = value
	}
	return f
}

func (f *floatingNode) name() string {
	first, _, _ := strings.Cut(f.text, "\n")
	first = strings.TrimSpace(first)
	return strings.TrimSuffix(strings.TrimPrefix(first, "["), "]")
}

func (f *floatingNode) value() string { return f.content }

func (f *floatingNode) setValue(r *Run, value string) {
	f.content = value
	r.setText(f.id, fmt.Sprintf("[%s]\n%s", f.name(), value))
}

func (f *floatingNode) execute(r *Run) {}

func (f *floatingNode) reset(r *Run) {
	f.gen++
	if f.status != domain.StatusComplete {
		r.setStatus(&f.object, domain.StatusComplete, "")
	}
}

func (f *floatingNode) dependencyCompleted(r *Run, dep Object) {}

func (f *floatingNode) dependencyRejected(r *Run, dep Object) {}

func (f *floatingNode) validate(r *Run) error {
	first, _, _ := strings.Cut(f.text, "\n")
	if !floatingNamePattern.MatchString(strings.TrimSpace(first)) {
		return fmt.Errorf("floating node must start with a [name] line")
	}
	if len(f.incoming) > 0 || len(f.outgoing) > 0 || len(f.deps) > 0 {
		return fmt.Errorf("floating node %q cannot have edges", f.name())
	}
	return nil
}
