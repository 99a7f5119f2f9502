package engine

import (
	"errors"
	"fmt"

	"github.com/aescanero/cannoli/pkg/domain"
)

// New hydrates doc into a run. Derived structure missing from the document is
// computed first; the document itself is not modified.
func New(doc *domain.Document, opts Options) (*Run, error) {
	if doc == nil {
		return nil, errors.New("document is nil")
	}
	d := Derive(doc)
	r := newRun(opts)

	for _, v := range d.Vertices {
		o, err := newVertex(v)
		if err != nil {
			return nil, fmt.Errorf("failed to build vertex %q: %w", v.ID, err)
		}
		if err := r.add(o); err != nil {
			return nil, err
		}
	}
	for _, e := range d.Edges {
		o, err := newEdge(e)
		if err != nil {
			return nil, fmt.Errorf("failed to build edge %q: %w", e.ID, err)
		}
		if err := r.add(o); err != nil {
			return nil, err
		}
	}

	r.setupListeners()
	return r, nil
}

func (r *Run) add(o Object) error {
	c := o.core()
	if c.id == "" {
		return errors.New("object without id")
	}
	if _, exists := r.index[c.id]; exists {
		return fmt.Errorf("duplicate object id %q", c.id)
	}
	if f, ok := o.(*floatingNode); ok {
		if _, exists := r.floating[f.name()]; exists {
			return fmt.Errorf("duplicate floating variable %q", f.name())
		}
		r.floating[f.name()] = f
	}
	r.index[c.id] = len(r.objects)
	r.objects = append(r.objects, o)
	return nil
}

// setupListeners subscribes every object to its dependencies in declaration order.
func (r *Run) setupListeners() {
	for _, o := range r.objects {
		c := o.core()
		seen := make(map[string]bool, len(c.deps))
		for _, dep := range c.deps {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			r.listeners[dep] = append(r.listeners[dep], c.id)
		}
	}
}

func newVertex(v domain.VertexData) (Object, error) {
	kind := v.Kind
	if kind == "" {
		kind = domain.KindNode
		if domain.IsKnownGroupType(v.Type) {
			kind = domain.KindGroup
		}
	}
	base := vertex{
		object: object{
			id:     v.ID,
			text:   v.Text,
			kind:   kind,
			typ:    v.Type,
			status: domain.StatusPending,
			deps:   v.Dependencies,
		},
		incoming: v.IncomingEdges,
		outgoing: v.OutgoingEdges,
		groups:   v.Groups,
	}

	switch kind {
	case domain.KindGroup:
		g := &group{vertex: base, groupType: domain.GroupType(v.Type), members: v.Members, maxLoops: v.MaxLoops}
		if !domain.IsKnownGroupType(v.Type) {
			return nil, fmt.Errorf("unknown group type %q", v.Type)
		}
		if v.FromForEach {
			g.groupType = domain.GroupTypeForEach
		}
		if g.maxLoops == 0 {
			g.maxLoops = 1
		}
		return g, nil

	case domain.KindNode:
		n := node{vertex: base}
		switch domain.NodeType(v.Type) {
		case domain.NodeTypeCall:
			return &callNode{node: n}, nil
		case domain.NodeTypeContent:
			return &contentNode{node: n, display: v.Text}, nil
		case domain.NodeTypeReference:
			return &referenceNode{node: n}, nil
		case domain.NodeTypeHTTP:
			return &httpNode{node: n}, nil
		case domain.NodeTypeFormatter:
			return &formatterNode{node: n}, nil
		case domain.NodeTypeFloating:
			return newFloatingNode(n), nil
		}
		return nil, fmt.Errorf("unknown node type %q", v.Type)
	}
	return nil, fmt.Errorf("unknown vertex kind %q", kind)
}

func newEdge(d domain.EdgeData) (Object, error) {
	base := edge{
		object: object{
			id:     d.ID,
			text:   d.Text,
			kind:   domain.KindEdge,
			typ:    string(d.Type),
			status: domain.StatusPending,
			deps:   d.Dependencies,
		},
		edgeType:      d.Type,
		source:        d.Source,
		target:        d.Target,
		crossingIn:    d.CrossingInGroups,
		crossingOut:   d.CrossingOutGroups,
		reflexive:     d.IsReflexive,
		addMessages:   d.AddMessages,
		vaultModifier: d.VaultModifier,
	}

	switch d.Type {
	case domain.EdgeTypeChat:
		return &chatEdge{edge: base}, nil
	case domain.EdgeTypeChatResponse:
		return &chatResponseEdge{edge: base}, nil
	case domain.EdgeTypeSystemMessage:
		return &systemMessageEdge{edge: base}, nil
	case domain.EdgeTypeLogging:
		return &loggingEdge{edge: base}, nil
	case domain.EdgeTypeConfig:
		return &configEdge{edge: base}, nil
	case domain.EdgeTypeWrite, domain.EdgeTypeVariable, domain.EdgeTypeChoice, domain.EdgeTypeField, domain.EdgeTypeList:
		return &genericEdge{edge: base}, nil
	}
	return nil, fmt.Errorf("unknown edge type %q", d.Type)
}

// Derive returns a copy of doc with every missing derived field computed:
// ancestor groups, incoming and outgoing edges, reflexive and crossing-group
// flags, and dependencies. Fields the document already carries are kept.
func Derive(doc *domain.Document) *domain.Document {
	d := copyDocument(doc)

	parent := make(map[string]string)
	for _, v := range d.Vertices {
		for _, m := range v.Members {
			if _, ok := parent[m]; !ok {
				parent[m] = v.ID
			}
		}
	}

	for i := range d.Vertices {
		v := &d.Vertices[i]
		if v.Groups != nil {
			continue
		}
		v.Groups = []string{}
		seen := map[string]bool{v.ID: true}
		for p, ok := parent[v.ID]; ok && !seen[p]; p, ok = parent[p] {
			seen[p] = true
			v.Groups = append(v.Groups, p)
		}
	}

	ancestors := make(map[string][]string, len(d.Vertices))
	for _, v := range d.Vertices {
		ancestors[v.ID] = v.Groups
	}
	encloses := func(g, id string) bool {
		return g == id || contains(ancestors[id], g)
	}

	for i := range d.Edges {
		e := &d.Edges[i]
		if contains(ancestors[e.Source], e.Target) {
			e.IsReflexive = true
		}
		if e.CrossingOutGroups == nil {
			e.CrossingOutGroups = []string{}
			for _, g := range ancestors[e.Source] {
				if !encloses(g, e.Target) {
					e.CrossingOutGroups = append(e.CrossingOutGroups, g)
				}
			}
		}
		if e.CrossingInGroups == nil {
			e.CrossingInGroups = []string{}
			for _, g := range ancestors[e.Target] {
				if !encloses(g, e.Source) {
					e.CrossingInGroups = append(e.CrossingInGroups, g)
				}
			}
		}
		if e.Dependencies == nil {
			e.Dependencies = append([]string{e.Source}, e.CrossingOutGroups...)
		}
	}

	incoming := make(map[string][]string)
	outgoing := make(map[string][]string)
	reflexive := make(map[string]bool)
	for _, e := range d.Edges {
		incoming[e.Target] = append(incoming[e.Target], e.ID)
		outgoing[e.Source] = append(outgoing[e.Source], e.ID)
		reflexive[e.ID] = e.IsReflexive
	}
	for i := range d.Vertices {
		v := &d.Vertices[i]
		if v.IncomingEdges == nil {
			v.IncomingEdges = append([]string{}, incoming[v.ID]...)
		}
		if v.OutgoingEdges == nil {
			v.OutgoingEdges = append([]string{}, outgoing[v.ID]...)
		}
	}

	vertexIncoming := make(map[string][]string, len(d.Vertices))
	for _, v := range d.Vertices {
		vertexIncoming[v.ID] = v.IncomingEdges
	}
	nonReflexive := func(ids []string) []string {
		var out []string
		for _, id := range ids {
			if !reflexive[id] {
				out = append(out, id)
			}
		}
		return out
	}

	for i := range d.Vertices {
		v := &d.Vertices[i]
		if v.Dependencies != nil {
			continue
		}
		v.Dependencies = []string{}
		if isGroupVertex(*v) {
			v.Dependencies = append(v.Dependencies, v.Members...)
			v.Dependencies = append(v.Dependencies, v.IncomingEdges...)
			continue
		}
		v.Dependencies = append(v.Dependencies, nonReflexive(v.IncomingEdges)...)
		for _, g := range v.Groups {
			v.Dependencies = append(v.Dependencies, nonReflexive(vertexIncoming[g])...)
		}
	}
	return d
}

func isGroupVertex(v domain.VertexData) bool {
	if v.Kind != "" {
		return v.Kind == domain.KindGroup
	}
	return domain.IsKnownGroupType(v.Type)
}

func copyDocument(doc *domain.Document) *domain.Document {
	d := &domain.Document{
		Name:     doc.Name,
		Vertices: make([]domain.VertexData, len(doc.Vertices)),
		Edges:    make([]domain.EdgeData, len(doc.Edges)),
	}
	for i, v := range doc.Vertices {
		v.Dependencies = cloneStrings(v.Dependencies)
		v.IncomingEdges = cloneStrings(v.IncomingEdges)
		v.OutgoingEdges = cloneStrings(v.OutgoingEdges)
		v.Groups = cloneStrings(v.Groups)
		v.Members = cloneStrings(v.Members)
		d.Vertices[i] = v
	}
	for i, e := range doc.Edges {
		e.Dependencies = cloneStrings(e.Dependencies)
		e.CrossingInGroups = cloneStrings(e.CrossingInGroups)
		e.CrossingOutGroups = cloneStrings(e.CrossingOutGroups)
		d.Edges[i] = e
	}
	return d
}

// cloneStrings copies s, keeping nil distinct from empty.
func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string{}, s...)
}

func contains(list []string, id string) bool {
	for _, s := range list {
		if s == id {
			return true
		}
	}
	return false
}
