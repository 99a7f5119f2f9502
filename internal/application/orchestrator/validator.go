package orchestrator

import (
	"fmt"

	"github.com/aescanero/cannoli/internal/engine"
	"github.com/aescanero/cannoli/pkg/domain"
)

// Validator validates graph documents
type Validator struct {
	options engine.Options
}

// NewValidator creates a validator. The options are the collaborators runs
// will get, so checks that depend on them (a configured LLM, vault or
// fetcher) match what execution will see.
func NewValidator(options engine.Options) *Validator {
	return &Validator{options: options}
}

// Validate checks the document's shape, then hydrates it and runs the
// engine's own validation without executing anything.
func (v *Validator) Validate(doc *domain.Document) error {
	if err := v.validateStructure(doc); err != nil {
		return err
	}

	run, err := engine.New(doc, v.options)
	if err != nil {
		return err
	}
	return run.Validate()
}

func (v *Validator) validateStructure(doc *domain.Document) error {
	if doc == nil {
		return fmt.Errorf("document is nil")
	}

	if len(doc.Vertices) == 0 {
		return fmt.Errorf("document must have at least one vertex")
	}

	// Validate vertices
	ids := make(map[string]bool)
	vertices := make(map[string]bool)
	for _, vertex := range doc.Vertices {
		if err := v.validateVertex(vertex); err != nil {
			return fmt.Errorf("invalid vertex %s: %w", vertex.ID, err)
		}
		if ids[vertex.ID] {
			return fmt.Errorf("duplicate id: %s", vertex.ID)
		}
		ids[vertex.ID] = true
		vertices[vertex.ID] = true
	}

	// Validate edges
	for _, edge := range doc.Edges {
		if edge.ID == "" {
			return fmt.Errorf("edge ID is required")
		}
		if ids[edge.ID] {
			return fmt.Errorf("duplicate id: %s", edge.ID)
		}
		ids[edge.ID] = true

		if !domain.IsKnownEdgeType(edge.Type) {
			return fmt.Errorf("edge %s has unknown type %q", edge.ID, edge.Type)
		}
		if !vertices[edge.Source] {
			return fmt.Errorf("edge %s references non-existent source: %s", edge.ID, edge.Source)
		}
		if !vertices[edge.Target] {
			return fmt.Errorf("edge %s references non-existent target: %s", edge.ID, edge.Target)
		}
	}

	// Validate group members
	for _, vertex := range doc.Vertices {
		for _, member := range vertex.Members {
			if !vertices[member] {
				return fmt.Errorf("group %s references non-existent member: %s", vertex.ID, member)
			}
		}
	}

	return nil
}

// validateVertex validates a single vertex
func (v *Validator) validateVertex(vertex domain.VertexData) error {
	if vertex.ID == "" {
		return fmt.Errorf("vertex ID is required")
	}

	switch vertex.Kind {
	case domain.KindNode:
		if !domain.IsKnownNodeType(vertex.Type) {
			return fmt.Errorf("unknown node type %q", vertex.Type)
		}
	case domain.KindGroup:
		if !domain.IsKnownGroupType(vertex.Type) {
			return fmt.Errorf("unknown group type %q", vertex.Type)
		}
	case "":
		if !domain.IsKnownNodeType(vertex.Type) && !domain.IsKnownGroupType(vertex.Type) {
			return fmt.Errorf("unknown vertex type %q", vertex.Type)
		}
	default:
		return fmt.Errorf("unknown vertex kind %q", vertex.Kind)
	}

	if len(vertex.Members) > 0 && vertex.Kind == domain.KindNode {
		return fmt.Errorf("only groups can have members")
	}

	return nil
}
