package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Kind distinguishes the three families of graph objects.
type Kind string

const (
	KindNode  Kind = "node"
	KindEdge  Kind = "edge"
	KindGroup Kind = "group"
)

// NodeType is the closed set of node variants.
type NodeType string

const (
	NodeTypeCall      NodeType = "call"
	NodeTypeContent   NodeType = "content"
	NodeTypeReference NodeType = "reference"
	NodeTypeHTTP      NodeType = "http"
	NodeTypeFormatter NodeType = "formatter"
	NodeTypeFloating  NodeType = "floating"
)

// GroupType is the closed set of group variants.
type GroupType string

const (
	GroupTypeBasic   GroupType = "basic"
	GroupTypeRepeat  GroupType = "repeat"
	GroupTypeForEach GroupType = "foreach"
)

// EdgeType is the closed set of edge variants.
type EdgeType string

const (
	EdgeTypeChat          EdgeType = "chat"
	EdgeTypeChatResponse  EdgeType = "chat_response"
	EdgeTypeSystemMessage EdgeType = "system_message"
	EdgeTypeLogging       EdgeType = "logging"
	EdgeTypeConfig        EdgeType = "config"
	EdgeTypeWrite         EdgeType = "write"
	EdgeTypeVariable      EdgeType = "variable"
	EdgeTypeChoice        EdgeType = "choice"
	EdgeTypeField         EdgeType = "field"
	EdgeTypeList          EdgeType = "list"
)

// VaultModifier selects how content written into a Reference node reaches the vault.
type VaultModifier string

const (
	VaultModifierNone     VaultModifier = ""
	VaultModifierNote     VaultModifier = "note"
	VaultModifierFolder   VaultModifier = "folder"
	VaultModifierProperty VaultModifier = "property"
)

// Document is the declarative description of a graph.
type Document struct {
	Name     string       `json:"name,omitempty" yaml:"name,omitempty"`
	Vertices []VertexData `json:"vertices" yaml:"vertices"`
	Edges    []EdgeData   `json:"edges" yaml:"edges"`
}

// VertexData describes a node or a group.
type VertexData struct {
	ID            string   `json:"id" yaml:"id"`
	Kind          Kind     `json:"kind" yaml:"kind"`
	Type          string   `json:"type" yaml:"type"`
	Text          string   `json:"text" yaml:"text"`
	Dependencies  []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	IncomingEdges []string `json:"incomingEdges,omitempty" yaml:"incomingEdges,omitempty"`
	OutgoingEdges []string `json:"outgoingEdges,omitempty" yaml:"outgoingEdges,omitempty"`
	Groups        []string `json:"groups,omitempty" yaml:"groups,omitempty"`

	// Groups only.
	Members     []string `json:"members,omitempty" yaml:"members,omitempty"`
	MaxLoops    int      `json:"maxLoops,omitempty" yaml:"maxLoops,omitempty"`
	FromForEach bool     `json:"fromForEach,omitempty" yaml:"fromForEach,omitempty"`
}

// EdgeData describes an edge between two vertices.
type EdgeData struct {
	ID                string        `json:"id" yaml:"id"`
	Type              EdgeType      `json:"type" yaml:"type"`
	Text              string        `json:"text" yaml:"text"`
	Source            string        `json:"source" yaml:"source"`
	Target            string        `json:"target" yaml:"target"`
	Dependencies      []string      `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	CrossingInGroups  []string      `json:"crossingInGroups,omitempty" yaml:"crossingInGroups,omitempty"`
	CrossingOutGroups []string      `json:"crossingOutGroups,omitempty" yaml:"crossingOutGroups,omitempty"`
	IsReflexive       bool          `json:"isReflexive,omitempty" yaml:"isReflexive,omitempty"`
	AddMessages       bool          `json:"addMessages,omitempty" yaml:"addMessages,omitempty"`
	VaultModifier     VaultModifier `json:"vaultModifier,omitempty" yaml:"vaultModifier,omitempty"`
}

// ParseDocument decodes a graph document from JSON or YAML.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode JSON document: %w", err)
		}
		return &doc, nil
	}
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode YAML document: %w", err)
	}
	return &doc, nil
}

// Vertex returns the vertex with the given id.
func (d *Document) Vertex(id string) (*VertexData, bool) {
	for i := range d.Vertices {
		if d.Vertices[i].ID == id {
			return &d.Vertices[i], true
		}
	}
	return nil, false
}

// Edge returns the edge with the given id.
func (d *Document) Edge(id string) (*EdgeData, bool) {
	for i := range d.Edges {
		if d.Edges[i].ID == id {
			return &d.Edges[i], true
		}
	}
	return nil, false
}

// IsKnownNodeType reports whether t names a node variant.
func IsKnownNodeType(t string) bool {
	switch NodeType(t) {
	case NodeTypeCall, NodeTypeContent, NodeTypeReference, NodeTypeHTTP, NodeTypeFormatter, NodeTypeFloating:
		return true
	}
	return false
}

// IsKnownGroupType reports whether t names a group variant.
func IsKnownGroupType(t string) bool {
	switch GroupType(t) {
	case GroupTypeBasic, GroupTypeRepeat, GroupTypeForEach:
		return true
	}
	return false
}

// IsKnownEdgeType reports whether t names an edge variant.
func IsKnownEdgeType(t EdgeType) bool {
	switch t {
	case EdgeTypeChat, EdgeTypeChatResponse, EdgeTypeSystemMessage, EdgeTypeLogging, EdgeTypeConfig,
		EdgeTypeWrite, EdgeTypeVariable, EdgeTypeChoice, EdgeTypeField, EdgeTypeList:
		return true
	}
	return false
}
