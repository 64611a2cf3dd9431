package types

import (
	"fmt"
	"strings"
)

const (
	DefaultProjectionEntities  = 500
	DefaultProjectionRelations = 500
	MaxProjectionEntities      = 5000
	MaxProjectionRelations     = 10000
)

// GraphFilter bounds a projection over the knowledge graph. Zero values mean
// "use the default"; Normalize fills defaults and clamps hard caps.
type GraphFilter struct {
	Domain        string   `json:"domain,omitempty"`
	MaxEntities   int      `json:"max_entities"`
	MaxRelations  int      `json:"max_relations"`
	MinOccurrence int      `json:"min_occurrence"`
	MinConfidence float64  `json:"min_confidence"`
	EntityTypes   []string `json:"entity_types,omitempty"`
	RelationTypes []string `json:"relation_types,omitempty"`
	SortBy        string   `json:"sort_by"`
	SortOrder     string   `json:"sort_order"`
}

func (f GraphFilter) Normalize() (GraphFilter, error) {
	out := f
	if out.MaxEntities <= 0 {
		out.MaxEntities = DefaultProjectionEntities
	}
	if out.MaxEntities > MaxProjectionEntities {
		out.MaxEntities = MaxProjectionEntities
	}
	if out.MaxRelations <= 0 {
		out.MaxRelations = DefaultProjectionRelations
	}
	if out.MaxRelations > MaxProjectionRelations {
		out.MaxRelations = MaxProjectionRelations
	}
	if out.MinOccurrence <= 0 {
		out.MinOccurrence = 1
	}
	if out.MinConfidence < 0 || out.MinConfidence > 1 {
		return out, fmt.Errorf("min_confidence must be in [0,1], got %v", f.MinConfidence)
	}
	switch strings.ToLower(strings.TrimSpace(out.SortBy)) {
	case "", "occurrence":
		out.SortBy = "occurrence"
	case "confidence":
		out.SortBy = "confidence"
	case "name":
		out.SortBy = "name"
	default:
		return out, fmt.Errorf("sort_by must be one of occurrence|confidence|name, got %q", f.SortBy)
	}
	switch strings.ToLower(strings.TrimSpace(out.SortOrder)) {
	case "", "desc":
		out.SortOrder = "desc"
	case "asc":
		out.SortOrder = "asc"
	default:
		return out, fmt.Errorf("sort_order must be asc or desc, got %q", f.SortOrder)
	}
	return out, nil
}

// Projection is a bounded subgraph plus pre-filter totals.
type Projection struct {
	Entities       []Entity    `json:"entities"`
	Relations      []Relation  `json:"relations"`
	TotalEntities  int         `json:"total_entities_before_filter"`
	TotalRelations int         `json:"total_relations_before_filter"`
	AppliedFilter  GraphFilter `json:"applied_filter"`
}

type GraphStats struct {
	EntityCount   int            `json:"entity_count"`
	RelationCount int            `json:"relation_count"`
	ChunkCount    int            `json:"chunk_count"`
	DocumentCount int            `json:"document_count"`
	EntityTypes   map[string]int `json:"entity_types"`
	RelationTypes map[string]int `json:"relation_types"`
	Density       float64        `json:"density"`
}

type DocumentState string

const (
	DocumentReceived DocumentState = "received"
	DocumentChunked  DocumentState = "chunked"
	DocumentIndexed  DocumentState = "indexed"
	DocumentPartial  DocumentState = "partial"
	DocumentDeleting DocumentState = "deleting"
)
