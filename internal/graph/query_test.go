package graph

import (
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

func TestDirectedPathsQueryCoversBothOrientations(t *testing.T) {
	query := directedPathsQuery(3, 5)
	if !strings.Contains(query, "(s)-[:REL*1..3]->(e:Entity)") {
		t.Fatalf("query missing outgoing pattern:\n%s", query)
	}
	if !strings.Contains(query, "(c:Entity)-[:REL*1..3]->(s)") {
		t.Fatalf("query missing incoming pattern:\n%s", query)
	}
	if !strings.Contains(query, "LIMIT 5") {
		t.Fatalf("query missing limit:\n%s", query)
	}
}

// A causal chain found by walking backwards from the effect must still report
// cause -> effect edges.
func TestDecodePathKeepsEdgeOrientation(t *testing.T) {
	cause := dbtype.Node{
		ElementId: "n1",
		Props:     map[string]any{"id": "e-smoking", "name": "Smoking"},
	}
	effect := dbtype.Node{
		ElementId: "n2",
		Props:     map[string]any{"id": "e-lung-cancer", "name": "Lung Cancer"},
	}
	// Path traversed effect-first, as the incoming match produces it.
	path := dbtype.Path{
		Nodes: []dbtype.Node{effect, cause},
		Relationships: []dbtype.Relationship{{
			ElementId:      "r1",
			StartElementId: "n1",
			EndElementId:   "n2",
			Type:           "REL",
			Props:          map[string]any{"type": "CAUSES", "confidence": 0.9},
		}},
	}

	edges, nodes := decodePath(path)
	if len(edges) != 1 {
		t.Fatalf("edges: want=1 got=%d", len(edges))
	}
	if edges[0].SourceEntityID != "e-smoking" {
		t.Fatalf("edge source: want=%q got=%q", "e-smoking", edges[0].SourceEntityID)
	}
	if edges[0].TargetEntityID != "e-lung-cancer" {
		t.Fatalf("edge target: want=%q got=%q", "e-lung-cancer", edges[0].TargetEntityID)
	}
	if edges[0].Type != "CAUSES" {
		t.Fatalf("edge type: want=%q got=%q", "CAUSES", edges[0].Type)
	}
	if len(nodes) != 2 {
		t.Fatalf("nodes: want=2 got=%d", len(nodes))
	}
}
