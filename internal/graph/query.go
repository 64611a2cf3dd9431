package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/corvidlabs/graphrag-backend/internal/platform/apierr"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

// VocabEntry is the planner-facing view of a known entity.
type VocabEntry struct {
	ID             string
	Name           string
	NameNormalized string
	Type           string
	Occurrence     int
}

// Neighbor is an entity reached from a seed during graph expansion, with the
// minimal hop distance and the best path confidence seen.
type Neighbor struct {
	Entity         types.Entity
	SeedEntityID   string
	Hop            int
	EdgeConfidence float64
}

// Edge is one relation edge as stored, with endpoint names resolved.
type Edge struct {
	SourceEntityID   string
	TargetEntityID   string
	SourceName       string
	TargetName       string
	Type             string
	Context          string
	Confidence       float64
	Weight           int
	TargetOccurrence int
}

// EntityVocabulary loads id, name and type for every entity, optionally
// scoped to a domain. The planner keeps this in memory for query-entity
// linking.
func (s *Store) EntityVocabulary(ctx context.Context, domain string) ([]VocabEntry, error) {
	const op = "graph.EntityVocabulary"
	if !s.Available() {
		return nil, s.unavailable(op)
	}
	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (e:Entity)
WHERE $domain = '' OR e.domain = $domain
RETURN e.id AS id, e.name AS name, e.name_normalized AS name_normalized, e.type AS type, e.occurrence AS occurrence
`, map[string]any{"domain": domain})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), op, "load vocabulary", err)
	}

	var out []VocabEntry
	for _, rec := range records.([]*neo4j.Record) {
		out = append(out, VocabEntry{
			ID:             recString(rec, "id"),
			Name:           recString(rec, "name"),
			NameNormalized: recString(rec, "name_normalized"),
			Type:           recString(rec, "type"),
			Occurrence:     recInt(rec, "occurrence"),
		})
	}
	return out, nil
}

// EntitiesByIDs resolves full entity records for the given ids.
func (s *Store) EntitiesByIDs(ctx context.Context, ids []string) ([]types.Entity, error) {
	const op = "graph.EntitiesByIDs"
	if !s.Available() {
		return nil, s.unavailable(op)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (e:Entity)
WHERE e.id IN $ids
RETURN e
`, map[string]any{"ids": ids})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), op, "load entities", err)
	}

	var out []types.Entity
	for _, rec := range records.([]*neo4j.Record) {
		if node, ok := recNode(rec, "e"); ok {
			out = append(out, entityFromProps(node.Props))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Neighborhood expands from the seed entities up to maxHops, undirected,
// optionally restricted to the given relation types. Each reached entity is
// reported once with its minimal hop distance and the strongest path
// confidence (product of edge confidences along the best path).
func (s *Store) Neighborhood(ctx context.Context, seeds []string, maxHops int, relationTypes []string) ([]Neighbor, error) {
	const op = "graph.Neighborhood"
	if !s.Available() {
		return nil, s.unavailable(op)
	}
	if len(seeds) == 0 {
		return nil, nil
	}
	if maxHops < 1 {
		maxHops = 1
	}
	if maxHops > 3 {
		maxHops = 3
	}
	if relationTypes == nil {
		relationTypes = []string{}
	}

	// Variable-length bounds cannot be parameterized in Cypher.
	query := fmt.Sprintf(`
UNWIND $seeds AS seed
MATCH (s:Entity {id: seed})
MATCH p = (s)-[:REL*1..%d]-(e:Entity)
WHERE e.id <> seed
  AND ALL(r IN relationships(p) WHERE size($types) = 0 OR r.type IN $types)
WITH seed, e, min(length(p)) AS hop,
     max(reduce(c = 1.0, r IN relationships(p) | c * coalesce(r.confidence, 0.5))) AS conf
RETURN seed AS seed, e AS entity, hop AS hop, conf AS conf
`, maxHops)

	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"seeds": seeds, "types": relationTypes})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), op, "expand neighborhood", err)
	}

	var out []Neighbor
	for _, rec := range records.([]*neo4j.Record) {
		node, ok := recNode(rec, "entity")
		if !ok {
			continue
		}
		out = append(out, Neighbor{
			Entity:         entityFromProps(node.Props),
			SeedEntityID:   recString(rec, "seed"),
			Hop:            recInt(rec, "hop"),
			EdgeConfidence: recFloat(rec, "conf"),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hop != out[j].Hop {
			return out[i].Hop < out[j].Hop
		}
		return out[i].Entity.ID < out[j].Entity.ID
	})
	return out, nil
}

// Mentions returns chunk mentions for the given entities.
func (s *Store) Mentions(ctx context.Context, entityIDs []string) ([]types.Mention, error) {
	const op = "graph.Mentions"
	if !s.Available() {
		return nil, s.unavailable(op)
	}
	if len(entityIDs) == 0 {
		return nil, nil
	}
	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (ch:Chunk)-[m:MENTIONS]->(e:Entity)
WHERE e.id IN $ids
RETURN ch.id AS chunk_id, e.id AS entity_id, m.count AS count
`, map[string]any{"ids": entityIDs})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), op, "load mentions", err)
	}

	var out []types.Mention
	for _, rec := range records.([]*neo4j.Record) {
		out = append(out, types.Mention{
			EntityID: recString(rec, "entity_id"),
			ChunkID:  recString(rec, "chunk_id"),
			Count:    recInt(rec, "count"),
		})
	}
	return out, nil
}

// ChunksMentioningAll returns ids of chunks that mention every given entity.
// Comparative reasoning uses this to find shared evidence.
func (s *Store) ChunksMentioningAll(ctx context.Context, entityIDs []string) ([]string, error) {
	const op = "graph.ChunksMentioningAll"
	if !s.Available() {
		return nil, s.unavailable(op)
	}
	if len(entityIDs) == 0 {
		return nil, nil
	}
	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (ch:Chunk)-[:MENTIONS]->(e:Entity)
WHERE e.id IN $ids
WITH ch, count(DISTINCT e.id) AS hits
WHERE hits = size($ids)
RETURN ch.id AS chunk_id
ORDER BY chunk_id
`, map[string]any{"ids": entityIDs})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), op, "load shared chunks", err)
	}

	var out []string
	for _, rec := range records.([]*neo4j.Record) {
		out = append(out, recString(rec, "chunk_id"))
	}
	return out, nil
}

// ShortestPath finds the shortest undirected relation path between two
// entities, up to maxLen edges. Absence of a path is not an error; the
// returned slices are empty.
func (s *Store) ShortestPath(ctx context.Context, fromID, toID string, maxLen int) ([]types.PathEdge, []types.Entity, error) {
	const op = "graph.ShortestPath"
	if !s.Available() {
		return nil, nil, s.unavailable(op)
	}
	if maxLen < 1 {
		maxLen = 1
	}
	if maxLen > 6 {
		maxLen = 6
	}
	query := fmt.Sprintf(`
MATCH (a:Entity {id: $from}), (b:Entity {id: $to})
MATCH p = shortestPath((a)-[:REL*..%d]-(b))
RETURN p
LIMIT 1
`, maxLen)

	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"from": fromID, "to": toID})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindOf(err), op, "shortest path", err)
	}

	recs := records.([]*neo4j.Record)
	if len(recs) == 0 {
		return nil, nil, nil
	}
	raw, ok := recs[0].Get("p")
	if !ok {
		return nil, nil, nil
	}
	path, ok := raw.(dbtype.Path)
	if !ok {
		return nil, nil, apierr.New(apierr.KindDataIntegrity, op, "unexpected path record shape")
	}
	edges, nodes := decodePath(path)
	return edges, nodes, nil
}

// DirectedPaths enumerates directed relation chains out of a seed entity,
// restricted to the given relation types. Causal reasoning walks these.
func (s *Store) DirectedPaths(ctx context.Context, seedID string, relationTypes []string, maxLen, limit int) ([][]types.PathEdge, [][]types.Entity, error) {
	const op = "graph.DirectedPaths"
	if !s.Available() {
		return nil, nil, s.unavailable(op)
	}
	if maxLen < 1 {
		maxLen = 1
	}
	if maxLen > 4 {
		maxLen = 4
	}
	if limit <= 0 {
		limit = 5
	}
	if relationTypes == nil {
		relationTypes = []string{}
	}
	query := directedPathsQuery(maxLen, limit)

	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"seed": seedID, "types": relationTypes})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindOf(err), op, "directed paths", err)
	}

	var edgePaths [][]types.PathEdge
	var nodePaths [][]types.Entity
	for _, rec := range records.([]*neo4j.Record) {
		raw, ok := rec.Get("p")
		if !ok {
			continue
		}
		path, ok := raw.(dbtype.Path)
		if !ok {
			continue
		}
		edges, nodes := decodePath(path)
		edgePaths = append(edgePaths, edges)
		nodePaths = append(nodePaths, nodes)
	}
	return edgePaths, nodePaths, nil
}

// AdjacentEdges returns every relation edge touching the entity, in both
// directions, with endpoint names resolved. Multi-hop beam search expands
// one frontier entity at a time through this.
func (s *Store) AdjacentEdges(ctx context.Context, entityID string) ([]Edge, error) {
	const op = "graph.AdjacentEdges"
	if !s.Available() {
		return nil, s.unavailable(op)
	}
	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (a:Entity {id: $id})-[r:REL]-(b:Entity)
RETURN startNode(r).id AS source_id, endNode(r).id AS target_id,
       startNode(r).name AS source_name, endNode(r).name AS target_name,
       r.type AS type, r.context AS context,
       r.confidence AS confidence, r.weight AS weight,
       b.occurrence AS other_occurrence
`, map[string]any{"id": entityID})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), op, "adjacent edges", err)
	}

	var out []Edge
	for _, rec := range records.([]*neo4j.Record) {
		out = append(out, Edge{
			SourceEntityID:   recString(rec, "source_id"),
			TargetEntityID:   recString(rec, "target_id"),
			SourceName:       recString(rec, "source_name"),
			TargetName:       recString(rec, "target_name"),
			Type:             recString(rec, "type"),
			Context:          recString(rec, "context"),
			Confidence:       recFloat(rec, "confidence"),
			Weight:           recInt(rec, "weight"),
			TargetOccurrence: recInt(rec, "other_occurrence"),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].TargetEntityID < out[j].TargetEntityID
	})
	return out, nil
}

// directedPathsQuery matches chains through the seed in both orientations:
// outgoing for "what does X lead to" and incoming for "what leads to X",
// where the query names the effect. Each matched path keeps a consistent
// edge direction; decodePath reads the true orientation off every edge.
func directedPathsQuery(maxLen, limit int) string {
	return fmt.Sprintf(`
CALL {
    MATCH (s:Entity {id: $seed})
    MATCH p = (s)-[:REL*1..%d]->(e:Entity)
    WHERE ALL(r IN relationships(p) WHERE size($types) = 0 OR r.type IN $types)
    RETURN p
    UNION
    MATCH (s:Entity {id: $seed})
    MATCH p = (c:Entity)-[:REL*1..%d]->(s)
    WHERE ALL(r IN relationships(p) WHERE size($types) = 0 OR r.type IN $types)
    RETURN p
}
WITH p, reduce(c = 1.0, r IN relationships(p) | c * coalesce(r.confidence, 0.5)) AS conf
RETURN p
ORDER BY conf DESC, length(p) ASC
LIMIT %d
`, maxLen, maxLen, limit)
}

func decodePath(path dbtype.Path) ([]types.PathEdge, []types.Entity) {
	byElement := make(map[string]types.Entity, len(path.Nodes))
	nodes := make([]types.Entity, 0, len(path.Nodes))
	for _, n := range path.Nodes {
		e := entityFromProps(n.Props)
		byElement[n.ElementId] = e
		nodes = append(nodes, e)
	}
	edges := make([]types.PathEdge, 0, len(path.Relationships))
	for _, r := range path.Relationships {
		edges = append(edges, types.PathEdge{
			SourceEntityID: byElement[r.StartElementId].ID,
			TargetEntityID: byElement[r.EndElementId].ID,
			Type:           propString(r.Props, "type"),
			Confidence:     propFloat(r.Props, "confidence", 0.5),
		})
	}
	return edges, nodes
}

func entityFromProps(props map[string]any) types.Entity {
	e := types.Entity{
		ID:             propString(props, "id"),
		Name:           propString(props, "name"),
		NameNormalized: propString(props, "name_normalized"),
		Type:           propString(props, "type"),
		Description:    propString(props, "description"),
		Domain:         propString(props, "domain"),
		Occurrence:     int(propFloat(props, "occurrence", 0)),
		Confidence:     propFloat(props, "confidence", 0),
	}
	if raw := propString(props, "aliases_json"); raw != "" {
		var aliases []string
		if err := json.Unmarshal([]byte(raw), &aliases); err == nil {
			e.Aliases = aliases
		}
	}
	return e
}

func propString(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func propFloat(props map[string]any, key string, def float64) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return def
}

func recNode(rec *neo4j.Record, key string) (dbtype.Node, bool) {
	raw, ok := rec.Get(key)
	if !ok {
		return dbtype.Node{}, false
	}
	node, ok := raw.(dbtype.Node)
	return node, ok
}

func recString(rec *neo4j.Record, key string) string {
	raw, ok := rec.Get(key)
	if !ok {
		return ""
	}
	v, _ := raw.(string)
	return v
}

func recInt(rec *neo4j.Record, key string) int {
	raw, ok := rec.Get(key)
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func recFloat(rec *neo4j.Record, key string) float64 {
	raw, ok := rec.Get(key)
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}
