package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/corvidlabs/graphrag-backend/internal/platform/apierr"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

// FilteredProjection materializes a bounded subgraph. Entities are filtered
// and ranked first; relations are then restricted to edges whose endpoints
// both survived the entity cut, ranked by weight.
func (s *Store) FilteredProjection(ctx context.Context, filter types.GraphFilter) (types.Projection, error) {
	const op = "graph.FilteredProjection"
	out := types.Projection{AppliedFilter: filter}
	if !s.Available() {
		return out, s.unavailable(op)
	}

	entityTypes := upperAll(filter.EntityTypes)
	relationTypes := upperAll(filter.RelationTypes)

	orderExpr := map[string]string{
		"occurrence": "e.occurrence",
		"confidence": "e.confidence",
		"name":       "e.name",
	}[filter.SortBy]
	if orderExpr == "" {
		orderExpr = "e.occurrence"
	}
	direction := "DESC"
	if filter.SortOrder == "asc" {
		direction = "ASC"
	}

	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		params := map[string]any{
			"domain":         filter.Domain,
			"entity_types":   entityTypes,
			"relation_types": relationTypes,
			"min_occurrence": filter.MinOccurrence,
			"min_confidence": filter.MinConfidence,
			"max_entities":   filter.MaxEntities,
			"max_relations":  filter.MaxRelations,
		}

		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (e:Entity)
WHERE ($domain = '' OR e.domain = $domain)
  AND (size($entity_types) = 0 OR e.type IN $entity_types)
  AND coalesce(e.occurrence, 0) >= $min_occurrence
  AND coalesce(e.confidence, 0.0) >= $min_confidence
WITH e
ORDER BY %s %s, e.id ASC
RETURN count(*) AS total, collect(e)[0..$max_entities] AS entities
`, orderExpr, direction), params)
		if err != nil {
			return nil, err
		}
		entityRec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}

		kept := map[string]bool{}
		var entities []types.Entity
		if raw, ok := entityRec.Get("entities"); ok {
			if list, ok := raw.([]any); ok {
				for _, item := range list {
					if node, ok := item.(dbtype.Node); ok {
						e := entityFromProps(node.Props)
						entities = append(entities, e)
						kept[e.ID] = true
					}
				}
			}
		}
		total := 0
		if raw, ok := entityRec.Get("total"); ok {
			if v, ok := raw.(int64); ok {
				total = int(v)
			}
		}

		keptIDs := make([]string, 0, len(kept))
		for id := range kept {
			keptIDs = append(keptIDs, id)
		}
		sort.Strings(keptIDs)

		relRes, err := tx.Run(ctx, `
MATCH (a:Entity)-[r:REL]->(b:Entity)
WHERE a.id IN $kept AND b.id IN $kept
  AND (size($relation_types) = 0 OR r.type IN $relation_types)
  AND coalesce(r.weight, 0) >= $min_occurrence
WITH a, b, r
ORDER BY coalesce(r.weight, 0) DESC, a.id ASC, b.id ASC
RETURN count(*) AS total,
       collect({source_id: a.id, target_id: b.id, type: r.type, context: r.context,
                confidence: r.confidence, weight: r.weight, domain: r.domain,
                evidence: r.evidence})[0..$max_relations] AS relations
`, map[string]any{
			"kept":           keptIDs,
			"relation_types": relationTypes,
			"min_occurrence": filter.MinOccurrence,
			"max_relations":  filter.MaxRelations,
		})
		if err != nil {
			return nil, err
		}
		relRec, err := relRes.Single(ctx)
		if err != nil {
			return nil, err
		}

		var relations []types.Relation
		if raw, ok := relRec.Get("relations"); ok {
			if list, ok := raw.([]any); ok {
				for _, item := range list {
					props, ok := item.(map[string]any)
					if !ok {
						continue
					}
					relations = append(relations, relationFromRow(props))
				}
			}
		}
		relTotal := 0
		if raw, ok := relRec.Get("total"); ok {
			if v, ok := raw.(int64); ok {
				relTotal = int(v)
			}
		}

		return types.Projection{
			Entities:       entities,
			Relations:      relations,
			TotalEntities:  total,
			TotalRelations: relTotal,
			AppliedFilter:  filter,
		}, nil
	})
	if err != nil {
		return out, apierr.Wrap(apierr.KindOf(err), op, "project graph", err)
	}
	return result.(types.Projection), nil
}

// TopEntities ranks entities by the requested field within an optional domain.
func (s *Store) TopEntities(ctx context.Context, limit int, domain, sortBy string) ([]types.Entity, error) {
	const op = "graph.TopEntities"
	if !s.Available() {
		return nil, s.unavailable(op)
	}
	if limit <= 0 {
		limit = 20
	}
	orderExpr := "e.occurrence DESC"
	switch strings.ToLower(sortBy) {
	case "confidence":
		orderExpr = "e.confidence DESC"
	case "name":
		orderExpr = "e.name ASC"
	}

	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (e:Entity)
WHERE $domain = '' OR e.domain = $domain
RETURN e
ORDER BY %s, e.id ASC
LIMIT $limit
`, orderExpr), map[string]any{"domain": domain, "limit": limit})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), op, "top entities", err)
	}

	var out []types.Entity
	for _, rec := range records.([]*neo4j.Record) {
		if node, ok := recNode(rec, "e"); ok {
			out = append(out, entityFromProps(node.Props))
		}
	}
	return out, nil
}

// TopRelations ranks relation edges by accumulated weight.
func (s *Store) TopRelations(ctx context.Context, limit int, domain string) ([]types.Relation, error) {
	const op = "graph.TopRelations"
	if !s.Available() {
		return nil, s.unavailable(op)
	}
	if limit <= 0 {
		limit = 20
	}
	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (a:Entity)-[r:REL]->(b:Entity)
WHERE $domain = '' OR r.domain = $domain
RETURN {source_id: a.id, target_id: b.id, type: r.type, context: r.context,
        confidence: r.confidence, weight: r.weight, domain: r.domain,
        evidence: r.evidence} AS rel
ORDER BY coalesce(r.weight, 0) DESC, a.id ASC, b.id ASC
LIMIT $limit
`, map[string]any{"domain": domain, "limit": limit})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), op, "top relations", err)
	}

	var out []types.Relation
	for _, rec := range records.([]*neo4j.Record) {
		if raw, ok := rec.Get("rel"); ok {
			if props, ok := raw.(map[string]any); ok {
				out = append(out, relationFromRow(props))
			}
		}
	}
	return out, nil
}

// Stats summarizes the graph. Density is E / (N * (N - 1)) over directed
// edges; a graph with fewer than two entities has density zero.
func (s *Store) Stats(ctx context.Context, domain string) (types.GraphStats, error) {
	const op = "graph.Stats"
	var out types.GraphStats
	if !s.Available() {
		return out, s.unavailable(op)
	}
	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		stats := types.GraphStats{
			EntityTypes:   map[string]int{},
			RelationTypes: map[string]int{},
		}

		res, err := tx.Run(ctx, `
MATCH (e:Entity)
WHERE $domain = '' OR e.domain = $domain
RETURN e.type AS type, count(*) AS n
`, map[string]any{"domain": domain})
		if err != nil {
			return nil, err
		}
		recs, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			stats.EntityTypes[recString(rec, "type")] += recInt(rec, "n")
			stats.EntityCount += recInt(rec, "n")
		}

		res, err = tx.Run(ctx, `
MATCH (:Entity)-[r:REL]->(:Entity)
WHERE $domain = '' OR r.domain = $domain
RETURN r.type AS type, count(*) AS n
`, map[string]any{"domain": domain})
		if err != nil {
			return nil, err
		}
		recs, err = res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			stats.RelationTypes[recString(rec, "type")] += recInt(rec, "n")
			stats.RelationCount += recInt(rec, "n")
		}

		res, err = tx.Run(ctx, `
MATCH (ch:Chunk)
WHERE $domain = '' OR ch.domain = $domain
RETURN count(ch) AS chunks
`, map[string]any{"domain": domain})
		if err != nil {
			return nil, err
		}
		if rec, err := res.Single(ctx); err == nil {
			stats.ChunkCount = recInt(rec, "chunks")
		}

		res, err = tx.Run(ctx, `
MATCH (d:Document)
WHERE $domain = '' OR d.domain = $domain
RETURN count(d) AS docs
`, map[string]any{"domain": domain})
		if err != nil {
			return nil, err
		}
		if rec, err := res.Single(ctx); err == nil {
			stats.DocumentCount = recInt(rec, "docs")
		}

		if stats.EntityCount > 1 {
			n := float64(stats.EntityCount)
			stats.Density = float64(stats.RelationCount) / (n * (n - 1))
		}
		return stats, nil
	})
	if err != nil {
		return out, apierr.Wrap(apierr.KindOf(err), op, "graph stats", err)
	}
	return result.(types.GraphStats), nil
}

// Domains lists the distinct domains present in the graph.
func (s *Store) Domains(ctx context.Context) ([]string, error) {
	const op = "graph.Domains"
	if !s.Available() {
		return nil, s.unavailable(op)
	}
	session := s.client.ReadSession(ctx)
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (e:Entity)
WHERE e.domain IS NOT NULL AND e.domain <> ''
RETURN DISTINCT e.domain AS domain
ORDER BY domain
`, nil)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), op, "list domains", err)
	}

	var out []string
	for _, rec := range records.([]*neo4j.Record) {
		out = append(out, recString(rec, "domain"))
	}
	return out, nil
}

func relationFromRow(props map[string]any) types.Relation {
	rel := types.Relation{
		SourceEntityID: propString(props, "source_id"),
		TargetEntityID: propString(props, "target_id"),
		Type:           propString(props, "type"),
		Context:        propString(props, "context"),
		Confidence:     propFloat(props, "confidence", 0),
		Weight:         int(propFloat(props, "weight", 0)),
		Domain:         propString(props, "domain"),
	}
	if raw, ok := props["evidence"].([]any); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				rel.Evidence = append(rel.Evidence, s)
			}
		}
	}
	return rel
}

func upperAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToUpper(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
