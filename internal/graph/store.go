package graph

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/corvidlabs/graphrag-backend/internal/platform/apierr"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/platform/neo4jdb"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

const upsertBatchSize = 500

// Store holds the knowledge graph in Neo4j. Entity nodes are keyed by the
// deterministic entity id, chunk and document nodes by their registry ids.
// Relation edges carry type, confidence, weight and accumulated evidence.
type Store struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewStore(client *neo4jdb.Client, baseLog *logger.Logger) *Store {
	return &Store{client: client, log: baseLog.With("service", "GraphStore")}
}

// Available reports whether a Neo4j backend is configured. Callers degrade
// graph retrieval and reasoning when it is not.
func (s *Store) Available() bool {
	return s != nil && s.client != nil && s.client.Driver != nil
}

func (s *Store) unavailable(op string) error {
	return apierr.New(apierr.KindPermanentDependency, op, "neo4j is not configured")
}

// EnsureSchema creates uniqueness constraints and lookup indexes. Failures
// are logged and ignored so a restricted database user does not block boot.
func (s *Store) EnsureSchema(ctx context.Context) {
	if !s.Available() {
		return
	}
	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT entity_id_unique IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
		`CREATE CONSTRAINT chunk_id_unique IF NOT EXISTS FOR (c:Chunk) REQUIRE c.id IS UNIQUE`,
		`CREATE CONSTRAINT document_id_unique IF NOT EXISTS FOR (d:Document) REQUIRE d.id IS UNIQUE`,
		`CREATE INDEX entity_name_normalized IF NOT EXISTS FOR (e:Entity) ON (e.name_normalized)`,
		`CREATE INDEX entity_domain IF NOT EXISTS FOR (e:Entity) ON (e.domain)`,
	}
	for _, q := range stmts {
		if res, err := session.Run(ctx, q, nil); err != nil {
			s.log.Warn("neo4j schema init failed (continuing)", "error", err)
		} else {
			_, _ = res.Consume(ctx)
		}
	}
}

// UpsertDocument anchors the Document node chunks attach to.
func (s *Store) UpsertDocument(ctx context.Context, id, name, domain string) error {
	const op = "graph.UpsertDocument"
	if !s.Available() {
		return s.unavailable(op)
	}
	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, runConsume(ctx, tx, `
MERGE (d:Document {id: $id})
SET d.name = $name, d.domain = $domain
`, map[string]any{"id": id, "name": name, "domain": domain})
	})
	if err != nil {
		return apierr.Wrap(apierr.KindOf(err), op, "upsert document", err)
	}
	return nil
}

// UpsertChunks writes chunk nodes, their PART_OF edge to the document, and
// MENTIONS edges to already-resolved entities.
func (s *Store) UpsertChunks(ctx context.Context, documentID string, chunks []types.Chunk, mentions []types.Mention) error {
	const op = "graph.UpsertChunks"
	if !s.Available() {
		return s.unavailable(op)
	}

	chunkRows := make([]map[string]any, 0, len(chunks))
	for _, c := range chunks {
		chunkRows = append(chunkRows, map[string]any{
			"id":          c.ID,
			"document_id": c.DocumentID,
			"ordinal":     c.Ordinal,
			"domain":      c.Domain,
		})
	}
	mentionRows := make([]map[string]any, 0, len(mentions))
	for _, m := range mentions {
		mentionRows = append(mentionRows, map[string]any{
			"chunk_id":  m.ChunkID,
			"entity_id": m.EntityID,
			"count":     m.Count,
		})
	}

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, batch := range batchRows(chunkRows) {
			if err := runConsume(ctx, tx, `
UNWIND $chunks AS c
MERGE (ch:Chunk {id: c.id})
SET ch.document_id = c.document_id,
    ch.ordinal = c.ordinal,
    ch.domain = c.domain
WITH ch, c
MERGE (d:Document {id: c.document_id})
MERGE (ch)-[:PART_OF]->(d)
`, map[string]any{"chunks": batch}); err != nil {
				return nil, err
			}
		}
		for _, batch := range batchRows(mentionRows) {
			if err := runConsume(ctx, tx, `
UNWIND $mentions AS m
MATCH (ch:Chunk {id: m.chunk_id})
MATCH (e:Entity {id: m.entity_id})
MERGE (ch)-[r:MENTIONS]->(e)
SET r.count = m.count
`, map[string]any{"mentions": batch}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return apierr.Wrap(apierr.KindOf(err), op, "upsert chunks", err)
	}
	return nil
}

// UpsertEntities merges entity nodes. Occurrence is additive across ingests;
// confidence and description keep the strongest value seen.
func (s *Store) UpsertEntities(ctx context.Context, entities []types.Entity) error {
	const op = "graph.UpsertEntities"
	if !s.Available() {
		return s.unavailable(op)
	}

	rows := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		if e.ID == "" {
			continue
		}
		aliases := ""
		if len(e.Aliases) > 0 {
			if raw, err := json.Marshal(e.Aliases); err == nil {
				aliases = string(raw)
			}
		}
		rows = append(rows, map[string]any{
			"id":              e.ID,
			"name":            e.Name,
			"name_normalized": e.NameNormalized,
			"type":            e.Type,
			"description":     e.Description,
			"aliases_json":    aliases,
			"domain":          e.Domain,
			"occurrence":      e.Occurrence,
			"confidence":      e.Confidence,
		})
	}

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, batch := range batchRows(rows) {
			if err := runConsume(ctx, tx, `
UNWIND $entities AS e
MERGE (n:Entity {id: e.id})
ON CREATE SET n.occurrence = 0
SET n.name = e.name,
    n.name_normalized = e.name_normalized,
    n.type = e.type,
    n.domain = e.domain,
    n.aliases_json = e.aliases_json,
    n.occurrence = coalesce(n.occurrence, 0) + e.occurrence,
    n.confidence = CASE WHEN coalesce(n.confidence, 0.0) > e.confidence THEN n.confidence ELSE e.confidence END,
    n.description = CASE WHEN e.description = '' THEN coalesce(n.description, '') ELSE e.description END
`, map[string]any{"entities": batch}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return apierr.Wrap(apierr.KindOf(err), op, "upsert entities", err)
	}
	return nil
}

// UpsertRelations merges REL edges keyed by (source, target, type). Weight is
// additive, confidence keeps the max, evidence accumulates up to its cap.
func (s *Store) UpsertRelations(ctx context.Context, relations []types.Relation) error {
	const op = "graph.UpsertRelations"
	if !s.Available() {
		return s.unavailable(op)
	}

	rows := make([]map[string]any, 0, len(relations))
	for _, r := range relations {
		if r.SourceEntityID == "" || r.TargetEntityID == "" || r.SourceEntityID == r.TargetEntityID {
			continue
		}
		rows = append(rows, map[string]any{
			"source_id":  r.SourceEntityID,
			"target_id":  r.TargetEntityID,
			"type":       strings.ToUpper(r.Type),
			"context":    r.Context,
			"confidence": r.Confidence,
			"weight":     r.Weight,
			"domain":     r.Domain,
			"evidence":   r.Evidence,
		})
	}

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, batch := range batchRows(rows) {
			if err := runConsume(ctx, tx, `
UNWIND $relations AS r
MATCH (a:Entity {id: r.source_id})
MATCH (b:Entity {id: r.target_id})
MERGE (a)-[e:REL {type: r.type}]->(b)
ON CREATE SET e.weight = 0, e.evidence = []
SET e.context = r.context,
    e.domain = r.domain,
    e.weight = coalesce(e.weight, 0) + r.weight,
    e.confidence = CASE WHEN coalesce(e.confidence, 0.0) > r.confidence THEN e.confidence ELSE r.confidence END,
    e.evidence = CASE
      WHEN size(coalesce(e.evidence, [])) >= 5 THEN e.evidence
      ELSE coalesce(e.evidence, []) + [ev IN r.evidence WHERE NOT ev IN coalesce(e.evidence, [])][0..5 - size(coalesce(e.evidence, []))]
    END
`, map[string]any{"relations": batch}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return apierr.Wrap(apierr.KindOf(err), op, "upsert relations", err)
	}
	return nil
}

func runConsume(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any) error {
	res, err := tx.Run(ctx, query, params)
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}

func batchRows(rows []map[string]any) [][]map[string]any {
	if len(rows) == 0 {
		return nil
	}
	var out [][]map[string]any
	for start := 0; start < len(rows); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
