package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/corvidlabs/graphrag-backend/internal/platform/apierr"
)

// DeleteDocument removes a document's chunks and mentions, decrements entity
// occurrence by the mention counts the document contributed, and garbage
// collects entities that no longer occur anywhere. Relations touching a
// collected entity go with it.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	const op = "graph.DeleteDocument"
	if !s.Available() {
		return s.unavailable(op)
	}
	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if err := runConsume(ctx, tx, `
MATCH (ch:Chunk {document_id: $id})-[m:MENTIONS]->(e:Entity)
WITH e, sum(coalesce(m.count, 1)) AS removed
SET e.occurrence = coalesce(e.occurrence, 0) - removed
`, map[string]any{"id": documentID}); err != nil {
			return nil, err
		}

		if err := runConsume(ctx, tx, `
MATCH (ch:Chunk {document_id: $id})
DETACH DELETE ch
`, map[string]any{"id": documentID}); err != nil {
			return nil, err
		}

		if err := runConsume(ctx, tx, `
MATCH (d:Document {id: $id})
DETACH DELETE d
`, map[string]any{"id": documentID}); err != nil {
			return nil, err
		}

		return nil, runConsume(ctx, tx, `
MATCH (e:Entity)
WHERE coalesce(e.occurrence, 0) <= 0
DETACH DELETE e
`, nil)
	})
	if err != nil {
		return apierr.Wrap(apierr.KindOf(err), op, "delete document", err)
	}
	return nil
}

// DeleteAll wipes every graph node and edge this service owns.
func (s *Store) DeleteAll(ctx context.Context) error {
	const op = "graph.DeleteAll"
	if !s.Available() {
		return s.unavailable(op)
	}
	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, q := range []string{
			`MATCH (ch:Chunk) DETACH DELETE ch`,
			`MATCH (e:Entity) DETACH DELETE e`,
			`MATCH (d:Document) DETACH DELETE d`,
		} {
			if err := runConsume(ctx, tx, q, nil); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return apierr.Wrap(apierr.KindOf(err), op, "delete all", err)
	}
	return nil
}
