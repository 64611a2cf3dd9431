package ingestion

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/corvidlabs/graphrag-backend/internal/chunking"
	"github.com/corvidlabs/graphrag-backend/internal/clients/rediscache"
	"github.com/corvidlabs/graphrag-backend/internal/data"
	"github.com/corvidlabs/graphrag-backend/internal/extraction"
	"github.com/corvidlabs/graphrag-backend/internal/graph"
	"github.com/corvidlabs/graphrag-backend/internal/observability"
	"github.com/corvidlabs/graphrag-backend/internal/platform/apierr"
	"github.com/corvidlabs/graphrag-backend/internal/platform/envutil"
	"github.com/corvidlabs/graphrag-backend/internal/platform/httpx"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/platform/openai"
	"github.com/corvidlabs/graphrag-backend/internal/platform/qdrant"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

const (
	defaultGlobalConcurrency = 32
	embedBatchSize           = 64
	writeMaxAttempts         = 3
)

var documentNamespaceUUID = uuid.MustParse("6de91a07-35c4-4b82-9f5e-1c8a0de2b7f4")

// DocumentID derives a stable id from the document name, so re-ingesting the
// same file updates in place.
func DocumentID(name string) string {
	return uuid.NewSHA1(documentNamespaceUUID, []byte(name)).String()
}

// Report summarizes one document's ingest outcome.
type Report struct {
	DocumentID    string              `json:"document_id"`
	Name          string              `json:"name"`
	State         types.DocumentState `json:"state"`
	ChunkCount    int                 `json:"chunk_count"`
	EntityCount   int                 `json:"entity_count"`
	RelationCount int                 `json:"relation_count"`
	FailedChunks  []string            `json:"failed_chunks,omitempty"`
	Reason        string              `json:"reason,omitempty"`
}

// IndexInvalidator is notified after writes change the corpus. The retriever
// (keyword index) and planner (entity vocabulary) both register here.
type IndexInvalidator interface {
	RebuildIndex(ctx context.Context) error
}

type VocabularyInvalidator interface {
	InvalidateVocabulary()
}

// Service drives the document lifecycle: received -> chunked -> indexed,
// degrading to partial when chunk-level work fails, and the deleting ->
// absent path on removal. Graph and vector writes run concurrently and are
// both retried.
type Service struct {
	log       *logger.Logger
	registry  data.Registry
	chunker   *chunking.Chunker
	pipeline  *extraction.Pipeline
	llm       openai.Client
	vectors   qdrant.Store
	graph     *graph.Store
	cache     rediscache.Cache
	index     IndexInvalidator
	vocab     VocabularyInvalidator
	globalSem *semaphore.Weighted
}

func New(
	baseLog *logger.Logger,
	registry data.Registry,
	chunker *chunking.Chunker,
	pipeline *extraction.Pipeline,
	llm openai.Client,
	vectors qdrant.Store,
	graphStore *graph.Store,
	cache rediscache.Cache,
	index IndexInvalidator,
	vocab VocabularyInvalidator,
) *Service {
	capacity := int64(envutil.Int("INGEST_GLOBAL_CONCURRENCY", defaultGlobalConcurrency))
	if capacity < 1 {
		capacity = 1
	}
	return &Service{
		log:       baseLog.With("service", "IngestionService"),
		registry:  registry,
		chunker:   chunker,
		pipeline:  pipeline,
		llm:       llm,
		vectors:   vectors,
		graph:     graphStore,
		cache:     cache,
		index:     index,
		vocab:     vocab,
		globalSem: semaphore.NewWeighted(capacity),
	}
}

// IngestBatch processes documents concurrently under the global cap and
// finishes with one index rebuild and cache invalidation for the batch.
func (s *Service) IngestBatch(ctx context.Context, docs []chunking.Document, buildGraph bool) []Report {
	reports := make([]Report, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	for i, doc := range docs {
		i, doc := i, doc
		g.Go(func() error {
			if err := s.globalSem.Acquire(gctx, 1); err != nil {
				reports[i] = Report{DocumentID: DocumentID(doc.Name), Name: doc.Name, State: types.DocumentPartial, Reason: err.Error()}
				return nil
			}
			defer s.globalSem.Release(1)
			reports[i] = s.IngestDocument(gctx, doc, buildGraph)
			return nil
		})
	}
	_ = g.Wait()

	s.afterWrite(ctx)
	return reports
}

// IngestDocument runs the full pipeline for one document. Chunk-level
// failures degrade the document to partial; only registration or chunking
// failures abort it.
func (s *Service) IngestDocument(ctx context.Context, doc chunking.Document, buildGraph bool) Report {
	start := time.Now()
	doc.ID = DocumentID(doc.Name)
	report := Report{DocumentID: doc.ID, Name: doc.Name}

	existed, err := s.register(ctx, doc)
	if err != nil {
		report.State = types.DocumentPartial
		report.Reason = err.Error()
		observability.Current().ObserveIngest("failed", time.Since(start))
		return report
	}

	var failedNotes []string
	if existed {
		failedNotes = append(failedNotes, s.clearPrevious(ctx, doc.ID)...)
	}

	chunks, err := s.chunker.Chunk(ctx, doc)
	if err != nil {
		s.markPartial(ctx, doc.ID, "chunking failed: "+err.Error())
		report.State = types.DocumentPartial
		report.Reason = err.Error()
		observability.Current().ObserveIngest("failed", time.Since(start))
		return report
	}
	report.ChunkCount = len(chunks)

	records := make([]data.ChunkRecord, 0, len(chunks))
	for _, c := range chunks {
		records = append(records, data.ChunkRecord{
			ID:          c.ID,
			DocumentID:  c.DocumentID,
			Ordinal:     c.Ordinal,
			Text:        c.Text,
			SectionPath: strings.Join(c.SectionPath, "/"),
			Domain:      doc.Domain,
			TokenCount:  chunking.EstimateTokens(c.Text),
		})
	}
	if err := s.registry.DeleteChunksByDocument(ctx, doc.ID); err != nil {
		s.log.Warn("stale chunk cleanup failed", "document", doc.Name, "error", err)
	}
	if err := s.registry.CreateChunks(ctx, records); err != nil {
		s.markPartial(ctx, doc.ID, "chunk persist failed: "+err.Error())
		report.State = types.DocumentPartial
		report.Reason = err.Error()
		observability.Current().ObserveIngest("failed", time.Since(start))
		return report
	}
	if err := s.registry.UpdateDocumentState(ctx, doc.ID, types.DocumentChunked, map[string]any{
		"chunk_count": len(chunks),
	}); err != nil {
		s.log.Warn("state update failed", "document", doc.Name, "error", err)
	}

	var (
		extracted extraction.Result
		vectorErr error
		graphErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vectorErr = s.indexVectors(gctx, chunks)
		return nil
	})
	if buildGraph && s.graph.Available() {
		g.Go(func() error {
			extracted = s.pipeline.Run(gctx, doc.Domain, chunks)
			graphErr = s.writeGraph(gctx, doc, chunks, extracted)
			return nil
		})
	} else if buildGraph {
		failedNotes = append(failedNotes, "graph store unavailable")
	}
	_ = g.Wait()

	report.EntityCount = len(extracted.Entities)
	report.RelationCount = len(extracted.Relations)
	report.FailedChunks = extracted.FailedChunks

	if vectorErr != nil {
		failedNotes = append(failedNotes, "vector indexing: "+vectorErr.Error())
	}
	if graphErr != nil {
		failedNotes = append(failedNotes, "graph indexing: "+graphErr.Error())
	}
	if len(extracted.FailedChunks) > 0 {
		failedNotes = append(failedNotes, "extraction failed for some chunks")
	}

	if len(failedNotes) > 0 {
		reason := strings.Join(failedNotes, "; ")
		s.markPartial(ctx, doc.ID, reason)
		report.State = types.DocumentPartial
		report.Reason = reason
		observability.Current().ObserveIngest("partial", time.Since(start))
		return report
	}

	if err := s.registry.UpdateDocumentState(ctx, doc.ID, types.DocumentIndexed, map[string]any{
		"chunk_count":    len(chunks),
		"entity_count":   len(extracted.Entities),
		"relation_count": len(extracted.Relations),
		"failed_chunks":  0,
		"failure_reason": "",
	}); err != nil {
		s.log.Warn("state update failed", "document", doc.Name, "error", err)
	}
	report.State = types.DocumentIndexed

	observability.Current().ObserveIngest("ok", time.Since(start))
	observability.Current().AddChunksIndexed(len(chunks))
	observability.Current().AddEntitiesUpserted(len(extracted.Entities))
	observability.Current().AddRelationsUpserted(len(extracted.Relations))
	s.log.Info("document indexed",
		"document", doc.Name,
		"chunks", len(chunks),
		"entities", len(extracted.Entities),
		"relations", len(extracted.Relations),
		"elapsed", time.Since(start))
	return report
}

// DeleteDocument removes one document everywhere. The registry row moves to
// deleting first so a crash mid-delete is visible and the operation can be
// retried; the whole flow is idempotent.
func (s *Service) DeleteDocument(ctx context.Context, name string) error {
	const op = "ingestion.DeleteDocument"
	doc, err := s.registry.GetDocumentByName(ctx, name)
	if err != nil {
		return err
	}
	if err := s.registry.UpdateDocumentState(ctx, doc.ID, types.DocumentDeleting, nil); err != nil {
		return err
	}

	if s.vectors != nil {
		if err := s.retryWrite(ctx, func(c context.Context) error {
			return s.vectors.DeleteByDocument(c, doc.ID)
		}); err != nil {
			return apierr.Wrap(apierr.KindOf(err), op, "vector delete", err)
		}
	}
	if s.graph.Available() {
		if err := s.retryWrite(ctx, func(c context.Context) error {
			return s.graph.DeleteDocument(c, doc.ID)
		}); err != nil {
			return apierr.Wrap(apierr.KindOf(err), op, "graph delete", err)
		}
	}
	if err := s.registry.DeleteChunksByDocument(ctx, doc.ID); err != nil {
		return err
	}
	if err := s.registry.DeleteDocument(ctx, doc.ID); err != nil {
		return err
	}

	s.afterWrite(ctx)
	s.log.Info("document deleted", "document", name)
	return nil
}

// DeleteAll clears every store this service writes to.
func (s *Service) DeleteAll(ctx context.Context) error {
	const op = "ingestion.DeleteAll"
	if s.vectors != nil {
		if err := s.vectors.DeleteAll(ctx); err != nil {
			return apierr.Wrap(apierr.KindOf(err), op, "vector clear", err)
		}
	}
	if s.graph.Available() {
		if err := s.graph.DeleteAll(ctx); err != nil {
			return apierr.Wrap(apierr.KindOf(err), op, "graph clear", err)
		}
	}
	if err := s.registry.Reset(ctx); err != nil {
		return err
	}
	s.afterWrite(ctx)
	s.log.Info("all documents cleared")
	return nil
}

// register creates or resets the registry row. existed reports whether a
// prior ingest of the same document is already in the stores.
func (s *Service) register(ctx context.Context, doc chunking.Document) (existed bool, err error) {
	existing, err := s.registry.GetDocument(ctx, doc.ID)
	if err == nil && existing != nil {
		// Re-ingest: reset the row and rebuild content below.
		return true, s.registry.UpdateDocumentState(ctx, doc.ID, types.DocumentReceived, map[string]any{
			"domain":         doc.Domain,
			"failure_reason": "",
			"failed_chunks":  0,
		})
	}
	return false, s.registry.CreateDocument(ctx, &data.DocumentRecord{
		ID:     doc.ID,
		Name:   doc.Name,
		Domain: doc.Domain,
		State:  types.DocumentReceived,
	})
}

// clearPrevious removes a prior ingest's store contributions before a
// re-ingest writes fresh ones. Entity occurrence and mention counts are
// additive in the graph, so stale writes have to go first or every re-ingest
// double-counts them and orphans chunks the new version no longer has.
func (s *Service) clearPrevious(ctx context.Context, documentID string) []string {
	var notes []string
	if s.vectors != nil {
		if err := s.retryWrite(ctx, func(ctx context.Context) error {
			return s.vectors.DeleteByDocument(ctx, documentID)
		}); err != nil {
			notes = append(notes, "stale vector cleanup: "+err.Error())
		}
	}
	if s.graph.Available() {
		if err := s.retryWrite(ctx, func(ctx context.Context) error {
			return s.graph.DeleteDocument(ctx, documentID)
		}); err != nil {
			notes = append(notes, "stale graph cleanup: "+err.Error())
		}
	}
	return notes
}

func (s *Service) markPartial(ctx context.Context, documentID, reason string) {
	if err := s.registry.UpdateDocumentState(ctx, documentID, types.DocumentPartial, map[string]any{
		"failure_reason": reason,
	}); err != nil {
		s.log.Warn("partial state update failed", "document_id", documentID, "error", err)
	}
}

// indexVectors embeds chunk texts in batches and upserts them. The embed
// call and the upsert are retried independently.
func (s *Service) indexVectors(ctx context.Context, chunks []types.Chunk) error {
	if s.llm == nil || s.vectors == nil {
		return apierr.New(apierr.KindPermanentDependency, "ingestion.indexVectors", "vector backend not configured")
	}
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, 0, len(batch))
		for _, c := range batch {
			texts = append(texts, c.Text)
		}
		var vectors [][]float32
		err := s.retryWrite(ctx, func(c context.Context) error {
			var embedErr error
			vectors, embedErr = s.llm.Embed(c, texts)
			return embedErr
		})
		if err != nil {
			return err
		}

		points := make([]qdrant.Point, 0, len(batch))
		for i, c := range batch {
			points = append(points, qdrant.Point{
				ChunkID: c.ID,
				Vector:  vectors[i],
				Payload: map[string]any{
					"document_id": c.DocumentID,
					"domain":      c.Domain,
				},
			})
		}
		if err := s.retryWrite(ctx, func(c context.Context) error {
			return s.vectors.Upsert(c, points)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) writeGraph(ctx context.Context, doc chunking.Document, chunks []types.Chunk, extracted extraction.Result) error {
	if err := s.retryWrite(ctx, func(c context.Context) error {
		return s.graph.UpsertDocument(c, doc.ID, doc.Name, doc.Domain)
	}); err != nil {
		return err
	}
	if err := s.retryWrite(ctx, func(c context.Context) error {
		return s.graph.UpsertEntities(c, extracted.Entities)
	}); err != nil {
		return err
	}
	if err := s.retryWrite(ctx, func(c context.Context) error {
		return s.graph.UpsertChunks(c, doc.ID, chunks, extracted.Mentions)
	}); err != nil {
		return err
	}
	return s.retryWrite(ctx, func(c context.Context) error {
		return s.graph.UpsertRelations(c, extracted.Relations)
	})
}

func (s *Service) retryWrite(ctx context.Context, fn func(context.Context) error) error {
	backoff := 1 * time.Second
	var lastErr error
	for attempt := 1; attempt <= writeMaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !apierr.Retryable(lastErr) || attempt == writeMaxAttempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(httpx.Jitter(backoff)):
		}
		backoff *= 2
	}
	return lastErr
}

// afterWrite refreshes derived state: keyword index, planner vocabulary and
// the retrieval cache generation.
func (s *Service) afterWrite(ctx context.Context) {
	if s.index != nil {
		if err := s.index.RebuildIndex(ctx); err != nil {
			s.log.Warn("keyword index rebuild failed", "error", err)
		}
	}
	if s.vocab != nil {
		s.vocab.InvalidateVocabulary()
	}
	if s.cache != nil {
		if err := s.cache.BumpGeneration(ctx); err != nil {
			s.log.Warn("cache generation bump failed", "error", err)
		}
	}
}
