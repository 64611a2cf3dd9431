package ingestion

import (
	"context"
	"sync"
	"testing"

	"github.com/corvidlabs/graphrag-backend/internal/chunking"
	"github.com/corvidlabs/graphrag-backend/internal/data"
	"github.com/corvidlabs/graphrag-backend/internal/extraction"
	"github.com/corvidlabs/graphrag-backend/internal/graph"
	"github.com/corvidlabs/graphrag-backend/internal/platform/apierr"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/platform/qdrant"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

type memRegistry struct {
	data.Registry
	mu     sync.Mutex
	docs   map[string]*data.DocumentRecord
	chunks map[string][]data.ChunkRecord
}

func newMemRegistry() *memRegistry {
	return &memRegistry{docs: map[string]*data.DocumentRecord{}, chunks: map[string][]data.ChunkRecord{}}
}

func (m *memRegistry) CreateDocument(ctx context.Context, doc *data.DocumentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	return nil
}

func (m *memRegistry) GetDocument(ctx context.Context, id string) (*data.DocumentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "mem.get_document", "document not found")
	}
	return doc, nil
}

func (m *memRegistry) UpdateDocumentState(ctx context.Context, id string, state types.DocumentState, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return apierr.New(apierr.KindNotFound, "mem.update_state", "document not found")
	}
	doc.State = state
	return nil
}

func (m *memRegistry) CreateChunks(ctx context.Context, chunks []data.ChunkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		m.chunks[c.DocumentID] = append(m.chunks[c.DocumentID], c)
	}
	return nil
}

func (m *memRegistry) DeleteChunksByDocument(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, documentID)
	return nil
}

// memVectors records delete calls; the write path is not under test here.
type memVectors struct {
	qdrant.Store
	mu            sync.Mutex
	deletedDocIDs []string
}

func (m *memVectors) DeleteByDocument(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedDocIDs = append(m.deletedDocIDs, documentID)
	return nil
}

func newTestService(t *testing.T, reg data.Registry, vectors qdrant.Store) *Service {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	chunker := chunking.New(log, nil)
	pipeline := extraction.NewPipeline(log, extraction.NewExtractor(log, nil, nil))
	return New(log, reg, chunker, pipeline, nil, vectors, graph.NewStore(nil, log), nil, nil, nil)
}

func TestDocumentIDStable(t *testing.T) {
	if DocumentID("notes.md") != DocumentID("notes.md") {
		t.Fatalf("DocumentID must be deterministic")
	}
	if DocumentID("notes.md") == DocumentID("other.md") {
		t.Fatalf("distinct names must map to distinct ids")
	}
}

func TestIngestWithoutBackendsIsPartial(t *testing.T) {
	reg := newMemRegistry()
	s := newTestService(t, reg, nil)

	report := s.IngestDocument(context.Background(), chunking.Document{
		Name:   "notes.txt",
		Format: "txt",
		Domain: "general",
		Text:   "Alice works for Acme. Acme is headquartered in Paris.",
	}, true)

	if report.State != types.DocumentPartial {
		t.Fatalf("State: want=%q got=%q", types.DocumentPartial, report.State)
	}
	if report.ChunkCount == 0 {
		t.Fatalf("chunks must persist even when indexing degrades")
	}
	if report.Reason == "" {
		t.Fatalf("partial report must carry a reason")
	}

	doc, err := reg.GetDocument(context.Background(), report.DocumentID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.State != types.DocumentPartial {
		t.Fatalf("registry state: want=%q got=%q", types.DocumentPartial, doc.State)
	}
	if len(reg.chunks[report.DocumentID]) != report.ChunkCount {
		t.Fatalf("chunk records: want=%d got=%d", report.ChunkCount, len(reg.chunks[report.DocumentID]))
	}
}

func TestReingestUpdatesInPlace(t *testing.T) {
	reg := newMemRegistry()
	s := newTestService(t, reg, nil)
	doc := chunking.Document{Name: "notes.txt", Format: "txt", Text: "Ersa builds engines."}

	first := s.IngestDocument(context.Background(), doc, false)
	second := s.IngestDocument(context.Background(), doc, false)
	if first.DocumentID != second.DocumentID {
		t.Fatalf("re-ingest must keep the document id: %q vs %q", first.DocumentID, second.DocumentID)
	}
	if got := len(reg.chunks[first.DocumentID]); got != second.ChunkCount {
		t.Fatalf("stale chunks must be replaced: want=%d got=%d", second.ChunkCount, got)
	}
}

func TestReingestClearsPreviousStoreWrites(t *testing.T) {
	reg := newMemRegistry()
	vectors := &memVectors{}
	s := newTestService(t, reg, vectors)
	doc := chunking.Document{Name: "notes.txt", Format: "txt", Text: "Ersa builds engines."}

	first := s.IngestDocument(context.Background(), doc, false)
	if got := len(vectors.deletedDocIDs); got != 0 {
		t.Fatalf("first ingest must not delete vectors: got %d calls", got)
	}

	second := s.IngestDocument(context.Background(), doc, false)
	if second.DocumentID != first.DocumentID {
		t.Fatalf("re-ingest must keep the document id")
	}
	if got := len(vectors.deletedDocIDs); got != 1 {
		t.Fatalf("re-ingest vector cleanup calls: want=1 got=%d", got)
	}
	if vectors.deletedDocIDs[0] != first.DocumentID {
		t.Fatalf("vector cleanup document: want=%q got=%q", first.DocumentID, vectors.deletedDocIDs[0])
	}
}
