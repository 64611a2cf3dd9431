package handlers

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/corvidlabs/graphrag-backend/internal/chunking"
	"github.com/corvidlabs/graphrag-backend/internal/data"
	"github.com/corvidlabs/graphrag-backend/internal/graph"
	"github.com/corvidlabs/graphrag-backend/internal/ingestion"
	"github.com/corvidlabs/graphrag-backend/internal/platform/apierr"
	"github.com/corvidlabs/graphrag-backend/internal/platform/envutil"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/platform/qdrant"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

const maxUploadBytes = 64 << 20

type IngestHandler struct {
	log      *logger.Logger
	svc      *ingestion.Service
	registry data.Registry
	vectors  qdrant.Store
	graph    *graph.Store
}

func NewIngestHandler(log *logger.Logger, svc *ingestion.Service, registry data.Registry, vectors qdrant.Store, graphStore *graph.Store) *IngestHandler {
	return &IngestHandler{
		log:      log.With("handler", "IngestHandler"),
		svc:      svc,
		registry: registry,
		vectors:  vectors,
		graph:    graphStore,
	}
}

// POST /ingest-documents?domain=&build_knowledge_graph=
func (h *IngestHandler) IngestDocuments(c *gin.Context) {
	domain := strings.TrimSpace(c.Query("domain"))
	if domain == "" {
		domain = "general"
	}
	buildGraph := true
	if raw := strings.TrimSpace(c.Query("build_knowledge_graph")); raw != "" {
		buildGraph = raw == "true" || raw == "1"
	}

	form, err := c.MultipartForm()
	if err != nil {
		respondInvalid(c, "multipart form required: "+err.Error())
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		respondInvalid(c, "no files in upload; use multipart field \"files\"")
		return
	}

	docs := make([]chunking.Document, 0, len(files))
	for _, fh := range files {
		if fh.Size > maxUploadBytes {
			respondInvalid(c, fmt.Sprintf("file %q exceeds the %d byte upload limit", fh.Filename, maxUploadBytes))
			return
		}
		format, ok := uploadFormat(fh.Filename)
		if !ok {
			respondInvalid(c, fmt.Sprintf("unsupported format for %q; accepted: %s", fh.Filename, strings.Join(chunking.SupportedFormats(), ", ")))
			return
		}
		f, err := fh.Open()
		if err != nil {
			respondError(c, apierr.Wrap(apierr.KindInvalidInput, "ingest.upload", "open uploaded file", err))
			return
		}
		raw, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			respondError(c, apierr.Wrap(apierr.KindInvalidInput, "ingest.upload", "read uploaded file", err))
			return
		}
		name := filepath.Base(fh.Filename)
		docs = append(docs, chunking.Document{
			ID:     ingestion.DocumentID(name),
			Name:   name,
			Domain: domain,
			Format: format,
			Text:   string(raw),
		})
	}

	reports := h.svc.IngestBatch(c.Request.Context(), docs, buildGraph)

	results := make([]gin.H, 0, len(reports))
	failed := 0
	for _, rep := range reports {
		if rep.State != types.DocumentIndexed {
			failed++
		}
		results = append(results, reportItem(rep))
	}

	payload := gin.H{
		"domain":          domain,
		"knowledge_graph": buildGraph,
		"documents":       results,
		"total_documents": len(results),
	}
	if failed > 0 {
		respondPartial(c, fmt.Sprintf("%d of %d documents did not fully index", failed, len(results)), payload)
		return
	}
	respondSuccess(c, payload)
}

// GET /documents/list
func (h *IngestHandler) ListDocuments(c *gin.Context) {
	ctx := c.Request.Context()
	records, err := h.registry.ListDocuments(ctx, strings.TrimSpace(c.Query("domain")))
	if err != nil {
		respondError(c, err)
		return
	}

	docs := make([]gin.H, 0, len(records))
	for _, rec := range records {
		docs = append(docs, gin.H{
			"document_id":    rec.ID,
			"name":           rec.Name,
			"domain":         rec.Domain,
			"state":          rec.State,
			"chunk_count":    rec.ChunkCount,
			"entity_count":   rec.EntityCount,
			"relation_count": rec.RelationCount,
			"updated_at":     rec.UpdatedAt,
		})
	}

	vectorDocs := 0
	if h.vectors != nil {
		counts, err := h.vectors.DocumentChunkCounts(ctx)
		if err != nil {
			h.log.Warn("vector store document count failed", "error", err)
		} else {
			vectorDocs = len(counts)
		}
	}
	graphDocs := 0
	if h.graph != nil && h.graph.Available() {
		stats, err := h.graph.Stats(ctx, "")
		if err != nil {
			h.log.Warn("graph store document count failed", "error", err)
		} else {
			graphDocs = stats.DocumentCount
		}
	}

	respondSuccess(c, gin.H{
		"documents":                 docs,
		"total_documents":           len(docs),
		"vector_store_documents":    vectorDocs,
		"knowledge_graph_documents": graphDocs,
	})
}

// DELETE /documents/:name. Deleting an unknown document is a no-op.
func (h *IngestHandler) DeleteDocument(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	if name == "" {
		respondInvalid(c, "document name required")
		return
	}
	if err := h.svc.DeleteDocument(c.Request.Context(), name); err != nil {
		if apierr.KindOf(err) == apierr.KindNotFound {
			respondSuccess(c, gin.H{"name": name, "deleted": false})
			return
		}
		respondError(c, err)
		return
	}
	respondSuccess(c, gin.H{"name": name, "deleted": true})
}

// DELETE /clear-all
func (h *IngestHandler) ClearAll(c *gin.Context) {
	if err := h.svc.DeleteAll(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	respondSuccess(c, gin.H{"cleared": true})
}

// GET /supported-formats
func (h *IngestHandler) SupportedFormats(c *gin.Context) {
	respondSuccess(c, gin.H{
		"formats": chunking.SupportedFormats(),
		"features": gin.H{
			"semantic_chunking":   envutil.Bool("SEMANTIC_CHUNKING", true),
			"knowledge_graph":     h.graph != nil && h.graph.Available(),
			"vector_search":       h.vectors != nil,
			"llm_fallback":        !envutil.Bool("DISABLE_LLM_FALLBACK", false),
			"multipart_max_bytes": maxUploadBytes,
		},
	})
}

func reportItem(rep ingestion.Report) gin.H {
	item := gin.H{
		"document_id":    rep.DocumentID,
		"name":           rep.Name,
		"state":          rep.State,
		"chunk_count":    rep.ChunkCount,
		"entity_count":   rep.EntityCount,
		"relation_count": rep.RelationCount,
	}
	if len(rep.FailedChunks) > 0 {
		item["failed_chunks"] = rep.FailedChunks
	}
	if rep.Reason != "" {
		item["reason"] = rep.Reason
	}
	return item
}

func uploadFormat(filename string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, accepted := range chunking.SupportedFormats() {
		if ext == accepted {
			return strings.TrimPrefix(ext, "."), true
		}
	}
	return "", false
}
