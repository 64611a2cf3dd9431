package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/corvidlabs/graphrag-backend/internal/graph"
	"github.com/corvidlabs/graphrag-backend/internal/ingestion"
	"github.com/corvidlabs/graphrag-backend/internal/planner"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
)

type staticVocab struct{}

func (staticVocab) EntityVocabulary(_ context.Context, _ string) ([]graph.VocabEntry, error) {
	return nil, nil
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func postJSON(t *testing.T, h gin.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST(path, h)

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func getPath(t *testing.T, h gin.HandlerFunc, route, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET(route, h)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestAnalyzeQueryIntentRuleOnly(t *testing.T) {
	t.Setenv("DISABLE_LLM_FALLBACK", "true")
	log := newTestLogger(t)
	qp := planner.New(log, planner.DefaultConfig(), nil, nil, staticVocab{})
	h := NewQueryHandler(log, qp, nil, nil, nil)

	w := postJSON(t, h.AnalyzeQueryIntent, "/analyze-query-intent", map[string]any{
		"query": "why does overfitting cause poor generalization",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status: want=%d got=%d body=%s", http.StatusOK, w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "success" {
		t.Fatalf("status field: want=%q got=%v", "success", body["status"])
	}
	if body["intent"] != "CAUSAL" {
		t.Fatalf("intent: want=%q got=%v", "CAUSAL", body["intent"])
	}
}

func TestAnalyzeQueryIntentRejectsEmptyQuery(t *testing.T) {
	t.Setenv("DISABLE_LLM_FALLBACK", "true")
	log := newTestLogger(t)
	qp := planner.New(log, planner.DefaultConfig(), nil, nil, staticVocab{})
	h := NewQueryHandler(log, qp, nil, nil, nil)

	w := postJSON(t, h.AnalyzeQueryIntent, "/analyze-query-intent", map[string]any{"query": "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: want=%d got=%d", http.StatusBadRequest, w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "error" {
		t.Fatalf("status field: want=%q got=%v", "error", body["status"])
	}
}

func TestSearchAdvancedRejectsUnknownSearchType(t *testing.T) {
	t.Setenv("DISABLE_LLM_FALLBACK", "true")
	log := newTestLogger(t)
	qp := planner.New(log, planner.DefaultConfig(), nil, nil, staticVocab{})
	h := NewQueryHandler(log, qp, nil, nil, nil)

	w := postJSON(t, h.SearchAdvanced, "/search-advanced", map[string]any{
		"query":       "what is gradient descent",
		"search_type": "semantic",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: want=%d got=%d body=%s", http.StatusBadRequest, w.Code, w.Body.String())
	}
}

func TestGraphExportRejectsBadSort(t *testing.T) {
	log := newTestLogger(t)
	h := NewGraphHandler(log, graph.NewStore(nil, log))

	w := getPath(t, h.Export, "/knowledge-graph/export", "/knowledge-graph/export?max_entities=10")
	// Store is offline, so a valid filter maps to a dependency error.
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status: want=%d got=%d body=%s", http.StatusBadGateway, w.Code, w.Body.String())
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/knowledge-graph/filtered", h.Filtered)
	req := httptest.NewRequest(http.MethodPost, "/knowledge-graph/filtered", bytes.NewReader([]byte(`{"sort_by":"popularity"}`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("filtered status: want=%d got=%d body=%s", http.StatusBadRequest, rec.Code, rec.Body.String())
	}
}

func TestSupportedFormatsListsExtensions(t *testing.T) {
	log := newTestLogger(t)
	h := NewIngestHandler(log, nil, nil, nil, graph.NewStore(nil, log))

	w := getPath(t, h.SupportedFormats, "/supported-formats", "/supported-formats")
	if w.Code != http.StatusOK {
		t.Fatalf("status: want=%d got=%d", http.StatusOK, w.Code)
	}
	body := decodeBody(t, w)
	formats, ok := body["formats"].([]any)
	if !ok || len(formats) == 0 {
		t.Fatalf("formats: want non-empty list, got %v", body["formats"])
	}
}

func TestReportItemCarriesFailedChunks(t *testing.T) {
	rep := ingestion.Report{
		DocumentID:   "d1",
		Name:         "notes.txt",
		State:        "partial",
		ChunkCount:   4,
		FailedChunks: []string{"c2", "c3"},
		Reason:       "extraction failed for some chunks",
	}
	item := reportItem(rep)
	failed, ok := item["failed_chunks"].([]string)
	if !ok || len(failed) != 2 {
		t.Fatalf("failed_chunks: want 2 ids, got %v", item["failed_chunks"])
	}
	if item["reason"] != rep.Reason {
		t.Fatalf("reason: want=%q got=%v", rep.Reason, item["reason"])
	}

	clean := reportItem(ingestion.Report{DocumentID: "d2", Name: "ok.txt", State: "indexed"})
	if _, present := clean["failed_chunks"]; present {
		t.Fatalf("indexed report must omit failed_chunks")
	}
	if _, present := clean["reason"]; present {
		t.Fatalf("indexed report must omit reason")
	}
}
