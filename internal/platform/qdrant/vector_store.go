package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
)

const (
	payloadChunkIDKey    = "chunk_id"
	payloadDocumentIDKey = "document_id"
	payloadDomainKey     = "domain"
	maxErrorBodyBytes    = 1024
)

var pointIDNamespaceUUID = uuid.MustParse("b4c7a9e2-5d13-4f08-a6c1-9e2f70d84b63")

// Point is one chunk embedding with its retrieval payload.
type Point struct {
	ChunkID string
	Vector  []float32
	Payload map[string]any
}

// Match is a k-NN result; Score is a similarity in [0,1].
type Match struct {
	ChunkID string
	Score   float64
	Payload map[string]any
}

// Filter narrows a query or delete to a domain and/or document.
type Filter struct {
	Domain     string
	DocumentID string
}

// Store is the vector-store contract consumed by ingestion and retrieval.
// Reads may lag writes by a bounded window; callers tolerate
// missing-then-present.
type Store interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, points []Point) error
	Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error)
	DeleteByDocument(ctx context.Context, documentID string) error
	DeleteAll(ctx context.Context) error
	DocumentChunkCounts(ctx context.Context) (map[string]int, error)
	Count(ctx context.Context) (int, error)
	VectorDim() int
}

type store struct {
	log     *logger.Logger
	cfg     Config
	baseURL string
	http    *http.Client
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

type searchResultItem struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

func NewStore(log *logger.Logger, cfg Config) (Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg, true); err != nil {
		return nil, err
	}

	s := &store{
		log:     log.With("service", "QdrantStore"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}

	if err := s.EnsureCollection(context.Background()); err != nil {
		return nil, err
	}

	log.Info("qdrant vector store ready",
		"url", s.baseURL,
		"collection", cfg.Collection,
		"vector_dim", cfg.VectorDim,
	)
	return s, nil
}

func (s *store) VectorDim() int { return s.cfg.VectorDim }

// EnsureCollection creates the collection (cosine distance) when missing and
// verifies the stored dimension when present.
func (s *store) EnsureCollection(ctx context.Context) error {
	const op = "ensure_collection"

	var desc struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	err := s.doJSON(ctx, op, http.MethodGet, s.collectionPath(""), nil, &desc)
	if err == nil {
		size := desc.Config.Params.Vectors.Size
		if size != 0 && size != s.cfg.VectorDim {
			return &OperationError{
				Code:      OperationErrorValidation,
				Operation: op,
				Message: fmt.Sprintf("collection %q vector size mismatch: expected=%d actual=%d",
					s.cfg.Collection, s.cfg.VectorDim, size),
			}
		}
		return nil
	}
	var opErrTyped *OperationError
	if !errors.As(err, &opErrTyped) || opErrTyped.StatusCode != http.StatusNotFound {
		return err
	}

	req := map[string]any{
		"vectors": map[string]any{
			"size":     s.cfg.VectorDim,
			"distance": "Cosine",
		},
	}
	return s.doJSON(ctx, op, http.MethodPut, s.collectionPath(""), req, nil)
}

func (s *store) Upsert(ctx context.Context, points []Point) error {
	const op = "upsert"
	if len(points) == 0 {
		return nil
	}

	body := make([]map[string]any, 0, len(points))
	for _, p := range points {
		chunkID := strings.TrimSpace(p.ChunkID)
		if chunkID == "" {
			return opErr(op, OperationErrorValidation, "chunk id is required", nil)
		}
		if len(p.Vector) != s.cfg.VectorDim {
			return opErr(op, OperationErrorValidation,
				fmt.Sprintf("chunk %q dimension mismatch: expected=%d got=%d", chunkID, s.cfg.VectorDim, len(p.Vector)), nil)
		}
		payload := clonePayload(p.Payload)
		payload[payloadChunkIDKey] = chunkID
		body = append(body, map[string]any{
			"id":      s.pointID(chunkID),
			"vector":  p.Vector,
			"payload": payload,
		})
	}

	return s.doJSON(ctx, op, http.MethodPut, s.collectionPath("/points?wait=true"), map[string]any{"points": body}, nil)
}

func (s *store) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	const op = "query"
	if len(vector) == 0 {
		return nil, opErr(op, OperationErrorValidation, "query vector required", nil)
	}
	if len(vector) != s.cfg.VectorDim {
		return nil, opErr(op, OperationErrorValidation,
			fmt.Sprintf("query vector dimension mismatch: expected=%d got=%d", s.cfg.VectorDim, len(vector)), nil)
	}
	if topK <= 0 {
		topK = 10
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
		"with_vector":  false,
	}
	if f := filterConditions(filter); f != nil {
		req["filter"] = f
	}

	var raw []searchResultItem
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/search"), req, &raw); err != nil {
		return nil, err
	}

	out := make([]Match, 0, len(raw))
	for _, item := range raw {
		id, _ := item.Payload[payloadChunkIDKey].(string)
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, Match{
			ChunkID: id,
			Score:   clampScore(item.Score),
			Payload: item.Payload,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ChunkID < out[j].ChunkID
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}

func (s *store) DeleteByDocument(ctx context.Context, documentID string) error {
	const op = "delete_by_document"
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return opErr(op, OperationErrorValidation, "document id required", nil)
	}
	req := map[string]any{
		"filter": filterConditions(Filter{DocumentID: documentID}),
	}
	return s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/delete?wait=true"), req, nil)
}

func (s *store) DeleteAll(ctx context.Context) error {
	const op = "delete_all"
	// Drop and recreate; cheaper and atomic compared to scroll+delete.
	if err := s.doJSON(ctx, op, http.MethodDelete, s.collectionPath(""), nil, nil); err != nil {
		var opErrTyped *OperationError
		if !errors.As(err, &opErrTyped) || opErrTyped.StatusCode != http.StatusNotFound {
			return err
		}
	}
	return s.EnsureCollection(ctx)
}

// DocumentChunkCounts scrolls the collection and groups point counts by
// document id. Used by the documents listing, not the hot path.
func (s *store) DocumentChunkCounts(ctx context.Context) (map[string]int, error) {
	const op = "document_counts"
	counts := map[string]int{}
	var offset json.RawMessage

	for {
		req := map[string]any{
			"limit":        512,
			"with_payload": []string{payloadDocumentIDKey},
			"with_vector":  false,
		}
		if len(offset) > 0 {
			req["offset"] = offset
		}

		var page struct {
			Points []struct {
				Payload map[string]any `json:"payload"`
			} `json:"points"`
			NextPageOffset json.RawMessage `json:"next_page_offset"`
		}
		if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/scroll"), req, &page); err != nil {
			return nil, err
		}
		for _, p := range page.Points {
			if docID, ok := p.Payload[payloadDocumentIDKey].(string); ok && docID != "" {
				counts[docID]++
			}
		}
		if len(page.NextPageOffset) == 0 || string(page.NextPageOffset) == "null" {
			break
		}
		offset = page.NextPageOffset
	}
	return counts, nil
}

func (s *store) Count(ctx context.Context) (int, error) {
	const op = "count"
	var result struct {
		Count int `json:"count"`
	}
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/count"), map[string]any{"exact": true}, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (s *store) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if readErr != nil {
		return opErr(op, OperationErrorDecodeFailed, "read response failed", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant envelope failed", err)
	}
	if statusErr := parseEnvelopeStatus(env.Status); statusErr != "" {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    statusErr,
		}
	}

	if out == nil || len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant result failed", err)
	}
	return nil
}

func classifyHTTPCallError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	return opErr(op, OperationErrorTransportFailed, message, err)
}

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}

	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", statusString)
	}

	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil {
		if strings.TrimSpace(statusObject.Error) != "" {
			return strings.TrimSpace(statusObject.Error)
		}
	}
	return fmt.Sprintf("qdrant status=%s", status)
}

func filterConditions(f Filter) map[string]any {
	must := make([]any, 0, 2)
	if d := strings.TrimSpace(f.Domain); d != "" {
		must = append(must, matchCondition(payloadDomainKey, d))
	}
	if d := strings.TrimSpace(f.DocumentID); d != "" {
		must = append(must, matchCondition(payloadDocumentIDKey, d))
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

func matchCondition(key, value string) map[string]any {
	return map[string]any{
		"key":   key,
		"match": map[string]any{"value": value},
	}
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}

func clonePayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func (s *store) pointID(chunkID string) string {
	return uuid.NewSHA1(pointIDNamespaceUUID, []byte(chunkID)).String()
}

func (s *store) collectionPath(suffix string) string {
	path := "/collections/" + s.cfg.Collection
	if strings.TrimSpace(suffix) == "" {
		return path
	}
	return path + suffix
}
