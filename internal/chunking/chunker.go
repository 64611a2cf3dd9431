package chunking

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

const (
	defaultSoftBudgetTokens = 800
	defaultBudgetSlack      = 200
	defaultOverlapSentences = 2
	defaultSemanticTau      = 0.35
)

// SupportedFormats lists the ingest formats the chunker accepts.
func SupportedFormats() []string {
	return []string{".txt", ".md", ".csv", ".json"}
}

// Document is the chunker input: raw text plus structural hints.
type Document struct {
	ID     string
	Name   string
	Domain string
	Format string // "txt", "md", "csv", "json"
	Text   string
}

// Embedder provides sentence embeddings for semantic chunking.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

type Chunker struct {
	log      *logger.Logger
	embedder Embedder

	softBudget int
	slack      int
	overlap    int
	tau        float64
}

// New builds a chunker. A nil embedder disables semantic chunking; every
// document then chunks structurally.
func New(log *logger.Logger, embedder Embedder) *Chunker {
	return &Chunker{
		log:        log.With("service", "Chunker"),
		embedder:   embedder,
		softBudget: defaultSoftBudgetTokens,
		slack:      defaultBudgetSlack,
		overlap:    defaultOverlapSentences,
		tau:        defaultSemanticTau,
	}
}

// Chunk splits doc into ordered chunks. Ordinals are dense from 0 and every
// chunk has non-empty text.
func (c *Chunker) Chunk(ctx context.Context, doc Document) ([]types.Chunk, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return nil, fmt.Errorf("document id required")
	}
	if strings.TrimSpace(doc.Text) == "" {
		return nil, fmt.Errorf("document %q has no text", doc.Name)
	}

	switch normalizeFormat(doc.Format) {
	case "csv":
		return c.chunkCSV(doc)
	case "json":
		return c.chunkJSON(doc)
	default:
		return c.chunkText(ctx, doc)
	}
}

func normalizeFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	f = strings.TrimPrefix(f, ".")
	switch f {
	case "csv", "json":
		return f
	default:
		return "text"
	}
}

// section is a header-delimited region of the document.
type section struct {
	path []string
	page int
	text string
}

func (c *Chunker) chunkText(ctx context.Context, doc Document) ([]types.Chunk, error) {
	sections := splitSections(doc.Text)

	semantic := c.embedder != nil
	var chunks []types.Chunk
	for _, sec := range sections {
		sentences := SplitSentences(sec.text)
		if len(sentences) == 0 {
			continue
		}

		var groups [][]string
		if semantic {
			g, err := c.groupSemantic(ctx, sentences)
			if err != nil {
				// One log per document, then structural for the rest.
				c.log.Warn("semantic chunking unavailable, degrading to structural",
					"document", doc.Name, "error", err)
				semantic = false
			} else {
				groups = g
			}
		}
		if groups == nil {
			groups = c.groupStructural(sentences)
		}

		for _, group := range groups {
			text := strings.TrimSpace(strings.Join(group, " "))
			if text == "" {
				continue
			}
			ordinal := len(chunks)
			chunks = append(chunks, types.Chunk{
				ID:          types.ChunkID(doc.ID, ordinal),
				DocumentID:  doc.ID,
				Ordinal:     ordinal,
				Text:        text,
				SectionPath: append([]string(nil), sec.path...),
				Page:        sec.page,
				Domain:      doc.Domain,
			})
		}
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("document %q produced no chunks", doc.Name)
	}
	return chunks, nil
}

// groupStructural packs sentences up to the soft token budget and carries an
// overlap of trailing sentences into the next group. Overlap never crosses
// the section boundary because grouping is per section.
func (c *Chunker) groupStructural(sentences []string) [][]string {
	hardBudget := c.softBudget + c.slack

	var (
		groups  [][]string
		current []string
		tokens  int
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		groups = append(groups, current)
		overlap := c.overlap
		if overlap > len(current)-1 {
			overlap = len(current) - 1
		}
		if overlap > 0 {
			current = append([]string(nil), current[len(current)-overlap:]...)
			tokens = 0
			for _, s := range current {
				tokens += EstimateTokens(s)
			}
		} else {
			current = nil
			tokens = 0
		}
	}

	for _, s := range sentences {
		st := EstimateTokens(s)
		if len(current) > 0 && tokens+st > hardBudget {
			flush()
		}
		current = append(current, s)
		tokens += st
		if tokens >= c.softBudget {
			flush()
		}
	}
	if len(current) > 0 {
		// Avoid emitting a pure-overlap tail.
		if len(groups) == 0 || !isOverlapOnly(groups[len(groups)-1], current) {
			groups = append(groups, current)
		}
	}
	return groups
}

func isOverlapOnly(prev, tail []string) bool {
	if len(tail) >= len(prev) {
		return false
	}
	offset := len(prev) - len(tail)
	for i := range tail {
		if prev[offset+i] != tail[i] {
			return false
		}
	}
	return true
}

// groupSemantic starts a new group when a sentence drifts from the running
// centroid by more than tau in cosine distance, or the soft budget fills.
func (c *Chunker) groupSemantic(ctx context.Context, sentences []string) ([][]string, error) {
	vectors, err := c.embedder.Embed(ctx, sentences)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(sentences) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d sentences", len(vectors), len(sentences))
	}

	var (
		groups   [][]string
		current  []string
		centroid []float64
		tokens   int
	)
	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
		}
		current = nil
		centroid = nil
		tokens = 0
	}

	for i, s := range sentences {
		v := vectors[i]
		if len(current) > 0 {
			if cosineDistance(centroid, v) > c.tau || tokens+EstimateTokens(s) > c.softBudget+c.slack {
				flush()
			}
		}
		current = append(current, s)
		tokens += EstimateTokens(s)
		centroid = updateCentroid(centroid, v, len(current))
		if tokens >= c.softBudget {
			flush()
		}
	}
	flush()
	return groups, nil
}

func updateCentroid(centroid []float64, v []float32, n int) []float64 {
	if centroid == nil {
		centroid = make([]float64, len(v))
		for i, x := range v {
			centroid[i] = float64(x)
		}
		return centroid
	}
	for i := range centroid {
		if i < len(v) {
			centroid[i] += (float64(v[i]) - centroid[i]) / float64(n)
		}
	}
	return centroid
}

func cosineDistance(centroid []float64, v []float32) float64 {
	if len(centroid) == 0 || len(v) == 0 {
		return 0
	}
	var dot, na, nb float64
	n := len(centroid)
	if len(v) < n {
		n = len(v)
	}
	for i := 0; i < n; i++ {
		dot += centroid[i] * float64(v[i])
		na += centroid[i] * centroid[i]
		nb += float64(v[i]) * float64(v[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// splitSections walks the text line by line tracking the markdown header
// stack and form-feed page breaks.
func splitSections(text string) []section {
	var (
		out     []section
		path    []string
		page    = 1
		current strings.Builder
	)
	flush := func() {
		if strings.TrimSpace(current.String()) != "" {
			out = append(out, section{
				path: append([]string(nil), path...),
				page: page,
				text: current.String(),
			})
		}
		current.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, "\f") {
			parts := strings.Split(line, "\f")
			for i, p := range parts {
				if i > 0 {
					flush()
					page++
				}
				current.WriteString(p)
				current.WriteString("\n")
			}
			continue
		}
		if level, title, ok := parseHeader(line); ok {
			flush()
			if level <= len(path) {
				path = path[:level-1]
			}
			path = append(path, title)
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	flush()

	if len(out) == 0 {
		out = append(out, section{page: 1, text: text})
	}
	return out
}

func parseHeader(line string) (level int, title string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return 0, "", false
	}
	level = 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level > 6 || level == len(trimmed) || trimmed[level] != ' ' {
		return 0, "", false
	}
	title = strings.TrimSpace(trimmed[level:])
	if title == "" {
		return 0, "", false
	}
	return level, title, true
}

// chunkCSV emits one chunk per data row, rendered as "header: value" pairs.
func (c *Chunker) chunkCSV(doc Document) ([]types.Chunk, error) {
	reader := csv.NewReader(strings.NewReader(doc.Text))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv %q: %w", doc.Name, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("document %q produced no chunks", doc.Name)
	}

	header := rows[0]
	data := rows[1:]
	if len(data) == 0 {
		// Headerless single-row file: treat the only row as data.
		data = rows
		header = nil
	}

	var chunks []types.Chunk
	for _, row := range data {
		var parts []string
		for i, cell := range row {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			if header != nil && i < len(header) && strings.TrimSpace(header[i]) != "" {
				parts = append(parts, strings.TrimSpace(header[i])+": "+cell)
			} else {
				parts = append(parts, cell)
			}
		}
		text := strings.Join(parts, ". ")
		if text == "" {
			continue
		}
		ordinal := len(chunks)
		chunks = append(chunks, types.Chunk{
			ID:         types.ChunkID(doc.ID, ordinal),
			DocumentID: doc.ID,
			Ordinal:    ordinal,
			Text:       text,
			Domain:     doc.Domain,
			Extra:      map[string]string{"source_format": "csv"},
		})
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document %q produced no chunks", doc.Name)
	}
	return chunks, nil
}

// chunkJSON emits one chunk per top-level record: array elements for an
// array document, the whole object otherwise.
func (c *Chunker) chunkJSON(doc Document) ([]types.Chunk, error) {
	var records []json.RawMessage
	trimmed := strings.TrimSpace(doc.Text)
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &records); err != nil {
			return nil, fmt.Errorf("parse json %q: %w", doc.Name, err)
		}
	} else {
		if !json.Valid([]byte(trimmed)) {
			return nil, fmt.Errorf("parse json %q: invalid document", doc.Name)
		}
		records = []json.RawMessage{json.RawMessage(trimmed)}
	}

	var chunks []types.Chunk
	for _, rec := range records {
		text := renderJSONRecord(rec)
		if text == "" {
			continue
		}
		ordinal := len(chunks)
		chunks = append(chunks, types.Chunk{
			ID:         types.ChunkID(doc.ID, ordinal),
			DocumentID: doc.ID,
			Ordinal:    ordinal,
			Text:       text,
			Domain:     doc.Domain,
			Extra:      map[string]string{"source_format": "json"},
		})
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document %q produced no chunks", doc.Name)
	}
	return chunks, nil
}

func renderJSONRecord(raw json.RawMessage) string {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		var parts []string
		for _, k := range sortedKeys(obj) {
			v := obj[k]
			switch val := v.(type) {
			case string:
				if strings.TrimSpace(val) != "" {
					parts = append(parts, k+": "+strings.TrimSpace(val))
				}
			case float64:
				parts = append(parts, fmt.Sprintf("%s: %g", k, val))
			case bool:
				parts = append(parts, fmt.Sprintf("%s: %t", k, val))
			case nil:
			default:
				if b, err := json.Marshal(val); err == nil {
					parts = append(parts, k+": "+string(b))
				}
			}
		}
		return strings.Join(parts, ". ")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
