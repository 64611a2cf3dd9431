package observability

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/corvidlabs/graphrag-backend/internal/platform/envutil"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
)

// Metrics aggregates service counters and exposes them in Prometheus text
// format via WritePrometheus. All methods are nil-safe so callers never need
// an enabled check.
type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge

	queriesTotal    *CounterVec
	queryLatency    *HistogramVec
	strategyLatency *HistogramVec
	strategyFailed  *CounterVec
	fusionChunks    *HistogramVec

	ingestTotal       *CounterVec
	ingestLatency     *HistogramVec
	chunksIndexed     *Counter
	entitiesUpserted  *Counter
	relationsUpserted *Counter
	extractionRetries *Counter

	llmRequests *CounterVec
	llmLatency  *HistogramVec
	llmTokens   *CounterVec

	cacheHits       *Counter
	cacheMisses     *Counter
	degradedAnswers *Counter
	partialAnswers  *Counter
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", true)
}

// Current returns the process-wide metrics instance, or nil when metrics are
// disabled or Init was never called.
func Current() *Metrics {
	return instance
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = &Metrics{
			apiRequests: NewCounterVec("gr_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
			apiLatency: NewHistogramVec(
				"gr_api_request_duration_seconds",
				"API request latency in seconds by method/route/status.",
				[]string{"method", "route", "status"},
				[]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			),
			apiInflight:  NewGauge("gr_api_inflight_requests", "In-flight API requests."),
			queriesTotal: NewCounterVec("gr_queries_total", "Query requests by intent/status.", []string{"intent", "status"}),
			queryLatency: NewHistogramVec(
				"gr_query_duration_seconds",
				"End-to-end query latency in seconds by intent.",
				[]string{"intent"},
				[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30},
			),
			strategyLatency: NewHistogramVec(
				"gr_retrieval_strategy_duration_seconds",
				"Per-strategy retrieval latency in seconds by strategy/status.",
				[]string{"strategy", "status"},
				[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3},
			),
			strategyFailed: NewCounterVec("gr_retrieval_strategy_failures_total", "Retrieval strategy failures by strategy/reason.", []string{"strategy", "reason"}),
			fusionChunks: NewHistogramVec(
				"gr_fusion_result_chunks",
				"Chunk count after rank fusion.",
				[]string{},
				[]float64{0, 1, 2, 5, 10, 20, 50, 100},
			),
			ingestTotal: NewCounterVec("gr_ingest_documents_total", "Ingested documents by status.", []string{"status"}),
			ingestLatency: NewHistogramVec(
				"gr_ingest_duration_seconds",
				"Document ingestion latency in seconds by status.",
				[]string{"status"},
				[]float64{1, 5, 10, 30, 60, 120, 300, 600},
			),
			chunksIndexed:     NewCounter("gr_chunks_indexed_total", "Total chunks written to the vector store."),
			entitiesUpserted:  NewCounter("gr_graph_entities_upserted_total", "Total entity upserts into the knowledge graph."),
			relationsUpserted: NewCounter("gr_graph_relations_upserted_total", "Total relation upserts into the knowledge graph."),
			extractionRetries: NewCounter("gr_extraction_retries_total", "Total chunk extraction retry attempts."),
			llmRequests:       NewCounterVec("gr_llm_requests_total", "LLM requests by model/endpoint/status.", []string{"model", "endpoint", "status"}),
			llmLatency: NewHistogramVec(
				"gr_llm_request_duration_seconds",
				"LLM request latency in seconds by model/endpoint/status.",
				[]string{"model", "endpoint", "status"},
				[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			),
			llmTokens:       NewCounterVec("gr_llm_tokens_total", "LLM tokens by model/direction.", []string{"model", "direction"}),
			cacheHits:       NewCounter("gr_retrieval_cache_hits_total", "Retrieval cache hits."),
			cacheMisses:     NewCounter("gr_retrieval_cache_misses_total", "Retrieval cache misses."),
			degradedAnswers: NewCounter("gr_degraded_answers_total", "Answers produced in degraded mode."),
			partialAnswers:  NewCounter("gr_partial_answers_total", "Answers produced from partial retrieval."),
		}
		if log != nil {
			log.Info("Observability metrics enabled")
		}
	})
	return instance
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	method = orUnknown(method)
	route = orUnknown(route)
	status = orUnknown(status)
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route, status)
}

func (m *Metrics) APIInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) APIInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

func (m *Metrics) ObserveQuery(intent, status string, dur time.Duration) {
	if m == nil {
		return
	}
	intent = orUnknown(intent)
	m.queriesTotal.Inc(intent, orUnknown(status))
	m.queryLatency.Observe(dur.Seconds(), intent)
}

func (m *Metrics) ObserveStrategy(strategy, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.strategyLatency.Observe(dur.Seconds(), orUnknown(strategy), orUnknown(status))
}

func (m *Metrics) IncStrategyFailure(strategy, reason string) {
	if m == nil {
		return
	}
	m.strategyFailed.Inc(orUnknown(strategy), orUnknown(reason))
}

func (m *Metrics) ObserveFusionChunks(n int) {
	if m == nil {
		return
	}
	m.fusionChunks.Observe(float64(n))
}

func (m *Metrics) ObserveIngest(status string, dur time.Duration) {
	if m == nil {
		return
	}
	status = orUnknown(status)
	m.ingestTotal.Inc(status)
	m.ingestLatency.Observe(dur.Seconds(), status)
}

func (m *Metrics) AddChunksIndexed(n int) {
	if m == nil {
		return
	}
	m.chunksIndexed.Add(float64(n))
}

func (m *Metrics) AddEntitiesUpserted(n int) {
	if m == nil {
		return
	}
	m.entitiesUpserted.Add(float64(n))
}

func (m *Metrics) AddRelationsUpserted(n int) {
	if m == nil {
		return
	}
	m.relationsUpserted.Add(float64(n))
}

func (m *Metrics) IncExtractionRetry() {
	if m == nil {
		return
	}
	m.extractionRetries.Inc()
}

func (m *Metrics) ObserveLLMRequest(model, endpoint, status string, dur time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	model = orUnknown(model)
	endpoint = orUnknown(endpoint)
	status = orUnknown(status)
	m.llmRequests.Inc(model, endpoint, status)
	m.llmLatency.Observe(dur.Seconds(), model, endpoint, status)
	if inputTokens > 0 {
		m.llmTokens.Add(float64(inputTokens), model, "input")
	}
	if outputTokens > 0 {
		m.llmTokens.Add(float64(outputTokens), model, "output")
	}
}

func (m *Metrics) IncCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) IncCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) IncDegradedAnswer() {
	if m == nil {
		return
	}
	m.degradedAnswers.Inc()
}

func (m *Metrics) IncPartialAnswer() {
	if m == nil {
		return
	}
	m.partialAnswers.Inc()
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	writers := []interface{ WritePrometheus(io.Writer) error }{
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.queriesTotal, m.queryLatency, m.strategyLatency, m.strategyFailed, m.fusionChunks,
		m.ingestTotal, m.ingestLatency, m.chunksIndexed, m.entitiesUpserted, m.relationsUpserted, m.extractionRetries,
		m.llmRequests, m.llmLatency, m.llmTokens,
		m.cacheHits, m.cacheMisses, m.degradedAnswers, m.partialAnswers,
	}
	for _, c := range writers {
		if err := c.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func orUnknown(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

// ---- metric primitives (Prometheus text exposition) ----

type CounterVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewCounterVec(name, help string, labels []string) *CounterVec {
	return &CounterVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (c *CounterVec) Inc(values ...string) {
	c.Add(1, values...)
}

func (c *CounterVec) Add(v float64, values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl] += v
	c.mu.Unlock()
}

func (c *CounterVec) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if err := writeHeader(w, c.name, c.help, "counter"); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", c.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type Counter struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Inc() { c.Add(1) }

func (c *Counter) Add(v float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val += v
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.val
}

func (c *Counter) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if err := writeHeader(w, c.name, c.help, "counter"); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", c.name, c.val)
	return err
}

type Gauge struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Set(v float64) {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val = v
	g.mu.Unlock()
}

func (g *Gauge) Inc() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val++
	g.mu.Unlock()
}

func (g *Gauge) Dec() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val--
	g.mu.Unlock()
}

func (g *Gauge) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if err := writeHeader(w, g.name, g.help, "gauge"); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", g.name, g.val)
	return err
}

type HistogramVec struct {
	name       string
	help       string
	labelNames []string
	buckets    []float64
	mu         sync.RWMutex
	values     map[string]*histogram
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	total   uint64
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) *HistogramVec {
	if len(buckets) == 0 {
		buckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	}
	return &HistogramVec{name: name, help: help, labelNames: labels, buckets: buckets, values: map[string]*histogram{}}
}

func (h *HistogramVec) Observe(v float64, values ...string) {
	if h == nil {
		return
	}
	lbl := labelString(h.labelNames, values)
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, ok := h.values[lbl]
	if !ok {
		hist = &histogram{
			buckets: h.buckets,
			counts:  make([]uint64, len(h.buckets)+1),
		}
		h.values[lbl] = hist
	}
	hist.sum += v
	hist.total++
	for i, b := range hist.buckets {
		if v <= b {
			hist.counts[i]++
		}
	}
	hist.counts[len(hist.counts)-1]++
}

func (h *HistogramVec) WritePrometheus(w io.Writer) error {
	if h == nil {
		return nil
	}
	if err := writeHeader(w, h.name, h.help, "histogram"); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for k, v := range h.values {
		for i, b := range v.buckets {
			if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, fmt.Sprintf("%g", b)), v.counts[i]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, "+Inf"), v.counts[len(v.counts)-1]); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_sum%s %f\n", h.name, k, v.sum); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_count%s %d\n", h.name, k, v.total); err != nil {
			return err
		}
	}
	return nil
}

func writeHeader(w io.Writer, name, help, kind string) error {
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", name, help); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	return err
}

func labelString(names []string, values []string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("{")
	for i, name := range names {
		if i > 0 {
			b.WriteString(",")
		}
		val := "unknown"
		if i < len(values) {
			val = values[i]
		}
		b.WriteString(name)
		b.WriteString("=\"")
		b.WriteString(escapeLabel(val))
		b.WriteString("\"")
	}
	b.WriteString("}")
	return b.String()
}

func escapeLabel(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "\n", "\\n")
	return v
}

func withLe(labels string, le string) string {
	le = escapeLabel(le)
	if labels == "" || labels == "{}" {
		return "{le=\"" + le + "\"}"
	}
	if strings.HasSuffix(labels, "}") {
		return strings.TrimSuffix(labels, "}") + ",le=\"" + le + "\"}"
	}
	return "{le=\"" + le + "\"}"
}
