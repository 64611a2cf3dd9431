package extraction

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corvidlabs/graphrag-backend/internal/observability"
	"github.com/corvidlabs/graphrag-backend/internal/platform/apierr"
	"github.com/corvidlabs/graphrag-backend/internal/platform/envutil"
	"github.com/corvidlabs/graphrag-backend/internal/platform/httpx"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

const (
	defaultChunkConcurrency = 8
	defaultExtractTimeout   = 30 * time.Second
	defaultMaxAttempts      = 3
	evidenceCap             = 5
)

// Result is the merged extraction output for one document. Entities,
// relations and mentions are sorted so the same input always produces the
// same bytes.
type Result struct {
	Entities     []types.Entity
	Relations    []types.Relation
	Mentions     []types.Mention
	Claims       []string
	FailedChunks []string
}

// Pipeline fans chunk extraction out with bounded concurrency and per-chunk
// deadlines. A chunk that exhausts its retries is recorded in FailedChunks;
// it never fails the document.
type Pipeline struct {
	log       *logger.Logger
	extractor *Extractor

	concurrency int
	timeout     time.Duration
	maxAttempts int
}

func NewPipeline(log *logger.Logger, extractor *Extractor) *Pipeline {
	return &Pipeline{
		log:         log.With("service", "ExtractionPipeline"),
		extractor:   extractor,
		concurrency: envutil.Int("INGEST_CHUNK_CONCURRENCY", defaultChunkConcurrency),
		timeout:     envutil.Seconds("EXTRACT_TIMEOUT_SECONDS", defaultExtractTimeout),
		maxAttempts: envutil.Int("EXTRACT_MAX_ATTEMPTS", defaultMaxAttempts),
	}
}

func (p *Pipeline) Run(ctx context.Context, domain string, chunks []types.Chunk) Result {
	resolver := NewResolver()
	relations := newRelationAggregator()

	var (
		mu           sync.Mutex
		failedChunks []string
		claims       []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			out, err := p.extractWithRetry(gctx, chunk)
			if err != nil {
				p.log.Warn("chunk extraction abandoned",
					"chunk_id", chunk.ID, "ordinal", chunk.Ordinal, "error", err)
				mu.Lock()
				failedChunks = append(failedChunks, chunk.ID)
				mu.Unlock()
				return nil
			}

			for _, raw := range out.Entities {
				resolver.Resolve(Observation{
					Name:        raw.Name,
					Type:        raw.Type,
					Description: raw.Description,
					Confidence:  raw.Confidence,
					Domain:      domain,
					ChunkID:     chunk.ID,
				})
			}
			for _, raw := range out.Relations {
				sourceID := resolveEndpoint(resolver, raw.Source, domain, chunk.ID, raw.Confidence)
				targetID := resolveEndpoint(resolver, raw.Target, domain, chunk.ID, raw.Confidence)
				if sourceID == "" || targetID == "" || sourceID == targetID {
					continue
				}
				relations.add(types.Relation{
					SourceEntityID: sourceID,
					TargetEntityID: targetID,
					Type:           normalizeRelationType(raw.Type),
					Context:        raw.Context,
					Confidence:     raw.Confidence,
					Domain:         domain,
				})
			}
			if len(out.Claims) > 0 {
				mu.Lock()
				claims = append(claims, out.Claims...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(failedChunks)
	sort.Strings(claims)
	return Result{
		Entities:     resolver.Entities(),
		Relations:    relations.sorted(),
		Mentions:     resolver.Mentions(),
		Claims:       claims,
		FailedChunks: failedChunks,
	}
}

// extractWithRetry applies the per-chunk deadline and retries transient
// failures with exponential backoff (base 1 s, factor 2, jitter).
func (p *Pipeline) extractWithRetry(ctx context.Context, chunk types.Chunk) (ChunkExtraction, error) {
	backoff := 1 * time.Second
	var lastErr error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ChunkExtraction{}, ctx.Err()
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		out, err := p.extractor.ExtractChunk(attemptCtx, chunk)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err

		if ctx.Err() != nil || !apierr.Retryable(err) {
			break
		}
		if attempt == p.maxAttempts {
			break
		}

		observability.Current().IncExtractionRetry()
		select {
		case <-ctx.Done():
			return ChunkExtraction{}, ctx.Err()
		case <-time.After(httpx.Jitter(backoff)):
		}
		backoff *= 2
	}
	return ChunkExtraction{}, lastErr
}

func resolveEndpoint(resolver *Resolver, name, domain, chunkID string, confidence float64) string {
	if id := resolver.Lookup(name); id != "" {
		return id
	}
	// Relation collaborators may name entities the entity pass missed.
	return resolver.Resolve(Observation{
		Name:       name,
		Type:       "CONCEPT",
		Confidence: confidence,
		Domain:     domain,
		ChunkID:    chunkID,
	})
}

func normalizeRelationType(relationType string) string {
	t := strings.ToUpper(strings.TrimSpace(relationType))
	t = strings.ReplaceAll(t, " ", "_")
	if t == "" {
		return "RELATES_TO"
	}
	return t
}

// relationAggregator merges relations on (source, target, type): weight
// accumulates, evidence is capped, confidence keeps the max.
type relationAggregator struct {
	mu   sync.Mutex
	byID map[string]*types.Relation
}

func newRelationAggregator() *relationAggregator {
	return &relationAggregator{byID: map[string]*types.Relation{}}
}

func (a *relationAggregator) add(rel types.Relation) {
	key := rel.SourceEntityID + "|" + rel.TargetEntityID + "|" + rel.Type
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, ok := a.byID[key]
	if !ok {
		rel.Weight = 1
		if strings.TrimSpace(rel.Context) != "" {
			rel.Evidence = []string{strings.TrimSpace(rel.Context)}
		}
		a.byID[key] = &rel
		return
	}

	existing.Weight++
	if rel.Confidence > existing.Confidence {
		existing.Confidence = rel.Confidence
	}
	if ev := strings.TrimSpace(rel.Context); ev != "" && len(existing.Evidence) < evidenceCap && !containsString(existing.Evidence, ev) {
		existing.Evidence = append(existing.Evidence, ev)
	}
}

func (a *relationAggregator) sorted() []types.Relation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Relation, 0, len(a.byID))
	for _, rel := range a.byID {
		out = append(out, *rel)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceEntityID != out[j].SourceEntityID {
			return out[i].SourceEntityID < out[j].SourceEntityID
		}
		if out[i].TargetEntityID != out[j].TargetEntityID {
			return out[i].TargetEntityID < out[j].TargetEntityID
		}
		return out[i].Type < out[j].Type
	})
	return out
}
