package retrieval

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corvidlabs/graphrag-backend/internal/clients/rediscache"
	"github.com/corvidlabs/graphrag-backend/internal/data"
	"github.com/corvidlabs/graphrag-backend/internal/graph"
	"github.com/corvidlabs/graphrag-backend/internal/observability"
	"github.com/corvidlabs/graphrag-backend/internal/platform/apierr"
	"github.com/corvidlabs/graphrag-backend/internal/platform/envutil"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/platform/openai"
	"github.com/corvidlabs/graphrag-backend/internal/platform/qdrant"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

const (
	DefaultTopK     = 10
	overFetchFactor = 4
)

// Retriever fans a query plan out over the active strategies, normalizes
// and fuses the results, and reports which strategies degraded. Missing
// backends are not fatal: a strategy whose dependency is absent is recorded
// as degraded and fusion proceeds with the rest.
type Retriever struct {
	log      *logger.Logger
	llm      openai.Client
	vectors  qdrant.Store
	graph    *graph.Store
	registry data.Registry
	index    *BM25Index
	cache    rediscache.Cache

	softDeadline     time.Duration
	strategyDeadline time.Duration
}

func New(
	baseLog *logger.Logger,
	llm openai.Client,
	vectors qdrant.Store,
	graphStore *graph.Store,
	registry data.Registry,
	index *BM25Index,
	cache rediscache.Cache,
) *Retriever {
	return &Retriever{
		log:              baseLog.With("service", "HybridRetriever"),
		llm:              llm,
		vectors:          vectors,
		graph:            graphStore,
		registry:         registry,
		index:            index,
		cache:            cache,
		softDeadline:     envutil.Seconds("RETRIEVE_SOFT_DEADLINE_SECONDS", 3*time.Second),
		strategyDeadline: envutil.Seconds("RETRIEVE_STRATEGY_DEADLINE_SECONDS", 2*time.Second),
	}
}

// RebuildIndex reloads the keyword index from the registry. Called on boot
// and after every ingest or delete.
func (r *Retriever) RebuildIndex(ctx context.Context) error {
	records, err := r.registry.AllChunks(ctx, "")
	if err != nil {
		return err
	}
	chunks := make([]types.Chunk, 0, len(records))
	for _, rec := range records {
		chunks = append(chunks, chunkFromRecord(rec))
	}
	r.index.Rebuild(chunks)
	r.log.Info("keyword index rebuilt", "chunks", len(chunks))
	return nil
}

// Retrieve executes the plan. The context carries the caller's cancellation;
// the retriever layers its own soft deadline on top and a hard per-strategy
// deadline below that.
func (r *Retriever) Retrieve(ctx context.Context, plan types.QueryPlan, domain string, topK int) types.RetrievedContext {
	if topK <= 0 {
		topK = DefaultTopK
	}
	start := time.Now()

	digest := ""
	if r.cache != nil {
		digest = rediscache.PlanDigest(plan, domain, topK)
		if cached, ok := r.cache.GetRetrieval(ctx, digest); ok {
			observability.Current().IncCacheHit()
			return *cached
		}
		observability.Current().IncCacheMiss()
	}

	ctx, cancel := context.WithTimeout(ctx, r.softDeadline)
	defer cancel()

	type outcome struct {
		result strategyResult
		seeds  []types.Entity
		err    error
	}
	outcomes := make([]outcome, len(plan.Components))

	g, gctx := errgroup.WithContext(ctx)
	for i, component := range plan.Components {
		i, component := i, component
		g.Go(func() error {
			sctx, scancel := context.WithTimeout(gctx, r.strategyDeadline)
			defer scancel()

			strategyStart := time.Now()
			var (
				hits     []scoredHit
				entities []types.Entity
				err      error
			)
			switch component.Kind {
			case types.StrategyVector:
				hits, err = r.vectorStrategy(sctx, plan.Query, domain, topK)
			case types.StrategyGraph:
				hits, entities, err = r.graphStrategy(sctx, plan, domain)
			case types.StrategyKeyword:
				hits, err = r.keywordStrategy(sctx, plan.Query, domain, topK)
			}
			status := "ok"
			if err != nil {
				status = "failed"
				observability.Current().IncStrategyFailure(string(component.Kind), string(apierr.KindOf(err)))
			}
			observability.Current().ObserveStrategy(string(component.Kind), status, time.Since(strategyStart))

			outcomes[i] = outcome{
				result: strategyResult{kind: component.Kind, weight: component.Weight, hits: hits},
				seeds:  entities,
				err:    err,
			}
			// Strategy failures degrade the result set, never the request.
			return nil
		})
	}
	_ = g.Wait()

	var (
		results    []strategyResult
		degraded   []string
		entities   []types.Entity
		confidence = plan.Confidence
	)
	for i, out := range outcomes {
		if out.err != nil {
			component := plan.Components[i]
			degraded = append(degraded, string(component.Kind))
			confidence -= confidence * component.Weight
			r.log.Warn("strategy degraded", "strategy", component.Kind, "error", out.err)
			continue
		}
		results = append(results, out.result)
		entities = append(entities, out.seeds...)
	}

	fused := fuse(results, topK)
	observability.Current().ObserveFusionChunks(len(fused))
	queryStatus := "ok"
	if len(degraded) > 0 {
		queryStatus = "partial"
	}
	observability.Current().ObserveQuery(string(plan.Intent), queryStatus, time.Since(start))

	rc := types.RetrievedContext{
		Chunks:     fused,
		Entities:   dedupeEntities(entities),
		Degraded:   degraded,
		Partial:    len(degraded) > 0,
		Confidence: clip01(confidence),
	}
	if r.cache != nil && digest != "" {
		r.cache.SetRetrieval(ctx, digest, &rc)
	}
	return rc
}

func (r *Retriever) vectorStrategy(ctx context.Context, query, domain string, topK int) ([]scoredHit, error) {
	if r.llm == nil || r.vectors == nil {
		return nil, errNoBackend("vector")
	}
	vectors, err := r.llm.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	matches, err := r.vectors.Query(ctx, vectors[0], overFetchFactor*topK, qdrant.Filter{Domain: domain})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ChunkID)
	}
	byID, err := r.chunksByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	hits := make([]scoredHit, 0, len(matches))
	for _, m := range matches {
		chunk, ok := byID[m.ChunkID]
		if !ok {
			// Vector reads may lag registry deletes; skip orphans.
			continue
		}
		hits = append(hits, scoredHit{chunk: chunk, raw: m.Score})
	}
	return hits, nil
}

func (r *Retriever) graphStrategy(ctx context.Context, plan types.QueryPlan, domain string) ([]scoredHit, []types.Entity, error) {
	known := plan.KnownEntities()
	if len(known) == 0 {
		return nil, nil, nil
	}
	seeds := make([]string, 0, len(known))
	for _, e := range known {
		seeds = append(seeds, e.EntityID)
	}

	neighbors, err := r.graph.Neighborhood(ctx, seeds, plan.MaxHops, nil)
	if err != nil {
		return nil, nil, err
	}

	// Seeds themselves count as hop 0 so their own chunks score highest.
	contribution := map[string]float64{}
	for _, id := range seeds {
		contribution[id] += 1.0
	}
	var pathEntities []types.Entity
	for _, n := range neighbors {
		contribution[n.Entity.ID] += 1.0 / (1.0 + float64(n.Hop)) * n.EdgeConfidence
		pathEntities = append(pathEntities, n.Entity)
	}

	entityIDs := make([]string, 0, len(contribution))
	for id := range contribution {
		entityIDs = append(entityIDs, id)
	}
	sort.Strings(entityIDs)

	mentions, err := r.graph.Mentions(ctx, entityIDs)
	if err != nil {
		return nil, nil, err
	}

	chunkScores := map[string]float64{}
	for _, m := range mentions {
		chunkScores[m.ChunkID] += contribution[m.EntityID]
	}
	chunkIDs := make([]string, 0, len(chunkScores))
	for id := range chunkScores {
		chunkIDs = append(chunkIDs, id)
	}
	byID, err := r.chunksByID(ctx, chunkIDs)
	if err != nil {
		return nil, nil, err
	}

	hits := make([]scoredHit, 0, len(chunkScores))
	for id, score := range chunkScores {
		chunk, ok := byID[id]
		if !ok {
			continue
		}
		if domain != "" && chunk.Domain != "" && chunk.Domain != domain {
			continue
		}
		hits = append(hits, scoredHit{chunk: chunk, raw: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].raw != hits[j].raw {
			return hits[i].raw > hits[j].raw
		}
		return hits[i].chunk.ID < hits[j].chunk.ID
	})
	return hits, pathEntities, nil
}

func (r *Retriever) keywordStrategy(ctx context.Context, query, domain string, topK int) ([]scoredHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matches := r.index.Search(query, domain, overFetchFactor*topK)
	hits := make([]scoredHit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, scoredHit{chunk: m.Chunk, raw: m.Score})
	}
	return hits, nil
}

func (r *Retriever) chunksByID(ctx context.Context, ids []string) (map[string]types.Chunk, error) {
	if len(ids) == 0 {
		return map[string]types.Chunk{}, nil
	}
	records, err := r.registry.ChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.Chunk, len(records))
	for _, rec := range records {
		out[rec.ID] = chunkFromRecord(rec)
	}
	return out, nil
}

func chunkFromRecord(rec data.ChunkRecord) types.Chunk {
	return types.Chunk{
		ID:         rec.ID,
		DocumentID: rec.DocumentID,
		Ordinal:    rec.Ordinal,
		Text:       rec.Text,
		Domain:     rec.Domain,
	}
}

func dedupeEntities(entities []types.Entity) []types.Entity {
	if len(entities) == 0 {
		return nil
	}
	seen := map[string]bool{}
	out := make([]types.Entity, 0, len(entities))
	for _, e := range entities {
		if e.ID == "" || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type errNoBackend string

func (e errNoBackend) Error() string { return string(e) + " strategy backend not configured" }
