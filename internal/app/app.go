package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/corvidlabs/graphrag-backend/internal/answer"
	"github.com/corvidlabs/graphrag-backend/internal/chunking"
	"github.com/corvidlabs/graphrag-backend/internal/clients/ner"
	"github.com/corvidlabs/graphrag-backend/internal/clients/rediscache"
	"github.com/corvidlabs/graphrag-backend/internal/data"
	"github.com/corvidlabs/graphrag-backend/internal/extraction"
	"github.com/corvidlabs/graphrag-backend/internal/graph"
	"github.com/corvidlabs/graphrag-backend/internal/handlers"
	"github.com/corvidlabs/graphrag-backend/internal/ingestion"
	"github.com/corvidlabs/graphrag-backend/internal/planner"
	"github.com/corvidlabs/graphrag-backend/internal/platform/envutil"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/platform/neo4jdb"
	"github.com/corvidlabs/graphrag-backend/internal/platform/openai"
	"github.com/corvidlabs/graphrag-backend/internal/platform/qdrant"
	"github.com/corvidlabs/graphrag-backend/internal/reasoning"
	"github.com/corvidlabs/graphrag-backend/internal/retrieval"
	"github.com/corvidlabs/graphrag-backend/internal/server"
)

// ErrStoreUnavailable marks boot failures caused by a required store so the
// binary can exit with a distinct code.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrInvalidConfig marks boot failures caused by bad configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// App owns every long-lived collaborator and the HTTP server. Optional
// collaborators (vector store, graph store, cache, LLM, NER) boot as nil and
// the services degrade around them.
type App struct {
	Log    *logger.Logger
	Server *server.Server

	db      *gorm.DB
	neo     *neo4jdb.Client
	cache   rediscache.Cache
	planner *planner.Planner
	ingest  *ingestion.Service
}

func New(log *logger.Logger) (*App, error) {
	db, err := data.Open(log)
	if err != nil {
		return nil, fmt.Errorf("%w: document registry: %v", ErrStoreUnavailable, err)
	}
	registry := data.NewRegistry(db, log)

	neo, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		return nil, fmt.Errorf("%w: graph store: %v", ErrStoreUnavailable, err)
	}
	graphStore := graph.NewStore(neo, log)
	if graphStore.Available() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		graphStore.EnsureSchema(ctx)
		cancel()
	} else {
		log.Warn("graph store not configured; graph strategy and reasoning degrade")
	}

	var vectors qdrant.Store
	if qcfg, err := qdrant.ResolveConfigFromEnv(); err != nil {
		var cfgErr *qdrant.ConfigError
		if errors.As(err, &cfgErr) && cfgErr.Code == qdrant.ConfigErrorMissingURL {
			log.Warn("vector store not configured; vector strategy degrades")
		} else {
			return nil, fmt.Errorf("%w: vector store: %v", ErrInvalidConfig, err)
		}
	} else {
		vectors, err = qdrant.NewStore(log, qcfg)
		if err != nil {
			return nil, fmt.Errorf("%w: vector store: %v", ErrStoreUnavailable, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = vectors.EnsureCollection(ctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: vector store collection: %v", ErrStoreUnavailable, err)
		}
	}

	cache, err := rediscache.NewFromEnv(log)
	if err != nil {
		log.Warn("cache unavailable; retrieval runs uncached", "error", err)
		cache = nil
	}

	var llm openai.Client
	if lc, err := openai.NewClient(log); err != nil {
		log.Warn("LLM collaborator unavailable; extraction and synthesis degrade", "error", err)
	} else {
		llm = lc
	}

	nerClient, err := ner.NewFromEnv(log)
	if err != nil {
		return nil, fmt.Errorf("%w: ner client: %v", ErrInvalidConfig, err)
	}

	plannerCfg, err := planner.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: planner config: %v", ErrInvalidConfig, err)
	}

	var embedder chunking.Embedder
	if llm != nil {
		embedder = llm
	}
	chunker := chunking.New(log, embedder)
	extractor := extraction.NewExtractor(log, llm, nerClient)
	pipeline := extraction.NewPipeline(log, extractor)

	qp := planner.New(log, plannerCfg, llm, nerClient, graphStore)
	index := retrieval.NewBM25Index()
	retriever := retrieval.New(log, llm, vectors, graphStore, registry, index, cache)
	reasoner := reasoning.New(log, graphStore, qp.CausalRelationTypes())
	synth := answer.New(log, llm)
	ingest := ingestion.New(log, registry, chunker, pipeline, llm, vectors, graphStore, cache, retriever, qp)

	// Warm the keyword index from whatever the registry already holds.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		if err := retriever.RebuildIndex(ctx); err != nil {
			log.Warn("keyword index warmup failed", "error", err)
		}
		cancel()
	}

	addr := ":" + envutil.String("PORT", "8080")
	srv := server.New(server.RouterConfig{
		Log:              log,
		IngestHandler:    handlers.NewIngestHandler(log, ingest, registry, vectors, graphStore),
		QueryHandler:     handlers.NewQueryHandler(log, qp, retriever, reasoner, synth),
		ReasoningHandler: handlers.NewReasoningHandler(log, qp, retriever, reasoner, synth),
		GraphHandler:     handlers.NewGraphHandler(log, graphStore),
		ExtractHandler:   handlers.NewExtractHandler(log, pipeline),
		SystemHandler:    handlers.NewSystemHandler(log, db, vectors, graphStore),
	}, addr)

	return &App{
		Log:     log,
		Server:  srv,
		db:      db,
		neo:     neo,
		cache:   cache,
		planner: qp,
		ingest:  ingest,
	}, nil
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Server.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Log.Warn("server shutdown incomplete", "error", err)
	}
	return <-errCh
}

func (a *App) Close(ctx context.Context) {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.Log.Warn("cache close failed", "error", err)
		}
	}
	if a.neo != nil {
		if err := a.neo.Close(ctx); err != nil {
			a.Log.Warn("graph store close failed", "error", err)
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
