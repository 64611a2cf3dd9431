package server

import (
	"github.com/gin-gonic/gin"

	"github.com/corvidlabs/graphrag-backend/internal/handlers"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log              *logger.Logger
	IngestHandler    *handlers.IngestHandler
	QueryHandler     *handlers.QueryHandler
	ReasoningHandler *handlers.ReasoningHandler
	GraphHandler     *handlers.GraphHandler
	ExtractHandler   *handlers.ExtractHandler
	SystemHandler    *handlers.SystemHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(CORS())
	router.Use(RequestLogger(cfg.Log))
	router.Use(RequestMetrics())

	if cfg.SystemHandler != nil {
		router.GET("/health", cfg.SystemHandler.Health)
		router.GET("/metrics", cfg.SystemHandler.Metrics)
	}

	if cfg.IngestHandler != nil {
		router.POST("/ingest-documents", cfg.IngestHandler.IngestDocuments)
		router.GET("/documents/list", cfg.IngestHandler.ListDocuments)
		router.DELETE("/documents/:name", cfg.IngestHandler.DeleteDocument)
		router.DELETE("/clear-all", cfg.IngestHandler.ClearAll)
		router.GET("/supported-formats", cfg.IngestHandler.SupportedFormats)
	}

	if cfg.QueryHandler != nil {
		router.POST("/search", cfg.QueryHandler.Search)
		router.POST("/search-advanced", cfg.QueryHandler.SearchAdvanced)
		router.POST("/enhanced-query", cfg.QueryHandler.EnhancedQuery)
		router.POST("/analyze-query-intent", cfg.QueryHandler.AnalyzeQueryIntent)
	}

	if cfg.ReasoningHandler != nil {
		router.POST("/advanced-reasoning", cfg.ReasoningHandler.AdvancedReasoning)
		router.POST("/causal-reasoning", cfg.ReasoningHandler.CausalReasoning)
		router.POST("/comparative-reasoning", cfg.ReasoningHandler.ComparativeReasoning)
		router.POST("/multi-hop-reasoning", cfg.ReasoningHandler.MultiHopReasoning)
	}

	if cfg.GraphHandler != nil {
		kg := router.Group("/knowledge-graph")
		{
			kg.GET("/export", cfg.GraphHandler.Export)
			kg.POST("/filtered", cfg.GraphHandler.Filtered)
			kg.GET("/top-entities", cfg.GraphHandler.TopEntities)
			kg.GET("/top-relations", cfg.GraphHandler.TopRelations)
			kg.GET("/stats", cfg.GraphHandler.Stats)
			kg.GET("/domain-stats", cfg.GraphHandler.DomainStats)
			kg.GET("/domains", cfg.GraphHandler.Domains)
		}
	}

	if cfg.ExtractHandler != nil {
		router.POST("/extract-entities-relations", cfg.ExtractHandler.ExtractEntitiesRelations)
	}

	return router
}
