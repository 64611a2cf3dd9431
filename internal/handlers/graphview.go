package handlers

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/corvidlabs/graphrag-backend/internal/graph"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

const defaultTopLimit = 20

type GraphHandler struct {
	log   *logger.Logger
	graph *graph.Store
}

func NewGraphHandler(log *logger.Logger, graphStore *graph.Store) *GraphHandler {
	return &GraphHandler{
		log:   log.With("handler", "GraphHandler"),
		graph: graphStore,
	}
}

// GET /knowledge-graph/export
func (h *GraphHandler) Export(c *gin.Context) {
	if format := strings.TrimSpace(c.Query("format")); format != "" && !strings.EqualFold(format, "json") {
		respondInvalid(c, "only format=json is supported")
		return
	}

	filter := types.GraphFilter{
		Domain:        strings.TrimSpace(c.Query("domain")),
		MaxEntities:   queryInt(c, "max_entities"),
		MaxRelations:  queryInt(c, "max_relations"),
		MinOccurrence: queryInt(c, "min_occurrence"),
	}
	h.project(c, filter)
}

// POST /knowledge-graph/filtered
func (h *GraphHandler) Filtered(c *gin.Context) {
	var filter types.GraphFilter
	if err := c.ShouldBindJSON(&filter); err != nil {
		respondInvalid(c, "invalid filter body")
		return
	}
	h.project(c, filter)
}

func (h *GraphHandler) project(c *gin.Context, filter types.GraphFilter) {
	normalized, err := filter.Normalize()
	if err != nil {
		respondInvalid(c, err.Error())
		return
	}
	projection, err := h.graph.FilteredProjection(c.Request.Context(), normalized)
	if err != nil {
		respondError(c, err)
		return
	}
	respondSuccess(c, gin.H{
		"entities":                      projection.Entities,
		"relations":                     projection.Relations,
		"entity_count":                  len(projection.Entities),
		"relation_count":                len(projection.Relations),
		"total_entities_before_filter":  projection.TotalEntities,
		"total_relations_before_filter": projection.TotalRelations,
		"applied_filter":                projection.AppliedFilter,
	})
}

// GET /knowledge-graph/top-entities
func (h *GraphHandler) TopEntities(c *gin.Context) {
	limit := queryInt(c, "limit")
	if limit <= 0 {
		limit = defaultTopLimit
	}
	entities, err := h.graph.TopEntities(c.Request.Context(), limit, strings.TrimSpace(c.Query("domain")), strings.TrimSpace(c.Query("sort_by")))
	if err != nil {
		respondError(c, err)
		return
	}
	respondSuccess(c, gin.H{"entities": entities, "count": len(entities)})
}

// GET /knowledge-graph/top-relations
func (h *GraphHandler) TopRelations(c *gin.Context) {
	limit := queryInt(c, "limit")
	if limit <= 0 {
		limit = defaultTopLimit
	}
	relations, err := h.graph.TopRelations(c.Request.Context(), limit, strings.TrimSpace(c.Query("domain")))
	if err != nil {
		respondError(c, err)
		return
	}
	respondSuccess(c, gin.H{"relations": relations, "count": len(relations)})
}

// GET /knowledge-graph/stats
func (h *GraphHandler) Stats(c *gin.Context) {
	stats, err := h.graph.Stats(c.Request.Context(), strings.TrimSpace(c.Query("domain")))
	if err != nil {
		respondError(c, err)
		return
	}
	respondSuccess(c, gin.H{"stats": stats})
}

// GET /knowledge-graph/domain-stats?domain=
func (h *GraphHandler) DomainStats(c *gin.Context) {
	domain := strings.TrimSpace(c.Query("domain"))
	if domain == "" {
		respondInvalid(c, "domain query parameter required")
		return
	}
	stats, err := h.graph.Stats(c.Request.Context(), domain)
	if err != nil {
		respondError(c, err)
		return
	}
	respondSuccess(c, gin.H{"domain": domain, "stats": stats})
}

// GET /knowledge-graph/domains
func (h *GraphHandler) Domains(c *gin.Context) {
	domains, err := h.graph.Domains(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondSuccess(c, gin.H{"domains": domains, "count": len(domains)})
}

func queryInt(c *gin.Context, name string) int {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}
