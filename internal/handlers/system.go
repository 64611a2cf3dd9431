package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/corvidlabs/graphrag-backend/internal/graph"
	"github.com/corvidlabs/graphrag-backend/internal/observability"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/platform/qdrant"
)

type SystemHandler struct {
	log     *logger.Logger
	db      *gorm.DB
	vectors qdrant.Store
	graph   *graph.Store
}

func NewSystemHandler(log *logger.Logger, db *gorm.DB, vectors qdrant.Store, graphStore *graph.Store) *SystemHandler {
	return &SystemHandler{
		log:     log.With("handler", "SystemHandler"),
		db:      db,
		vectors: vectors,
		graph:   graphStore,
	}
}

// GET /health. The registry is the only hard dependency; vector and graph
// stores report their state but do not flip the overall status.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()
	components := gin.H{}
	healthy := true

	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			components["registry"] = "unhealthy"
			healthy = false
		} else {
			components["registry"] = "healthy"
		}
	} else {
		components["registry"] = "unconfigured"
		healthy = false
	}

	if h.vectors != nil {
		if _, err := h.vectors.Count(ctx); err != nil {
			components["vector_store"] = "unhealthy"
		} else {
			components["vector_store"] = "healthy"
		}
	} else {
		components["vector_store"] = "unconfigured"
	}

	if h.graph != nil && h.graph.Available() {
		components["graph_store"] = "healthy"
	} else {
		components["graph_store"] = "unconfigured"
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":     status,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"components": components,
	})
}

// GET /metrics in Prometheus text format.
func (h *SystemHandler) Metrics(c *gin.Context) {
	m := observability.Current()
	if m == nil {
		c.String(http.StatusNotFound, "metrics disabled\n")
		return
	}
	c.Header("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	c.Status(http.StatusOK)
	if err := m.WritePrometheus(c.Writer); err != nil {
		h.log.Warn("metrics write failed", "error", err)
	}
}
