package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/corvidlabs/graphrag-backend/internal/extraction"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

const maxExtractChars = 100_000

type ExtractHandler struct {
	log      *logger.Logger
	pipeline *extraction.Pipeline
}

func NewExtractHandler(log *logger.Logger, pipeline *extraction.Pipeline) *ExtractHandler {
	return &ExtractHandler{
		log:      log.With("handler", "ExtractHandler"),
		pipeline: pipeline,
	}
}

// POST /extract-entities-relations previews extraction over ad-hoc text
// without touching the stores.
func (h *ExtractHandler) ExtractEntitiesRelations(c *gin.Context) {
	var req struct {
		Text   string `json:"text"`
		Domain string `json:"domain"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, "invalid request body")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		respondInvalid(c, "text required")
		return
	}
	if len(text) > maxExtractChars {
		respondInvalid(c, "text exceeds the extraction preview limit")
		return
	}

	chunk := types.Chunk{
		ID:         types.ChunkID("extract-preview", 0),
		DocumentID: "extract-preview",
		Text:       text,
		Domain:     req.Domain,
	}
	result := h.pipeline.Run(c.Request.Context(), req.Domain, []types.Chunk{chunk})

	payload := gin.H{
		"entities":       result.Entities,
		"relations":      result.Relations,
		"entity_count":   len(result.Entities),
		"relation_count": len(result.Relations),
	}
	if len(result.FailedChunks) > 0 {
		respondPartial(c, "extraction did not complete for the supplied text", payload)
		return
	}
	respondSuccess(c, payload)
}
