package handlers

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/corvidlabs/graphrag-backend/internal/answer"
	"github.com/corvidlabs/graphrag-backend/internal/planner"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/reasoning"
	"github.com/corvidlabs/graphrag-backend/internal/retrieval"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

type ReasoningHandler struct {
	log       *logger.Logger
	planner   *planner.Planner
	retriever *retrieval.Retriever
	reasoner  *reasoning.Engine
	synth     *answer.Synthesizer
}

func NewReasoningHandler(log *logger.Logger, p *planner.Planner, r *retrieval.Retriever, e *reasoning.Engine, s *answer.Synthesizer) *ReasoningHandler {
	return &ReasoningHandler{
		log:       log.With("handler", "ReasoningHandler"),
		planner:   p,
		retriever: r,
		reasoner:  e,
		synth:     s,
	}
}

// POST /advanced-reasoning lets the planner pick the reasoning mode.
func (h *ReasoningHandler) AdvancedReasoning(c *gin.Context) {
	h.run(c, false, func(ctx context.Context, plan types.QueryPlan, fused []types.ScoredChunk) []types.ReasoningPath {
		return h.reasoner.Paths(ctx, plan, fused)
	})
}

// POST /causal-reasoning
func (h *ReasoningHandler) CausalReasoning(c *gin.Context) {
	h.run(c, false, h.reasoner.Causal)
}

// POST /comparative-reasoning
func (h *ReasoningHandler) ComparativeReasoning(c *gin.Context) {
	h.run(c, false, h.reasoner.Comparative)
}

// POST /multi-hop-reasoning honors an optional max_hops override.
func (h *ReasoningHandler) MultiHopReasoning(c *gin.Context) {
	h.run(c, true, h.reasoner.MultiHop)
}

type pathFn func(ctx context.Context, plan types.QueryPlan, fused []types.ScoredChunk) []types.ReasoningPath

// run handles the shared shape of the reasoning endpoints. allowHops lets
// the request body carry a max_hops override.
func (h *ReasoningHandler) run(c *gin.Context, allowHops bool, fn pathFn) {
	var req struct {
		Query   string `json:"query"`
		TopK    int    `json:"top_k"`
		Domain  string `json:"domain"`
		MaxHops int    `json:"max_hops"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, "invalid request body")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		respondInvalid(c, "query required")
		return
	}
	if req.MaxHops < 0 || req.MaxHops > 3 {
		respondInvalid(c, "max_hops must be between 1 and 3")
		return
	}

	ctx := c.Request.Context()
	plan := h.planner.Plan(ctx, query, req.Domain)
	if allowHops && req.MaxHops > 0 {
		plan.MaxHops = req.MaxHops
	}

	rc := h.retriever.Retrieve(ctx, plan, req.Domain, clampTopK(req.TopK))
	rc.Paths = fn(ctx, plan, rc.Chunks)
	ans := h.synth.Synthesize(ctx, query, rc)

	rendered := make([]string, 0, len(rc.Paths))
	for _, p := range rc.Paths {
		rendered = append(rendered, answer.RenderPath(p))
	}

	payload := gin.H{
		"answer":         ans,
		"paths":          rc.Paths,
		"paths_rendered": rendered,
		"plan":           plan,
		"chunks":         rc.Chunks,
		"confidence":     rc.Confidence,
		"known_entities": plan.KnownEntities(),
		"max_hops":       plan.MaxHops,
	}
	switch {
	case ans.Degraded:
		respondPartial(c, ans.Reason, payload)
	case rc.Partial:
		payload["degraded_strategies"] = rc.Degraded
		respondPartial(c, "one or more retrieval strategies failed", payload)
	default:
		respondSuccess(c, payload)
	}
}
