package reasoning

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/corvidlabs/graphrag-backend/internal/graph"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

const (
	maxPaths  = 5
	beamWidth = 4
)

// Engine derives reasoning paths over the knowledge graph. Every public
// method degrades to chunk co-occurrence when the graph store fails, so a
// reasoning request never hard-fails on a storage outage.
type Engine struct {
	log         *logger.Logger
	graph       *graph.Store
	causalTypes []string
}

func New(baseLog *logger.Logger, graphStore *graph.Store, causalTypes []string) *Engine {
	return &Engine{
		log:         baseLog.With("service", "ReasoningEngine"),
		graph:       graphStore,
		causalTypes: causalTypes,
	}
}

// Paths runs the reasoning kind the plan asks for. Plans without a reasoning
// component but with two or more known entities still get direct paths.
func (e *Engine) Paths(ctx context.Context, plan types.QueryPlan, fused []types.ScoredChunk) []types.ReasoningPath {
	known := plan.KnownEntities()
	kind := plan.Reasoning
	if kind == types.ReasoningNone {
		if len(known) < 2 {
			return nil
		}
		kind = types.ReasoningDirect
	}

	var paths []types.ReasoningPath
	var failed bool
	switch kind {
	case types.ReasoningDirect:
		paths, failed = e.direct(ctx, known, plan.MaxHops)
	case types.ReasoningCausal:
		paths, failed = e.causal(ctx, known, plan.MaxHops)
	case types.ReasoningComparative:
		paths, failed = e.comparative(ctx, known)
	case types.ReasoningMultiHop:
		paths, failed = e.multiHop(ctx, known, plan.MaxHops)
	}
	if failed {
		return e.cooccurrenceFallback(kind, plan.Entities, fused)
	}
	if len(paths) > maxPaths {
		paths = paths[:maxPaths]
	}
	return paths
}

// Direct finds shortest paths between every pair of known entities.
func (e *Engine) Direct(ctx context.Context, plan types.QueryPlan, fused []types.ScoredChunk) []types.ReasoningPath {
	paths, failed := e.direct(ctx, plan.KnownEntities(), plan.MaxHops)
	if failed {
		return e.cooccurrenceFallback(types.ReasoningDirect, plan.Entities, fused)
	}
	return capPaths(paths)
}

// Causal walks directed chains restricted to the configured causal edge set.
func (e *Engine) Causal(ctx context.Context, plan types.QueryPlan, fused []types.ScoredChunk) []types.ReasoningPath {
	paths, failed := e.causal(ctx, plan.KnownEntities(), plan.MaxHops)
	if failed {
		return e.cooccurrenceFallback(types.ReasoningCausal, plan.Entities, fused)
	}
	return capPaths(paths)
}

// Comparative overlaps the hop-1 neighborhoods of entity pairs.
func (e *Engine) Comparative(ctx context.Context, plan types.QueryPlan, fused []types.ScoredChunk) []types.ReasoningPath {
	paths, failed := e.comparative(ctx, plan.KnownEntities())
	if failed {
		return e.cooccurrenceFallback(types.ReasoningComparative, plan.Entities, fused)
	}
	return capPaths(paths)
}

// MultiHop beam-searches outward from each known entity.
func (e *Engine) MultiHop(ctx context.Context, plan types.QueryPlan, fused []types.ScoredChunk) []types.ReasoningPath {
	paths, failed := e.multiHop(ctx, plan.KnownEntities(), plan.MaxHops)
	if failed {
		return e.cooccurrenceFallback(types.ReasoningMultiHop, plan.Entities, fused)
	}
	return capPaths(paths)
}

func capPaths(paths []types.ReasoningPath) []types.ReasoningPath {
	if len(paths) > maxPaths {
		return paths[:maxPaths]
	}
	return paths
}

func (e *Engine) direct(ctx context.Context, known []types.PlanEntity, maxHops int) ([]types.ReasoningPath, bool) {
	if len(known) < 2 {
		return nil, false
	}
	var paths []types.ReasoningPath
	for i := 0; i < len(known); i++ {
		for j := i + 1; j < len(known); j++ {
			edges, nodes, err := e.graph.ShortestPath(ctx, known[i].EntityID, known[j].EntityID, maxHops)
			if err != nil {
				e.log.Warn("direct reasoning degraded", "error", err)
				return nil, true
			}
			if len(edges) == 0 {
				continue
			}
			paths = append(paths, buildPath(types.ReasoningDirect, edges, nodes))
		}
	}
	sortPaths(paths)
	return paths, false
}

func (e *Engine) causal(ctx context.Context, known []types.PlanEntity, maxHops int) ([]types.ReasoningPath, bool) {
	var paths []types.ReasoningPath
	for _, entity := range known {
		edgePaths, nodePaths, err := e.graph.DirectedPaths(ctx, entity.EntityID, e.causalTypes, maxHops, maxPaths)
		if err != nil {
			e.log.Warn("causal reasoning degraded", "error", err)
			return nil, true
		}
		for i := range edgePaths {
			paths = append(paths, buildPath(types.ReasoningCausal, edgePaths[i], nodePaths[i]))
		}
	}
	sortPaths(paths)
	return paths, false
}

func (e *Engine) comparative(ctx context.Context, known []types.PlanEntity) ([]types.ReasoningPath, bool) {
	if len(known) < 2 {
		return nil, false
	}
	var paths []types.ReasoningPath
	for i := 0; i < len(known); i++ {
		for j := i + 1; j < len(known); j++ {
			a, b := known[i], known[j]
			edgesA, err := e.graph.AdjacentEdges(ctx, a.EntityID)
			if err != nil {
				e.log.Warn("comparative reasoning degraded", "error", err)
				return nil, true
			}
			edgesB, err := e.graph.AdjacentEdges(ctx, b.EntityID)
			if err != nil {
				e.log.Warn("comparative reasoning degraded", "error", err)
				return nil, true
			}

			neighborsA := neighborSet(a.EntityID, edgesA)
			neighborsB := neighborSet(b.EntityID, edgesB)
			shared := 0
			for id := range neighborsA {
				if neighborsB[id] {
					shared++
				}
			}
			union := len(neighborsA) + len(neighborsB) - shared
			overlap := 0.0
			if union > 0 {
				overlap = float64(shared) / float64(union)
			}

			evidence, err := e.graph.ChunksMentioningAll(ctx, []string{a.EntityID, b.EntityID})
			if err != nil {
				e.log.Warn("comparative reasoning degraded", "error", err)
				return nil, true
			}

			paths = append(paths, types.ReasoningPath{
				Kind:           types.ReasoningComparative,
				EntityIDs:      []string{a.EntityID, b.EntityID},
				EntityNames:    []string{a.Name, b.Name},
				EvidenceChunks: evidence,
				Confidence:     overlap,
			})
		}
	}
	sortPaths(paths)
	return paths, false
}

func (e *Engine) multiHop(ctx context.Context, known []types.PlanEntity, maxHops int) ([]types.ReasoningPath, bool) {
	type beamState struct {
		entityIDs []string
		names     []string
		edges     []types.PathEdge
		score     float64
	}

	var paths []types.ReasoningPath
	for _, seed := range known {
		frontier := []beamState{{
			entityIDs: []string{seed.EntityID},
			names:     []string{seed.Name},
			score:     1.0,
		}}
		for hop := 0; hop < maxHops; hop++ {
			var next []beamState
			for _, state := range frontier {
				tip := state.entityIDs[len(state.entityIDs)-1]
				edges, err := e.graph.AdjacentEdges(ctx, tip)
				if err != nil {
					e.log.Warn("multi-hop reasoning degraded", "error", err)
					return nil, true
				}
				for _, edge := range edges {
					otherID, otherName := edge.TargetEntityID, edge.TargetName
					if otherID == tip {
						otherID, otherName = edge.SourceEntityID, edge.SourceName
					}
					if containsID(state.entityIDs, otherID) {
						continue
					}
					hopScore := edge.Confidence * math.Pow(float64(maxInt(edge.TargetOccurrence, 1)), 0.25)
					next = append(next, beamState{
						entityIDs: append(append([]string{}, state.entityIDs...), otherID),
						names:     append(append([]string{}, state.names...), otherName),
						edges: append(append([]types.PathEdge{}, state.edges...), types.PathEdge{
							SourceEntityID: tip,
							TargetEntityID: otherID,
							Type:           edge.Type,
							Confidence:     edge.Confidence,
						}),
						score: state.score * hopScore,
					})
				}
			}
			sort.Slice(next, func(i, j int) bool {
				if next[i].score != next[j].score {
					return next[i].score > next[j].score
				}
				return strings.Join(next[i].entityIDs, "|") < strings.Join(next[j].entityIDs, "|")
			})
			if len(next) > beamWidth {
				next = next[:beamWidth]
			}
			if len(next) == 0 {
				break
			}
			frontier = next
		}

		for _, state := range frontier {
			if len(state.edges) == 0 {
				continue
			}
			confidence := 1.0
			for _, edge := range state.edges {
				confidence *= edge.Confidence
			}
			paths = append(paths, types.ReasoningPath{
				Kind:        types.ReasoningMultiHop,
				EntityIDs:   state.entityIDs,
				EntityNames: state.names,
				Edges:       state.edges,
				Confidence:  confidence / float64(len(state.edges)),
			})
		}
	}
	sortPaths(paths)
	return paths, false
}

// cooccurrenceFallback derives weak paths from entities that co-occur in the
// fused chunks when the graph store is unreachable.
func (e *Engine) cooccurrenceFallback(kind types.ReasoningKind, entities []types.PlanEntity, fused []types.ScoredChunk) []types.ReasoningPath {
	if len(entities) < 2 || len(fused) == 0 {
		return nil
	}
	var paths []types.ReasoningPath
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			a, b := entities[i], entities[j]
			var evidence []string
			for _, sc := range fused {
				lower := strings.ToLower(sc.Chunk.Text)
				if strings.Contains(lower, strings.ToLower(a.Name)) && strings.Contains(lower, strings.ToLower(b.Name)) {
					evidence = append(evidence, sc.Chunk.ID)
				}
			}
			if len(evidence) == 0 {
				continue
			}
			paths = append(paths, types.ReasoningPath{
				Kind:           kind,
				EntityIDs:      []string{a.EntityID, b.EntityID},
				EntityNames:    []string{a.Name, b.Name},
				EvidenceChunks: evidence,
				Confidence:     0.3,
			})
			if len(paths) == maxPaths {
				return paths
			}
		}
	}
	return paths
}

// buildPath assembles a ReasoningPath with confidence = product of edge
// confidences scaled by 1/path_length.
func buildPath(kind types.ReasoningKind, edges []types.PathEdge, nodes []types.Entity) types.ReasoningPath {
	ids := make([]string, 0, len(nodes))
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
		names = append(names, n.Name)
	}
	confidence := 1.0
	for _, edge := range edges {
		confidence *= edge.Confidence
	}
	if len(edges) > 0 {
		confidence /= float64(len(edges))
	}
	return types.ReasoningPath{
		Kind:        kind,
		EntityIDs:   ids,
		EntityNames: names,
		Edges:       edges,
		Confidence:  confidence,
	}
}

func sortPaths(paths []types.ReasoningPath) {
	sort.Slice(paths, func(i, j int) bool {
		if paths[i].Confidence != paths[j].Confidence {
			return paths[i].Confidence > paths[j].Confidence
		}
		return strings.Join(paths[i].EntityIDs, "|") < strings.Join(paths[j].EntityIDs, "|")
	})
}

func neighborSet(selfID string, edges []graph.Edge) map[string]bool {
	out := map[string]bool{}
	for _, edge := range edges {
		if edge.SourceEntityID != selfID {
			out[edge.SourceEntityID] = true
		}
		if edge.TargetEntityID != selfID {
			out[edge.TargetEntityID] = true
		}
	}
	return out
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
