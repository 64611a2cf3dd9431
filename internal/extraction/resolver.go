package extraction

import (
	"sort"
	"strings"
	"sync"

	"github.com/corvidlabs/graphrag-backend/internal/types"
)

const (
	blockingPrefixLen = 4
	fuzzyMergeRatio   = 0.92
)

// Resolver merges entity observations within a process. Candidates are
// blocked on (normalized-name prefix, type) so fuzzy comparison only runs
// inside a small bucket.
type Resolver struct {
	mu       sync.Mutex
	byID     map[string]*types.Entity
	byBlock  map[string][]string // blocking key -> entity ids
	mentions map[string]map[string]int
}

func NewResolver() *Resolver {
	return &Resolver{
		byID:     map[string]*types.Entity{},
		byBlock:  map[string][]string{},
		mentions: map[string]map[string]int{},
	}
}

// Observation is one raw entity sighting in a chunk.
type Observation struct {
	Name        string
	Type        string
	Description string
	Aliases     []string
	Confidence  float64
	Domain      string
	ChunkID     string
}

// Resolve merges the observation into the entity set and returns the
// resolved entity id. Merging unions aliases, sums occurrence and keeps the
// max confidence.
func (r *Resolver) Resolve(obs Observation) string {
	normalized := types.NormalizeName(obs.Name)
	if normalized == "" {
		return ""
	}
	entityType := strings.ToUpper(strings.TrimSpace(obs.Type))
	if entityType == "" {
		entityType = "CONCEPT"
	}
	if obs.Confidence <= 0 {
		obs.Confidence = 0.5
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	block := blockingKey(normalized, entityType)
	var match *types.Entity
	for _, id := range r.byBlock[block] {
		candidate := r.byID[id]
		if candidate.NameNormalized == normalized || LevenshteinRatio(candidate.NameNormalized, normalized) >= fuzzyMergeRatio {
			match = candidate
			break
		}
	}

	if match == nil {
		id := types.EntityID(normalized, entityType)
		match = &types.Entity{
			ID:             id,
			Name:           strings.TrimSpace(obs.Name),
			NameNormalized: normalized,
			Type:           entityType,
			Description:    strings.TrimSpace(obs.Description),
			Domain:         obs.Domain,
			Occurrence:     0,
			Confidence:     obs.Confidence,
		}
		r.byID[id] = match
		r.byBlock[block] = append(r.byBlock[block], id)
	}

	match.Occurrence++
	if obs.Confidence > match.Confidence {
		match.Confidence = obs.Confidence
	}
	if match.Description == "" && strings.TrimSpace(obs.Description) != "" {
		match.Description = strings.TrimSpace(obs.Description)
	}
	aliases := append([]string{strings.TrimSpace(obs.Name)}, obs.Aliases...)
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" || alias == match.Name {
			continue
		}
		if !containsString(match.Aliases, alias) {
			match.Aliases = append(match.Aliases, alias)
		}
	}

	if obs.ChunkID != "" {
		byChunk := r.mentions[match.ID]
		if byChunk == nil {
			byChunk = map[string]int{}
			r.mentions[match.ID] = byChunk
		}
		byChunk[obs.ChunkID]++
	}
	return match.ID
}

// Lookup returns the resolved id for a surface form already observed, or "".
func (r *Resolver) Lookup(name string) string {
	normalized := types.NormalizeName(name)
	if normalized == "" {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.byID {
		if e.NameNormalized == normalized {
			return e.ID
		}
		for _, alias := range e.Aliases {
			if types.NormalizeName(alias) == normalized {
				return e.ID
			}
		}
	}
	return ""
}

// Entities returns the merged entity set sorted by (normalized name, type).
func (r *Resolver) Entities() []types.Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Entity, 0, len(r.byID))
	for _, e := range r.byID {
		copied := *e
		copied.Aliases = append([]string(nil), e.Aliases...)
		sort.Strings(copied.Aliases)
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NameNormalized != out[j].NameNormalized {
			return out[i].NameNormalized < out[j].NameNormalized
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Mentions returns entity→chunk mention counts sorted by (entity, chunk).
func (r *Resolver) Mentions() []types.Mention {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Mention
	for entityID, byChunk := range r.mentions {
		for chunkID, count := range byChunk {
			out = append(out, types.Mention{EntityID: entityID, ChunkID: chunkID, Count: count})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

func blockingKey(normalized, entityType string) string {
	runes := []rune(normalized)
	if len(runes) > blockingPrefixLen {
		runes = runes[:blockingPrefixLen]
	}
	return string(runes) + "|" + entityType
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// LevenshteinRatio is 1 - distance/maxLen computed over runes. Entity
// resolution and query-entity linking both gate merges on it.
func LevenshteinRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	return 1 - float64(prev[len(rb)])/float64(maxLen)
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
