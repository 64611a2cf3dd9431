package types

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Namespace UUIDs for deterministic ids. Entity ids are a pure function of
// (normalized name, type); chunk ids of (document id, ordinal).
var (
	entityNamespaceUUID = uuid.MustParse("9c3a54d2-7e1b-4f6a-9d08-2b54c1a7e3f0")
	chunkNamespaceUUID  = uuid.MustParse("4f8e21c6-0a3d-47b9-8c15-de60b92f7a41")
)

type Chunk struct {
	ID          string            `json:"id"`
	DocumentID  string            `json:"document_id"`
	Ordinal     int               `json:"ordinal"`
	Text        string            `json:"text"`
	SectionPath []string          `json:"section_path,omitempty"`
	Page        int               `json:"page,omitempty"`
	Domain      string            `json:"domain,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

type Entity struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	NameNormalized string   `json:"name_normalized"`
	Type           string   `json:"type"`
	Description    string   `json:"description,omitempty"`
	Aliases        []string `json:"aliases,omitempty"`
	Domain         string   `json:"domain,omitempty"`
	Occurrence     int      `json:"occurrence"`
	Confidence     float64  `json:"confidence"`
}

type Relation struct {
	SourceEntityID string   `json:"source_entity_id"`
	TargetEntityID string   `json:"target_entity_id"`
	Type           string   `json:"type"`
	Context        string   `json:"context,omitempty"`
	Confidence     float64  `json:"confidence"`
	Weight         int      `json:"weight"`
	Domain         string   `json:"domain,omitempty"`
	Evidence       []string `json:"evidence,omitempty"`
}

type Mention struct {
	EntityID string `json:"entity_id"`
	ChunkID  string `json:"chunk_id"`
	Count    int    `json:"count"`
}

var (
	normalizeSpaceRe = regexp.MustCompile(`\s+`)
	normalizePunctRe = regexp.MustCompile(`[^\p{L}\p{N} ]+`)
)

// NormalizeName lowercases, folds whitespace and strips punctuation so the
// same surface form always resolves to the same entity.
func NormalizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = normalizePunctRe.ReplaceAllString(s, " ")
	s = normalizeSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// EntityID derives the deterministic id for (normalized name, type).
func EntityID(normalizedName, entityType string) string {
	return uuid.NewSHA1(entityNamespaceUUID, []byte(normalizedName+"|"+strings.ToUpper(strings.TrimSpace(entityType)))).String()
}

// ChunkID derives the deterministic id for (document id, ordinal).
func ChunkID(documentID string, ordinal int) string {
	return uuid.NewSHA1(chunkNamespaceUUID, []byte(documentID+"|"+strconv.Itoa(ordinal))).String()
}
