package data

import (
	"time"

	"github.com/corvidlabs/graphrag-backend/internal/types"
)

// DocumentRecord is the registry row for one ingested document. It is the
// source of truth for document lifecycle state; the vector store and the
// knowledge graph are projections rebuilt from its chunks.
type DocumentRecord struct {
	ID            string              `gorm:"primaryKey;size:64"`
	Name          string              `gorm:"size:512;not null"`
	Domain        string              `gorm:"size:128;index"`
	State         types.DocumentState `gorm:"size:32;index;not null"`
	ChunkCount    int
	EntityCount   int
	RelationCount int
	FailedChunks  int
	FailureReason string `gorm:"size:2048"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (DocumentRecord) TableName() string { return "documents" }

// ChunkRecord holds chunk text and placement. Retrieval hydrates chunk text
// from here; the vector store only carries a payload copy for convenience.
type ChunkRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	DocumentID  string `gorm:"size:64;index;not null"`
	Ordinal     int    `gorm:"index"`
	Text        string `gorm:"type:text"`
	SectionPath string `gorm:"size:1024"`
	Domain      string `gorm:"size:128;index"`
	TokenCount  int
	CreatedAt   time.Time
}

func (ChunkRecord) TableName() string { return "chunks" }
