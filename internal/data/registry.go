package data

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/corvidlabs/graphrag-backend/internal/platform/apierr"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

// Registry is the relational view of documents and chunks.
type Registry interface {
	CreateDocument(ctx context.Context, doc *DocumentRecord) error
	GetDocument(ctx context.Context, id string) (*DocumentRecord, error)
	GetDocumentByName(ctx context.Context, name string) (*DocumentRecord, error)
	ListDocuments(ctx context.Context, domain string) ([]DocumentRecord, error)
	UpdateDocumentState(ctx context.Context, id string, state types.DocumentState, updates map[string]any) error
	DeleteDocument(ctx context.Context, id string) error

	CreateChunks(ctx context.Context, chunks []ChunkRecord) error
	ChunksByDocument(ctx context.Context, documentID string) ([]ChunkRecord, error)
	ChunksByIDs(ctx context.Context, ids []string) ([]ChunkRecord, error)
	AllChunks(ctx context.Context, domain string) ([]ChunkRecord, error)
	DeleteChunksByDocument(ctx context.Context, documentID string) error
	Reset(ctx context.Context) error
}

type registry struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRegistry(db *gorm.DB, baseLog *logger.Logger) Registry {
	return &registry{db: db, log: baseLog.With("repo", "Registry")}
}

func (r *registry) CreateDocument(ctx context.Context, doc *DocumentRecord) error {
	if doc == nil || strings.TrimSpace(doc.ID) == "" {
		return apierr.New(apierr.KindInvalidInput, "registry.create_document", "document id required")
	}
	if doc.State == "" {
		doc.State = types.DocumentReceived
	}
	if err := r.db.WithContext(ctx).Create(doc).Error; err != nil {
		return apierr.Wrap(apierr.KindOf(err), "registry.create_document", "insert document", err)
	}
	return nil
}

func (r *registry) GetDocument(ctx context.Context, id string) (*DocumentRecord, error) {
	const op = "registry.get_document"
	var doc DocumentRecord
	err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.New(apierr.KindNotFound, op, "document not found: "+id)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), op, "load document", err)
	}
	return &doc, nil
}

func (r *registry) GetDocumentByName(ctx context.Context, name string) (*DocumentRecord, error) {
	const op = "registry.get_document_by_name"
	var doc DocumentRecord
	err := r.db.WithContext(ctx).First(&doc, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.New(apierr.KindNotFound, op, "document not found: "+name)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), op, "load document", err)
	}
	return &doc, nil
}

func (r *registry) ListDocuments(ctx context.Context, domain string) ([]DocumentRecord, error) {
	var docs []DocumentRecord
	q := r.db.WithContext(ctx).Order("created_at DESC, id ASC")
	if d := strings.TrimSpace(domain); d != "" {
		q = q.Where("domain = ?", d)
	}
	if err := q.Find(&docs).Error; err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), "registry.list_documents", "list documents", err)
	}
	return docs, nil
}

func (r *registry) UpdateDocumentState(ctx context.Context, id string, state types.DocumentState, updates map[string]any) error {
	const op = "registry.update_document_state"
	if updates == nil {
		updates = map[string]any{}
	}
	updates["state"] = state
	updates["updated_at"] = time.Now().UTC()

	res := r.db.WithContext(ctx).
		Model(&DocumentRecord{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return apierr.Wrap(apierr.KindOf(res.Error), op, "update document", res.Error)
	}
	if res.RowsAffected == 0 {
		return apierr.New(apierr.KindNotFound, op, "document not found: "+id)
	}
	return nil
}

func (r *registry) DeleteDocument(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&DocumentRecord{}, "id = ?", id).Error; err != nil {
		return apierr.Wrap(apierr.KindOf(err), "registry.delete_document", "delete document", err)
	}
	return nil
}

func (r *registry) CreateChunks(ctx context.Context, chunks []ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	// Keep batches small because Text is large.
	const batchSize = 100
	if err := r.db.WithContext(ctx).CreateInBatches(chunks, batchSize).Error; err != nil {
		return apierr.Wrap(apierr.KindOf(err), "registry.create_chunks", "insert chunks", err)
	}
	return nil
}

func (r *registry) ChunksByDocument(ctx context.Context, documentID string) ([]ChunkRecord, error) {
	var chunks []ChunkRecord
	if err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("ordinal ASC").
		Find(&chunks).Error; err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), "registry.chunks_by_document", "load chunks", err)
	}
	return chunks, nil
}

func (r *registry) ChunksByIDs(ctx context.Context, ids []string) ([]ChunkRecord, error) {
	var chunks []ChunkRecord
	if len(ids) == 0 {
		return chunks, nil
	}
	if err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&chunks).Error; err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), "registry.chunks_by_ids", "load chunks", err)
	}
	return chunks, nil
}

// AllChunks feeds the keyword index rebuild on startup.
func (r *registry) AllChunks(ctx context.Context, domain string) ([]ChunkRecord, error) {
	var chunks []ChunkRecord
	q := r.db.WithContext(ctx).Order("document_id ASC, ordinal ASC")
	if d := strings.TrimSpace(domain); d != "" {
		q = q.Where("domain = ?", d)
	}
	if err := q.Find(&chunks).Error; err != nil {
		return nil, apierr.Wrap(apierr.KindOf(err), "registry.all_chunks", "load chunks", err)
	}
	return chunks, nil
}

func (r *registry) DeleteChunksByDocument(ctx context.Context, documentID string) error {
	if err := r.db.WithContext(ctx).Delete(&ChunkRecord{}, "document_id = ?", documentID).Error; err != nil {
		return apierr.Wrap(apierr.KindOf(err), "registry.delete_chunks", "delete chunks", err)
	}
	return nil
}

// Reset drops all rows. Serves the corpus reset operation.
func (r *registry) Reset(ctx context.Context) error {
	const op = "registry.reset"
	if err := r.db.WithContext(ctx).Exec("DELETE FROM chunks").Error; err != nil {
		return apierr.Wrap(apierr.KindOf(err), op, "truncate chunks", err)
	}
	if err := r.db.WithContext(ctx).Exec("DELETE FROM documents").Error; err != nil {
		return apierr.Wrap(apierr.KindOf(err), op, "truncate documents", err)
	}
	return nil
}
