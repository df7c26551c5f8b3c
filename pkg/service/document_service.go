// Document ingestion for retrieval augmentation
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/shieldauth/shieldauth/pkg/db"
	"github.com/shieldauth/shieldauth/pkg/event"
	"github.com/shieldauth/shieldauth/pkg/models"
	"github.com/shieldauth/shieldauth/pkg/utils"
)

// maxChunkSize bounds a single chunk; oversized paragraphs are split on
// rune boundaries.
const maxChunkSize = 2000

// ErrDocumentNotFound is returned for unknown or foreign document IDs.
var ErrDocumentNotFound = errors.New("document not found")

// DocumentService stores uploaded documents, splits them into chunks and
// indexes the chunks into the user's vector collection.
type DocumentService struct {
	database *gorm.DB
	index    *VectorIndex
	logger   *slog.Logger
}

// NewDocumentService creates a document service. index may be nil, in which
// case documents are stored but never indexed (retrieval stays empty).
func NewDocumentService(database *gorm.DB, index *VectorIndex) *DocumentService {
	return &DocumentService{
		database: database,
		index:    index,
		logger:   utils.GetLogger(),
	}
}

// Ingest stores the document and its chunk rows, then kicks off indexing in
// the background. The returned document is in the pending state; its status
// moves to indexed or failed when the background work finishes.
func (s *DocumentService) Ingest(ctx context.Context, userID string, req *models.IngestDocumentRequest) (*db.Document, error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Content) == "" {
		return nil, ErrInvalidState
	}

	chunks := splitChunks(req.Content)

	doc := &db.Document{
		ID:         uuid.New().String(),
		UserID:     userID,
		Name:       req.Name,
		Mime:       req.Mime,
		Size:       int64(len(req.Content)),
		ChunkCount: len(chunks),
		Status:     db.DocumentStatusPending,
	}

	err := s.database.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(doc).Error; err != nil {
			return err
		}
		for i, content := range chunks {
			chunk := &db.DocumentChunk{
				ID:         uuid.New().String(),
				DocumentID: doc.ID,
				Seq:        i,
				Content:    content,
			}
			if err := tx.Create(chunk).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	go s.indexDocument(doc.ID, userID)

	return doc, nil
}

// indexDocument embeds every chunk of a document into the user's collection
// and records the outcome on the document row. Runs detached from the
// request; failures mark the document failed and are otherwise only logged.
func (s *DocumentService) indexDocument(documentID, userID string) {
	ctx := context.Background()

	status := db.DocumentStatusIndexed
	if err := s.indexChunks(ctx, documentID, userID); err != nil {
		s.logger.Warn("document indexing failed", "document", documentID, "error", err)
		status = db.DocumentStatusFailed
	}

	if err := s.database.Model(&db.Document{}).Where("id = ?", documentID).
		Update("status", status).Error; err != nil {
		s.logger.Error("failed to record document status", "document", documentID, "error", err)
	}

	event.Emit(event.DocumentIngestedEvent{
		UserID:     userID,
		DocumentID: documentID,
		Status:     string(status),
	})
}

func (s *DocumentService) indexChunks(ctx context.Context, documentID, userID string) error {
	if s.index == nil {
		return errors.New("vector index unavailable")
	}

	var chunks []db.DocumentChunk
	if err := s.database.Where("document_id = ?", documentID).
		Order("seq ASC").Find(&chunks).Error; err != nil {
		return err
	}

	for _, chunk := range chunks {
		err := s.index.Index(ctx, userID, chunk.ID, chunk.Content, map[string]string{
			"document_id": documentID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Get loads a document owned by userID.
func (s *DocumentService) Get(ctx context.Context, userID, id string) (*db.Document, error) {
	var doc db.Document
	if err := s.database.First(&doc, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// List returns the user's documents, newest first.
func (s *DocumentService) List(ctx context.Context, userID string) ([]db.Document, error) {
	var docs []db.Document
	err := s.database.Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&docs).Error
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// Delete removes a document, its chunk rows and its vectors.
func (s *DocumentService) Delete(ctx context.Context, userID, id string) error {
	doc, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}

	err = s.database.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", doc.ID).Delete(&db.DocumentChunk{}).Error; err != nil {
			return err
		}
		return tx.Delete(&db.Document{}, "id = ?", doc.ID).Error
	})
	if err != nil {
		return err
	}

	if s.index != nil {
		if err := s.index.Remove(ctx, userID, doc.ID); err != nil {
			s.logger.Warn("failed to remove document vectors", "document", doc.ID, "error", err)
		}
	}
	return nil
}

// splitChunks breaks text into paragraph chunks of at most maxChunkSize
// runes. Blank-line boundaries are preferred; a single oversized paragraph
// is split mid-text.
func splitChunks(content string) []string {
	var chunks []string
	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		runes := []rune(para)
		for len(runes) > maxChunkSize {
			chunks = append(chunks, string(runes[:maxChunkSize]))
			runes = runes[maxChunkSize:]
		}
		if len(runes) > 0 {
			chunks = append(chunks, string(runes))
		}
	}
	return chunks
}
