// Database models for ingested documents (RAG sources)
package db

import "time"

// Document ingestion status
const (
	DocumentStatusPending = "pending"
	DocumentStatusIndexed = "indexed"
	DocumentStatusFailed  = "failed"
)

// Document represents an uploaded document whose chunks are indexed in the
// vector store for retrieval augmentation.
type Document struct {
	ID         string    `json:"id" gorm:"primaryKey;size:36"`
	UserID     string    `json:"user_id" gorm:"index;size:64;not null"`
	Name       string    `json:"name" gorm:"size:255;not null"`
	Mime       string    `json:"mime,omitempty" gorm:"size:100"`
	Size       int64     `json:"size,omitempty"`
	ChunkCount int       `json:"chunk_count" gorm:"default:0"`
	Status     string    `json:"status" gorm:"size:20;default:'pending'"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Document) TableName() string {
	return "documents"
}

// DocumentChunk is one retrievable slice of a document. The chunk text is
// duplicated in the vector store; this row is the relational source of truth
// used to rebuild or clean up the index.
type DocumentChunk struct {
	ID         string    `json:"id" gorm:"primaryKey;size:36"`
	DocumentID string    `json:"document_id" gorm:"index;size:36;not null"`
	Seq        int       `json:"seq" gorm:"not null;default:0"`
	Content    string    `json:"content" gorm:"type:text"`
	CreatedAt  time.Time `json:"created_at"`
}

func (DocumentChunk) TableName() string {
	return "document_chunks"
}
