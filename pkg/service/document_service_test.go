package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shieldauth/shieldauth/pkg/db"
	"github.com/shieldauth/shieldauth/pkg/models"
)

func newTestDocumentService(t *testing.T) (*DocumentService, *MessageStore) {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	// No vector index: documents are stored but indexing fails, which is
	// exactly the degraded mode the service must survive.
	return NewDocumentService(database, nil), NewMessageStore(database)
}

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"empty", "", 0},
		{"blank lines only", "\n\n  \n\n", 0},
		{"single paragraph", "hello world", 1},
		{"two paragraphs", "first\n\nsecond", 2},
		{"oversized paragraph", strings.Repeat("x", maxChunkSize*2+10), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitChunks(tt.content)
			if len(got) != tt.want {
				t.Fatalf("splitChunks produced %d chunks, want %d", len(got), tt.want)
			}
			for _, chunk := range got {
				if len([]rune(chunk)) > maxChunkSize {
					t.Fatalf("chunk exceeds limit: %d runes", len([]rune(chunk)))
				}
			}
		})
	}
}

func TestIngestStoresChunksAndRecordsFailure(t *testing.T) {
	svc, store := newTestDocumentService(t)
	ctx := context.Background()

	doc, err := svc.Ingest(ctx, "user-1", &models.IngestDocumentRequest{
		Name:    "policy.txt",
		Content: "first paragraph\n\nsecond paragraph",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if doc.ChunkCount != 2 {
		t.Fatalf("chunk count = %d, want 2", doc.ChunkCount)
	}

	var chunks []db.DocumentChunk
	if err := store.DB().Where("document_id = ?", doc.ID).Order("seq ASC").Find(&chunks).Error; err != nil {
		t.Fatalf("load chunks: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Content != "first paragraph" {
		t.Fatalf("chunk rows wrong: %d", len(chunks))
	}

	// Without a vector index the background pass must mark the document
	// failed, never leave it pending forever.
	deadline := time.After(2 * time.Second)
	for {
		got, err := svc.Get(ctx, "user-1", doc.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == db.DocumentStatusFailed {
			return
		}
		if got.Status == db.DocumentStatusIndexed {
			t.Fatal("document marked indexed without an index")
		}
		select {
		case <-deadline:
			t.Fatalf("document stuck in status %s", got.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestIngestValidation(t *testing.T) {
	svc, _ := newTestDocumentService(t)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, "user-1", &models.IngestDocumentRequest{Name: "x"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("missing content: err = %v", err)
	}
	if _, err := svc.Ingest(ctx, "user-1", &models.IngestDocumentRequest{Content: "x"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("missing name: err = %v", err)
	}
}

func TestDocumentOwnershipAndDelete(t *testing.T) {
	svc, store := newTestDocumentService(t)
	ctx := context.Background()

	doc, err := svc.Ingest(ctx, "alice", &models.IngestDocumentRequest{Name: "a.txt", Content: "body"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if _, err := svc.Get(ctx, "mallory", doc.ID); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("foreign get: err = %v", err)
	}
	if err := svc.Delete(ctx, "mallory", doc.ID); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("foreign delete: err = %v", err)
	}

	if err := svc.Delete(ctx, "alice", doc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var count int64
	if err := store.DB().Model(&db.DocumentChunk{}).Where("document_id = ?", doc.ID).Count(&count).Error; err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if count != 0 {
		t.Fatalf("%d chunks survived delete", count)
	}
}

func TestPadOrTrim(t *testing.T) {
	vec := []float64{1, 2, 3}

	padded := padOrTrim(vec, 5)
	if len(padded) != 5 || padded[3] != 0 || padded[0] != 1 {
		t.Fatalf("pad wrong: %v", padded)
	}

	trimmed := padOrTrim(vec, 2)
	if len(trimmed) != 2 || trimmed[1] != 2 {
		t.Fatalf("trim wrong: %v", trimmed)
	}
}
