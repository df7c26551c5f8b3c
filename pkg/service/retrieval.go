// Retrieval over per-user chromem-go collections
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	geminiembed "github.com/cloudwego/eino-ext/components/embedding/gemini"
	openaiembed "github.com/cloudwego/eino-ext/components/embedding/openai"
	"github.com/cloudwego/eino/components/embedding"
	chromem "github.com/philippgille/chromem-go"
	"google.golang.org/genai"

	"github.com/shieldauth/shieldauth/pkg/config"
	"github.com/shieldauth/shieldauth/pkg/utils"
)

// Snippet is one retrieved document fragment with its similarity score.
type Snippet struct {
	Content string
	Score   float32
}

// Retriever finds document snippets relevant to a query. Retrieval is a
// best-effort augmentation: implementations return empty results rather than
// errors for anything short of programmer mistakes, so a broken vector store
// never blocks chatting.
type Retriever interface {
	Retrieve(ctx context.Context, userID, query string, topK int) ([]Snippet, error)
}

// VectorIndex wraps a persistent chromem-go database with one collection per
// user. Embeddings are padded or truncated to a fixed dimension so that
// switching embedding providers never corrupts an existing collection.
type VectorIndex struct {
	cfg    *config.AppConfig
	logger *slog.Logger

	vectorDB    *chromem.DB
	collections sync.Map // userID -> *chromem.Collection

	embedOnce sync.Once
	embedFunc chromem.EmbeddingFunc
	embedErr  error
}

// NewVectorIndex opens (creating if needed) the persistent vector store.
func NewVectorIndex(cfg *config.AppConfig) (*VectorIndex, error) {
	path := cfg.VectorStorePath()
	if path != "" {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create vector store directory: %w", err)
		}
	}

	var vectorDB *chromem.DB
	var err error
	if path != "" {
		vectorDB, err = chromem.NewPersistentDB(path, false)
	} else {
		vectorDB = chromem.NewDB()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create vector DB: %w", err)
	}

	idx := &VectorIndex{
		cfg:      cfg,
		logger:   utils.GetLogger(),
		vectorDB: vectorDB,
	}
	idx.logger.Info("vector store initialized", "path", path)
	return idx, nil
}

// Retrieve returns up to topK snippets for the query, most similar first.
// A user with no indexed documents gets an empty result, not an error.
func (v *VectorIndex) Retrieve(ctx context.Context, userID, query string, topK int) ([]Snippet, error) {
	if topK <= 0 {
		topK = v.cfg.TopK()
	}

	col, err := v.getOrCreateCollection(userID)
	if err != nil {
		v.logger.Warn("retrieval unavailable", "user", userID, "error", err)
		return nil, nil
	}
	if col.Count() == 0 {
		return nil, nil
	}
	if n := col.Count(); topK > n {
		topK = n
	}

	results, err := col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		v.logger.Warn("vector query failed", "user", userID, "error", err)
		return nil, nil
	}

	snippets := make([]Snippet, 0, len(results))
	for _, r := range results {
		snippets = append(snippets, Snippet{Content: r.Content, Score: r.Similarity})
	}
	return snippets, nil
}

// Index adds or replaces one chunk in the user's collection. chromem-go
// treats re-adding an existing ID as an update.
func (v *VectorIndex) Index(ctx context.Context, userID, chunkID, content string, metadata map[string]string) error {
	col, err := v.getOrCreateCollection(userID)
	if err != nil {
		return err
	}
	return col.AddDocument(ctx, chromem.Document{
		ID:       chunkID,
		Content:  content,
		Metadata: metadata,
	})
}

// Remove deletes all chunks of a document from the user's collection.
func (v *VectorIndex) Remove(ctx context.Context, userID, documentID string) error {
	col, err := v.getOrCreateCollection(userID)
	if err != nil {
		return err
	}
	return col.Delete(ctx, map[string]string{"document_id": documentID}, nil)
}

func (v *VectorIndex) getOrCreateCollection(userID string) (*chromem.Collection, error) {
	collectionName := "user_" + userID

	if col, ok := v.collections.Load(collectionName); ok {
		return col.(*chromem.Collection), nil
	}

	embedFunc, err := v.embeddingFunc()
	if err != nil {
		return nil, err
	}

	col := v.vectorDB.GetCollection(collectionName, embedFunc)
	if col == nil {
		col, err = v.vectorDB.CreateCollection(collectionName, nil, embedFunc)
		if err != nil {
			return nil, err
		}
	}

	v.collections.Store(collectionName, col)
	return col, nil
}

// embeddingFunc lazily builds the embedding function once; credential
// problems surface on first use, not at startup.
func (v *VectorIndex) embeddingFunc() (chromem.EmbeddingFunc, error) {
	v.embedOnce.Do(func() {
		embedder, err := v.createEmbedder(context.Background())
		if err != nil {
			v.embedErr = err
			return
		}
		v.embedFunc = wrapEmbedder(embedder, v.cfg.TargetDim())
	})
	return v.embedFunc, v.embedErr
}

func (v *VectorIndex) createEmbedder(ctx context.Context) (embedding.Embedder, error) {
	switch v.cfg.EmbeddingProvider() {
	case "openai", "custom":
		embedder, err := openaiembed.NewEmbedder(ctx, &openaiembed.EmbeddingConfig{
			APIKey: v.cfg.EmbeddingAPIKey(),
			Model:  v.cfg.EmbeddingModel(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI embedder: %w", err)
		}
		return embedder, nil

	case "gemini", "google":
		genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  v.cfg.EmbeddingAPIKey(),
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		embedder, err := geminiembed.NewEmbedder(ctx, &geminiembed.EmbeddingConfig{
			Client: genaiClient,
			Model:  v.cfg.EmbeddingModel(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini embedder: %w", err)
		}
		return embedder, nil

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", v.cfg.EmbeddingProvider())
	}
}

// wrapEmbedder adapts an eino Embedder to chromem's EmbeddingFunc, padding
// with zeros or truncating so every stored vector has exactly targetDim
// components.
func wrapEmbedder(embedder embedding.Embedder, targetDim int) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		embeddings, err := embedder.EmbedStrings(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(embeddings) == 0 || len(embeddings[0]) == 0 {
			return nil, errors.New("no embeddings returned")
		}
		return padOrTrim(embeddings[0], targetDim), nil
	}
}

func padOrTrim(vec []float64, targetDim int) []float32 {
	out := make([]float32, targetDim)
	for i := 0; i < targetDim && i < len(vec); i++ {
		out[i] = float32(vec[i])
	}
	return out
}
