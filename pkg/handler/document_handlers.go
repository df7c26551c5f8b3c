// Document HTTP handlers
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shieldauth/shieldauth/pkg/models"
	"github.com/shieldauth/shieldauth/pkg/service"
	"github.com/shieldauth/shieldauth/pkg/utils"
)

// DocumentHandler handles document ingestion HTTP requests.
type DocumentHandler struct {
	documents *service.DocumentService
	logger    *slog.Logger
}

// NewDocumentHandler creates a new document handler.
func NewDocumentHandler(documents *service.DocumentService) *DocumentHandler {
	return &DocumentHandler{
		documents: documents,
		logger:    utils.GetLogger(),
	}
}

// RegisterRoutes registers document routes.
func (h *DocumentHandler) RegisterRoutes(r *gin.RouterGroup) {
	documents := r.Group("/documents")
	{
		documents.POST("", h.Ingest)
		documents.GET("", h.List)
		documents.GET("/:id", h.Get)
		documents.DELETE("/:id", h.Delete)
	}
}

func (h *DocumentHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidState):
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and content are required"})
	default:
		h.logger.Error("document request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Ingest uploads a text document. Indexing runs in the background; poll the
// document status to see when it becomes searchable.
// POST /api/v1/documents
func (h *DocumentHandler) Ingest(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req models.IngestDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	doc, err := h.documents.Ingest(c.Request.Context(), userID, &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, doc)
}

// List returns the user's documents.
// GET /api/v1/documents
func (h *DocumentHandler) List(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	docs, err := h.documents.List(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, docs)
}

// Get returns one document with its indexing status.
// GET /api/v1/documents/:id
func (h *DocumentHandler) Get(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	doc, err := h.documents.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// Delete removes a document, its chunks and its vectors.
// DELETE /api/v1/documents/:id
func (h *DocumentHandler) Delete(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	if err := h.documents.Delete(c.Request.Context(), userID, c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "document deleted"})
}
