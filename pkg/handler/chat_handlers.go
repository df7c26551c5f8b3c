// Chat HTTP handlers
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/shieldauth/shieldauth/pkg/models"
	"github.com/shieldauth/shieldauth/pkg/service"
	"github.com/shieldauth/shieldauth/pkg/utils"
)

// userIDHeader identifies the caller. Authentication happens upstream; the
// gateway injects this header after verifying the session.
const userIDHeader = "X-User-ID"

// ChatHandler handles conversation and message HTTP requests.
type ChatHandler struct {
	chatService *service.ChatService
	logger      *slog.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		logger:      utils.GetLogger(),
	}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/chat", h.SendMessage)

	conversations := r.Group("/conversations")
	{
		conversations.POST("", h.CreateConversation)
		conversations.GET("", h.ListConversations)
		conversations.GET("/:id", h.GetConversation)
		conversations.PATCH("/:id", h.UpdateConversation)
		conversations.DELETE("/:id", h.DeleteConversation)
		conversations.GET("/:id/messages", h.GetMessages)
		conversations.GET("/:id/tree", h.GetTree)
	}

	messages := r.Group("/messages")
	{
		messages.POST("/:id/edit", h.EditMessage)
		messages.POST("/:id/regenerate", h.RegenerateMessage)
		messages.POST("/:id/switch", h.SwitchVersion)
		messages.GET("/:id/versions", h.GetVersions)
	}
}

// requireUser extracts the calling user or aborts with 401.
func requireUser(c *gin.Context) (string, bool) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing " + userIDHeader + " header"})
		return "", false
	}
	return userID, true
}

// writeError maps service errors onto HTTP statuses. A generation failure
// after a committed mutation is 502 and includes the committed result so the
// client can render the user message and offer a retry.
func (h *ChatHandler) writeError(c *gin.Context, err error, committed *models.ChatResult) {
	switch {
	case errors.Is(err, service.ErrConversationNotFound),
		errors.Is(err, service.ErrMessageNotFound),
		errors.Is(err, service.ErrVersionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidState):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case service.IsGenerationError(err):
		body := gin.H{"error": err.Error()}
		if committed != nil {
			body["result"] = committed
		}
		c.JSON(http.StatusBadGateway, body)
	case errors.Is(err, service.ErrIntegrityViolation):
		h.logger.Error("integrity violation", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// SendMessage appends a user message and returns (or streams) the reply.
// POST /api/v1/chat
func (h *ChatHandler) SendMessage(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Stream {
		chunks, err := h.chatService.SendStream(c.Request.Context(), userID, &req)
		if err != nil {
			h.writeError(c, err, nil)
			return
		}
		h.streamChunks(c, chunks)
		return
	}

	result, err := h.chatService.Send(c.Request.Context(), userID, &req)
	if err != nil {
		h.writeError(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// EditMessage replaces a user message and generates a new reply.
// POST /api/v1/messages/:id/edit
func (h *ChatHandler) EditMessage(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req models.EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Stream {
		chunks, err := h.chatService.EditStream(c.Request.Context(), userID, c.Param("id"), req.Content)
		if err != nil {
			h.writeError(c, err, nil)
			return
		}
		h.streamChunks(c, chunks)
		return
	}

	result, err := h.chatService.Edit(c.Request.Context(), userID, c.Param("id"), req.Content)
	if err != nil {
		h.writeError(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RegenerateMessage produces a new assistant reply version.
// POST /api/v1/messages/:id/regenerate
func (h *ChatHandler) RegenerateMessage(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req models.RegenerateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if req.Stream {
		chunks, err := h.chatService.RegenerateStream(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			h.writeError(c, err, nil)
			return
		}
		h.streamChunks(c, chunks)
		return
	}

	result, err := h.chatService.Regenerate(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SwitchVersion activates another version in a message's version group.
// POST /api/v1/messages/:id/switch
func (h *ChatHandler) SwitchVersion(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req models.SwitchVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TargetID == "" && req.Direction == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_id or direction is required"})
		return
	}

	result, err := h.chatService.Switch(c.Request.Context(), userID, c.Param("id"), &req)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetVersions lists a message's version group.
// GET /api/v1/messages/:id/versions
func (h *ChatHandler) GetVersions(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	info, err := h.chatService.Versions(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, info)
}

// CreateConversation creates a new conversation.
// POST /api/v1/conversations
func (h *ChatHandler) CreateConversation(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req models.CreateConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	conv, err := h.chatService.CreateConversation(c.Request.Context(), userID, req.Title)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// ListConversations returns a page of the user's conversations.
// GET /api/v1/conversations?limit=50&offset=0
func (h *ChatHandler) ListConversations(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	resp, err := h.chatService.ListConversations(c.Request.Context(), userID, limit, offset)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetConversation returns one conversation.
// GET /api/v1/conversations/:id
func (h *ChatHandler) GetConversation(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	conv, err := h.chatService.GetConversation(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// UpdateConversation renames a conversation.
// PATCH /api/v1/conversations/:id
func (h *ChatHandler) UpdateConversation(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req models.UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.chatService.UpdateConversation(c.Request.Context(), userID, c.Param("id"), req.Title)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// DeleteConversation deletes a conversation and all of its messages.
// DELETE /api/v1/conversations/:id
func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	if err := h.chatService.DeleteConversation(c.Request.Context(), userID, c.Param("id")); err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conversation deleted"})
}

// GetMessages returns the conversation's active path, root first.
// GET /api/v1/conversations/:id/messages
func (h *ChatHandler) GetMessages(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	messages, err := h.chatService.ActiveMessages(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, messages)
}

// GetTree returns every message version in the conversation, for clients
// that render the full branch structure.
// GET /api/v1/conversations/:id/tree
func (h *ChatHandler) GetTree(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	messages, err := h.chatService.ConversationTree(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, messages)
}

// streamChunks writes a chunk channel as SSE frames.
func (h *ChatHandler) streamChunks(c *gin.Context, chunks <-chan *models.StreamChunk) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // Disable nginx buffering

	w := c.Writer
	for chunk := range chunks {
		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		w.Flush()
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	w.Flush()
}
