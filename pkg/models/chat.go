// API types for the chat endpoints
package models

import (
	"github.com/shieldauth/shieldauth/pkg/db"
)

// ========== Type aliases for database types ==========
// These allow other packages to use models.Message instead of db.Message.

type Conversation = db.Conversation
type Message = db.Message
type Document = db.Document
type DocumentChunk = db.DocumentChunk

// ========== Constant aliases from db package ==========

const (
	RoleUser      = db.RoleUser
	RoleAssistant = db.RoleAssistant
	RoleSystem    = db.RoleSystem
)

// ========== Request types ==========

// CreateConversationRequest creates an empty conversation.
type CreateConversationRequest struct {
	Title string `json:"title,omitempty"`
}

// UpdateConversationRequest renames a conversation. A manual rename pins the
// title: the auto-renamer will not touch it afterwards.
type UpdateConversationRequest struct {
	Title string `json:"title"`
}

// AttachmentMeta carries opaque metadata about an uploaded file referenced by
// a message.
type AttachmentMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Mime string `json:"mime"`
}

// SendMessageRequest appends a user message to a conversation (creating the
// conversation when ConversationID is empty) and requests an assistant reply.
type SendMessageRequest struct {
	ConversationID string          `json:"conversation_id,omitempty"`
	Content        string          `json:"content"`
	Attachment     *AttachmentMeta `json:"attachment,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
}

// EditMessageRequest replaces a user message with a new version and triggers
// a fresh assistant reply.
type EditMessageRequest struct {
	Content string `json:"content"`
	Stream  bool   `json:"stream,omitempty"`
}

// RegenerateRequest asks for a new assistant reply version. The message ID in
// the URL may be either the assistant reply or its user message.
type RegenerateRequest struct {
	Stream bool `json:"stream,omitempty"`
}

// SwitchVersionRequest activates another version within a message's version
// group, either by explicit target ID or by direction relative to the
// currently active version.
type SwitchVersionRequest struct {
	TargetID  string `json:"target_id,omitempty"`
	Direction string `json:"direction,omitempty"` // "next" or "prev"
}

// IngestDocumentRequest uploads a text document for retrieval augmentation.
type IngestDocumentRequest struct {
	Name    string `json:"name"`
	Mime    string `json:"mime,omitempty"`
	Content string `json:"content"`
}

// ========== Response types ==========

// ChatResult is the outcome of a send/edit/regenerate call. Reply is nil when
// generation failed after the user-side mutation committed; ReplyError then
// explains why, and the caller may retry with regenerate.
type ChatResult struct {
	ConversationID string   `json:"conversation_id"`
	UserMessage    *Message `json:"user_message,omitempty"`
	Reply          *Message `json:"reply,omitempty"`
	ReplyError     string   `json:"reply_error,omitempty"`
}

// SwitchResult reports the messages whose active flag changed plus the new
// active path tail.
type SwitchResult struct {
	Activated   []Message `json:"activated"`
	Deactivated []string  `json:"deactivated"`
}

// VersionInfo describes a version group for the UI version picker.
type VersionInfo struct {
	VersionGroupID string    `json:"version_group_id"`
	ActiveIndex    int       `json:"active_index"`
	Versions       []Message `json:"versions"`
}

// ConversationListResponse wraps a page of conversations.
type ConversationListResponse struct {
	Conversations []Conversation `json:"conversations"`
	HasMore       bool           `json:"has_more"`
}

// StreamChunk is one SSE frame of a streaming reply.
type StreamChunk struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	Delta          string `json:"delta,omitempty"`
	Done           bool   `json:"done,omitempty"`
	Error          string `json:"error,omitempty"`
}
