// Chat service - orchestrates conversations, the version tree, retrieval and
// generation
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
	"gorm.io/gorm"

	"github.com/shieldauth/shieldauth/pkg/db"
	"github.com/shieldauth/shieldauth/pkg/event"
	"github.com/shieldauth/shieldauth/pkg/models"
	"github.com/shieldauth/shieldauth/pkg/utils"
)

const defaultSystemPrompt = "You are a helpful assistant."

// autoTitleLimit caps auto-generated conversation titles.
const autoTitleLimit = 50

// ChatService is the application-facing API. Every operation takes the
// calling user's ID and treats conversations owned by other users as not
// found.
type ChatService struct {
	store     *MessageStore
	tree      *VersionTree
	generator Generator
	retriever Retriever
	logger    *slog.Logger
}

// NewChatService wires the service. retriever may be nil to disable
// retrieval augmentation.
func NewChatService(store *MessageStore, tree *VersionTree, generator Generator, retriever Retriever) *ChatService {
	return &ChatService{
		store:     store,
		tree:      tree,
		generator: generator,
		retriever: retriever,
		logger:    utils.GetLogger(),
	}
}

// ========== Conversations ==========

// CreateConversation creates an empty conversation for the user.
func (s *ChatService) CreateConversation(ctx context.Context, userID, title string) (*db.Conversation, error) {
	conv := &db.Conversation{
		UserID: userID,
		Title:  "New Chat",
	}
	if strings.TrimSpace(title) != "" {
		conv.Title = title
		// An explicit title is pinned: the auto-renamer leaves it alone.
		conv.AutoRenamed = true
	}
	if err := s.store.InsertConversation(s.store.DB(), conv); err != nil {
		return nil, err
	}

	event.Emit(event.ConversationCreatedEvent{UserID: userID, ConversationID: conv.ID})
	return conv, nil
}

// GetConversation loads one conversation owned by the user.
func (s *ChatService) GetConversation(ctx context.Context, userID, id string) (*db.Conversation, error) {
	return s.store.GetConversation(s.store.DB(), userID, id)
}

// ListConversations returns a page of the user's conversations.
func (s *ChatService) ListConversations(ctx context.Context, userID string, limit, offset int) (*models.ConversationListResponse, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	conversations, hasMore, err := s.store.ListConversations(s.store.DB(), userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return &models.ConversationListResponse{
		Conversations: conversations,
		HasMore:       hasMore,
	}, nil
}

// UpdateConversation renames a conversation. Manual renames pin the title.
func (s *ChatService) UpdateConversation(ctx context.Context, userID, id, title string) (*db.Conversation, error) {
	if strings.TrimSpace(title) == "" {
		return nil, ErrInvalidState
	}

	conv, err := s.store.GetConversation(s.store.DB(), userID, id)
	if err != nil {
		return nil, err
	}

	err = s.store.DB().Model(conv).Updates(map[string]interface{}{
		"title":        title,
		"auto_renamed": true,
	}).Error
	if err != nil {
		return nil, err
	}

	event.Emit(event.ConversationRenamedEvent{UserID: userID, ConversationID: id, Title: title})
	conv.Title = title
	conv.AutoRenamed = true
	return conv, nil
}

// DeleteConversation removes a conversation and all of its messages,
// including inactive versions on abandoned branches.
func (s *ChatService) DeleteConversation(ctx context.Context, userID, id string) error {
	err := s.store.Transaction(func(tx *gorm.DB) error {
		if _, err := s.store.GetConversation(tx, userID, id); err != nil {
			return err
		}
		return s.store.DeleteConversationCascade(tx, id)
	})
	if err != nil {
		return err
	}

	event.Emit(event.ConversationDeletedEvent{UserID: userID, ConversationID: id})
	return nil
}

// ActiveMessages returns the conversation's visible messages, root first.
func (s *ChatService) ActiveMessages(ctx context.Context, userID, conversationID string) ([]db.Message, error) {
	if _, err := s.store.GetConversation(s.store.DB(), userID, conversationID); err != nil {
		return nil, err
	}
	return s.tree.ActivePath(s.store.DB(), conversationID)
}

// ConversationTree returns every message in the conversation, including
// inactive versions on abandoned branches, in creation order. Clients
// rebuild the tree from ParentID and VersionGroupID.
func (s *ChatService) ConversationTree(ctx context.Context, userID, conversationID string) ([]db.Message, error) {
	if _, err := s.store.GetConversation(s.store.DB(), userID, conversationID); err != nil {
		return nil, err
	}
	return s.store.GetAllMessages(s.store.DB(), conversationID)
}

// Versions describes the version group containing messageID, for the
// version picker.
func (s *ChatService) Versions(ctx context.Context, userID, messageID string) (*models.VersionInfo, error) {
	msg, err := s.ownedMessage(userID, messageID)
	if err != nil {
		return nil, err
	}

	group, err := s.store.GetVersionGroup(s.store.DB(), msg.VersionGroupID)
	if err != nil {
		return nil, err
	}

	info := &models.VersionInfo{
		VersionGroupID: msg.VersionGroupID,
		ActiveIndex:    -1,
		Versions:       group,
	}
	for i := range group {
		if group[i].IsActive {
			info.ActiveIndex = i
			break
		}
	}
	return info, nil
}

// ========== Chat operations ==========

// Send appends a user message (creating the conversation when needed) and
// generates the assistant reply. When generation fails the user message
// stays committed: the returned result carries it alongside the
// *GenerationError, and a later regenerate picks up from there.
func (s *ChatService) Send(ctx context.Context, userID string, req *models.SendMessageRequest) (*models.ChatResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrInvalidState
	}

	var conv *db.Conversation
	var err error
	if req.ConversationID == "" {
		conv, err = s.CreateConversation(ctx, userID, "")
	} else {
		conv, err = s.store.GetConversation(s.store.DB(), userID, req.ConversationID)
	}
	if err != nil {
		return nil, err
	}

	userMsg, err := s.tree.Append(conv.ID, db.RoleUser, req.Content, req.Attachment)
	if err != nil {
		return nil, err
	}
	s.emitMessage(userID, userMsg)

	result := &models.ChatResult{ConversationID: conv.ID, UserMessage: userMsg}
	return s.generateInto(ctx, userID, result, userMsg, "")
}

// Edit replaces a user message with a new version and generates a reply
// beneath it. The previous version and everything that followed it leave the
// active path but remain switchable.
func (s *ChatService) Edit(ctx context.Context, userID, messageID, content string) (*models.ChatResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrInvalidState
	}
	if _, err := s.ownedMessage(userID, messageID); err != nil {
		return nil, err
	}

	newVersion, err := s.tree.Edit(messageID, content)
	if err != nil {
		return nil, err
	}
	s.emitMessage(userID, newVersion)

	result := &models.ChatResult{ConversationID: newVersion.ConversationID, UserMessage: newVersion}
	return s.generateInto(ctx, userID, result, newVersion, "")
}

// Regenerate produces a new assistant reply version for the given message
// (either the reply itself or its user message). The old reply joins the
// version history; a user message that never got a reply gets a fresh one.
func (s *ChatService) Regenerate(ctx context.Context, userID, messageID string) (*models.ChatResult, error) {
	if _, err := s.ownedMessage(userID, messageID); err != nil {
		return nil, err
	}

	slot, err := s.tree.PrepareRegenerate(messageID)
	if err != nil {
		return nil, err
	}

	result := &models.ChatResult{
		ConversationID: slot.UserMessage.ConversationID,
		UserMessage:    slot.UserMessage,
	}
	return s.generateInto(ctx, userID, result, slot.UserMessage, slot.ReuseGroup)
}

// Switch activates another version in the group containing messageID and
// returns the messages whose active flag changed.
func (s *ChatService) Switch(ctx context.Context, userID, messageID string, req *models.SwitchVersionRequest) (*models.SwitchResult, error) {
	msg, err := s.ownedMessage(userID, messageID)
	if err != nil {
		return nil, err
	}

	result, err := s.tree.SwitchVersion(messageID, req.TargetID, req.Direction)
	if err != nil {
		return nil, err
	}

	event.Emit(event.MessageSwitchedEvent{
		UserID:         userID,
		ConversationID: msg.ConversationID,
		MessageID:      messageID,
	})
	return result, nil
}

// generateInto runs generation for userMsg and appends the reply. groupID
// routes regenerated replies into the existing version group.
func (s *ChatService) generateInto(ctx context.Context, userID string, result *models.ChatResult, userMsg *db.Message, groupID string) (*models.ChatResult, error) {
	system, history, err := s.buildPromptContext(ctx, userID, userMsg)
	if err != nil {
		return nil, err
	}

	content, err := s.generator.Generate(ctx, system, history)
	if err != nil {
		result.ReplyError = err.Error()
		return result, err
	}

	reply, err := s.tree.AppendReply(userMsg.ConversationID, userMsg.ID, groupID, content)
	if err != nil {
		return nil, err
	}
	s.emitMessage(userID, reply)
	result.Reply = reply

	go s.maybeAutoRename(userID, userMsg.ConversationID, userMsg.Content)
	return result, nil
}

// ========== Streaming ==========

// SendStream is Send with a streamed reply. The channel closes after the
// final chunk; a chunk with Error set means the user message committed but
// no reply was stored.
func (s *ChatService) SendStream(ctx context.Context, userID string, req *models.SendMessageRequest) (<-chan *models.StreamChunk, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrInvalidState
	}

	var conv *db.Conversation
	var err error
	if req.ConversationID == "" {
		conv, err = s.CreateConversation(ctx, userID, "")
	} else {
		conv, err = s.store.GetConversation(s.store.DB(), userID, req.ConversationID)
	}
	if err != nil {
		return nil, err
	}

	userMsg, err := s.tree.Append(conv.ID, db.RoleUser, req.Content, req.Attachment)
	if err != nil {
		return nil, err
	}
	s.emitMessage(userID, userMsg)

	return s.streamReply(ctx, userID, userMsg, "")
}

// EditStream is Edit with a streamed reply.
func (s *ChatService) EditStream(ctx context.Context, userID, messageID, content string) (<-chan *models.StreamChunk, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrInvalidState
	}
	if _, err := s.ownedMessage(userID, messageID); err != nil {
		return nil, err
	}

	newVersion, err := s.tree.Edit(messageID, content)
	if err != nil {
		return nil, err
	}
	s.emitMessage(userID, newVersion)

	return s.streamReply(ctx, userID, newVersion, "")
}

// RegenerateStream is Regenerate with a streamed reply.
func (s *ChatService) RegenerateStream(ctx context.Context, userID, messageID string) (<-chan *models.StreamChunk, error) {
	if _, err := s.ownedMessage(userID, messageID); err != nil {
		return nil, err
	}

	slot, err := s.tree.PrepareRegenerate(messageID)
	if err != nil {
		return nil, err
	}
	return s.streamReply(ctx, userID, slot.UserMessage, slot.ReuseGroup)
}

// streamReply streams the generated reply as deltas, persisting the full
// reply when the stream completes.
func (s *ChatService) streamReply(ctx context.Context, userID string, userMsg *db.Message, groupID string) (<-chan *models.StreamChunk, error) {
	system, history, err := s.buildPromptContext(ctx, userID, userMsg)
	if err != nil {
		return nil, err
	}

	out := make(chan *models.StreamChunk, 16)

	go func() {
		defer close(out)

		fail := func(err error) {
			out <- &models.StreamChunk{
				ConversationID: userMsg.ConversationID,
				Error:          err.Error(),
			}
		}

		reader, err := s.generator.Stream(ctx, system, history)
		if err != nil {
			fail(err)
			return
		}
		defer reader.Close()

		var sb strings.Builder
		for {
			chunk, err := reader.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				s.logger.Error("reply stream failed", "conversation", userMsg.ConversationID, "error", err)
				fail(&GenerationError{Err: err})
				return
			}
			if chunk.Content == "" {
				continue
			}
			sb.WriteString(chunk.Content)
			out <- &models.StreamChunk{
				ConversationID: userMsg.ConversationID,
				Delta:          chunk.Content,
			}
		}

		reply, err := s.tree.AppendReply(userMsg.ConversationID, userMsg.ID, groupID, sb.String())
		if err != nil {
			fail(err)
			return
		}
		s.emitMessage(userID, reply)

		go s.maybeAutoRename(userID, userMsg.ConversationID, userMsg.Content)

		out <- &models.StreamChunk{
			ConversationID: userMsg.ConversationID,
			MessageID:      reply.ID,
			Done:           true,
		}
	}()

	return out, nil
}

// ========== Prompt assembly ==========

// buildPromptContext assembles the system prompt (with retrieved snippets)
// and the model history for a reply to userMsg. History follows the parent
// chain backward from userMsg through the active set, so replies on
// abandoned branches never leak into the prompt.
func (s *ChatService) buildPromptContext(ctx context.Context, userID string, userMsg *db.Message) (string, []*schema.Message, error) {
	active, err := s.store.GetActiveMessages(s.store.DB(), userMsg.ConversationID)
	if err != nil {
		return "", nil, err
	}

	byID := make(map[string]*db.Message, len(active))
	for i := range active {
		byID[active[i].ID] = &active[i]
	}

	var chain []*db.Message
	for current := userMsg; current != nil; {
		chain = append(chain, current)
		if current.ParentID == nil {
			break
		}
		current = byID[*current.ParentID]
	}

	history := make([]*schema.Message, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		m := chain[i]
		switch m.Role {
		case db.RoleUser:
			history = append(history, schema.UserMessage(m.Content))
		case db.RoleAssistant:
			history = append(history, schema.AssistantMessage(m.Content, nil))
		case db.RoleSystem:
			history = append(history, schema.SystemMessage(m.Content))
		}
	}

	system := defaultSystemPrompt
	if s.retriever != nil {
		snippets, err := s.retriever.Retrieve(ctx, userID, userMsg.Content, 0)
		if err != nil {
			s.logger.Warn("retrieval failed", "conversation", userMsg.ConversationID, "error", err)
		} else if len(snippets) > 0 {
			var sb strings.Builder
			sb.WriteString(system)
			sb.WriteString("\n\nRelevant context from the user's documents:\n")
			for _, snippet := range snippets {
				sb.WriteString(fmt.Sprintf("- %s\n", snippet.Content))
			}
			system = sb.String()
		}
	}

	return system, history, nil
}

// ========== Helpers ==========

// ownedMessage loads a message and verifies the enclosing conversation
// belongs to userID. Foreign messages read as not found.
func (s *ChatService) ownedMessage(userID, messageID string) (*db.Message, error) {
	msg, err := s.store.GetMessage(s.store.DB(), messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetConversation(s.store.DB(), userID, msg.ConversationID); err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}

func (s *ChatService) emitMessage(userID string, msg *db.Message) {
	event.Emit(event.MessageCreatedEvent{
		UserID:         userID,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Role:           msg.Role,
	})
}

// maybeAutoRename titles a freshly used conversation after its first
// exchange, derived from the opening user message. Manual titles and
// already-renamed conversations are left alone.
func (s *ChatService) maybeAutoRename(userID, conversationID, firstContent string) {
	conv, err := s.store.GetConversation(s.store.DB(), userID, conversationID)
	if err != nil {
		return
	}
	if conv.AutoRenamed {
		return
	}

	title := deriveTitle(firstContent)
	if title == "" {
		return
	}

	err = s.store.DB().Model(conv).Updates(map[string]interface{}{
		"title":        title,
		"auto_renamed": true,
	}).Error
	if err != nil {
		s.logger.Warn("auto-rename failed", "conversation", conversationID, "error", err)
		return
	}

	event.Emit(event.ConversationRenamedEvent{
		UserID:         userID,
		ConversationID: conversationID,
		Title:          title,
	})
}

// deriveTitle collapses the first user message into a short title.
func deriveTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if title == "" {
		return ""
	}
	if utf8.RuneCountInString(title) > autoTitleLimit {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:autoTitleLimit])) + "…"
	}
	return title
}
