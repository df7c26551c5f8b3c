// Message store - integrity-preserving queries over conversations and messages
package service

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/shieldauth/shieldauth/pkg/db"
)

// MessageStore owns all persisted conversation/message rows. Query methods
// take a *gorm.DB so the version-tree engine can run several of them inside
// one transaction; pass store.DB() for standalone reads.
type MessageStore struct {
	database *gorm.DB
}

// NewMessageStore creates a message store over an opened database.
func NewMessageStore(database *gorm.DB) *MessageStore {
	return &MessageStore{database: database}
}

// DB returns the underlying handle for non-transactional reads.
func (s *MessageStore) DB() *gorm.DB {
	return s.database
}

// Transaction runs fn inside a single database transaction. Every logical
// engine operation (edit, regenerate, switch) uses exactly one of these.
func (s *MessageStore) Transaction(fn func(tx *gorm.DB) error) error {
	return s.database.Transaction(fn)
}

// ========== Conversations ==========

// GetConversation loads a conversation owned by userID. A conversation owned
// by someone else is reported as not found rather than forbidden.
func (s *MessageStore) GetConversation(tx *gorm.DB, userID, id string) (*db.Conversation, error) {
	var conv db.Conversation
	if err := tx.First(&conv, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// ListConversations returns a page of the user's conversations, most recently
// updated first.
func (s *MessageStore) ListConversations(tx *gorm.DB, userID string, limit, offset int) ([]db.Conversation, bool, error) {
	var conversations []db.Conversation

	// Fetch one more to check if there are more results
	err := tx.Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit + 1).Offset(offset).
		Find(&conversations).Error
	if err != nil {
		return nil, false, err
	}

	hasMore := len(conversations) > limit
	if hasMore {
		conversations = conversations[:limit]
	}
	return conversations, hasMore, nil
}

// InsertConversation creates a conversation row, assigning its ID.
func (s *MessageStore) InsertConversation(tx *gorm.DB, conv *db.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	return tx.Create(conv).Error
}

// TouchConversation bumps the updated timestamp; called on every message
// mutation.
func (s *MessageStore) TouchConversation(tx *gorm.DB, id string) error {
	return tx.Model(&db.Conversation{}).Where("id = ?", id).
		Update("updated_at", time.Now()).Error
}

// DeleteConversationCascade removes a conversation and every message it owns.
func (s *MessageStore) DeleteConversationCascade(tx *gorm.DB, id string) error {
	if err := tx.Where("conversation_id = ?", id).Delete(&db.Message{}).Error; err != nil {
		return err
	}
	return tx.Delete(&db.Conversation{}, "id = ?", id).Error
}

// ========== Messages ==========

// GetMessage loads a single message by ID.
func (s *MessageStore) GetMessage(tx *gorm.DB, id string) (*db.Message, error) {
	var msg db.Message
	if err := tx.First(&msg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// GetActiveMessages returns the conversation's active messages ordered by
// creation time. The ID tie-break keeps the order stable under coarse clock
// resolution.
func (s *MessageStore) GetActiveMessages(tx *gorm.DB, conversationID string) ([]db.Message, error) {
	var messages []db.Message
	err := tx.Where("conversation_id = ? AND is_active = ?", conversationID, true).
		Order("created_at ASC, id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// GetAllMessages returns every message in the conversation, active or not,
// in creation order. Used for the full-tree view.
func (s *MessageStore) GetAllMessages(tx *gorm.DB, conversationID string) ([]db.Message, error) {
	var messages []db.Message
	err := tx.Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// GetVersionGroup returns every version in a group ordered by version number.
func (s *MessageStore) GetVersionGroup(tx *gorm.DB, versionGroupID string) ([]db.Message, error) {
	var messages []db.Message
	err := tx.Where("version_group_id = ?", versionGroupID).
		Order("version_number ASC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// MaxVersionNumber returns the highest version number in a group, 0 when the
// group is empty.
func (s *MessageStore) MaxVersionNumber(tx *gorm.DB, versionGroupID string) (int, error) {
	var maxNumber int
	err := tx.Model(&db.Message{}).
		Where("version_group_id = ?", versionGroupID).
		Select("COALESCE(MAX(version_number), 0)").
		Scan(&maxNumber).Error
	if err != nil {
		return 0, err
	}
	return maxNumber, nil
}

// Children returns every message whose parent is parentID, regardless of
// active state.
func (s *MessageStore) Children(tx *gorm.DB, parentID string) ([]db.Message, error) {
	var messages []db.Message
	if err := tx.Where("parent_id = ?", parentID).Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

// ActiveTail returns the last message on the conversation's active path, or
// nil when the conversation is empty. The tail is the active message with no
// active child; ordering by timestamp alone would misidentify it when a
// parent and child share a creation time.
func (s *MessageStore) ActiveTail(tx *gorm.DB, conversationID string) (*db.Message, error) {
	active, err := s.GetActiveMessages(tx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}

	hasActiveChild := make(map[string]bool, len(active))
	for i := range active {
		if active[i].ParentID != nil {
			hasActiveChild[*active[i].ParentID] = true
		}
	}
	for i := len(active) - 1; i >= 0; i-- {
		if !hasActiveChild[active[i].ID] {
			return &active[i], nil
		}
	}
	return &active[len(active)-1], nil
}

// InsertMessage persists a message, assigning ID and timestamps. The caller
// supplies the version-tree fields.
func (s *MessageStore) InsertMessage(tx *gorm.DB, msg *db.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	return tx.Create(msg).Error
}

// SetActive flips the active flag on a batch of messages in one statement.
func (s *MessageStore) SetActive(tx *gorm.DB, ids []string, active bool) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.Model(&db.Message{}).Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"is_active":  active,
			"updated_at": time.Now(),
		}).Error
}

// CheckGroupExclusive verifies that no version group in the conversation has
// more than one active member. Engine operations run it before committing;
// a violation aborts the whole transaction.
func (s *MessageStore) CheckGroupExclusive(tx *gorm.DB, conversationID string) error {
	var offenders []string
	err := tx.Model(&db.Message{}).
		Where("conversation_id = ? AND is_active = ?", conversationID, true).
		Group("version_group_id").
		Having("COUNT(*) > 1").
		Pluck("version_group_id", &offenders).Error
	if err != nil {
		return err
	}
	if len(offenders) > 0 {
		return ErrIntegrityViolation
	}
	return nil
}
