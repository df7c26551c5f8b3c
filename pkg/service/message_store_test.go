package service

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shieldauth/shieldauth/pkg/db"
)

func TestGetConversationScopedToOwner(t *testing.T) {
	store, _ := newTestTree(t)
	conv := newTestConversation(t, store)

	if _, err := store.GetConversation(store.DB(), "user-1", conv.ID); err != nil {
		t.Fatalf("owner lookup failed: %v", err)
	}
	if _, err := store.GetConversation(store.DB(), "user-2", conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("foreign lookup: err = %v, want ErrConversationNotFound", err)
	}
}

func TestListConversationsPaging(t *testing.T) {
	store, _ := newTestTree(t)
	for i := 0; i < 5; i++ {
		conv := &db.Conversation{UserID: "user-1", Title: fmt.Sprintf("c%d", i)}
		if err := store.InsertConversation(store.DB(), conv); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	page, hasMore, err := store.ListConversations(store.DB(), "user-1", 3, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 3 || !hasMore {
		t.Fatalf("page = %d items, hasMore = %v", len(page), hasMore)
	}

	page, hasMore, err = store.ListConversations(store.DB(), "user-1", 3, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || hasMore {
		t.Fatalf("second page = %d items, hasMore = %v", len(page), hasMore)
	}
}

func TestDeleteConversationCascade(t *testing.T) {
	store, tree := newTestTree(t)
	conv := newTestConversation(t, store)

	// Active path plus an abandoned branch.
	msgs := seedExchange(t, tree, conv.ID, 2)
	if _, err := tree.Edit(msgs[0].ID, "edited"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	if err := store.DeleteConversationCascade(store.DB(), conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var count int64
	if err := store.DB().Model(&db.Message{}).Where("conversation_id = ?", conv.ID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("%d messages survived the cascade", count)
	}
	if _, err := store.GetConversation(store.DB(), "user-1", conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("conversation survived: %v", err)
	}
}

func TestMaxVersionNumberEmptyGroup(t *testing.T) {
	store, _ := newTestTree(t)

	maxNumber, err := store.MaxVersionNumber(store.DB(), uuid.New().String())
	if err != nil {
		t.Fatalf("max version: %v", err)
	}
	if maxNumber != 0 {
		t.Fatalf("empty group max = %d, want 0", maxNumber)
	}
}

func TestActiveTailEmptyConversation(t *testing.T) {
	store, _ := newTestTree(t)
	conv := newTestConversation(t, store)

	tail, err := store.ActiveTail(store.DB(), conv.ID)
	if err != nil {
		t.Fatalf("active tail: %v", err)
	}
	if tail != nil {
		t.Fatalf("empty conversation has tail %s", tail.ID)
	}
}

func TestActiveTailWithEqualTimestamps(t *testing.T) {
	store, _ := newTestTree(t)
	conv := newTestConversation(t, store)

	// Parent and child share a creation time and the parent's ID sorts
	// higher; the tail must still be the childless message.
	created := time.Now().Truncate(time.Second)
	parent := &db.Message{
		ID:             "zz-" + uuid.New().String(),
		ConversationID: conv.ID,
		Role:           db.RoleUser,
		Content:        "question",
		VersionGroupID: uuid.New().String(),
		VersionNumber:  1,
		IsActive:       true,
		CreatedAt:      created,
	}
	if err := store.InsertMessage(store.DB(), parent); err != nil {
		t.Fatalf("insert parent: %v", err)
	}
	child := &db.Message{
		ID:             "aa-" + uuid.New().String(),
		ConversationID: conv.ID,
		Role:           db.RoleAssistant,
		Content:        "answer",
		ParentID:       &parent.ID,
		VersionGroupID: uuid.New().String(),
		VersionNumber:  1,
		IsActive:       true,
		CreatedAt:      created,
	}
	if err := store.InsertMessage(store.DB(), child); err != nil {
		t.Fatalf("insert child: %v", err)
	}

	tail, err := store.ActiveTail(store.DB(), conv.ID)
	if err != nil {
		t.Fatalf("active tail: %v", err)
	}
	if tail == nil || tail.ID != child.ID {
		t.Fatalf("tail = %v, want %s", tail, child.ID)
	}
}

func TestCheckGroupExclusiveDetectsViolation(t *testing.T) {
	store, _ := newTestTree(t)
	conv := newTestConversation(t, store)

	groupID := uuid.New().String()
	for v := 1; v <= 2; v++ {
		msg := &db.Message{
			ConversationID: conv.ID,
			Role:           db.RoleUser,
			Content:        "dup",
			VersionGroupID: groupID,
			VersionNumber:  v,
			IsActive:       true,
		}
		if err := store.InsertMessage(store.DB(), msg); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := store.CheckGroupExclusive(store.DB(), conv.ID); !errors.Is(err, ErrIntegrityViolation) {
		t.Fatalf("err = %v, want ErrIntegrityViolation", err)
	}
}
