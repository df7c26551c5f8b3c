// Version-tree engine - maintains the branching message tree and its active path
//
// Every message belongs to a version group (the alternatives for one
// conversational slot) and links, via ParentID, to the message that occupied
// the previous slot on the active path when it was created. The engine keeps
// two invariants across edits, regenerations and switches:
//
//   - at most one member of a version group is active;
//   - the active messages of a conversation form a single unforked path.
//
// Each public operation executes as one database transaction and re-reads
// current state inside it; nothing is cached between calls.
package service

import (
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/shieldauth/shieldauth/pkg/db"
	"github.com/shieldauth/shieldauth/pkg/models"
	"github.com/shieldauth/shieldauth/pkg/utils"
)

// VersionTree mutates the message tree through MessageStore primitives.
type VersionTree struct {
	store  *MessageStore
	logger *slog.Logger
}

// NewVersionTree creates the engine over a message store.
func NewVersionTree(store *MessageStore) *VersionTree {
	return &VersionTree{
		store:  store,
		logger: utils.GetLogger(),
	}
}

// RegenerateSlot describes where a regenerated assistant reply must be
// inserted once generation finishes. When ReuseGroup is empty the reply
// starts a fresh version group at version 1.
type RegenerateSlot struct {
	UserMessage *db.Message
	ReuseGroup  string
}

// Append inserts a message at the tail of the active path, starting a fresh
// version group at version 1. It implements both the conversation root and
// every normal follow-up turn: the parent is the current active tail, or nil
// for an empty conversation.
func (e *VersionTree) Append(conversationID, role, content string, attachment *models.AttachmentMeta) (*db.Message, error) {
	var msg *db.Message
	err := e.store.Transaction(func(tx *gorm.DB) error {
		tail, err := e.store.ActiveTail(tx, conversationID)
		if err != nil {
			return err
		}

		var parentID *string
		if tail != nil {
			parentID = &tail.ID
		}

		msg = &db.Message{
			ConversationID: conversationID,
			Role:           role,
			Content:        content,
			ParentID:       parentID,
			VersionGroupID: uuid.New().String(),
			VersionNumber:  1,
			IsActive:       true,
		}
		if attachment != nil {
			msg.FileName = attachment.Name
			msg.FileSize = attachment.Size
			msg.FileMime = attachment.Mime
		}
		if err := e.store.InsertMessage(tx, msg); err != nil {
			return err
		}
		if err := e.store.TouchConversation(tx, conversationID); err != nil {
			return err
		}
		return e.store.CheckGroupExclusive(tx, conversationID)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// AppendReply inserts an assistant message under an explicit parent. When
// groupID is empty a fresh version group is started; otherwise the reply
// joins that group at the next version number (used by regenerate, where the
// old reply's group must keep accumulating versions).
func (e *VersionTree) AppendReply(conversationID, parentID, groupID, content string) (*db.Message, error) {
	var msg *db.Message
	err := e.store.Transaction(func(tx *gorm.DB) error {
		version := 1
		if groupID == "" {
			groupID = uuid.New().String()
		} else {
			maxNumber, err := e.store.MaxVersionNumber(tx, groupID)
			if err != nil {
				return err
			}
			version = maxNumber + 1
		}

		msg = &db.Message{
			ConversationID: conversationID,
			Role:           db.RoleAssistant,
			Content:        content,
			ParentID:       &parentID,
			VersionGroupID: groupID,
			VersionNumber:  version,
			IsActive:       true,
		}
		if err := e.store.InsertMessage(tx, msg); err != nil {
			return err
		}
		if err := e.store.TouchConversation(tx, conversationID); err != nil {
			return err
		}
		return e.store.CheckGroupExclusive(tx, conversationID)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Edit replaces a user message with a new version. The old version and its
// entire descendant subtree leave the active path; the new version occupies
// the same slot (same group, same parent) at the next version number. The
// caller is responsible for generating a fresh reply beneath it.
func (e *VersionTree) Edit(targetID, newContent string) (*db.Message, error) {
	var msg *db.Message
	err := e.store.Transaction(func(tx *gorm.DB) error {
		target, err := e.store.GetMessage(tx, targetID)
		if err != nil {
			return err
		}
		if target.Role != db.RoleUser {
			return ErrInvalidState
		}

		// Every version in the group, and everything that grew beneath each
		// of them, goes inactive. The target may itself be an inactive
		// version, in which case the currently active sibling carries the
		// live continuation that must be retired.
		group, err := e.store.GetVersionGroup(tx, target.VersionGroupID)
		if err != nil {
			return err
		}
		for _, member := range group {
			subtree, err := e.collectSubtree(tx, member.ID)
			if err != nil {
				return err
			}
			if err := e.store.SetActive(tx, subtree, false); err != nil {
				return err
			}
		}

		maxNumber, err := e.store.MaxVersionNumber(tx, target.VersionGroupID)
		if err != nil {
			return err
		}

		msg = &db.Message{
			ConversationID: target.ConversationID,
			Role:           db.RoleUser,
			Content:        newContent,
			ParentID:       target.ParentID,
			VersionGroupID: target.VersionGroupID,
			VersionNumber:  maxNumber + 1,
			IsEdited:       true,
			IsActive:       true,
		}
		if err := e.store.InsertMessage(tx, msg); err != nil {
			return err
		}
		if err := e.store.TouchConversation(tx, target.ConversationID); err != nil {
			return err
		}
		return e.store.CheckGroupExclusive(tx, target.ConversationID)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// PrepareRegenerate resolves the anchor to its user message and retires the
// currently active assistant reply (whole group plus descendant subtrees).
// The deactivation commits before generation runs, so a slow or failed
// generation never leaves a half-updated tree; the returned slot tells
// AppendReply which group the new reply belongs to.
func (e *VersionTree) PrepareRegenerate(anchorID string) (*RegenerateSlot, error) {
	slot := &RegenerateSlot{}
	err := e.store.Transaction(func(tx *gorm.DB) error {
		anchor, err := e.store.GetMessage(tx, anchorID)
		if err != nil {
			return err
		}

		userMsg := anchor
		if anchor.Role == db.RoleAssistant {
			if anchor.ParentID == nil {
				return ErrInvalidState
			}
			userMsg, err = e.store.GetMessage(tx, *anchor.ParentID)
			if err != nil {
				return err
			}
		}
		if userMsg.Role != db.RoleUser {
			return ErrInvalidState
		}
		slot.UserMessage = userMsg

		// The active assistant reply to this user message, if any.
		children, err := e.store.Children(tx, userMsg.ID)
		if err != nil {
			return err
		}
		var reply *db.Message
		for i := range children {
			if children[i].Role == db.RoleAssistant && children[i].IsActive {
				reply = &children[i]
				break
			}
		}
		if reply == nil {
			// No reply yet: the new one starts its own group at version 1.
			return nil
		}
		slot.ReuseGroup = reply.VersionGroupID

		// Retire every version in the reply's group along with whatever
		// grew beneath each of them.
		group, err := e.store.GetVersionGroup(tx, reply.VersionGroupID)
		if err != nil {
			return err
		}
		for _, member := range group {
			subtree, err := e.collectSubtree(tx, member.ID)
			if err != nil {
				return err
			}
			if err := e.store.SetActive(tx, subtree, false); err != nil {
				return err
			}
		}
		if err := e.store.TouchConversation(tx, userMsg.ConversationID); err != nil {
			return err
		}
		return e.store.CheckGroupExclusive(tx, userMsg.ConversationID)
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

// SwitchVersion activates another version within the group containing
// messageID. The target is either an explicit member ID or one step
// next/prev from the currently active member (a step past either end is a
// no-op). After activating the target it re-activates the most recently used
// continuation beneath it, one child per level, picked by recency.
func (e *VersionTree) SwitchVersion(messageID, targetID, direction string) (*models.SwitchResult, error) {
	result := &models.SwitchResult{}
	err := e.store.Transaction(func(tx *gorm.DB) error {
		ref, err := e.store.GetMessage(tx, messageID)
		if err != nil {
			return err
		}

		group, err := e.store.GetVersionGroup(tx, ref.VersionGroupID)
		if err != nil {
			return err
		}

		activeIdx := -1
		for i := range group {
			if group[i].IsActive {
				activeIdx = i
				break
			}
		}

		target, err := resolveSwitchTarget(group, activeIdx, targetID, direction)
		if err != nil {
			return err
		}
		if target == nil {
			// Direction step past the end of the group: nothing to do.
			return nil
		}

		// Phase a: the outgoing branch leaves the active path.
		if activeIdx >= 0 {
			subtree, err := e.collectSubtree(tx, group[activeIdx].ID)
			if err != nil {
				return err
			}
			if err := e.store.SetActive(tx, subtree, false); err != nil {
				return err
			}
			result.Deactivated = append(result.Deactivated, subtree...)
		}

		// Phase b: defensively clear the whole group, in case stale state
		// left more than one member active.
		if err := e.deactivateGroup(tx, ref.VersionGroupID); err != nil {
			return err
		}

		// Phase c: activate the target, then greedily descend to the most
		// recently used continuation. The walk is recomputed on every
		// switch; children may have been added since this branch was last
		// active.
		current := target
		for {
			if err := e.store.SetActive(tx, []string{current.ID}, true); err != nil {
				return err
			}
			activated, err := e.store.GetMessage(tx, current.ID)
			if err != nil {
				return err
			}
			result.Activated = append(result.Activated, *activated)

			children, err := e.store.Children(tx, current.ID)
			if err != nil {
				return err
			}
			next := newestChild(children)
			if next == nil {
				break
			}
			current = next
		}

		if err := e.store.TouchConversation(tx, ref.ConversationID); err != nil {
			return err
		}
		return e.store.CheckGroupExclusive(tx, ref.ConversationID)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Debug("switched version",
		"group", messageID,
		"activated", len(result.Activated),
		"deactivated", len(result.Deactivated))
	return result, nil
}

// ActivePath reconstructs the visible conversation by following ParentID
// backward from the active tail. The path is rebuilt from the active flags on
// every call; it is a materialized view, never cached.
func (e *VersionTree) ActivePath(tx *gorm.DB, conversationID string) ([]db.Message, error) {
	active, err := e.store.GetActiveMessages(tx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}

	byID := make(map[string]*db.Message, len(active))
	for i := range active {
		byID[active[i].ID] = &active[i]
	}

	// The tail is the active message no other active message points to as
	// parent. Creation order alone would misidentify it when a parent and
	// child share a timestamp.
	hasActiveChild := make(map[string]bool, len(active))
	for i := range active {
		if active[i].ParentID != nil {
			hasActiveChild[*active[i].ParentID] = true
		}
	}
	tail := &active[len(active)-1]
	for i := len(active) - 1; i >= 0; i-- {
		if !hasActiveChild[active[i].ID] {
			tail = &active[i]
			break
		}
	}

	// Walk backward from the tail, then reverse.
	var reversed []db.Message
	for current := tail; current != nil; {
		reversed = append(reversed, *current)
		if current.ParentID == nil {
			break
		}
		current = byID[*current.ParentID]
	}

	path := make([]db.Message, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		path = append(path, reversed[i])
	}
	return path, nil
}

// collectSubtree returns root plus every descendant reachable by following
// ParentID edges forward. Iterative worklist; the tree can be deep after many
// turns and recursion depth is not worth risking.
func (e *VersionTree) collectSubtree(tx *gorm.DB, rootID string) ([]string, error) {
	ids := []string{rootID}
	queue := []string{rootID}
	seen := map[string]bool{rootID: true}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		children, err := e.store.Children(tx, current)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if seen[child.ID] {
				continue
			}
			seen[child.ID] = true
			ids = append(ids, child.ID)
			queue = append(queue, child.ID)
		}
	}
	return ids, nil
}

// deactivateGroup clears the active flag on every member of a version group.
func (e *VersionTree) deactivateGroup(tx *gorm.DB, groupID string) error {
	group, err := e.store.GetVersionGroup(tx, groupID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(group))
	for _, m := range group {
		ids = append(ids, m.ID)
	}
	return e.store.SetActive(tx, ids, false)
}

// resolveSwitchTarget picks the member to activate. An explicit target must
// belong to the group; a direction moves one position from the active member
// and returns nil (no-op) at the ends.
func resolveSwitchTarget(group []db.Message, activeIdx int, targetID, direction string) (*db.Message, error) {
	if targetID != "" {
		for i := range group {
			if group[i].ID == targetID {
				return &group[i], nil
			}
		}
		return nil, ErrVersionNotFound
	}

	switch direction {
	case "next":
		if activeIdx < 0 || activeIdx+1 >= len(group) {
			return nil, nil
		}
		return &group[activeIdx+1], nil
	case "prev":
		if activeIdx <= 0 {
			return nil, nil
		}
		return &group[activeIdx-1], nil
	default:
		return nil, ErrVersionNotFound
	}
}

// newestChild picks the most recently used continuation among children:
// latest creation time, ties broken by highest version number, then highest
// ID, so the walk is deterministic under coarse clock resolution.
func newestChild(children []db.Message) *db.Message {
	var best *db.Message
	for i := range children {
		c := &children[i]
		if best == nil {
			best = c
			continue
		}
		if c.CreatedAt.After(best.CreatedAt) {
			best = c
			continue
		}
		if c.CreatedAt.Equal(best.CreatedAt) {
			if c.VersionNumber > best.VersionNumber ||
				(c.VersionNumber == best.VersionNumber && c.ID > best.ID) {
				best = c
			}
		}
	}
	return best
}
