// Database models for chat messages.
//
// Messages form a version tree: each message belongs to a version group (all
// alternatives for the same conversational slot) and links to the message that
// occupied the previous slot on the active path when it was created. Exactly
// one member of a group is active at a time; the active messages of a
// conversation, chained through ParentID, form the visible path.
package db

import "time"

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message represents one version of a chat message.
//
// ParentID is a weak reference used to rebuild the active path; it never
// drives cascade deletes (messages are only removed when their conversation
// is deleted).
type Message struct {
	ID             string `json:"id" gorm:"primaryKey;size:36"`
	ConversationID string `json:"conversation_id" gorm:"index;size:36;not null"`

	Role    string `json:"role" gorm:"size:20;not null"` // user, assistant
	Content string `json:"content" gorm:"type:text"`

	// Version tree fields
	ParentID       *string `json:"parent_id,omitempty" gorm:"index;size:36"`
	VersionGroupID string  `json:"version_group_id" gorm:"index;size:36;not null"`
	VersionNumber  int     `json:"version_number" gorm:"not null;default:1"`
	// No column default: the engine always sets the flag explicitly, and a
	// default would make gorm skip explicit false values on insert.
	IsEdited bool `json:"is_edited"`
	IsActive bool `json:"is_active" gorm:"index"`

	// Attached file metadata (opaque payload, not interpreted here)
	FileName string `json:"file_name,omitempty" gorm:"size:255"`
	FileSize int64  `json:"file_size,omitempty"`
	FileMime string `json:"file_mime,omitempty" gorm:"size:100"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (*Message) TableName() string {
	return "messages"
}
