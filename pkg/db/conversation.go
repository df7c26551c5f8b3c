// Database models for chat conversations
package db

import "time"

// Conversation represents a chat conversation owned by a single user.
type Conversation struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	UserID      string    `json:"user_id" gorm:"index;size:64;not null"`
	Title       string    `json:"title" gorm:"size:200;default:'New Chat'"`
	AutoRenamed bool      `json:"auto_renamed" gorm:"default:false"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}
