package event

const (
	ConversationCreated = "conversation.created"
	ConversationRenamed = "conversation.renamed"
	ConversationDeleted = "conversation.deleted"
	MessageCreated      = "message.created"
	MessageSwitched     = "message.switched"
	DocumentIngested    = "document.ingested"
)

// ConversationCreatedEvent is emitted when a conversation is created.
type ConversationCreatedEvent struct {
	UserID         string `json:"-"`
	ConversationID string `json:"conversation_id"`
}

func (e ConversationCreatedEvent) EventName() string { return ConversationCreated }
func (e ConversationCreatedEvent) OwnerID() string   { return e.UserID }

// ConversationRenamedEvent is emitted on both manual and automatic renames.
type ConversationRenamedEvent struct {
	UserID         string `json:"-"`
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

func (e ConversationRenamedEvent) EventName() string { return ConversationRenamed }
func (e ConversationRenamedEvent) OwnerID() string   { return e.UserID }

// ConversationDeletedEvent is emitted when a conversation and its messages
// are deleted.
type ConversationDeletedEvent struct {
	UserID         string `json:"-"`
	ConversationID string `json:"conversation_id"`
}

func (e ConversationDeletedEvent) EventName() string { return ConversationDeleted }
func (e ConversationDeletedEvent) OwnerID() string   { return e.UserID }

// MessageCreatedEvent is emitted for every new message version, user or
// assistant.
type MessageCreatedEvent struct {
	UserID         string `json:"-"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Role           string `json:"role"`
}

func (e MessageCreatedEvent) EventName() string { return MessageCreated }
func (e MessageCreatedEvent) OwnerID() string   { return e.UserID }

// MessageSwitchedEvent is emitted when the active path changes because a
// different version was activated.
type MessageSwitchedEvent struct {
	UserID         string `json:"-"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

func (e MessageSwitchedEvent) EventName() string { return MessageSwitched }
func (e MessageSwitchedEvent) OwnerID() string   { return e.UserID }

// DocumentIngestedEvent is emitted when background indexing of an uploaded
// document finishes, successfully or not.
type DocumentIngestedEvent struct {
	UserID     string `json:"-"`
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
}

func (e DocumentIngestedEvent) EventName() string { return DocumentIngested }
func (e DocumentIngestedEvent) OwnerID() string   { return e.UserID }
