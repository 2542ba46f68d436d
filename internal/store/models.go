package store

import "time"

// DefaultConversationTitle is used when a conversation is created without a title.
const DefaultConversationTitle = "New Conversation"

// DefaultConversationModel is stored on new conversations until the caller picks another model.
const DefaultConversationModel = "gemini-2.0-flash"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the roles the messages table accepts.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type Conversation struct {
	ID        string    `json:"id"` // UUID
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"` // Never earlier than CreatedAt
	Model     string    `json:"model"`
}

type Message struct {
	ID             string    `json:"id"` // UUID, or "temp-..." while provisional in the cache layer
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// ConversationUpdate carries the fields to merge into a conversation.
// Nil pointers leave the stored value untouched.
type ConversationUpdate struct {
	Title *string `json:"title,omitempty"`
	Model *string `json:"model,omitempty"`
}

// ConversationWithMessages is the composite read used by detail views.
// Conversation is nil when the id is unknown; Messages is then empty.
type ConversationWithMessages struct {
	Conversation *Conversation `json:"conversation"`
	Messages     []Message     `json:"messages"`
}
