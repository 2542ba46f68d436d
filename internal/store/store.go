package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a write targets a conversation that does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the durable conversation/message operations.
// SQLiteStore is the canonical implementation; the cache layer decorates it
// with the same interface so writers can be pointed at either.
type Store interface {
	CreateConversation(ctx context.Context, title string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversations(ctx context.Context) ([]Conversation, error)
	UpdateConversation(ctx context.Context, id string, update ConversationUpdate) error
	DeleteConversation(ctx context.Context, id string) error

	AddMessage(ctx context.Context, conversationID string, role Role, content string) (*Message, error)
	GetMessages(ctx context.Context, conversationID string) ([]Message, error)
	GetLastMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	GetConversationWithMessages(ctx context.Context, id string) (*ConversationWithMessages, error)

	// ClearAll empties both tables. Administrative/testing use only.
	ClearAll(ctx context.Context) error
}
