// Package chat defines the chat request exchanged with the streaming endpoint
// and the validation applied to it before any upstream call.
package chat

import (
	"fmt"
	"strings"
)

// MaxMessages caps the context window a request may carry.
const MaxMessages = 20

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// RawRequest is the request body as received, before validation.
type RawRequest struct {
	ConversationID string    `json:"conversationId"`
	Model          *string   `json:"model,omitempty"`
	Messages       []Message `json:"messages"`
}

// Request is a validated chat request. Model is always set.
type Request struct {
	ConversationID string    `json:"conversationId"`
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
}

// Issue is one violated constraint.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every constraint a request violated.
type ValidationError struct {
	Issues []Issue
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Field+": "+issue.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Validate checks raw and returns the shaped request. All violations are
// collected so the caller can report them at once.
func Validate(raw RawRequest) (Request, error) {
	var issues []Issue
	add := func(field, message string) {
		issues = append(issues, Issue{Field: field, Message: message})
	}

	if raw.ConversationID == "" {
		add("conversationId", "Conversation ID is required")
	}

	model := DefaultModel
	if raw.Model != nil {
		model = *raw.Model
	}
	if !IsAvailableModel(model) {
		add("model", "Invalid model ID")
	}

	switch {
	case len(raw.Messages) == 0:
		add("messages", "At least one message is required")
	case len(raw.Messages) > MaxMessages:
		add("messages", fmt.Sprintf("Maximum %d messages for context", MaxMessages))
	}

	for i, msg := range raw.Messages {
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			add(fmt.Sprintf("messages.%d.role", i), "Role must be 'user' or 'assistant'")
		}
		if msg.Content == "" {
			add(fmt.Sprintf("messages.%d.content", i), "Message content cannot be empty")
		}
	}

	if len(issues) > 0 {
		return Request{}, &ValidationError{Issues: issues}
	}

	messages := make([]Message, len(raw.Messages))
	copy(messages, raw.Messages)
	return Request{
		ConversationID: raw.ConversationID,
		Model:          model,
		Messages:       messages,
	}, nil
}
