package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gwi.com/streamchat/internal/chat"
	"gwi.com/streamchat/internal/config"
	"gwi.com/streamchat/internal/ratelimit"
	"gwi.com/streamchat/internal/store"
)

var (
	// ErrOffline is returned before any side effect when the upstream is unreachable.
	ErrOffline = errors.New("upstream unreachable")
	// ErrConversationBusy is returned when a reply is already streaming in the conversation.
	ErrConversationBusy = errors.New("a reply is already streaming in this conversation")
)

// UpstreamError is a failure reported by the completion stream after dispatch.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream stream failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// PersistenceError is a failed store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Describe turns err into a message fit to show the user.
func Describe(err error) string {
	var (
		denied     *ratelimit.DeniedError
		invalid    *chat.ValidationError
		configErr  *config.ConfigurationError
		upstream   *UpstreamError
		persistErr *PersistenceError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &denied):
		return fmt.Sprintf("Too many requests. Please try again in %d seconds.", denied.RetryAfter)
	case errors.As(err, &invalid):
		msgs := make([]string, 0, len(invalid.Issues))
		for _, issue := range invalid.Issues {
			msgs = append(msgs, issue.Message)
		}
		return "Invalid request: " + strings.Join(msgs, "; ")
	case errors.As(err, &configErr):
		return "The assistant is not configured. Please contact your administrator."
	case errors.Is(err, ErrOffline):
		return "No internet connection. Please check your connection and try again."
	case errors.Is(err, ErrConversationBusy):
		return "A reply is already in progress. Wait for it to finish or stop it first."
	case errors.Is(err, store.ErrNotFound):
		return "Conversation not found."
	case errors.As(err, &persistErr):
		return "Your conversation could not be saved. Please try again."
	case errors.As(err, &upstream):
		return "The assistant failed to respond. Please try again."
	case errors.Is(err, context.Canceled):
		return "The request was canceled."
	case errors.Is(err, context.DeadlineExceeded):
		return "The request took too long. Please try again."
	default:
		return "An unexpected error occurred. Please try again."
	}
}
