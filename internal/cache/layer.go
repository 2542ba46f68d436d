// Package cache keeps memoised read views over a store.Store and drops them
// when a write makes them stale.
package cache

import (
	"context"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gwi.com/streamchat/internal/store"
)

// ProvisionalPrefix marks message ids that exist only in the cache while the
// write that will replace them is in flight.
const ProvisionalPrefix = "temp-"

var _ store.Store = (*Layer)(nil)

// Layer decorates a store.Store. Reads of the four views are served from
// memory once fetched; writes go to the store and then invalidate the views
// listed for their mutation. Safe for concurrent use.
type Layer struct {
	store store.Store
	now   func() time.Time

	mu       sync.Mutex
	entries  map[Key]any
	versions map[Key]uint64
	epoch    uint64
}

func NewLayer(s store.Store) *Layer {
	return &Layer{
		store:    s,
		now:      time.Now,
		entries:  make(map[Key]any),
		versions: make(map[Key]uint64),
	}
}

// Peek returns the cached value for key without fetching.
func (l *Layer) Peek(key Key) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.entries[key]
	return v, ok
}

// Invalidate drops the views m makes stale.
func (l *Layer) Invalidate(m Mutation, id string) {
	keys := Invalidates(m, id)

	l.mu.Lock()
	defer l.mu.Unlock()
	if keys == nil {
		clear(l.entries)
		clear(l.versions)
		l.epoch++
		return
	}
	for _, k := range keys {
		delete(l.entries, k)
		l.versions[k]++
	}
}

// load serves key from memory or fetches it. A fetch that raced an
// invalidation of the same key is returned but not memoised.
func load[T any](ctx context.Context, l *Layer, key Key, fetch func(context.Context) (T, error), clone func(T) T) (T, error) {
	l.mu.Lock()
	if v, ok := l.entries[key]; ok {
		l.mu.Unlock()
		return clone(v.(T)), nil
	}
	version, epoch := l.versions[key], l.epoch
	l.mu.Unlock()

	v, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	l.mu.Lock()
	if l.versions[key] == version && l.epoch == epoch {
		l.entries[key] = clone(v)
	}
	l.mu.Unlock()
	return v, nil
}

func cloneConversation(c *store.Conversation) *store.Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func cloneMessages(m []store.Message) []store.Message {
	if m == nil {
		return []store.Message{}
	}
	return slices.Clone(m)
}

func cloneConversations(c []store.Conversation) []store.Conversation {
	if c == nil {
		return []store.Conversation{}
	}
	return slices.Clone(c)
}

func cloneComposite(c *store.ConversationWithMessages) *store.ConversationWithMessages {
	if c == nil {
		return nil
	}
	return &store.ConversationWithMessages{
		Conversation: cloneConversation(c.Conversation),
		Messages:     cloneMessages(c.Messages),
	}
}

func (l *Layer) GetConversations(ctx context.Context) ([]store.Conversation, error) {
	return load(ctx, l, ConversationsKey(), l.store.GetConversations, cloneConversations)
}

func (l *Layer) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	return load(ctx, l, ConversationKey(id), func(ctx context.Context) (*store.Conversation, error) {
		return l.store.GetConversation(ctx, id)
	}, cloneConversation)
}

func (l *Layer) GetMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	return load(ctx, l, MessagesKey(conversationID), func(ctx context.Context) ([]store.Message, error) {
		return l.store.GetMessages(ctx, conversationID)
	}, cloneMessages)
}

func (l *Layer) GetConversationWithMessages(ctx context.Context, id string) (*store.ConversationWithMessages, error) {
	return load(ctx, l, ConversationWithMessagesKey(id), func(ctx context.Context) (*store.ConversationWithMessages, error) {
		return l.store.GetConversationWithMessages(ctx, id)
	}, cloneComposite)
}

// GetLastMessages is not a view; it always reads the store.
func (l *Layer) GetLastMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	return l.store.GetLastMessages(ctx, conversationID, limit)
}

func (l *Layer) CreateConversation(ctx context.Context, title string) (*store.Conversation, error) {
	conv, err := l.store.CreateConversation(ctx, title)
	if err != nil {
		return nil, err
	}
	l.Invalidate(ConversationCreated, conv.ID)
	return conv, nil
}

func (l *Layer) UpdateConversation(ctx context.Context, id string, update store.ConversationUpdate) error {
	if err := l.store.UpdateConversation(ctx, id, update); err != nil {
		return err
	}
	l.Invalidate(ConversationUpdated, id)
	return nil
}

func (l *Layer) DeleteConversation(ctx context.Context, id string) error {
	if err := l.store.DeleteConversation(ctx, id); err != nil {
		return err
	}
	l.Invalidate(ConversationDeleted, id)
	return nil
}

func (l *Layer) ClearAll(ctx context.Context) error {
	if err := l.store.ClearAll(ctx); err != nil {
		return err
	}
	l.Invalidate(Cleared, "")
	return nil
}

// AddMessage writes through to the store. When the conversation's message
// list is cached, a provisional message is appended first and removed again
// if the write fails. On success the list is refetched.
func (l *Layer) AddMessage(ctx context.Context, conversationID string, role store.Role, content string) (*store.Message, error) {
	key := MessagesKey(conversationID)
	provisionalID := ProvisionalPrefix + uuid.NewString()

	l.mu.Lock()
	snapshot, cached := l.entries[key].([]store.Message)
	if cached {
		l.entries[key] = append(slices.Clone(snapshot), store.Message{
			ID:             provisionalID,
			ConversationID: conversationID,
			Role:           role,
			Content:        content,
			Timestamp:      l.now(),
		})
		l.versions[key]++
	}
	l.mu.Unlock()

	msg, err := l.store.AddMessage(ctx, conversationID, role, content)
	if err != nil {
		if cached {
			l.rollback(key, provisionalID, snapshot)
		}
		return nil, err
	}

	l.Invalidate(MessageAdded, conversationID)
	if cached {
		if _, err := l.GetMessages(ctx, conversationID); err != nil {
			log.Printf("Failed to refetch messages for conversation %s: %v", conversationID, err)
		}
	}
	return msg, nil
}

// rollback restores snapshot unless the optimistic list was already replaced.
func (l *Layer) rollback(key Key, provisionalID string, snapshot []store.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.entries[key].([]store.Message)
	if !ok || len(current) == 0 || current[len(current)-1].ID != provisionalID {
		return
	}
	l.entries[key] = snapshot
}

// IsProvisional reports whether m has not been confirmed by the store.
func IsProvisional(m store.Message) bool {
	return strings.HasPrefix(m.ID, ProvisionalPrefix)
}
