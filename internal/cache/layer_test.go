package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/streamchat/internal/cache"
	"gwi.com/streamchat/internal/store"
)

// countingStore counts reads and lets tests intercept AddMessage.
type countingStore struct {
	store.Store

	mu      sync.Mutex
	reads   map[cache.View]int
	onAdd   func()
	failAdd error
}

func (c *countingStore) count(v cache.View) {
	c.mu.Lock()
	c.reads[v]++
	c.mu.Unlock()
}

func (c *countingStore) Reads(v cache.View) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads[v]
}

func (c *countingStore) GetConversations(ctx context.Context) ([]store.Conversation, error) {
	c.count(cache.ViewConversations)
	return c.Store.GetConversations(ctx)
}

func (c *countingStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	c.count(cache.ViewConversation)
	return c.Store.GetConversation(ctx, id)
}

func (c *countingStore) GetMessages(ctx context.Context, id string) ([]store.Message, error) {
	c.count(cache.ViewMessages)
	return c.Store.GetMessages(ctx, id)
}

func (c *countingStore) GetConversationWithMessages(ctx context.Context, id string) (*store.ConversationWithMessages, error) {
	c.count(cache.ViewConversationWithMessages)
	return c.Store.GetConversationWithMessages(ctx, id)
}

func (c *countingStore) AddMessage(ctx context.Context, id string, role store.Role, content string) (*store.Message, error) {
	if c.onAdd != nil {
		c.onAdd()
	}
	if c.failAdd != nil {
		return nil, c.failAdd
	}
	return c.Store.AddMessage(ctx, id, role, content)
}

func newLayer(t *testing.T) (*cache.Layer, *countingStore) {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cs := &countingStore{Store: db, reads: make(map[cache.View]int)}
	return cache.NewLayer(cs), cs
}

func TestInvalidationTable(t *testing.T) {
	tests := []struct {
		mutation cache.Mutation
		want     []cache.Key
	}{
		{cache.ConversationCreated, []cache.Key{cache.ConversationsKey(), cache.ConversationKey("c")}},
		{cache.ConversationUpdated, []cache.Key{
			cache.ConversationsKey(), cache.ConversationKey("c"), cache.ConversationWithMessagesKey("c"),
		}},
		{cache.ConversationDeleted, []cache.Key{
			cache.ConversationsKey(), cache.ConversationKey("c"), cache.MessagesKey("c"), cache.ConversationWithMessagesKey("c"),
		}},
		{cache.MessageAdded, []cache.Key{
			cache.MessagesKey("c"), cache.ConversationsKey(), cache.ConversationWithMessagesKey("c"),
		}},
		{cache.Cleared, nil},
	}
	for _, tt := range tests {
		t.Run(tt.mutation.String(), func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, cache.Invalidates(tt.mutation, "c"))
		})
	}
}

func TestLayer_MemoisesViews(t *testing.T) {
	ctx := context.Background()
	l, cs := newLayer(t)

	conv, err := l.CreateConversation(ctx, "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = l.GetConversations(ctx)
		require.NoError(t, err)
		_, err = l.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		_, err = l.GetMessages(ctx, conv.ID)
		require.NoError(t, err)
		_, err = l.GetConversationWithMessages(ctx, conv.ID)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, cs.Reads(cache.ViewConversations))
	assert.Equal(t, 1, cs.Reads(cache.ViewConversation))
	assert.Equal(t, 1, cs.Reads(cache.ViewMessages))
	assert.Equal(t, 1, cs.Reads(cache.ViewConversationWithMessages))
}

func TestLayer_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	l, _ := newLayer(t)

	conv, err := l.CreateConversation(ctx, "Original")
	require.NoError(t, err)

	got, err := l.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	got.Title = "mutated"

	again, err := l.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Original", again.Title)
}

func TestLayer_UpdateInvalidates(t *testing.T) {
	ctx := context.Background()
	l, _ := newLayer(t)

	conv, err := l.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = l.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	_, err = l.GetConversations(ctx)
	require.NoError(t, err)
	_, err = l.GetMessages(ctx, conv.ID)
	require.NoError(t, err)

	title := "Renamed"
	require.NoError(t, l.UpdateConversation(ctx, conv.ID, store.ConversationUpdate{Title: &title}))

	_, ok := l.Peek(cache.ConversationKey(conv.ID))
	assert.False(t, ok)
	_, ok = l.Peek(cache.ConversationsKey())
	assert.False(t, ok)
	_, ok = l.Peek(cache.MessagesKey(conv.ID))
	assert.True(t, ok, "messages are not affected by a title change")

	got, err := l.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
}

func TestLayer_FailedWriteKeepsViews(t *testing.T) {
	ctx := context.Background()
	l, _ := newLayer(t)

	_, err := l.GetConversations(ctx)
	require.NoError(t, err)

	title := "x"
	err = l.UpdateConversation(ctx, "missing", store.ConversationUpdate{Title: &title})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, ok := l.Peek(cache.ConversationsKey())
	assert.True(t, ok)
}

func TestLayer_DeleteInvalidatesMessages(t *testing.T) {
	ctx := context.Background()
	l, _ := newLayer(t)

	conv, err := l.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = l.GetMessages(ctx, conv.ID)
	require.NoError(t, err)
	_, err = l.GetConversationWithMessages(ctx, conv.ID)
	require.NoError(t, err)

	require.NoError(t, l.DeleteConversation(ctx, conv.ID))

	_, ok := l.Peek(cache.MessagesKey(conv.ID))
	assert.False(t, ok)
	_, ok = l.Peek(cache.ConversationWithMessagesKey(conv.ID))
	assert.False(t, ok)

	composite, err := l.GetConversationWithMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, composite.Conversation)
	assert.Empty(t, composite.Messages)
}

func TestLayer_ClearAllDropsEverything(t *testing.T) {
	ctx := context.Background()
	l, _ := newLayer(t)

	conv, err := l.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = l.GetConversations(ctx)
	require.NoError(t, err)
	_, err = l.GetMessages(ctx, conv.ID)
	require.NoError(t, err)

	require.NoError(t, l.ClearAll(ctx))

	_, ok := l.Peek(cache.ConversationsKey())
	assert.False(t, ok)
	_, ok = l.Peek(cache.MessagesKey(conv.ID))
	assert.False(t, ok)

	convs, err := l.GetConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestLayer_OptimisticAddMessage(t *testing.T) {
	ctx := context.Background()
	l, cs := newLayer(t)

	conv, err := l.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = l.GetMessages(ctx, conv.ID)
	require.NoError(t, err)

	var during []store.Message
	cs.onAdd = func() {
		v, ok := l.Peek(cache.MessagesKey(conv.ID))
		require.True(t, ok)
		during = v.([]store.Message)
	}

	msg, err := l.AddMessage(ctx, conv.ID, store.RoleUser, "Hi")
	require.NoError(t, err)

	require.Len(t, during, 1)
	assert.True(t, cache.IsProvisional(during[0]))
	assert.Equal(t, "Hi", during[0].Content)

	v, ok := l.Peek(cache.MessagesKey(conv.ID))
	require.True(t, ok, "messages are refetched after the write")
	after := v.([]store.Message)
	require.Len(t, after, 1)
	assert.Equal(t, msg.ID, after[0].ID)
	assert.False(t, cache.IsProvisional(after[0]))
	assert.Equal(t, 2, cs.Reads(cache.ViewMessages))
}

func TestLayer_OptimisticAddRollsBack(t *testing.T) {
	ctx := context.Background()
	l, cs := newLayer(t)

	conv, err := l.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = l.AddMessage(ctx, conv.ID, store.RoleUser, "first")
	require.NoError(t, err)

	before, err := l.GetMessages(ctx, conv.ID)
	require.NoError(t, err)

	cs.failAdd = errors.New("disk full")
	_, err = l.AddMessage(ctx, conv.ID, store.RoleAssistant, "second")
	require.Error(t, err)

	v, ok := l.Peek(cache.MessagesKey(conv.ID))
	require.True(t, ok)
	assert.Equal(t, before, v.([]store.Message))
}

func TestLayer_AddMessageWithoutCachedView(t *testing.T) {
	ctx := context.Background()
	l, cs := newLayer(t)

	conv, err := l.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = l.GetConversations(ctx)
	require.NoError(t, err)

	cs.onAdd = func() {
		_, ok := l.Peek(cache.MessagesKey(conv.ID))
		assert.False(t, ok)
	}
	_, err = l.AddMessage(ctx, conv.ID, store.RoleUser, "Hi")
	require.NoError(t, err)

	_, ok := l.Peek(cache.ConversationsKey())
	assert.False(t, ok, "message addition reorders the conversation list")
	assert.Equal(t, 0, cs.Reads(cache.ViewMessages))
}

func TestLayer_StaleFetchIsNotMemoised(t *testing.T) {
	ctx := context.Background()
	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer db.Close()

	gate := &racingStore{Store: db}
	l := cache.NewLayer(gate)
	gate.during = func() { l.Invalidate(cache.ConversationCreated, "") }

	_, err = l.GetConversations(ctx)
	require.NoError(t, err)

	_, ok := l.Peek(cache.ConversationsKey())
	assert.False(t, ok)
}

// racingStore runs during inside the list fetch, simulating an invalidation
// that lands while the read is in flight.
type racingStore struct {
	store.Store
	during func()
}

func (r *racingStore) GetConversations(ctx context.Context) ([]store.Conversation, error) {
	if r.during != nil {
		r.during()
	}
	return r.Store.GetConversations(ctx)
}
