package cache

// View names a derived read.
type View string

const (
	ViewConversations            View = "conversations"
	ViewConversation             View = "conversation"
	ViewMessages                 View = "messages"
	ViewConversationWithMessages View = "conversationWithMessages"
)

// Key identifies one cached view. ID is empty for the conversation list.
type Key struct {
	View View
	ID   string
}

func ConversationsKey() Key {
	return Key{View: ViewConversations}
}

func ConversationKey(id string) Key {
	return Key{View: ViewConversation, ID: id}
}

func MessagesKey(id string) Key {
	return Key{View: ViewMessages, ID: id}
}

func ConversationWithMessagesKey(id string) Key {
	return Key{View: ViewConversationWithMessages, ID: id}
}

// Mutation is a write that makes some views stale.
type Mutation int

const (
	ConversationCreated Mutation = iota
	ConversationUpdated
	ConversationDeleted
	MessageAdded
	Cleared
)

func (m Mutation) String() string {
	switch m {
	case ConversationCreated:
		return "conversation_created"
	case ConversationUpdated:
		return "conversation_updated"
	case ConversationDeleted:
		return "conversation_deleted"
	case MessageAdded:
		return "message_added"
	case Cleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// invalidations lists the views each mutation makes stale. A nil result
// means every view.
var invalidations = map[Mutation]func(id string) []Key{
	ConversationCreated: func(id string) []Key {
		return []Key{ConversationsKey(), ConversationKey(id)}
	},
	ConversationUpdated: func(id string) []Key {
		return []Key{ConversationsKey(), ConversationKey(id), ConversationWithMessagesKey(id)}
	},
	ConversationDeleted: func(id string) []Key {
		return []Key{ConversationsKey(), ConversationKey(id), MessagesKey(id), ConversationWithMessagesKey(id)}
	},
	MessageAdded: func(id string) []Key {
		return []Key{MessagesKey(id), ConversationsKey(), ConversationWithMessagesKey(id)}
	},
	Cleared: func(string) []Key {
		return nil
	},
}

// Invalidates returns the keys m makes stale for the given conversation id.
// It returns nil for Cleared, which drops every view.
func Invalidates(m Mutation, id string) []Key {
	fn, ok := invalidations[m]
	if !ok {
		return nil
	}
	return fn(id)
}
