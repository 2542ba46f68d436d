// Package core runs the lifecycle of a streamed assistant reply and keeps
// it consistent with the durable store.
package core

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"

	"gwi.com/streamchat/internal/chat"
	"gwi.com/streamchat/internal/config"
	"gwi.com/streamchat/internal/ratelimit"
	"gwi.com/streamchat/internal/store"
	"gwi.com/streamchat/internal/stream"
)

// DefaultContextSize is how many stored messages are sent upstream.
const DefaultContextSize = chat.MaxMessages

type SendRequest struct {
	ConversationID string
	SessionID      string
	Model          string // empty uses the conversation's model
	Content        string
	// Retry resends the last user message instead of storing a duplicate
	// when its content is identical.
	Retry bool
}

type EventType string

const (
	EventState    EventType = "state"
	EventFragment EventType = "fragment"
	EventMessage  EventType = "message"
	EventTitle    EventType = "title"
)

// Event is emitted to the caller's sink as the exchange progresses.
type Event struct {
	Type     EventType
	State    State
	Fragment stream.Fragment
	Message  *store.Message
	Title    string
}

// Result describes how an exchange ended.
type Result struct {
	State            State
	UserMessage      *store.Message
	AssistantMessage *store.Message // nil unless a non-empty reply was stored
	Title            string         // set when the exchange renamed the conversation
}

type exchange struct {
	state  State
	cancel context.CancelFunc
}

type Orchestrator struct {
	store        store.Store
	dispatcher   Dispatcher
	connectivity Connectivity
	contextSize  int

	mu     sync.Mutex
	active map[string]*exchange
}

type Option func(*Orchestrator)

// WithConnectivity makes SendMessage fail with ErrOffline while c reports offline.
func WithConnectivity(c Connectivity) Option {
	return func(o *Orchestrator) { o.connectivity = c }
}

func WithContextSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.contextSize = n
		}
	}
}

func NewOrchestrator(s store.Store, d Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       s,
		dispatcher:  d,
		contextSize: DefaultContextSize,
		active:      make(map[string]*exchange),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Active returns the state of the exchange in flight for a conversation.
func (o *Orchestrator) Active(conversationID string) (State, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ex, ok := o.active[conversationID]
	if !ok {
		return StateIdle, false
	}
	return ex.state, true
}

// Cancel stops the exchange in flight for a conversation. It reports whether
// there was one.
func (o *Orchestrator) Cancel(conversationID string) bool {
	o.mu.Lock()
	ex, ok := o.active[conversationID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	ex.cancel()
	return true
}

func (o *Orchestrator) acquire(ctx context.Context, conversationID string) (context.Context, *exchange, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[conversationID]; busy {
		return nil, nil, ErrConversationBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	ex := &exchange{state: StateIdle, cancel: cancel}
	o.active[conversationID] = ex
	return ctx, ex, nil
}

func (o *Orchestrator) release(conversationID string, ex *exchange) {
	ex.cancel()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[conversationID] == ex {
		delete(o.active, conversationID)
	}
}

func (o *Orchestrator) transition(ex *exchange, to State, emit func(Event)) {
	o.mu.Lock()
	from := ex.state
	if !canTransition(from, to) {
		o.mu.Unlock()
		log.Printf("Warning: %v", &transitionError{from: from, to: to})
		return
	}
	ex.state = to
	o.mu.Unlock()
	emit(Event{Type: EventState, State: to})
}

// SendMessage stores the user's message, dispatches the conversation's recent
// history upstream and streams the reply to sink. The reply is stored once the
// stream completes. A cancelled exchange returns a Cancelled result and no error.
func (o *Orchestrator) SendMessage(ctx context.Context, req SendRequest, sink func(Event)) (*Result, error) {
	emit := func(e Event) {
		if sink != nil {
			sink(e)
		}
	}

	if o.connectivity != nil && !o.connectivity.Online() {
		return nil, ErrOffline
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, &chat.ValidationError{Issues: []chat.Issue{{Field: "content", Message: "Message content cannot be empty"}}}
	}

	exCtx, ex, err := o.acquire(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	defer o.release(req.ConversationID, ex)

	conv, err := o.store.GetConversation(exCtx, req.ConversationID)
	if err != nil {
		return nil, &PersistenceError{Op: "load conversation", Err: err}
	}
	if conv == nil {
		return nil, &PersistenceError{Op: "load conversation", Err: store.ErrNotFound}
	}
	model := req.Model
	if model == "" {
		model = conv.Model
	}

	result := &Result{State: StateIdle}
	userMsg, err := o.persistUserMessage(exCtx, req)
	if err != nil {
		if exCtx.Err() != nil {
			return o.finish(ex, result, StateCancelled, emit), nil
		}
		return nil, err
	}
	emit(Event{Type: EventMessage, Message: userMsg})
	result.UserMessage = userMsg

	history, err := o.store.GetLastMessages(exCtx, req.ConversationID, o.contextSize)
	if err != nil {
		if exCtx.Err() != nil {
			return o.finish(ex, result, StateCancelled, emit), nil
		}
		return nil, &PersistenceError{Op: "load conversation history", Err: err}
	}
	firstExchange := len(history) == 1

	o.transition(ex, StateDispatching, emit)
	s, err := o.dispatcher.Dispatch(exCtx, req.SessionID, chat.RawRequest{
		ConversationID: req.ConversationID,
		Model:          &model,
		Messages:       toChatMessages(history),
	})
	if err != nil {
		if exCtx.Err() != nil {
			return o.finish(ex, result, StateCancelled, emit), nil
		}
		o.transition(ex, StateErrored, emit)
		result.State = StateErrored
		return result, dispatchError(err)
	}
	defer s.Close()

	o.transition(ex, StateStreaming, emit)
	var reply strings.Builder
	for {
		f, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if exCtx.Err() != nil {
				return o.finish(ex, result, StateCancelled, emit), nil
			}
			o.transition(ex, StateErrored, emit)
			result.State = StateErrored
			return result, &UpstreamError{Err: err}
		}

		text, ok, err := stream.PersistableText(f)
		if err != nil {
			o.transition(ex, StateErrored, emit)
			result.State = StateErrored
			return result, &UpstreamError{Err: err}
		}
		if ok {
			reply.WriteString(text)
		}
		emit(Event{Type: EventFragment, Fragment: f})
	}

	// The stream completed; later cancellation must not lose the reply.
	doneCtx := context.WithoutCancel(exCtx)
	content := reply.String()
	if strings.TrimSpace(content) != "" {
		msg, err := o.store.AddMessage(doneCtx, req.ConversationID, store.RoleAssistant, content)
		if err != nil {
			o.transition(ex, StateErrored, emit)
			result.State = StateErrored
			return result, &PersistenceError{Op: "store assistant message", Err: err}
		}
		result.AssistantMessage = msg
		emit(Event{Type: EventMessage, Message: msg})

		if firstExchange {
			title := TitleFromReply(content)
			if err := o.store.UpdateConversation(doneCtx, req.ConversationID, store.ConversationUpdate{Title: &title}); err != nil {
				o.transition(ex, StateErrored, emit)
				result.State = StateErrored
				return result, &PersistenceError{Op: "store conversation title", Err: err}
			}
			result.Title = title
			emit(Event{Type: EventTitle, Title: title})
		}
	}

	return o.finish(ex, result, StateCompleted, emit), nil
}

func (o *Orchestrator) finish(ex *exchange, result *Result, state State, emit func(Event)) *Result {
	o.transition(ex, state, emit)
	result.State = state
	return result
}

func (o *Orchestrator) persistUserMessage(ctx context.Context, req SendRequest) (*store.Message, error) {
	if req.Retry {
		last, err := o.store.GetLastMessages(ctx, req.ConversationID, 1)
		if err != nil {
			return nil, &PersistenceError{Op: "load last message", Err: err}
		}
		if len(last) == 1 && last[0].Role == store.RoleUser && last[0].Content == req.Content {
			return &last[0], nil
		}
	}

	msg, err := o.store.AddMessage(ctx, req.ConversationID, store.RoleUser, req.Content)
	if err != nil {
		return nil, &PersistenceError{Op: "store user message", Err: err}
	}
	return msg, nil
}

func toChatMessages(history []store.Message) []chat.Message {
	out := make([]chat.Message, len(history))
	for i, m := range history {
		out[i] = chat.Message{Role: chat.Role(m.Role), Content: m.Content}
	}
	return out
}

// dispatchError keeps the rejection kinds callers branch on and wraps the rest.
func dispatchError(err error) error {
	var (
		denied    *ratelimit.DeniedError
		invalid   *chat.ValidationError
		configErr *config.ConfigurationError
		upstream  *UpstreamError
	)
	if errors.As(err, &denied) || errors.As(err, &invalid) || errors.As(err, &configErr) || errors.As(err, &upstream) {
		return err
	}
	return &UpstreamError{Err: err}
}
