package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gwi.com/streamchat/internal/chat"
	"gwi.com/streamchat/internal/core"
	"gwi.com/streamchat/internal/ratelimit"
	"gwi.com/streamchat/internal/store"
	"gwi.com/streamchat/internal/stream"
)

// ChatHandler is the stateless exchange endpoint: admission, validation,
// then the reply as an event stream. Nothing is persisted.
func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var raw chat.RawRequest
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		// Validated as empty so an unreadable body still counts against the quota.
		raw = chat.RawRequest{}
	}

	s, err := h.gate.Dispatch(r.Context(), SessionID(r.Context()), raw)
	if err != nil {
		respondError(w, err)
		return
	}
	defer s.Close()

	sw, err := stream.NewWriter(w)
	if err != nil {
		respondError(w, err)
		return
	}

	for {
		f, err := s.Next()
		if errors.Is(err, io.EOF) {
			_ = sw.Done()
			return
		}
		if err != nil {
			if isClientGone(r, err) {
				return
			}
			log.Printf("Chat stream for conversation %s failed: %v", raw.ConversationID, err)
			_ = sw.Error(err.Error())
			return
		}
		if err := sw.Fragment(f); err != nil {
			log.Printf("Error writing chat stream: %v", err)
			return
		}
	}
}

type SendMessageRequest struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Retry   bool   `json:"retry,omitempty"`
}

// ExchangeEvent is a non-fragment event on the send-message stream.
type ExchangeEvent struct {
	Type       string         `json:"type"`
	State      core.State     `json:"state,omitempty"`
	Message    *store.Message `json:"message,omitempty"`
	Title      string         `json:"title,omitempty"`
	Error      string         `json:"error,omitempty"`
	Status     int            `json:"status,omitempty"`
	RetryAfter int            `json:"retryAfter,omitempty"`
	Details    []chat.Issue   `json:"details,omitempty"`
}

// exchangeWriter opens the event stream on the first event, so failures that
// happen before anything was emitted can still get a plain HTTP status.
type exchangeWriter struct {
	w   http.ResponseWriter
	sw  *stream.Writer
	err error
}

func (e *exchangeWriter) open() bool {
	if e.sw == nil && e.err == nil {
		e.sw, e.err = stream.NewWriter(e.w)
	}
	return e.err == nil
}

func (e *exchangeWriter) started() bool {
	return e.sw != nil
}

func (e *exchangeWriter) send(v any) {
	if e.open() {
		e.err = e.sw.Send(v)
	}
}

func (e *exchangeWriter) fragment(f stream.Fragment) {
	if e.open() {
		e.err = e.sw.Fragment(f)
	}
}

func (e *exchangeWriter) sink(ev core.Event) {
	switch ev.Type {
	case core.EventFragment:
		e.fragment(ev.Fragment)
	case core.EventState:
		e.send(ExchangeEvent{Type: "state", State: ev.State})
	case core.EventMessage:
		e.send(ExchangeEvent{Type: "message", Message: ev.Message})
	case core.EventTitle:
		e.send(ExchangeEvent{Type: "title", Title: ev.Title})
	}
}

// SendMessageHandler stores the user's message and streams the assistant's
// reply. It ends with a done event carrying the final state, or an error event.
func (h *APIHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "body", "Invalid request body: "+err.Error())
		return
	}

	out := &exchangeWriter{w: w}
	res, err := h.orchestrator.SendMessage(r.Context(), core.SendRequest{
		ConversationID: id,
		SessionID:      SessionID(r.Context()),
		Model:          req.Model,
		Content:        req.Content,
		Retry:          req.Retry,
	}, out.sink)

	if err != nil {
		if !out.started() {
			respondError(w, err)
			return
		}
		status, body := errorStatus(err)
		ev := ExchangeEvent{Type: "error", Error: core.Describe(err), Status: status, Details: body.Details}
		var denied *ratelimit.DeniedError
		if errors.As(err, &denied) {
			ev.RetryAfter = denied.RetryAfter
		}
		if status >= http.StatusInternalServerError {
			log.Printf("Exchange in conversation %s failed: %v", id, err)
		}
		out.send(ev)
		return
	}

	out.send(ExchangeEvent{Type: "done", State: res.State})
	if out.err != nil && !isClientGone(r, out.err) {
		log.Printf("Error writing exchange stream for conversation %s: %v", id, out.err)
	}
}
