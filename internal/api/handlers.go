package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"gwi.com/streamchat/internal/chat"
	"gwi.com/streamchat/internal/core"
	"gwi.com/streamchat/internal/store"
)

type APIHandler struct {
	store        store.Store
	orchestrator *core.Orchestrator
	gate         core.Dispatcher
}

// NewAPIHandler serves conversations from s, runs exchanges through o and
// answers /api/chat through gate.
func NewAPIHandler(s store.Store, o *core.Orchestrator, gate core.Dispatcher) *APIHandler {
	return &APIHandler{store: s, orchestrator: o, gate: gate}
}

type ModelsResponse struct {
	Models  []chat.Model `json:"models"`
	Default string       `json:"default"`
}

func (h *APIHandler) ListModelsHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ModelsResponse{Models: chat.AvailableModels, Default: chat.DefaultModel})
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.store.GetConversations(r.Context())
	if err != nil {
		respondError(w, &core.PersistenceError{Op: "list conversations", Err: err})
		return
	}
	respondJSON(w, http.StatusOK, conversations)
}

type CreateConversationRequest struct {
	Title string `json:"title"`
}

func (h *APIHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondBadRequest(w, "body", "Invalid request body: "+err.Error())
			return
		}
	}

	conv, err := h.store.CreateConversation(r.Context(), strings.TrimSpace(req.Title))
	if err != nil {
		respondError(w, &core.PersistenceError{Op: "create conversation", Err: err})
		return
	}
	respondJSON(w, http.StatusCreated, conv)
}

func (h *APIHandler) ClearConversationsHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ClearAll(r.Context()); err != nil {
		respondError(w, &core.PersistenceError{Op: "clear conversations", Err: err})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	details, err := h.store.GetConversationWithMessages(r.Context(), id)
	if err != nil {
		respondError(w, &core.PersistenceError{Op: "get conversation", Err: err})
		return
	}
	if details.Conversation == nil {
		respondNotFound(w, "Conversation not found.")
		return
	}
	respondJSON(w, http.StatusOK, details)
}

func (h *APIHandler) UpdateConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	var update store.ConversationUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		respondBadRequest(w, "body", "Invalid request body: "+err.Error())
		return
	}

	var issues []chat.Issue
	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if title == "" {
			issues = append(issues, chat.Issue{Field: "title", Message: "Title cannot be empty"})
		}
		update.Title = &title
	}
	if update.Model != nil && !chat.IsAvailableModel(*update.Model) {
		issues = append(issues, chat.Issue{Field: "model", Message: "Invalid model ID"})
	}
	if len(issues) > 0 {
		respondError(w, &chat.ValidationError{Issues: issues})
		return
	}

	if err := h.store.UpdateConversation(r.Context(), id, update); err != nil {
		respondError(w, &core.PersistenceError{Op: "update conversation", Err: err})
		return
	}

	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		respondError(w, &core.PersistenceError{Op: "get conversation", Err: err})
		return
	}
	if conv == nil {
		respondNotFound(w, "Conversation not found.")
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (h *APIHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	h.orchestrator.Cancel(id)
	if err := h.store.DeleteConversation(r.Context(), id); err != nil {
		respondError(w, &core.PersistenceError{Op: "delete conversation", Err: err})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	var (
		messages []store.Message
		err      error
	)
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, convErr := strconv.Atoi(limitStr)
		if convErr != nil || limit < 1 {
			respondBadRequest(w, "limit", "Limit must be a positive integer")
			return
		}
		messages, err = h.store.GetLastMessages(r.Context(), id, limit)
	} else {
		messages, err = h.store.GetMessages(r.Context(), id)
	}
	if err != nil {
		respondError(w, &core.PersistenceError{Op: "list messages", Err: err})
		return
	}
	respondJSON(w, http.StatusOK, messages)
}

type StreamStatusResponse struct {
	Active bool       `json:"active"`
	State  core.State `json:"state"`
}

func (h *APIHandler) StreamStatusHandler(w http.ResponseWriter, r *http.Request) {
	state, active := h.orchestrator.Active(chi.URLParam(r, "conversationID"))
	respondJSON(w, http.StatusOK, StreamStatusResponse{Active: active, State: state})
}

func (h *APIHandler) CancelStreamHandler(w http.ResponseWriter, r *http.Request) {
	if !h.orchestrator.Cancel(chi.URLParam(r, "conversationID")) {
		respondNotFound(w, "No reply is streaming in this conversation.")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// isClientGone reports whether err only reflects the caller going away.
func isClientGone(r *http.Request, err error) bool {
	return r.Context().Err() != nil && errors.Is(err, r.Context().Err())
}
