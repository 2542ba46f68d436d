package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"gwi.com/streamchat/internal/chat"
	"gwi.com/streamchat/internal/config"
	"gwi.com/streamchat/internal/core"
	"gwi.com/streamchat/internal/ratelimit"
	"gwi.com/streamchat/internal/store"
)

type ErrorResponse struct {
	Error   string       `json:"error"`
	Message string       `json:"message,omitempty"`
	Details []chat.Issue `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// errorStatus maps an error onto its HTTP status and response body.
func errorStatus(err error) (int, ErrorResponse) {
	var (
		denied    *ratelimit.DeniedError
		invalid   *chat.ValidationError
		configErr *config.ConfigurationError
		upstream  *core.UpstreamError
	)
	message := core.Describe(err)

	switch {
	case errors.As(err, &denied):
		return http.StatusTooManyRequests, ErrorResponse{Error: "Rate limit exceeded", Message: message}
	case errors.As(err, &invalid):
		return http.StatusBadRequest, ErrorResponse{Error: "Validation error", Details: invalid.Issues}
	case errors.As(err, &configErr):
		return http.StatusInternalServerError, ErrorResponse{Error: "Configuration error", Message: message}
	case errors.Is(err, core.ErrOffline):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "Offline", Message: message}
	case errors.Is(err, core.ErrConversationBusy):
		return http.StatusConflict, ErrorResponse{Error: "Conversation busy", Message: message}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "Not found", Message: message}
	case errors.As(err, &upstream):
		return http.StatusBadGateway, ErrorResponse{Error: "Upstream error", Message: message}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "Internal server error", Message: message}
	}
}

func respondError(w http.ResponseWriter, err error) {
	status, body := errorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("Request failed: %v", err)
	}
	var denied *ratelimit.DeniedError
	if errors.As(err, &denied) {
		w.Header().Set("Retry-After", strconv.Itoa(denied.RetryAfter))
	}
	respondJSON(w, status, body)
}

func respondNotFound(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusNotFound, ErrorResponse{Error: "Not found", Message: message})
}

func respondBadRequest(w http.ResponseWriter, field, message string) {
	respondError(w, &chat.ValidationError{Issues: []chat.Issue{{Field: field, Message: message}}})
}
