package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"gwi.com/streamchat/internal/stream"
)

// contextKey is a custom type used for context keys to avoid collisions.
type contextKey string

const sessionIDKey contextKey = "sessionID"

// SessionMiddleware puts the caller's session id in the request context,
// generating one when the X-Session-ID header is absent. The id is echoed
// back so clients can keep using it.
func SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get(stream.SessionHeader)
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		w.Header().Set(stream.SessionHeader, sessionID)
		ctx := context.WithValue(r.Context(), sessionIDKey, sessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionID returns the session id set by SessionMiddleware.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}
