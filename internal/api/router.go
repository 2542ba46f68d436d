package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"gwi.com/streamchat/internal/stream"
)

func NewRouter(apiHandler *APIHandler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", stream.SessionHeader},
		ExposedHeaders: []string{"Retry-After", stream.SessionHeader},
		MaxAge:         300,
	}))

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		r.Use(SessionMiddleware)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Get("/models", apiHandler.ListModelsHandler)
		r.Post("/chat", apiHandler.ChatHandler)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", apiHandler.ListConversationsHandler)
			r.Post("/", apiHandler.CreateConversationHandler)
			r.Delete("/", apiHandler.ClearConversationsHandler)

			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", apiHandler.GetConversationHandler)
				r.Patch("/", apiHandler.UpdateConversationHandler)
				r.Delete("/", apiHandler.DeleteConversationHandler)

				r.Get("/messages", apiHandler.ListMessagesHandler)
				r.Post("/messages", apiHandler.SendMessageHandler)

				r.Get("/stream", apiHandler.StreamStatusHandler)
				r.Delete("/stream", apiHandler.CancelStreamHandler)
			})
		})
	})

	return r
}
