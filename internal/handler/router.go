package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/garage-chat/backend/internal/handler/chat"
	middlewarePkg "github.com/zhouzirui/garage-chat/backend/internal/middleware"
	chatModel "github.com/zhouzirui/garage-chat/backend/internal/model/chat"
	"github.com/zhouzirui/garage-chat/backend/pkg/utils"
)

// NewRouter wires HTTP routes to the chat session.
func NewRouter(session chat.Session) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	chatHandler := chat.New(session)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		state := session.State()
		status := http.StatusOK
		if state.Phase != chatModel.PhaseConnected {
			status = http.StatusServiceUnavailable
		}
		utils.RespondJSON(w, status, map[string]any{
			"status":         string(state.Phase),
			"directoryStale": state.DirectoryStale,
			"delivered":      state.Delivered,
			"malformed":      state.Malformed,
		})
	})

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
	})

	return r
}
