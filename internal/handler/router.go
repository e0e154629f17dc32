package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/deskline/internal/handler/conversation"
	"github.com/zhouzirui/deskline/internal/handler/session"
	"github.com/zhouzirui/deskline/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/deskline/internal/middleware"
	"github.com/zhouzirui/deskline/internal/service/desk"
	"github.com/zhouzirui/deskline/pkg/utils"
)

// NewRouter wires HTTP routes to the desk service.
func NewRouter(deskSvc *desk.Service) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	sessionHandler := session.New(deskSvc)
	conversationHandler := conversation.New(deskSvc)
	streamHandler := stream.New(deskSvc)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		sessionHandler.RegisterRoutes(api)
		conversationHandler.RegisterRoutes(api)

		// SSE 变更推送
		streamHandler.RegisterRoutes(api)
	})

	return r
}
