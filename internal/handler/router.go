package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-tavern/chatsync/internal/handler/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/handler/stream"
	"github.com/zhouzirui/z-tavern/chatsync/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/z-tavern/chatsync/internal/middleware"
	chatService "github.com/zhouzirui/z-tavern/chatsync/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/hub"
	"github.com/zhouzirui/z-tavern/chatsync/pkg/utils"
)

// NewRouter wires HTTP and WebSocket routes to core services.
func NewRouter(chatSvc *chatService.Service, streamHandler *stream.Handler, connections *hub.Hub) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondData(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	auth := middlewarePkg.Auth(func(token string) (int64, error) {
		user, err := chatSvc.Authenticate(token)
		return user.ID, err
	})

	chatHandler := chat.New(chatSvc, streamHandler, connections)
	wsHandler := ws.New(chatSvc, connections, streamHandler)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(auth)
		chatHandler.RegisterRoutes(api)
	})

	r.Group(func(sockets chi.Router) {
		sockets.Use(auth)
		wsHandler.RegisterRoutes(sockets)
	})

	return r
}
