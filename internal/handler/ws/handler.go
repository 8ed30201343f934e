// Package ws serves the WebSocket endpoints of the development backend.
package ws

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chatsync/internal/middleware"
	chatService "github.com/zhouzirui/z-tavern/chatsync/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/service/hub"
	"github.com/zhouzirui/z-tavern/chatsync/pkg/utils"
)

const maxFrameSize = 64 << 10

// MessageSink consumes frames read from a messages socket.
type MessageSink interface {
	HandleIncoming(ctx context.Context, userID, conversationID int64, raw []byte) error
}

// Handler WebSocket处理器
type Handler struct {
	chatSvc  *chatService.Service
	hub      *hub.Hub
	sink     MessageSink
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(chatSvc *chatService.Service, h *hub.Hub, sink MessageSink) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		hub:     h,
		sink:    sink,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册 WebSocket 路由，调用方需先挂载鉴权中间件。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/ws/{userID}", func(r chi.Router) {
		r.Get("/notifications", h.handleNotifications)
		r.Get("/conversations/{conversationID}/messages", h.handleMessages)
		r.Get("/conversations/{conversationID}/tokens", h.handleConversation(hub.TokensTopic))
		r.Get("/conversations/{conversationID}/notify", h.handleConversation(hub.NotifyTopic))
		r.Get("/projects/{projectID}/selected-files", h.handleSelectedFiles)
	})
}

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUser(w, r)
	if !ok {
		return
	}
	h.serve(w, r, hub.NotificationsTopic(userID), userID, nil)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	userID, conversationID, ok := h.conversation(w, r)
	if !ok {
		return
	}
	h.serve(w, r, hub.MessagesTopic(conversationID), userID, func(ctx context.Context, data []byte) {
		if err := h.sink.HandleIncoming(ctx, userID, conversationID, data); err != nil {
			log.Warn().Err(err).Int64("conversation", conversationID).Int64("user", userID).Msg("message frame rejected")
		}
	})
}

func (h *Handler) handleConversation(topic func(int64) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, conversationID, ok := h.conversation(w, r)
		if !ok {
			return
		}
		h.serve(w, r, topic(conversationID), userID, nil)
	}
}

func (h *Handler) handleSelectedFiles(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUser(w, r)
	if !ok {
		return
	}
	projectID, err := strconv.ParseInt(chi.URLParam(r, "projectID"), 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid project id")
		return
	}
	h.serve(w, r, hub.SelectedFilesTopic(projectID), userID, nil)
}

// pathUser checks that the {userID} segment belongs to the authenticated user.
func (h *Handler) pathUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	authed, ok := middleware.UserID(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing access token")
		return 0, false
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid user id")
		return 0, false
	}
	if userID != authed {
		utils.RespondError(w, http.StatusForbidden, "FORBIDDEN", "token does not belong to this user")
		return 0, false
	}
	return userID, true
}

func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	userID, ok := h.pathUser(w, r)
	if !ok {
		return 0, 0, false
	}
	conversationID, err := strconv.ParseInt(chi.URLParam(r, "conversationID"), 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid conversation id")
		return 0, 0, false
	}
	if !h.chatSvc.IsParticipant(conversationID, userID) {
		utils.RespondError(w, http.StatusForbidden, "FORBIDDEN", chatService.ErrNotParticipant.Error())
		return 0, 0, false
	}
	return userID, conversationID, true
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, topic string, userID int64, onFrame func(context.Context, []byte)) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("websocket upgrade failed")
		return
	}

	client := h.hub.Join(topic, userID, conn)
	defer h.hub.Leave(client)
	log.Debug().Str("topic", topic).Int64("user", userID).Msg("websocket joined")

	conn.SetReadLimit(maxFrameSize)
	ctx := context.WithoutCancel(r.Context())
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("topic", topic).Msg("websocket read ended")
			}
			return
		}
		if onFrame != nil && mt == websocket.TextMessage {
			onFrame(ctx, data)
		}
	}
}
