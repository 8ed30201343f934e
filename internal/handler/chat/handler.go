package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/chatsync/internal/middleware"
	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	chatService "github.com/zhouzirui/z-tavern/chatsync/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatsync/pkg/utils"
)

const defaultPageSize = 20

// Events receives the side effects REST calls have on open sockets.
type Events interface {
	Stop(conversationID int64) bool
	ConversationDeleted(conversationID int64, participants []int64)
	FilesSelected(projectID int64, files []string)
}

// Presence reports whether a user currently holds a socket.
type Presence interface {
	Online(userID int64) bool
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc  *chatService.Service
	events   Events
	presence Presence
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, events Events, presence Presence) *Handler {
	return &Handler{
		chatSvc:  chatSvc,
		events:   events,
		presence: presence,
	}
}

// RegisterRoutes 注册聊天相关的路由，调用方需先挂载鉴权中间件。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations", h.handleListConversations)
	r.Post("/conversations", h.handleCreateConversation)
	r.Route("/conversations/{conversationID}", func(r chi.Router) {
		r.Put("/", h.handleUpdateConversation)
		r.Delete("/", h.handleDeleteConversation)
		r.Get("/messages", h.handleMessages)
		r.Get("/messages/unread", h.handleUnread)
		r.Get("/participants", h.handleParticipants)
		r.Post("/participants", h.handleAddParticipant)
		r.Delete("/participants/{participantID}", h.handleRemoveParticipant)
		r.Post("/stop", h.handleStop)
	})
	r.Route("/projects/{projectID}", func(r chi.Router) {
		r.Get("/conversation", h.handleProjectConversations)
		r.Post("/conversation", h.handleCreateProjectConversation)
		r.Get("/selected-files", h.handleSelectedFiles)
		r.Post("/selected-files", h.handleSelectFiles)
	})
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := currentUser(r)
	page, size := pageParams(r)
	items, meta := h.chatSvc.ListConversations(r.Context(), userID, page, size)
	utils.RespondPage(w, items, meta)
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.chatSvc.CreateConversation(r.Context(), currentUser(r), nil)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondData(w, http.StatusCreated, conv)
}

func (h *Handler) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}

	var payload struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if payload.Title == "" {
		utils.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "title is required")
		return
	}

	conv, err := h.chatSvc.UpdateTitle(r.Context(), currentUser(r), conversationID, payload.Title)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondData(w, http.StatusOK, conv)
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	participants, err := h.chatSvc.DeleteConversation(r.Context(), currentUser(r), conversationID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	h.events.ConversationDeleted(conversationID, participants)
	utils.RespondData[any](w, http.StatusOK, nil)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	page, size := pageParams(r)
	items, meta, err := h.chatSvc.Messages(r.Context(), currentUser(r), conversationID, page, size)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondPage(w, items, meta)
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	items, err := h.chatSvc.TakeUnread(r.Context(), currentUser(r), conversationID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondData(w, http.StatusOK, items)
}

func (h *Handler) handleParticipants(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	participants, err := h.chatSvc.Participants(r.Context(), currentUser(r), conversationID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	for i := range participants {
		participants[i].Online = h.presence.Online(participants[i].ID)
	}
	utils.RespondData(w, http.StatusOK, participants)
}

func (h *Handler) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	newUserID, err := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "userId query parameter is required")
		return
	}
	if err := h.chatSvc.AddParticipant(r.Context(), currentUser(r), conversationID, newUserID); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondData[any](w, http.StatusOK, nil)
}

func (h *Handler) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	removedID, ok := pathID(w, r, "participantID")
	if !ok {
		return
	}
	if err := h.chatSvc.RemoveParticipant(r.Context(), currentUser(r), conversationID, removedID); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondData[any](w, http.StatusOK, nil)
}

// handleStop 取消正在进行的 AI 回复，没有进行中的回复时同样返回成功。
func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	if !h.chatSvc.IsParticipant(conversationID, currentUser(r)) {
		respondServiceError(w, chatService.ErrNotParticipant)
		return
	}
	stopped := h.events.Stop(conversationID)
	utils.RespondData(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (h *Handler) handleProjectConversations(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	items := h.chatSvc.ProjectConversations(r.Context(), currentUser(r), projectID)
	if items == nil {
		items = []chat.Conversation{}
	}
	utils.RespondData(w, http.StatusOK, items)
}

func (h *Handler) handleCreateProjectConversation(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	conv, err := h.chatSvc.CreateConversation(r.Context(), currentUser(r), &projectID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondData(w, http.StatusCreated, conv)
}

func (h *Handler) handleSelectedFiles(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	utils.RespondData(w, http.StatusOK, h.chatSvc.SelectedFiles(projectID))
}

func (h *Handler) handleSelectFiles(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	var files []string
	if err := json.NewDecoder(r.Body).Decode(&files); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "expected a JSON array of file paths")
		return
	}
	stored := h.chatSvc.SelectFiles(projectID, files)
	h.events.FilesSelected(projectID, stored)
	utils.RespondData(w, http.StatusOK, stored)
}

func currentUser(r *http.Request) int64 {
	id, _ := middleware.UserID(r.Context())
	return id
}

func pathID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid "+key)
		return 0, false
	}
	return id, true
}

func pageParams(r *http.Request) (int, int) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 0 {
		page = 0
	}
	size, err := strconv.Atoi(r.URL.Query().Get("size"))
	if err != nil || size <= 0 {
		size = defaultPageSize
	}
	return page, size
}

// respondServiceError 将服务层错误映射为 HTTP 状态码。
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatService.ErrConversationNotFound):
		utils.RespondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, chatService.ErrUserNotFound):
		utils.RespondError(w, http.StatusNotFound, "USER_NOT_FOUND", err.Error())
	case errors.Is(err, chatService.ErrNotParticipant):
		utils.RespondError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	default:
		utils.RespondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
