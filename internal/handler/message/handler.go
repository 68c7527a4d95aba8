package message

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	sessionModel "github.com/zhouzirui/neko-bridge/backend/internal/model/session"
	"github.com/zhouzirui/neko-bridge/backend/pkg/utils"
)

// Dispatcher 把入站文本转换成回复。
type Dispatcher interface {
	Handle(ctx context.Context, userID, content string) string
}

// SessionReader 读取会话当前绑定的远端信息。
type SessionReader interface {
	Session(userID string) (sessionModel.Session, bool)
	Sessions() []sessionModel.Session
}

// Handler 消息收发的HTTP处理器
type Handler struct {
	dispatcher Dispatcher
	sessions   SessionReader
}

// New 创建消息处理器
func New(dispatcher Dispatcher, sessions SessionReader) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		sessions:   sessions,
	}
}

// RegisterRoutes 注册消息相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/messages", h.handleMessage)
	r.Get("/sessions", h.handleListSessions)
	r.Get("/sessions/{conversationID}", h.handleGetSession)
}

type messageRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

type messageResponse struct {
	ConversationID string `json:"conversationId"`
	Reply          string `json:"reply"`
}

// handleMessage 处理一条入站消息并同步返回回复
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	var payload messageRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conversationID := strings.TrimSpace(payload.ConversationID)
	if conversationID == "" {
		utils.RespondError(w, http.StatusBadRequest, "conversationId is required")
		return
	}

	reply := h.dispatcher.Handle(r.Context(), conversationID, payload.Content)
	utils.RespondJSON(w, http.StatusOK, messageResponse{
		ConversationID: conversationID,
		Reply:          reply,
	})
}

// handleListSessions 列出所有已登记的会话
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.sessions.Sessions())
}

// handleGetSession 返回会话当前的远端绑定
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	s, ok := h.sessions.Session(conversationID)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, s)
}
