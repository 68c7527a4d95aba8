package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/neko-bridge/backend/pkg/utils"
)

// Dispatcher streams the reply to one inbound message.
type Dispatcher interface {
	HandleStream(ctx context.Context, userID, content string, onDelta func(string)) string
}

// Handler manages streaming replies via Server-Sent Events
type Handler struct {
	dispatcher Dispatcher
}

// New creates a new stream handler
func New(dispatcher Dispatcher) *Handler {
	return &Handler{dispatcher: dispatcher}
}

// RegisterRoutes 注册流式回复路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{conversationID}", h.handleStream)
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	Event          string `json:"event"`
	Content        string `json:"content,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Finished       bool   `json:"finished,omitempty"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	userMessage := r.URL.Query().Get("message")
	if userMessage == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := log.With().Str("component", "stream").Str("user_id", conversationID).Logger()
	started := time.Now()

	// 客户端断开后写入失败，不再继续推送增量。
	var writeErr error
	send := func(resp StreamResponse) {
		if writeErr != nil {
			return
		}
		resp.ConversationID = conversationID
		writeErr = utils.SendSSEEvent(w, flusher, resp.Event, resp)
	}

	reply := h.dispatcher.HandleStream(r.Context(), conversationID, userMessage, func(delta string) {
		send(StreamResponse{Event: "delta", Content: delta})
	})

	send(StreamResponse{Event: "message", Content: reply})
	send(StreamResponse{Event: "end", Finished: true})

	if writeErr != nil {
		logger.Debug().Err(writeErr).Msg("client went away before the reply finished")
		return
	}
	logger.Info().Dur("elapsed", time.Since(started)).Msg("stream completed")
}
