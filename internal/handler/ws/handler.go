// Package ws serves conversations over a websocket: text frames in, reply
// fragments and the final reply out.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second

	// maxPendingTexts 是单个连接上排队等待处理的文本帧上限。
	maxPendingTexts = 16
)

// Dispatcher streams the reply to one inbound message.
type Dispatcher interface {
	HandleStream(ctx context.Context, userID, content string, onDelta func(string)) string
}

// Handler WebSocket会话处理器
type Handler struct {
	dispatcher Dispatcher
	conns      *ConnectionManager
	upgrader   websocket.Upgrader
}

// New 创建WebSocket处理器
func New(dispatcher Dispatcher, conns *ConnectionManager) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		conns:      conns,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{conversationID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TextMessage 文本消息
type TextMessage struct {
	Text string `json:"text"`
}

type outgoingMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Data           any    `json:"data,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	logger := log.With().Str("component", "websocket").Str("user_id", conversationID).Logger()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("upgrade failed")
		return
	}
	c := &conn{ws: ws}
	h.conns.add(conversationID, c)

	ctx, cancel := context.WithCancel(context.Background())
	queue := make(chan string, maxPendingTexts)
	var worker sync.WaitGroup
	worker.Add(1)
	go func() {
		defer worker.Done()
		h.processQueue(ctx, c, logger, conversationID, queue)
	}()
	defer func() {
		// 断开后取消进行中的回复，等它退出再释放连接。
		cancel()
		worker.Wait()
		h.conns.remove(conversationID, c)
		_ = c.close()
		logger.Info().Msg("connection closed")
	}()

	logger.Info().Msg("connection opened")

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go h.pingLoop(ctx, c)

	h.send(c, logger, outgoingMessage{Type: "connected", ConversationID: conversationID})

	for {
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		var msg inboundMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("read failed")
			}
			return
		}

		switch msg.Type {
		case "text":
			var text TextMessage
			if err := json.Unmarshal(msg.Data, &text); err != nil {
				h.sendError(c, logger, conversationID, "invalid text payload")
				continue
			}
			select {
			case queue <- text.Text:
			default:
				h.sendError(c, logger, conversationID, "too many pending messages")
			}
		default:
			h.sendError(c, logger, conversationID, "unsupported message type: "+msg.Type)
		}
	}
}

// processQueue 按到达顺序逐条处理文本帧。
func (h *Handler) processQueue(ctx context.Context, c *conn, logger zerolog.Logger, conversationID string, queue <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-queue:
			h.processText(ctx, c, logger, conversationID, text)
		}
	}
}

func (h *Handler) processText(ctx context.Context, c *conn, logger zerolog.Logger, conversationID, text string) {
	reply := h.dispatcher.HandleStream(ctx, conversationID, text, func(delta string) {
		h.send(c, logger, outgoingMessage{
			Type:           "delta",
			ConversationID: conversationID,
			Data:           TextMessage{Text: delta},
		})
	})
	if ctx.Err() != nil {
		return
	}
	h.send(c, logger, outgoingMessage{
		Type:           "reply",
		ConversationID: conversationID,
		Data:           TextMessage{Text: reply},
	})
}

func (h *Handler) send(c *conn, logger zerolog.Logger, msg outgoingMessage) {
	msg.Timestamp = time.Now().Unix()
	if err := c.writeJSON(msg); err != nil {
		logger.Debug().Err(err).Str("type", msg.Type).Msg("write failed")
	}
}

func (h *Handler) sendError(c *conn, logger zerolog.Logger, conversationID, message string) {
	h.send(c, logger, outgoingMessage{
		Type:           "error",
		ConversationID: conversationID,
		Data:           map[string]string{"message": message},
	})
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
