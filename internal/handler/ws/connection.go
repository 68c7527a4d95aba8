package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// conn serializes writes; gorilla allows only one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *conn) close() error {
	return c.ws.Close()
}

// ConnectionManager WebSocket连接管理器，每个会话只保留一条连接。
type ConnectionManager struct {
	connections map[string]*conn
	mu          sync.Mutex
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*conn),
	}
}

// add 登记连接；同一会话已有连接时先关闭旧连接
func (cm *ConnectionManager) add(conversationID string, c *conn) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if old, exists := cm.connections[conversationID]; exists {
		_ = old.close()
	}
	cm.connections[conversationID] = c
}

// remove 只移除仍是 c 的登记，避免误删新连接
func (cm *ConnectionManager) remove(conversationID string, c *conn) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if current, exists := cm.connections[conversationID]; exists && current == c {
		delete(cm.connections, conversationID)
	}
}

// Len 返回当前连接数
func (cm *ConnectionManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.connections)
}

// CloseAll 关闭所有连接。http.Server.Shutdown 不会处理已劫持的连接，退出时需要显式调用。
func (cm *ConnectionManager) CloseAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for id, c := range cm.connections {
		_ = c.close()
		delete(cm.connections, id)
	}
}
