package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// Hub 本節點的 WebSocket 連接中心
//
// 系統設計問題：
//
//	如何把房間事件即時推送給連在本節點上的玩家與觀戰者？
//
// 核心挑戰：
//  1. 同一用戶重連時舊連接必須被替換
//  2. 慢客戶端不能拖慢整個房間的廣播
//  3. 死連接必須被偵測並回收
//
// 設計方案：
//
//	✅ map[roomID]map[userID]*Connection，RWMutex 保護
//	✅ 每個連接一個緩衝 channel，滿了就丟棄該條消息
//	✅ Ping/Pong 心跳（54s/60s）
type Hub struct {
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	connections map[string]map[string]*Connection
	mu          sync.RWMutex
}

// Connection 一個 WebSocket 連接
type Connection struct {
	UserID string
	RoomID string

	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	closeOnce sync.Once
}

// NewHub 創建 Hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			// 認證與來源檢查由外部網關負責
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[string]map[string]*Connection),
	}
}

// ServeWS 升級連接並加入房間，initial 會在任何廣播之前送出
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, roomID, userID string, initial ...Event) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "room_id", roomID, "user_id", userID, "error", err)
		return
	}

	c := &Connection{
		UserID: userID,
		RoomID: roomID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    h,
	}
	for _, ev := range initial {
		if data, err := json.Marshal(ev); err == nil {
			c.send <- data
		}
	}

	h.register(c)
	go c.writePump()
	go c.readPump()

	h.logger.Info("websocket connected", "room_id", roomID, "user_id", userID)
}

// Publish 實現 Sink，推送給本節點上該房間的所有連接
func (h *Hub) Publish(_ context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event failed", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	for _, c := range h.connections[ev.RoomID] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("websocket send buffer full, dropping event",
				"room_id", ev.RoomID,
				"user_id", c.UserID,
				"type", ev.Type,
			)
		}
	}
	h.mu.RUnlock()

	// 關閉幀排在 ROOM_CLOSED 之後送出
	if ev.Type == EventRoomClosed {
		h.CloseRoom(ev.RoomID)
	}
}

// Count 房間在本節點上的連接數
func (h *Hub) Count(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[roomID])
}

// CloseRoom 關閉房間的所有連接
func (h *Hub) CloseRoom(roomID string) {
	h.mu.Lock()
	conns := h.connections[roomID]
	delete(h.connections, roomID)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// Stop 關閉所有連接
func (h *Hub) Stop() {
	h.mu.Lock()
	all := h.connections
	h.connections = make(map[string]map[string]*Connection)
	h.mu.Unlock()

	for _, conns := range all {
		for _, c := range conns {
			c.close()
		}
	}
	h.logger.Info("websocket hub stopped")
}

// register 註冊連接，同一用戶的舊連接會被關閉
func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	if h.connections[c.RoomID] == nil {
		h.connections[c.RoomID] = make(map[string]*Connection)
	}
	old := h.connections[c.RoomID][c.UserID]
	h.connections[c.RoomID][c.UserID] = c
	h.mu.Unlock()

	if old != nil {
		old.close()
	}
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.connections[c.RoomID]
	if !ok || conns[c.UserID] != c {
		return
	}
	delete(conns, c.UserID)
	if len(conns) == 0 {
		delete(h.connections, c.RoomID)
	}
}

// close 關閉發送通道，writePump 會送出關閉幀並結束
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump 只用於維持心跳與偵測斷線，命令走 HTTP
func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", "room_id", c.RoomID, "user_id", c.UserID, "error", err)
			}
			return
		}
	}
}

// writePump 發送消息與 Ping
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
