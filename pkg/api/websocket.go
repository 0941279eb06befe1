package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mixwatch/pkg/alert"
)

var _ alert.Sink = (*Hub)(nil)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub 维护 websocket 客户端并推送告警
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	done      chan struct{}
	closeOnce sync.Once
	mutex     sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
		clients:   make(map[*websocket.Conn]bool),
	}
}

// Run 把广播消息写给所有客户端，直到 Close
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mutex.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			return
		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					log.Printf("[API] websocket write error: %v", err)
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Subscribe 处理 websocket 连接
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[API] failed to upgrade websocket: %v", err)
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mutex.Unlock()
	log.Printf("[API] websocket client connected, total clients: %d", total)

	// 只推送，但必须读取才能感知断开
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			h.mutex.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[API] websocket error: %v", err)
				}
				return
			}
		}
	}()
}

// Clients 当前连接数
func (h *Hub) Clients() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Broadcast 队列满时丢弃消息
func (h *Hub) Broadcast(data []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.broadcast <- data:
		return true
	default:
		return false
	}
}

func (h *Hub) Name() string { return "websocket" }

// Send 实现 alert.Sink
func (h *Hub) Send(ctx context.Context, record alert.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if !h.Broadcast(data) {
		log.Printf("[API] websocket queue full, dropped alert %s", record.ID)
	}
	return nil
}

func (h *Hub) Close() error {
	h.closeOnce.Do(func() { close(h.done) })
	return nil
}
