package monitor

import (
	"sync"
	"time"

	"MixDPDev/pkg/training"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 5 * time.Second
	// 每个连接最多缓存的进度条数，写不过来时丢弃
	clientBuffer = 16
)

// Hub 管理所有订阅进度的websocket连接
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan training.Progress
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan training.Progress)}
}

// Register 注册连接并启动写协程，连接断开后自动注销
func (h *Hub) Register(conn *websocket.Conn, initial training.Progress) {
	ch := make(chan training.Progress, clientBuffer)
	ch <- initial
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	go h.writeLoop(conn, ch)
	go h.readLoop(conn)
}

// Broadcast 非阻塞地把进度发送给所有连接
func (h *Hub) Broadcast(p training.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- p:
		default:
		}
	}
}

// Len 当前连接数
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close 断开所有连接
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		h.unregister(conn)
	}
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	ch, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	conn.Close()
}

func (h *Hub) writeLoop(conn *websocket.Conn, ch chan training.Progress) {
	for p := range ch {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(p); err != nil {
			h.unregister(conn)
			return
		}
	}
}

// readLoop 只用来感知客户端断开
func (h *Hub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.unregister(conn)
			return
		}
	}
}
