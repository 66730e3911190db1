package monitor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"MixDPDev/pkg/training"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Server 训练状态服务
type Server struct {
	Router *gin.Engine
	Addr   string

	runID    string
	started  time.Time
	replicas map[string]*training.Replica
	hub      *Hub
	upgrader websocket.Upgrader
	srv      *http.Server

	mu   sync.RWMutex
	last training.Progress
}

// NewServer 创建状态服务，replicas按名字对外提供查询
func NewServer(addr, runID string, replicas []*training.Replica) *Server {
	s := &Server{
		Router:   gin.Default(),
		Addr:     addr,
		runID:    runID,
		started:  time.Now(),
		replicas: make(map[string]*training.Replica, len(replicas)),
		hub:      NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, r := range replicas {
		s.replicas[r.Name] = r
	}
	s.last = training.Progress{RunID: runID, Phase: "init"}
	s.setupRoutes()
	s.srv = &http.Server{Addr: addr, Handler: s.Router}
	return s
}

func (s *Server) setupRoutes() {
	s.Router.GET("/status", s.handleStatus)
	s.Router.GET("/api/replicas/:name", s.handleReplica)
	s.Router.GET("/ws/progress", s.handleProgress)
}

// Report 实现 training.Reporter
func (s *Server) Report(p training.Progress) {
	s.mu.Lock()
	s.last = p
	s.mu.Unlock()
	s.hub.Broadcast(p)
}

// Last 最近一次收到的进度
func (s *Server) Last() training.Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Start 启动HTTP服务器，阻塞直到服务关闭
func (s *Server) Start() error {
	fmt.Printf("状态服务启动，监听地址 %s\n", s.Addr)
	return s.srv.ListenAndServe()
}

// Stop 关闭所有websocket连接并停止HTTP服务器
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	return s.srv.Shutdown(ctx)
}
