package monitor

import (
	"net/http"
	"sort"
	"time"

	"MixDPDev/pkg/network"
	"MixDPDev/pkg/training"

	"github.com/gin-gonic/gin"
	"gonum.org/v1/gonum/floats"
)

// StatusResponse GET /status
type StatusResponse struct {
	RunID    string            `json:"run_id"`
	Uptime   string            `json:"uptime"`
	Clients  int               `json:"clients"`
	Replicas []string          `json:"replicas"`
	Progress training.Progress `json:"progress"`
}

// ParamInfo 单个参数的信息
type ParamInfo struct {
	Name   string  `json:"name"`
	Rows   int     `json:"rows"`
	Cols   int     `json:"cols"`
	Norm   float64 `json:"norm"`
	Frozen bool    `json:"frozen"`
}

// ReplicaResponse GET /api/replicas/:name
type ReplicaResponse struct {
	Name        string      `json:"name"`
	Arch        string      `json:"arch"`
	NumElements int         `json:"num_elements"`
	Params      []ParamInfo `json:"params"`
}

func (s *Server) handleStatus(c *gin.Context) {
	names := make([]string, 0, len(s.replicas))
	for name := range s.replicas {
		names = append(names, name)
	}
	sort.Strings(names)
	c.JSON(http.StatusOK, StatusResponse{
		RunID:    s.runID,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Clients:  s.hub.Len(),
		Replicas: names,
		Progress: s.Last(),
	})
}

// handleReplica 基于参数字典快照计算每个参数的L2范数
func (s *Server) handleReplica(c *gin.Context) {
	name := c.Param("name")
	r, ok := s.replicas[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "副本不存在: " + name})
		return
	}
	sd := r.Net.StateDict()
	resp := ReplicaResponse{Name: r.Name, Arch: r.Net.Arch, NumElements: sd.NumElements()}
	for _, key := range sd.Keys() {
		t := sd.MustGet(key)
		rows, cols := t.Dims()
		resp.Params = append(resp.Params, ParamInfo{
			Name:   key,
			Rows:   rows,
			Cols:   cols,
			Norm:   floats.Norm(t.RawMatrix().Data, 2),
			Frozen: network.IsBuffer(key),
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleProgress(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		return
	}
	// 新连接先收到最近一次的进度
	s.hub.Register(conn, s.Last())
}
