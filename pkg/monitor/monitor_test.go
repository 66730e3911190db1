package monitor

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"MixDPDev/pkg/config"
	"MixDPDev/pkg/training"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.NewConfig()
	cfg.Arch = "mlp-bn"
	var replicas []*training.Replica
	for i, name := range []string{"B", "A"} {
		r, err := training.NewReplica(name, cfg, 4, 2, rand.NewPCG(1, uint64(i)))
		require.NoError(t, err)
		replicas = append(replicas, r)
	}
	return NewServer(":0", "run-42", replicas)
}

func get(t *testing.T, s *Server, path string, out interface{}) int {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Router.ServeHTTP(w, req)
	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w.Code
}

func TestStatus(t *testing.T) {
	s := newTestServer(t)
	var resp StatusResponse
	require.Equal(t, http.StatusOK, get(t, s, "/status", &resp))
	assert.Equal(t, "run-42", resp.RunID)
	assert.Equal(t, []string{"A", "B"}, resp.Replicas)
	assert.Equal(t, "init", resp.Progress.Phase)
	assert.Zero(t, resp.Clients)

	s.Report(training.Progress{RunID: "run-42", Phase: training.PhaseEpoch, Epoch: 3, Prec1: 71.5})
	require.Equal(t, http.StatusOK, get(t, s, "/status", &resp))
	assert.Equal(t, training.PhaseEpoch, resp.Progress.Phase)
	assert.Equal(t, 3, resp.Progress.Epoch)
	assert.Equal(t, 71.5, s.Last().Prec1)
}

func TestReplicaParams(t *testing.T) {
	s := newTestServer(t)
	var resp ReplicaResponse
	require.Equal(t, http.StatusOK, get(t, s, "/api/replicas/A", &resp))
	assert.Equal(t, "A", resp.Name)
	assert.Equal(t, "mlp-bn", resp.Arch)

	sd := s.replicas["A"].Net.StateDict()
	require.Len(t, resp.Params, sd.Len())
	assert.Equal(t, sd.NumElements(), resp.NumElements)
	frozen := 0
	for i, p := range resp.Params {
		assert.Equal(t, sd.Keys()[i], p.Name)
		rows, cols := sd.MustGet(p.Name).Dims()
		assert.Equal(t, rows, p.Rows)
		assert.Equal(t, cols, p.Cols)
		assert.GreaterOrEqual(t, p.Norm, 0.0)
		if p.Frozen {
			frozen++
			assert.True(t, strings.Contains(p.Name, "running_"), p.Name)
		}
	}
	assert.Positive(t, frozen)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/replicas/C", nil))
}

func TestProgressWebsocket(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router)
	defer ts.Close()
	defer s.hub.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/progress"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// 连接后先收到最近一次的进度
	var p training.Progress
	require.NoError(t, conn.ReadJSON(&p))
	assert.Equal(t, "init", p.Phase)
	assert.Eventually(t, func() bool { return s.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.Report(training.Progress{RunID: "run-42", Phase: training.PhaseTrain, Step: 7, Loss: 0.5})
	require.NoError(t, conn.ReadJSON(&p))
	assert.Equal(t, training.PhaseTrain, p.Phase)
	assert.Equal(t, 7, p.Step)

	// 客户端断开后自动注销
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return s.hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestUpgradeRequiresWebsocket(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/ws/progress", nil))
}
