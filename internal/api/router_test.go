package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apk-analysis/droidscan/internal/analysis"
	"github.com/apk-analysis/droidscan/internal/api/handlers"
	"github.com/apk-analysis/droidscan/internal/config"
	"github.com/apk-analysis/droidscan/internal/metrics"
	"github.com/apk-analysis/droidscan/internal/properties"
	"github.com/apk-analysis/droidscan/internal/repository"
	"github.com/apk-analysis/droidscan/internal/service"
	"github.com/apk-analysis/droidscan/internal/utils"
	"github.com/apk-analysis/droidscan/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// stubAnalyzer 返回固定结果
type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(_ context.Context, s analysis.Sample) (*analysis.Report, error) {
	if _, err := os.Stat(s.Root); err != nil {
		return nil, analysis.ErrSampleNotFound
	}
	wide := properties.Record{}
	wide.AppendUnique(properties.PropURLs, "http://c2.example/gate.php")
	return &analysis.Report{
		SampleID:  s.ID,
		Name:      s.Name,
		Root:      s.Root,
		Kits:      []string{"admob"},
		Smali:     properties.Record{properties.PropPacked: properties.Bool(false)},
		Wide:      wide,
		Arm:       properties.Record{},
		StartedAt: time.Now(),
	}, nil
}

type testServer struct {
	router *gin.Engine
	pool   *worker.Pool
	hub    *handlers.EventHub
}

func setupTestServer(t *testing.T, token string) *testServer {
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, utils.OptimizeDBPool(db, 1, 1))
	require.NoError(t, repository.AutoMigrate(db, logger))
	repo := repository.NewReportRepository(db)

	pm := metrics.NewPrometheusMetrics(logger, "apitest", prometheus.NewRegistry())
	hub := handlers.NewEventHub(logger)

	orch := worker.NewOrchestrator(stubAnalyzer{}, logger,
		worker.WithRepository(repo),
		worker.WithLifecycleMetrics(pm),
	)
	orch.AddListener(hub)

	pool := worker.NewPool(2, 10, orch, logger)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		pool.Stop()
		cancel()
	})

	svc := service.NewAnalysisService(repo, orch, service.DispatchFunc(func(_ context.Context, s analysis.Sample) error {
		return pool.Submit(s)
	}), logger)

	cfg := &config.Config{Server: config.ServerConfig{Mode: "test", APIToken: token}}
	return &testServer{
		router: SetupRouter(Deps{Config: cfg, Logger: logger, Service: svc, Hub: hub, Metrics: pm}),
		pool:   pool,
		hub:    hub,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	s := setupTestServer(t, "")

	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "apitest_http_requests_total")
}

func TestSubmitAndFetchReport(t *testing.T) {
	s := setupTestServer(t, "")
	root := t.TempDir()

	w := s.do(t, http.MethodPost, "/api/analyses", map[string]string{"root": root})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var created struct {
		SampleID string `json:"sample_id"`
		Name     string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.SampleID)
	assert.Equal(t, filepath.Base(root), created.Name)

	var got struct {
		Summary struct {
			Status   string   `json:"status"`
			Kits     []string `json:"kits"`
			URLCount int      `json:"url_count"`
		} `json:"summary"`
		Report struct {
			SampleID string `json:"sample_id"`
		} `json:"report"`
	}
	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/api/reports/"+created.SampleID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			return false
		}
		return got.Summary.Status == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, []string{"admob"}, got.Summary.Kits)
	assert.Equal(t, 1, got.Summary.URLCount)
	assert.Equal(t, created.SampleID, got.Report.SampleID)

	w = s.do(t, http.MethodGet, "/api/reports?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)

	w = s.do(t, http.MethodDelete, "/api/reports/"+created.SampleID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/reports/"+created.SampleID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitAnalysis_BadRequests(t *testing.T) {
	s := setupTestServer(t, "")

	w := s.do(t, http.MethodPost, "/api/analyses", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/analyses", map[string]string{"root": filepath.Join(t.TempDir(), "nope")})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodDelete, "/api/reports/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIToken(t *testing.T) {
	s := setupTestServer(t, "super-secret-token")

	w := s.do(t, http.MethodGet, "/api/reports", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/reports", nil)
	req.Header.Set("Authorization", "Bearer super-secret-token")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// 健康检查不需要认证
	w = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebSocketEvents(t *testing.T) {
	s := setupTestServer(t, "")
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	body, _ := json.Marshal(map[string]string{"root": t.TempDir()})
	resp, err := http.Post(srv.URL+"/api/analyses", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	seen := map[worker.EventType]bool{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for !seen[worker.EventCompleted] {
		var e worker.Event
		require.NoError(t, conn.ReadJSON(&e))
		seen[e.Type] = true
		if e.Type == worker.EventCompleted {
			assert.Equal(t, []string{"admob"}, e.Kits)
		}
	}
	assert.True(t, seen[worker.EventQueued])
}
