package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/apk-analysis/droidscan/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// clientBuffer 单个客户端待发送事件上限，写满视为慢客户端
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

// eventClient 一个 WebSocket 订阅者
type eventClient struct {
	conn     *websocket.Conn
	sampleID string // 为空表示订阅全部
	send     chan worker.Event
}

// EventHub 将分析事件推送给 WebSocket 客户端
type EventHub struct {
	logger   *logrus.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*eventClient]struct{}
}

// NewEventHub 创建事件推送器
func NewEventHub(logger *logrus.Logger) *EventHub {
	return &EventHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*eventClient]struct{}),
	}
}

// OnAnalysisEvent 实现 worker.Listener，不阻塞调用方
func (h *EventHub) OnAnalysisEvent(e worker.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.sampleID != "" && c.sampleID != e.SampleID {
			continue
		}
		select {
		case c.send <- e:
		default:
			h.logger.WithField("sample_id", e.SampleID).Warn("WebSocket client too slow, dropping event")
		}
	}
}

// ClientCount 当前连接数
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket 处理 WebSocket 连接
// GET /ws?sample_id=<id>
func (h *EventHub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &eventClient{
		conn:     conn,
		sampleID: c.Query("sample_id"),
		send:     make(chan worker.Event, clientBuffer),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.logger.WithField("sample_id", client.sampleID).Info("WebSocket client connected")

	done := make(chan struct{})
	go h.writeLoop(client, done)

	// 读循环只用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	close(done)
	conn.Close()

	h.logger.WithField("sample_id", client.sampleID).Info("WebSocket client disconnected")
}

func (h *EventHub) writeLoop(client *eventClient, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case e := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteJSON(e); err != nil {
				h.logger.WithError(err).Warn("Failed to write to WebSocket client")
				client.conn.Close()
				return
			}
		}
	}
}
