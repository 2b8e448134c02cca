package ws

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
)

// 允许本地开发环境的来源；没有 Origin 的非浏览器客户端直接放行
var allowedOriginPrefixes = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	for _, p := range allowedOriginPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkOrigin,
}

// Manager 把 HTTP 请求升级成同步连接
type Manager struct {
	hub      *Hub
	server   *collab.ServerManager
	sem      *collab.SemaphoreControl
	presence cache.PresenceCache
	timeout  time.Duration
}

func NewManager(hub *Hub, server *collab.ServerManager, sem *collab.SemaphoreControl, presence cache.PresenceCache) *Manager {
	return &Manager{hub: hub, server: server, sem: sem, presence: presence, timeout: handleTimeout}
}

// SetHandleTimeout 单条客户端消息的处理时限
func (m *Manager) SetHandleTimeout(d time.Duration) {
	if d > 0 {
		m.timeout = d
	}
}

// WebSocketConnect gin handler，userId 由鉴权中间件写入
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	if userID == "" {
		userID = "anonymous"
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(conn, m.hub, m.server, m.sem, m.presence, userID)
	wsConn.timeout = m.timeout
	log.Printf("ws: connected conn=%s user=%s", wsConn.ID(), userID)

	// 先启动写循环，再进入读循环（阻塞至连接关闭）
	go wsConn.writeLoop()
	wsConn.readLoop(c.Request.Context())
	log.Printf("ws: disconnected conn=%s user=%s", wsConn.ID(), userID)
}
