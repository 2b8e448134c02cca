package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 8 << 20
	sendBuffer     = 64
	handleTimeout  = 5 * time.Second
)

// Conn 服务端的一个 websocket 连接，可以同时同步多个文档
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	server   *collab.ServerManager
	sem      *collab.SemaphoreControl
	presence cache.PresenceCache

	id      string
	userID  string
	timeout time.Duration

	// 出站队列，只由 writeLoop 消费
	send chan protocol.ServerMessage
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	docs mapset.Set[string]
}

func NewConn(ws *websocket.Conn, hub *Hub, server *collab.ServerManager, sem *collab.SemaphoreControl, presence cache.PresenceCache, userID string) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		server:   server,
		sem:      sem,
		presence: presence,
		id:       uuid.NewString(),
		userID:   userID,
		timeout:  handleTimeout,
		send:     make(chan protocol.ServerMessage, sendBuffer),
		done:     make(chan struct{}),
		docs:     mapset.NewThreadUnsafeSet[string](),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) UserID() string { return c.userID }

// Receive 入队一条服务端消息。队列满时丢弃，客户端下一次 ping 会重新对齐。
func (c *Conn) Receive(msg protocol.ServerMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		log.Printf("ws: send queue full, drop %s conn=%s user=%s doc=%s", msg.Type, c.id, c.userID, msg.ObjectID)
	}
}

func (c *Conn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) join(docID string) {
	c.mu.Lock()
	added := c.docs.Add(docID)
	c.mu.Unlock()
	if added {
		c.hub.Join(docID, c)
	}
}

func (c *Conn) leaveAll(ctx context.Context) {
	c.mu.Lock()
	docs := c.docs.ToSlice()
	c.docs.Clear()
	c.mu.Unlock()
	for _, docID := range docs {
		c.hub.Leave(docID, c)
		if c.presence != nil {
			if err := c.presence.Leave(ctx, docID, c.userID); err != nil {
				log.Printf("ws: presence leave failed doc=%s user=%s err=%v", docID, c.userID, err)
			}
		}
	}
}

func (c *Conn) handle(ctx context.Context, msg protocol.ClientMessage) {
	hctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.sem != nil {
		if err := c.sem.Acquire(hctx); err != nil {
			log.Printf("ws: busy, drop %s conn=%s doc=%s err=%v", msg.Type, c.id, msg.ObjectID, err)
			return
		}
		defer c.sem.Release()
	}

	c.join(msg.ObjectID)
	if err := c.server.HandleClientMessage(hctx, c, msg); err != nil {
		switch {
		case collab.IsRejected(err):
			log.Printf("ws: rejected %s conn=%s user=%s doc=%s err=%v", msg.Type, c.id, c.userID, msg.ObjectID, err)
		case errors.Is(err, collab.ErrEmptyObjectID), errors.Is(err, protocol.ErrUnknownMessage):
			log.Printf("ws: bad message conn=%s err=%v", c.id, err)
		default:
			log.Printf("ws: handle %s failed conn=%s doc=%s err=%v", msg.Type, c.id, msg.ObjectID, err)
		}
		return
	}
	if c.presence != nil {
		if err := c.presence.Touch(hctx, msg.ObjectID, c.userID, msg.RevID, cache.DefaultPresenceTTL); err != nil {
			log.Printf("ws: presence touch failed doc=%s user=%s err=%v", msg.ObjectID, c.userID, err)
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.shutdown()
		c.leaveAll(context.Background())
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read error conn=%s user=%s err=%v", c.id, c.userID, err)
			}
			return
		}
		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			log.Printf("ws: decode failed conn=%s err=%v", c.id, err)
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			data, err := msg.Encode()
			if err != nil {
				log.Printf("ws: encode %s failed conn=%s err=%v", msg.Type, c.id, err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("ws: write error conn=%s err=%v", c.id, err)
				c.shutdown()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("ws: ping error conn=%s err=%v", c.id, err)
				c.shutdown()
				return
			}
		}
	}
}

var _ collab.RevisionUser = (*Conn)(nil)
