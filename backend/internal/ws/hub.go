package ws

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/protocol"
)

// Hub 文档房间：docID -> 正在同步这个文档的连接。
// 一个用户可能开多个连接，广播按连接发。
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]mapset.Set[*Conn]
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]mapset.Set[*Conn])}
}

// Join 将连接加入指定文档房间，返回是否新加入
func (h *Hub) Join(docID string, c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[docID]
	if room == nil {
		room = mapset.NewThreadUnsafeSet[*Conn]()
		h.rooms[docID] = room
	}
	return room.Add(c)
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[docID]; ok {
		room.Remove(c)
		if room.Cardinality() == 0 {
			delete(h.rooms, docID)
		}
	}
}

// Size 房间里的连接数
func (h *Hub) Size(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if room, ok := h.rooms[docID]; ok {
		return room.Cardinality()
	}
	return 0
}

// Broadcast 发给房间里除 from 以外的连接，只入队不阻塞
func (h *Hub) Broadcast(docID string, from collab.RevisionUser, msg protocol.ServerMessage) {
	h.mu.RLock()
	room, ok := h.rooms[docID]
	var conns []*Conn
	if ok {
		conns = room.ToSlice()
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if from != nil {
			if fc, ok := from.(*Conn); ok && fc == c {
				continue
			}
		}
		c.Receive(msg)
	}
}

var _ collab.Broadcaster = (*Hub)(nil)
