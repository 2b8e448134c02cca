package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"collabSync/backend/internal/ot/revision"
	"collabSync/backend/internal/protocol"
)

var ErrEmptyObjectID = errors.New("EMPTY_OBJECT_ID")

// ServerManager 持有所有打开的服务端文档，按需从持久化加载
type ServerManager struct {
	disk        revision.DiskCache
	events      EventPublisher
	broadcaster Broadcaster

	mu   sync.RWMutex
	docs map[string]*ServerDocument
	sf   singleflight.Group
}

type ServerOption func(*ServerManager)

func WithEventPublisher(p EventPublisher) ServerOption {
	return func(m *ServerManager) { m.events = p }
}

func WithBroadcaster(b Broadcaster) ServerOption {
	return func(m *ServerManager) { m.broadcaster = b }
}

func NewServerManager(disk revision.DiskCache, opts ...ServerOption) *ServerManager {
	m := &ServerManager{
		disk: disk,
		docs: make(map[string]*ServerDocument),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Document 获取文档，不在内存时加载；并发加载同一文档只会读一次存储
func (m *ServerManager) Document(ctx context.Context, objectID string) (*ServerDocument, error) {
	if objectID == "" {
		return nil, ErrEmptyObjectID
	}
	m.mu.RLock()
	doc := m.docs[objectID]
	m.mu.RUnlock()
	if doc != nil {
		return doc, nil
	}

	v, err, _ := m.sf.Do(objectID, func() (any, error) {
		m.mu.RLock()
		existing := m.docs[objectID]
		m.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}
		doc := newServerDocument(objectID, m.disk, m.events, m.broadcaster)
		if err := doc.load(ctx); err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.docs[objectID] = doc
		m.mu.Unlock()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ServerDocument), nil
}

// HandleClientMessage 分发客户端消息
func (m *ServerManager) HandleClientMessage(ctx context.Context, user RevisionUser, msg protocol.ClientMessage) error {
	doc, err := m.Document(ctx, msg.ObjectID)
	if err != nil {
		return err
	}
	switch msg.Type {
	case protocol.TypeClientPush:
		return doc.SyncRevisions(ctx, user, msg.Revisions)
	case protocol.TypePing:
		return doc.Pong(ctx, user, msg.RevID)
	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownMessage, msg.Type)
	}
}

// Reset 整体替换文档的内容和历史
func (m *ServerManager) Reset(ctx context.Context, objectID string, revs []revision.Revision) error {
	doc, err := m.Document(ctx, objectID)
	if err != nil {
		return err
	}
	return doc.Reset(ctx, revs)
}

// Close 从内存中移除文档，下次访问时重新加载
func (m *ServerManager) Close(objectID string) {
	m.mu.Lock()
	delete(m.docs, objectID)
	m.mu.Unlock()
}

func (m *ServerManager) OpenDocuments() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.docs))
	for id := range m.docs {
		out = append(out, id)
	}
	return out
}
