package editor

import (
	"context"
	"errors"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"

	"collabSync/backend/internal/ot/revision"
)

var ErrEmptyObjectID = errors.New("EMPTY_OBJECT_ID")

// Dialer 为一个文档建立到服务端的连接；返回 nil 表示离线编辑
type Dialer func(ctx context.Context, objectID string) (Transport, error)

// EditorManager 客户端打开的所有文档，按需打开
type EditorManager struct {
	userID string
	disk   revision.DiskCache
	dial   Dialer
	opts   Options

	mu      sync.RWMutex
	editors map[string]*Editor
	sf      singleflight.Group
}

func NewEditorManager(userID string, disk revision.DiskCache, dial Dialer, opts Options) *EditorManager {
	return &EditorManager{
		userID:  userID,
		disk:    disk,
		dial:    dial,
		opts:    opts,
		editors: make(map[string]*Editor),
	}
}

func (m *EditorManager) UserID() string { return m.userID }

// Open 返回已打开的编辑器，否则从本地缓存恢复并启动同步
func (m *EditorManager) Open(ctx context.Context, objectID string) (*Editor, error) {
	if objectID == "" {
		return nil, ErrEmptyObjectID
	}
	m.mu.RLock()
	e := m.editors[objectID]
	m.mu.RUnlock()
	if e != nil {
		return e, nil
	}

	v, err, _ := m.sf.Do(objectID, func() (any, error) {
		m.mu.RLock()
		existing := m.editors[objectID]
		m.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		var transport Transport
		if m.dial != nil {
			t, err := m.dial(ctx, objectID)
			if err != nil {
				return nil, err
			}
			transport = t
		}
		e, err := Open(ctx, objectID, m.userID, m.disk, transport, m.opts)
		if err != nil {
			if c, ok := transport.(interface{ Close() error }); ok {
				_ = c.Close()
			}
			return nil, err
		}
		e.Start()

		m.mu.Lock()
		m.editors[objectID] = e
		m.mu.Unlock()
		log.Printf("editor: opened doc=%s rev=%d user=%s", objectID, e.RevID(), m.userID)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Editor), nil
}

// Get 只查已打开的
func (m *EditorManager) Get(objectID string) (*Editor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.editors[objectID]
	return e, ok
}

// Close 关闭一个文档，修订落盘后断开连接
func (m *EditorManager) Close(ctx context.Context, objectID string) error {
	m.mu.Lock()
	e := m.editors[objectID]
	delete(m.editors, objectID)
	m.mu.Unlock()
	if e == nil {
		return nil
	}
	err := e.Close(ctx)
	if c, ok := e.sync.transport.(interface{ Close() error }); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (m *EditorManager) CloseAll(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.editors))
	for id := range m.editors {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil {
			log.Printf("editor: close failed doc=%s err=%v", id, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
