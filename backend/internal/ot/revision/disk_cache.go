package revision

import (
	"context"
	"errors"
	"sync"
)

// DiskCache 修订的持久化存储，多个文档并发访问，按 object id 区分。
type DiskCache interface {
	// CreateRevisions 批量写入，(object id, rev id) 已存在时覆盖
	CreateRevisions(ctx context.Context, records []Record) error
	// ReadRevision 不存在时返回 nil, nil
	ReadRevision(ctx context.Context, objectID string, revID int64) (*Record, error)
	// ReadRevisions 按 rev id 升序返回全部
	ReadRevisions(ctx context.Context, objectID string) ([]Record, error)
	ReadRevisionsInRange(ctx context.Context, objectID string, r Range) ([]Record, error)
	// DeleteRevisions revIDs 为 nil 时删除该文档全部修订
	DeleteRevisions(ctx context.Context, objectID string, revIDs []int64) error
}

// StorageError 包装底层存储错误
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// WrapStorage 已经是 StorageError 的原样返回
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// MemoryDiskCache 进程内实现，用于测试和 storage.driver=memory
type MemoryDiskCache struct {
	mu   sync.RWMutex
	docs map[string]map[int64]Record
}

func NewMemoryDiskCache() *MemoryDiskCache {
	return &MemoryDiskCache{docs: make(map[string]map[int64]Record)}
}

func (c *MemoryDiskCache) CreateRevisions(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return WrapStorage("create", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range records {
		doc := c.docs[r.Revision.ObjectID]
		if doc == nil {
			doc = make(map[int64]Record)
			c.docs[r.Revision.ObjectID] = doc
		}
		r.Revision.Bytes = append([]byte(nil), r.Revision.Bytes...)
		doc[r.Revision.RevID] = r
	}
	return nil
}

func (c *MemoryDiskCache) ReadRevision(ctx context.Context, objectID string, revID int64) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, WrapStorage("read", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.docs[objectID][revID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (c *MemoryDiskCache) ReadRevisions(ctx context.Context, objectID string) ([]Record, error) {
	return c.read(ctx, objectID, func(int64) bool { return true })
}

func (c *MemoryDiskCache) ReadRevisionsInRange(ctx context.Context, objectID string, r Range) ([]Record, error) {
	return c.read(ctx, objectID, r.Contains)
}

func (c *MemoryDiskCache) read(ctx context.Context, objectID string, match func(int64) bool) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, WrapStorage("read", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Record
	for id, r := range c.docs[objectID] {
		if match(id) {
			out = append(out, r)
		}
	}
	SortRecords(out)
	return out, nil
}

func (c *MemoryDiskCache) DeleteRevisions(ctx context.Context, objectID string, revIDs []int64) error {
	if err := ctx.Err(); err != nil {
		return WrapStorage("delete", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if revIDs == nil {
		delete(c.docs, objectID)
		return nil
	}
	doc := c.docs[objectID]
	for _, id := range revIDs {
		delete(doc, id)
	}
	return nil
}
