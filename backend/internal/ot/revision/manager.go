package revision

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	DefaultFlushDelay  = 300 * time.Millisecond
	maxFlushRetryDelay = 5 * time.Second
	flushTimeout       = 10 * time.Second
)

type entry struct {
	record  Record
	sent    bool // 已经交给传输层
	dirty   bool
	version uint64
}

// Manager 单个文档的修订缓存：待发送队列 + 内存缓存 + 延迟落盘。
type Manager struct {
	objectID string
	disk     DiskCache

	flushDelay time.Duration

	mu        sync.Mutex
	revID     int64
	pending   []*entry
	records   map[int64]*entry
	deletes   []int64
	deleteAll bool
	timer     *time.Timer
	retries   int
	closed    bool

	flushMu sync.Mutex // 同一时刻只有一个 flush
}

type ManagerOption func(*Manager)

func WithFlushDelay(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.flushDelay = d
		}
	}
}

func NewManager(objectID string, disk DiskCache, opts ...ManagerOption) *Manager {
	m := &Manager{
		objectID:   objectID,
		disk:       disk,
		flushDelay: DefaultFlushDelay,
		records:    make(map[int64]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) ObjectID() string { return m.objectID }

// Load 启动时把磁盘上未确认的修订按 rev id 升序重新放回待发送队列。
// 必须在接受任何新编辑之前调用。
func (m *Manager) Load(ctx context.Context) error {
	records, err := m.disk.ReadRevisions(ctx, m.objectID)
	if err != nil {
		return WrapStorage("load", err)
	}
	SortRecords(records)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if r.Revision.RevID > m.revID {
			m.revID = r.Revision.RevID
		}
		if r.State != StateSync {
			continue
		}
		e := &entry{record: r}
		m.records[r.Revision.RevID] = e
		m.pending = append(m.pending, e)
	}
	if len(m.pending) > 0 {
		log.Printf("revision: doc=%s restored %d pending revisions, rev=%d", m.objectID, len(m.pending), m.revID)
	}
	return nil
}

// NextRevIDPair 返回 (base, next)，计数器加一
func (m *Manager) NextRevIDPair() (int64, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := m.revID
	m.revID++
	return base, m.revID
}

func (m *Manager) CurrentRevID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revID
}

// SyncedRevID 与服务端一致的最后一个修订：有待发送修订时为队首的 base
func (m *Manager) SyncedRevID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) > 0 {
		return m.pending[0].record.Revision.BaseRevID
	}
	return m.revID
}

// AddLocalRevision 加入一个本地修订，状态为 Sync。
// 队尾修订如果还没发出去，新修订直接合并进它（保留队尾的 base 和 rev id）。
func (m *Manager) AddLocalRevision(rev Revision) error {
	if rev.IsEmpty() {
		return ErrEmptyRevisionData
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.pending); n > 0 && !m.pending[n-1].sent {
		tail := m.pending[n-1]
		prev, err := tail.record.Revision.Delta()
		if err != nil {
			return err
		}
		next, err := rev.Delta()
		if err != nil {
			return err
		}
		tail.record.Revision.Bytes = prev.Compose(next).Bytes()
		tail.record.Revision.MD5 = rev.MD5
		tail.dirty = true
		tail.version++
		m.revID = tail.record.Revision.RevID
		m.scheduleFlushLocked()
		return nil
	}

	e := &entry{record: NewRecord(rev, StateSync), dirty: true}
	m.records[rev.RevID] = e
	m.pending = append(m.pending, e)
	if rev.RevID > m.revID {
		m.revID = rev.RevID
	}
	m.scheduleFlushLocked()
	return nil
}

// AddRemoteRevision 加入一个远端修订，直接是 Ack 状态
func (m *Manager) AddRemoteRevision(rev Revision) error {
	if rev.IsEmpty() {
		return ErrEmptyRevisionData
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, p := range m.pending {
		if p.record.Revision.RevID == rev.RevID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	old := m.records[rev.RevID]
	e := &entry{record: NewRecord(rev, StateAck), dirty: true}
	if old != nil {
		e.version = old.version + 1
	}
	m.records[rev.RevID] = e
	if rev.RevID > m.revID {
		m.revID = rev.RevID
	}
	m.scheduleFlushLocked()
	return nil
}

// AckRevision 确认队首修订。
// 已经确认过的 rev id 直接忽略；其它不匹配队首的情况返回 ErrOutOfOrderAck。
func (m *Manager) AckRevision(revID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		if revID <= m.revID {
			return nil
		}
		return fmt.Errorf("%w: ack %d, nothing pending (rev %d)", ErrOutOfOrderAck, revID, m.revID)
	}
	front := m.pending[0]
	frontID := front.record.Revision.RevID
	switch {
	case revID == frontID:
		m.pending = m.pending[1:]
		front.record.State = StateAck
		front.dirty = true
		front.version++
		m.scheduleFlushLocked()
		return nil
	case revID < frontID:
		return nil
	default:
		return fmt.Errorf("%w: ack %d, front %d", ErrOutOfOrderAck, revID, frontID)
	}
}

// NextSyncRevision 最早的未确认修订，没有时返回 false（调用方应改发 ping）
func (m *Manager) NextSyncRevision() (Revision, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return Revision{}, false
	}
	front := m.pending[0]
	front.sent = true
	return front.record.Revision, true
}

func (m *Manager) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) > 0
}

func (m *Manager) PendingRevisions() []Revision {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Revision, 0, len(m.pending))
	for _, e := range m.pending {
		out = append(out, e.record.Revision)
	}
	return out
}

// DropPending 丢弃所有待发送修订，计数器回到队首的 base。
// 用于本地修订被变换后重新生成的场景，磁盘删除在下一次 flush 时进行。
func (m *Manager) DropPending() []Revision {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	dropped := make([]Revision, 0, len(m.pending))
	for _, e := range m.pending {
		id := e.record.Revision.RevID
		dropped = append(dropped, e.record.Revision)
		delete(m.records, id)
		m.deletes = append(m.deletes, id)
	}
	m.revID = m.pending[0].record.Revision.BaseRevID
	m.pending = nil
	m.scheduleFlushLocked()
	return dropped
}

// GetRevision 先查内存再查磁盘，不存在时返回 nil
func (m *Manager) GetRevision(ctx context.Context, revID int64) (*Revision, error) {
	m.mu.Lock()
	if e, ok := m.records[revID]; ok {
		rev := e.record.Revision
		m.mu.Unlock()
		return &rev, nil
	}
	deleted := m.deleteAll || containsID(m.deletes, revID)
	m.mu.Unlock()
	if deleted {
		return nil, nil
	}

	r, err := m.disk.ReadRevision(ctx, m.objectID, revID)
	if err != nil {
		return nil, WrapStorage("read", err)
	}
	if r == nil {
		return nil, nil
	}
	return &r.Revision, nil
}

// GetRevisionsInRange 内存能覆盖整个区间时直接返回，否则读磁盘并以内存中的为准
func (m *Manager) GetRevisionsInRange(ctx context.Context, r Range) ([]Revision, error) {
	m.mu.Lock()
	mem := make(map[int64]Revision)
	for id, e := range m.records {
		if r.Contains(id) {
			mem[id] = e.record.Revision
		}
	}
	skipDisk := m.deleteAll
	deleted := append([]int64(nil), m.deletes...)
	m.mu.Unlock()

	if int64(len(mem)) < r.Len() && !skipDisk {
		records, err := m.disk.ReadRevisionsInRange(ctx, m.objectID, r)
		if err != nil {
			return nil, WrapStorage("read range", err)
		}
		for _, rec := range records {
			id := rec.Revision.RevID
			if _, ok := mem[id]; !ok && !containsID(deleted, id) {
				mem[id] = rec.Revision
			}
		}
	}

	out := make([]Revision, 0, len(mem))
	for _, rev := range mem {
		out = append(out, rev)
	}
	SortByRevID(out)
	return out, nil
}

// Reset 用一组已确认的修订替换全部历史
func (m *Manager) Reset(revisions []Revision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	m.deletes = nil
	m.deleteAll = true
	m.revID = 0
	m.records = make(map[int64]*entry, len(revisions))
	for _, rev := range revisions {
		m.records[rev.RevID] = &entry{record: NewRecord(rev, StateAck), dirty: true, version: 1}
		if rev.RevID > m.revID {
			m.revID = rev.RevID
		}
	}
	m.scheduleFlushLocked()
}

func (m *Manager) scheduleFlushLocked() {
	if m.closed {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.flushDelay, m.flushInBackground)
}

func (m *Manager) flushInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	err := m.Flush(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.retries = 0
		return
	}
	m.retries++
	log.Printf("revision: flush failed doc=%s attempt=%d err=%v", m.objectID, m.retries, err)
	if m.closed || m.timer == nil {
		return
	}
	// 数据还在内存里，稍后重试
	delay := m.flushDelay * time.Duration(1<<min(m.retries, 5))
	delay = min(max(delay, 10*time.Millisecond), maxFlushRetryDelay)
	m.timer.Stop()
	m.timer = time.AfterFunc(delay, m.flushInBackground)
}

// Flush 立即把脏数据写盘：先删除再写入。
// 写入期间又被修改过的记录保持 dirty，等下一轮。
func (m *Manager) Flush(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	deleteAll := m.deleteAll
	deletes := m.deletes
	m.deleteAll = false
	m.deletes = nil
	type snapshot struct {
		e       *entry
		version uint64
	}
	var snaps []snapshot
	var records []Record
	for _, e := range m.records {
		if !e.dirty {
			continue
		}
		snaps = append(snaps, snapshot{e: e, version: e.version})
		records = append(records, e.record)
	}
	m.mu.Unlock()

	restore := func() {
		m.mu.Lock()
		m.deleteAll = m.deleteAll || deleteAll
		m.deletes = append(deletes, m.deletes...)
		m.mu.Unlock()
	}

	switch {
	case deleteAll:
		if err := m.disk.DeleteRevisions(ctx, m.objectID, nil); err != nil {
			restore()
			return WrapStorage("delete", err)
		}
	case len(deletes) > 0:
		if err := m.disk.DeleteRevisions(ctx, m.objectID, deletes); err != nil {
			restore()
			return WrapStorage("delete", err)
		}
	}
	if len(records) > 0 {
		SortRecords(records)
		if err := m.disk.CreateRevisions(ctx, records); err != nil {
			// 删除已经成功，只需要保留 dirty 标记
			return WrapStorage("create", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snaps {
		if s.e.version != s.version {
			continue
		}
		s.e.dirty = false
		id := s.e.record.Revision.RevID
		// 已确认且写盘的修订不再占用内存
		if s.e.record.State == StateAck && m.records[id] == s.e {
			delete(m.records, id)
		}
	}
	return nil
}

// Close 停止定时器并做最后一次 flush
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	return m.Flush(ctx)
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
