package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/ot/document"
	"collabSync/backend/internal/ot/revision"
	"collabSync/backend/internal/protocol"
)

const publishTimeout = 200 * time.Millisecond

// RevisionUser 一个正在同步文档的连接
type RevisionUser interface {
	UserID() string
	Receive(msg protocol.ServerMessage)
}

// Broadcaster 把消息发给同一文档房间里的其它连接，from 为 nil 时发给所有人
type Broadcaster interface {
	Broadcast(objectID string, from RevisionUser, msg protocol.ServerMessage)
}

// ServerDocument 服务端的权威文档。
// 只合入与当前版本连续的修订，从不做变换。
type ServerDocument struct {
	objectID string

	mu      sync.Mutex
	revID   atomic.Int64
	content delta.Delta
	text    Buffer

	disk        revision.DiskCache
	events      EventPublisher
	broadcaster Broadcaster
	now         func() time.Time
}

func newServerDocument(objectID string, disk revision.DiskCache, events EventPublisher, broadcaster Broadcaster) *ServerDocument {
	return &ServerDocument{
		objectID:    objectID,
		content:     delta.Initial(),
		text:        NewPieceTable("\n"),
		disk:        disk,
		events:      events,
		broadcaster: broadcaster,
		now:         time.Now,
	}
}

// load 从持久化的修订重建内容
func (d *ServerDocument) load(ctx context.Context) error {
	records, err := d.disk.ReadRevisions(ctx, d.objectID)
	if err != nil {
		return revision.WrapStorage("load", err)
	}
	revs := revision.Revisions(records)
	content := delta.Initial()
	var last int64
	for _, rev := range revs {
		edit, err := rev.Delta()
		if err != nil {
			return err
		}
		if content, _, err = applyRevision(content, edit); err != nil {
			return fmt.Errorf("load %s: %w", rev, err)
		}
		last = rev.RevID
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.content = content
	d.text.Reset(content.PlainText())
	d.revID.Store(last)
	return nil
}

func (d *ServerDocument) ObjectID() string { return d.objectID }

func (d *ServerDocument) RevID() int64 { return d.revID.Load() }

// Content 当前内容的副本
func (d *ServerDocument) Content() delta.Delta {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content.Clone()
}

// Snapshot 返回同一时刻的版本、文档 JSON 和纯文本
func (d *ServerDocument) Snapshot() (int64, string, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.revID.Load(), d.content.JSON(), d.text.String()
}

func (d *ServerDocument) MD5() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return document.ContentMD5(d.content)
}

// SyncRevisions 处理客户端推送的一批修订
// 合入的修订在解锁之后才发布事件。
func (d *ServerDocument) SyncRevisions(ctx context.Context, user RevisionUser, revs []revision.Revision) error {
	d.mu.Lock()
	applied, err := d.syncLocked(ctx, user, revs)
	d.mu.Unlock()

	now := d.now()
	for _, rev := range applied {
		d.publish(rev, now)
	}
	return err
}

func (d *ServerDocument) syncLocked(ctx context.Context, user RevisionUser, revs []revision.Revision) ([]revision.Revision, error) {
	if len(revs) == 0 {
		return nil, d.pushAllLocked(ctx, user)
	}
	revs = append([]revision.Revision(nil), revs...)
	revision.SortByRevID(revs)

	// 已经合入过的修订直接确认
	remaining := revs[:0]
	for _, rev := range revs {
		dup, err := d.isDuplicateLocked(ctx, rev)
		if err != nil {
			return nil, err
		}
		if dup {
			user.Receive(protocol.NewServerAck(d.objectID, rev.RevID))
			continue
		}
		remaining = append(remaining, rev)
	}
	if len(remaining) == 0 {
		return nil, nil
	}

	first := remaining[0]
	server := d.revID.Load()
	switch {
	case server < first.RevID:
		if server+1 != first.RevID {
			missing := revision.Range{Start: server + 1, End: first.RevID - 1}
			log.Printf("collab: revision gap doc=%s server=%d first=%d pull=%s", d.objectID, server, first.RevID, missing)
			user.Receive(protocol.NewServerPull(d.objectID, missing))
			return nil, nil
		}
		// 批内不连续时只合入连续的前缀，其余等客户端重发
		n := 1
		for n < len(remaining) && remaining[n].RevID == remaining[n-1].RevID+1 {
			n++
		}
		return d.composeLocked(ctx, user, remaining[:n])
	default:
		// 客户端落后（或同一版本内容不同），把服务端的修订推给它去变换
		return nil, d.pushRangeLocked(ctx, user, revision.Range{Start: first.RevID, End: server})
	}
}

// Pong 处理客户端的 ping
func (d *ServerDocument) Pong(ctx context.Context, user RevisionUser, clientRevID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	server := d.revID.Load()
	switch {
	case server < clientRevID:
		user.Receive(protocol.NewServerPull(d.objectID, revision.Range{Start: server + 1, End: clientRevID}))
		return nil
	case server == clientRevID:
		return nil
	default:
		return d.pushRangeLocked(ctx, user, revision.Range{Start: clientRevID + 1, End: server})
	}
}

func (d *ServerDocument) isDuplicateLocked(ctx context.Context, rev revision.Revision) (bool, error) {
	if rev.RevID > d.revID.Load() {
		return false, nil
	}
	stored, err := d.disk.ReadRevision(ctx, d.objectID, rev.RevID)
	if err != nil {
		return false, revision.WrapStorage("read", err)
	}
	return stored != nil && stored.Revision.MD5 == rev.MD5, nil
}

// composeLocked 依次合入连续的修订：先全部算好并落盘，成功后才修改内存状态。
// 返回合入的修订，由调用方在解锁后发布。
func (d *ServerDocument) composeLocked(ctx context.Context, user RevisionUser, revs []revision.Revision) ([]revision.Revision, error) {
	revs = append([]revision.Revision(nil), revs...)
	content := d.content
	edits := make([]delta.Delta, 0, len(revs))
	for i, rev := range revs {
		edit, err := rev.Delta()
		if err != nil {
			log.Printf("collab: reject batch doc=%s rev=%d err=%v", d.objectID, rev.RevID, err)
			return nil, err
		}
		next, fixed, err := applyRevision(content, edit)
		if err != nil {
			log.Printf("collab: reject batch doc=%s rev=%d err=%v", d.objectID, rev.RevID, err)
			return nil, err
		}
		if !fixed.Equal(edit) {
			// 存下实际生效的编辑，其它客户端和重新加载都以它为准
			log.Printf("collab: trailing newline restored doc=%s rev=%d user=%s", d.objectID, rev.RevID, user.UserID())
			revs[i].Bytes = fixed.Bytes()
		}
		if sum := document.ContentMD5(next); rev.MD5 != "" && sum != rev.MD5 {
			log.Printf("collab: md5 diverged doc=%s rev=%d client=%s server=%s", d.objectID, rev.RevID, rev.MD5, sum)
		}
		content = next
		edits = append(edits, fixed)
	}

	records := make([]revision.Record, 0, len(revs))
	for _, rev := range revs {
		records = append(records, revision.NewRecord(rev, revision.StateAck))
	}
	if err := d.disk.CreateRevisions(ctx, records); err != nil {
		return nil, revision.WrapStorage("create", err)
	}

	for _, edit := range edits {
		if err := d.text.Apply(edit); err != nil {
			log.Printf("collab: text mirror out of sync doc=%s err=%v", d.objectID, err)
			d.text.Reset(content.PlainText())
			break
		}
	}
	d.content = content
	d.revID.Store(revs[len(revs)-1].RevID)

	for _, rev := range revs {
		user.Receive(protocol.NewServerAck(d.objectID, rev.RevID))
	}
	if d.broadcaster != nil {
		d.broadcaster.Broadcast(d.objectID, user, protocol.NewServerPush(d.objectID, protocol.PushIncremental, revs))
	}
	return revs, nil
}

func (d *ServerDocument) publish(rev revision.Revision, at time.Time) {
	if d.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := d.events.Publish(ctx, NewRevisionEvent(rev, at)); err != nil {
		log.Printf("collab: publish event failed doc=%s rev=%d err=%v", d.objectID, rev.RevID, err)
	}
}

// pushRangeLocked 推送 [r.Start, r.End]。
// 能接在客户端版本后面时为增量推送，否则推送完整历史让客户端整体替换。
func (d *ServerDocument) pushRangeLocked(ctx context.Context, user RevisionUser, r revision.Range) error {
	records, err := d.disk.ReadRevisionsInRange(ctx, d.objectID, r)
	if err != nil {
		return revision.WrapStorage("read range", err)
	}
	revs := revision.Revisions(records)
	if len(revs) > 0 && revs[0].BaseRevID == r.Start-1 && revision.IsContiguous(revs) {
		user.Receive(protocol.NewServerPush(d.objectID, protocol.PushIncremental, revs))
		return nil
	}
	return d.pushAllLocked(ctx, user)
}

func (d *ServerDocument) pushAllLocked(ctx context.Context, user RevisionUser) error {
	records, err := d.disk.ReadRevisions(ctx, d.objectID)
	if err != nil {
		return revision.WrapStorage("read", err)
	}
	user.Receive(protocol.NewServerPush(d.objectID, protocol.PushOverride, revision.Revisions(records)))
	return nil
}

// RevisionsInRange 读取持久化的修订
func (d *ServerDocument) RevisionsInRange(ctx context.Context, r revision.Range) ([]revision.Revision, error) {
	records, err := d.disk.ReadRevisionsInRange(ctx, d.objectID, r)
	if err != nil {
		return nil, revision.WrapStorage("read range", err)
	}
	return revision.Revisions(records), nil
}

// Reset 用一组修订整体替换内容和历史，历史压缩为一个修订
// revs 从初始文档开始，和 RevisionsInRange 返回的历史一致。
func (d *ServerDocument) Reset(ctx context.Context, revs []revision.Revision) error {
	revs = append([]revision.Revision(nil), revs...)
	revision.SortByRevID(revs)
	content := delta.Initial()
	var last int64
	author := ""
	for _, rev := range revs {
		edit, err := rev.Delta()
		if err != nil {
			return err
		}
		if content, _, err = applyRevision(content, edit); err != nil {
			return fmt.Errorf("reset %s: %w", rev, err)
		}
		last = max(last, rev.RevID)
		author = rev.AuthorID
	}
	return d.ResetContent(ctx, content, last, author)
}

// ResetContent 把内容重置为 content，版本号为 revID
func (d *ServerDocument) ResetContent(ctx context.Context, content delta.Delta, revID int64, authorID string) error {
	if !content.OnlyInserts() {
		return fmt.Errorf("%w: reset content must only contain inserts", delta.ErrCorruptOperation)
	}
	content = delta.Normalize(content)
	if !content.EndsWithNewline() {
		content = delta.Normalize(append(content, delta.Insert("\n", nil)))
	}
	if revID <= 0 {
		revID = 1
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rev := revision.New(d.objectID, 0, revID, fromInitial(content), document.ContentMD5(content), authorID)
	if err := d.disk.DeleteRevisions(ctx, d.objectID, nil); err != nil {
		return revision.WrapStorage("delete", err)
	}
	if err := d.disk.CreateRevisions(ctx, []revision.Record{revision.NewRecord(rev, revision.StateAck)}); err != nil {
		return revision.WrapStorage("create", err)
	}
	d.content = content
	d.text.Reset(content.PlainText())
	d.revID.Store(revID)
	log.Printf("collab: reset doc=%s rev=%d", d.objectID, revID)

	if d.broadcaster != nil {
		d.broadcaster.Broadcast(d.objectID, nil, protocol.NewServerPush(d.objectID, protocol.PushOverride, []revision.Revision{rev}))
	}
	return nil
}

// fromInitial 把只有一个换行的初始文档变成 content 的编辑
func fromInitial(content delta.Delta) delta.Delta {
	n := content.Length()
	b := delta.NewBuilder()
	for _, op := range content.Slice(0, n-1) {
		b.Push(op)
	}
	var lastAttrs delta.Attributes
	if tail := content.Slice(n-1, n); len(tail) == 1 {
		lastAttrs = tail[0].Attrs
	}
	return b.Retain(1, lastAttrs).Build().Chop()
}

// applyRevision 把修订作用到内容上，返回新内容和实际生效的编辑（补过结尾换行）
func applyRevision(content, edit delta.Delta) (delta.Delta, delta.Delta, error) {
	next, err := delta.Apply(content, edit)
	if err != nil {
		return nil, nil, err
	}
	if !next.EndsWithNewline() {
		edit = edit.Compose(delta.NewBuilder().Retain(next.Length(), nil).Insert("\n", nil).Build())
		if next, err = delta.Apply(content, edit); err != nil {
			return nil, nil, err
		}
	}
	return next, edit, nil
}

// IsRejected 修订本身有问题（不是存储错误），这一批被拒绝
func IsRejected(err error) bool {
	return errors.Is(err, delta.ErrLengthMismatch) || errors.Is(err, delta.ErrCorruptOperation)
}
