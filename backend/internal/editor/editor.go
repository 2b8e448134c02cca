package editor

import (
	"context"
	"fmt"
	"log"
	"time"

	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/ot/document"
	"collabSync/backend/internal/ot/revision"
	"collabSync/backend/internal/protocol"
)

// Options 打开编辑器的参数
type Options struct {
	UndoWindow   time.Duration
	FlushDelay   time.Duration
	SyncInterval time.Duration
	QueueSize    int
	Clock        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.UndoWindow <= 0 {
		o.UndoWindow = document.DefaultUndoWindow
	}
	if o.FlushDelay <= 0 {
		o.FlushDelay = revision.DefaultFlushDelay
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = DefaultSyncInterval
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Editor 客户端的一个打开的文档。
// 所有修改都经过命令队列，doc 只在队列的 goroutine 里访问。
type Editor struct {
	objectID string
	userID   string

	queue *CommandQueue
	doc   *document.Document
	revs  *revision.Manager
	sync  *Synchronizer
}

// Open 从本地修订缓存恢复文档内容，未确认的修订重新进入待发送队列
func Open(ctx context.Context, objectID, userID string, disk revision.DiskCache, transport Transport, opts Options) (*Editor, error) {
	opts = opts.withDefaults()

	records, err := disk.ReadRevisions(ctx, objectID)
	if err != nil {
		return nil, revision.WrapStorage("open", err)
	}
	content := delta.Initial()
	for _, rev := range revision.Revisions(records) {
		edit, err := rev.Delta()
		if err != nil {
			return nil, err
		}
		if content, _, err = composeRemote(content, edit); err != nil {
			return nil, fmt.Errorf("open %s: %w", rev, err)
		}
	}

	doc := document.NewLoading(document.WithUndoWindow(opts.UndoWindow), document.WithClock(opts.Clock))
	if err := doc.Load(content); err != nil {
		return nil, err
	}
	revs := revision.NewManager(objectID, disk, revision.WithFlushDelay(opts.FlushDelay))
	if err := revs.Load(ctx); err != nil {
		return nil, err
	}

	e := &Editor{
		objectID: objectID,
		userID:   userID,
		queue:    NewCommandQueue(objectID, opts.QueueSize),
		doc:      doc,
		revs:     revs,
	}
	e.sync = newSynchronizer(e, transport, opts.SyncInterval)
	return e, nil
}

func (e *Editor) ObjectID() string { return e.objectID }

func (e *Editor) Synchronizer() *Synchronizer { return e.sync }

// Start 启动后台同步
func (e *Editor) Start() { e.sync.Start() }

// Close 停止同步，执行完已入队的命令，最后把修订落盘
func (e *Editor) Close(ctx context.Context) error {
	e.sync.Stop()
	e.queue.Close()
	e.doc.Close()
	return e.revs.Close(ctx)
}

func (e *Editor) Insert(ctx context.Context, index int, text string) (delta.Delta, error) {
	return e.localEdit(ctx, "insert", func() (delta.Delta, error) { return e.doc.Insert(index, text) })
}

func (e *Editor) Delete(ctx context.Context, iv document.Interval) (delta.Delta, error) {
	return e.localEdit(ctx, "delete", func() (delta.Delta, error) { return e.doc.Delete(iv) })
}

func (e *Editor) Format(ctx context.Context, iv document.Interval, attrs delta.Attributes) (delta.Delta, error) {
	return e.localEdit(ctx, "format", func() (delta.Delta, error) { return e.doc.Format(iv, attrs) })
}

func (e *Editor) Replace(ctx context.Context, iv document.Interval, text string) (delta.Delta, error) {
	return e.localEdit(ctx, "replace", func() (delta.Delta, error) { return e.doc.Replace(iv, text) })
}

func (e *Editor) Undo(ctx context.Context) (delta.Delta, error) {
	return e.localEdit(ctx, "undo", e.doc.Undo)
}

func (e *Editor) Redo(ctx context.Context) (delta.Delta, error) {
	return e.localEdit(ctx, "redo", e.doc.Redo)
}

// ComposeLocal 应用一个本地构造的编辑，和其它本地编辑一样会生成修订
func (e *Editor) ComposeLocal(ctx context.Context, edit delta.Delta) (delta.Delta, error) {
	return e.localEdit(ctx, "compose_local", func() (delta.Delta, error) { return e.doc.ComposeLocal(edit) })
}

// ComposeRemote 直接合入一个远端编辑，不生成修订也不进入撤销历史
func (e *Editor) ComposeRemote(ctx context.Context, edit delta.Delta) error {
	_, err := submit(ctx, e.queue, "compose_remote", func() (struct{}, error) {
		return struct{}{}, e.doc.ComposeOperations(edit)
	})
	return err
}

// Reset 整体替换内容并清空撤销历史
func (e *Editor) Reset(ctx context.Context, content delta.Delta) error {
	_, err := submit(ctx, e.queue, "reset", func() (struct{}, error) {
		if err := e.doc.SetOperations(content); err != nil {
			return struct{}{}, err
		}
		e.doc.ClearHistory()
		return struct{}{}, nil
	})
	return err
}

// localEdit 在队列里执行编辑，并把结果保存为本地修订
func (e *Editor) localEdit(ctx context.Context, name string, fn func() (delta.Delta, error)) (delta.Delta, error) {
	return submit(ctx, e.queue, name, func() (delta.Delta, error) {
		edit, err := fn()
		if err != nil || len(edit) == 0 {
			return edit, err
		}
		if err := e.saveLocal(edit); err != nil {
			log.Printf("editor: save revision failed doc=%s cmd=%s err=%v", e.objectID, name, err)
			return edit, err
		}
		return edit, nil
	})
}

func (e *Editor) saveLocal(edit delta.Delta) error {
	base, next := e.revs.NextRevIDPair()
	rev := revision.New(e.objectID, base, next, edit, e.doc.MD5(), e.userID)
	return e.revs.AddLocalRevision(rev)
}

// Snapshot 文档状态的只读视图
type Snapshot struct {
	ObjectID string      `json:"objectId"`
	RevID    int64       `json:"revId"`
	Content  delta.Delta `json:"content"`
	Text     string      `json:"text"`
	MD5      string      `json:"md5"`
	CanUndo  bool        `json:"canUndo"`
	CanRedo  bool        `json:"canRedo"`
	Pending  int         `json:"pending"`
}

func (e *Editor) Snapshot(ctx context.Context) (Snapshot, error) {
	return submit(ctx, e.queue, "snapshot", func() (Snapshot, error) {
		return Snapshot{
			ObjectID: e.objectID,
			RevID:    e.revs.CurrentRevID(),
			Content:  e.doc.Operations(),
			Text:     e.doc.Text(),
			MD5:      e.doc.MD5(),
			CanUndo:  e.doc.CanUndo(),
			CanRedo:  e.doc.CanRedo(),
			Pending:  len(e.revs.PendingRevisions()),
		}, nil
	})
}

func (e *Editor) JSON(ctx context.Context) (string, error) {
	return submit(ctx, e.queue, "json", func() (string, error) { return e.doc.JSON(), nil })
}

func (e *Editor) RevID() int64 { return e.revs.CurrentRevID() }

// receivePush 在队列里处理服务端推送
func (e *Editor) receivePush(ctx context.Context, msg protocol.ServerMessage) error {
	_, err := submit(ctx, e.queue, "transform", func() (struct{}, error) {
		if msg.PushKind == protocol.PushOverride {
			return struct{}{}, e.applyOverride(msg.Revisions)
		}
		return struct{}{}, e.applyIncremental(ctx, msg.Revisions)
	})
	return err
}

// applyOverride 服务端历史被重置：整体替换内容、撤销历史和修订缓存
func (e *Editor) applyOverride(revs []revision.Revision) error {
	revs = append([]revision.Revision(nil), revs...)
	revision.SortByRevID(revs)
	content := delta.Initial()
	for _, rev := range revs {
		edit, err := rev.Delta()
		if err != nil {
			return err
		}
		if content, _, err = composeRemote(content, edit); err != nil {
			return err
		}
	}
	if dropped := e.revs.PendingRevisions(); len(dropped) > 0 {
		log.Printf("editor: override push discards %d pending revisions doc=%s", len(dropped), e.objectID)
	}
	if err := e.doc.SetOperations(content); err != nil {
		return err
	}
	e.doc.ClearHistory()
	e.revs.Reset(revs)
	return nil
}

// applyIncremental 合入连续的远端修订；有未确认的本地修订时先做变换，再把变换后的本地编辑作为新修订重发
func (e *Editor) applyIncremental(ctx context.Context, revs []revision.Revision) error {
	revs = append([]revision.Revision(nil), revs...)
	revision.SortByRevID(revs)

	var remaining []revision.Revision
	for _, rev := range revs {
		known, err := e.revs.GetRevision(ctx, rev.RevID)
		if err != nil {
			return err
		}
		if known != nil && known.MD5 == rev.MD5 {
			// 自己的修订被推回来了，相当于确认
			if err := e.revs.AckRevision(rev.RevID); err != nil {
				log.Printf("editor: ack pushed-back revision failed doc=%s rev=%d err=%v", e.objectID, rev.RevID, err)
			}
			continue
		}
		remaining = append(remaining, rev)
	}
	if len(remaining) == 0 {
		return nil
	}
	if synced := e.revs.SyncedRevID(); remaining[0].BaseRevID != synced {
		log.Printf("editor: push does not chain doc=%s synced=%d base=%d, wait for next ping",
			e.objectID, synced, remaining[0].BaseRevID)
		return nil
	}

	remote, err := revision.Compose(remaining)
	if err != nil {
		return err
	}

	if !e.revs.HasPending() {
		if err := e.doc.ComposeOperations(remote); err != nil {
			return err
		}
		return e.addRemote(remaining)
	}

	local, err := revision.Compose(e.revs.PendingRevisions())
	if err != nil {
		return err
	}
	clientPrime, serverPrime := delta.Transform(local, remote)
	if err := e.doc.ComposeOperations(serverPrime); err != nil {
		return err
	}
	e.revs.DropPending()
	if err := e.addRemote(remaining); err != nil {
		return err
	}
	if clientPrime.IsNoop() {
		return nil
	}
	return e.saveLocal(clientPrime)
}

func (e *Editor) addRemote(revs []revision.Revision) error {
	for _, rev := range revs {
		if err := e.revs.AddRemoteRevision(rev); err != nil {
			return err
		}
	}
	return nil
}

// composeRemote 把远端编辑作用到内容上，必要时补结尾换行
func composeRemote(content, edit delta.Delta) (delta.Delta, delta.Delta, error) {
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
