package document

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"collabSync/backend/internal/ot/delta"
)

var (
	ErrNothingToUndo    = errors.New("NOTHING_TO_UNDO")
	ErrNothingToRedo    = errors.New("NOTHING_TO_REDO")
	ErrIndexOutOfRange  = errors.New("INDEX_OUT_OF_RANGE")
	ErrDocumentNotReady = errors.New("DOCUMENT_NOT_READY")
)

type State int

const (
	StateLoading State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type options struct {
	window   time.Duration
	capacity int
	now      func() time.Time
}

type Option func(*options)

// WithUndoWindow 连续同类编辑合并为一个撤销组的时间窗口
func WithUndoWindow(d time.Duration) Option { return func(o *options) { o.window = d } }

func WithHistoryCapacity(n int) Option { return func(o *options) { o.capacity = n } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// Document 富文本文档：内容 + 撤销历史。
// 不是并发安全的，调用方需要自己串行化（客户端通过命令队列）。
type Document struct {
	state   State
	content delta.Delta
	history *History
}

func newDocument(state State, opts []Option) *Document {
	o := options{window: DefaultUndoWindow, capacity: DefaultHistoryCapacity, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Document{
		state:   state,
		content: delta.Initial(),
		history: NewHistory(o.window, o.capacity, o.now),
	}
}

// New 空文档，内容为单个换行
func New(opts ...Option) *Document {
	return newDocument(StateReady, opts)
}

// NewLoading 还在等待初始内容的文档，Load 之前拒绝编辑
func NewLoading(opts ...Option) *Document {
	return newDocument(StateLoading, opts)
}

func NewWithContent(content delta.Delta, opts ...Option) (*Document, error) {
	d := newDocument(StateLoading, opts)
	if err := d.Load(content); err != nil {
		return nil, err
	}
	return d, nil
}

func FromJSON(s string, opts ...Option) (*Document, error) {
	content, err := delta.FromJSON(s)
	if err != nil {
		return nil, err
	}
	return NewWithContent(content, opts...)
}

// Load 设置初始内容并进入 Ready
func (d *Document) Load(content delta.Delta) error {
	if d.state == StateClosed {
		return ErrDocumentNotReady
	}
	normalized, err := normalizeContent(content)
	if err != nil {
		return err
	}
	d.content = normalized
	d.state = StateReady
	return nil
}

func (d *Document) Close() { d.state = StateClosed }

func (d *Document) State() State { return d.state }

func (d *Document) ready() error {
	if d.state != StateReady {
		return fmt.Errorf("%w: %s", ErrDocumentNotReady, d.state)
	}
	return nil
}

// normalizeContent 校验内容只含 insert，并保证以换行结尾
func normalizeContent(content delta.Delta) (delta.Delta, error) {
	if !content.OnlyInserts() {
		return nil, fmt.Errorf("%w: document content must only contain inserts", delta.ErrCorruptOperation)
	}
	out := delta.Normalize(content)
	if !out.EndsWithNewline() {
		out = delta.Normalize(append(out, delta.Insert("\n", nil)))
	}
	return out, nil
}

// Insert 在 index 处插入文本，返回对应的编辑。
// 插入的文本继承前一个字符的行内样式（换行和链接除外）。
// index 等于内容长度时插在结尾换行之前。
func (d *Document) Insert(index int, text string) (delta.Delta, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	n := d.content.Length()
	if index < 0 || index > n {
		return nil, fmt.Errorf("%w: index %d, content length %d", ErrIndexOutOfRange, index, n)
	}
	if text == "" {
		return nil, nil
	}
	// 结尾换行之后不能插入，放到它前面
	index = min(index, n-1)
	edit := delta.NewBuilder().
		Retain(index, nil).
		Insert(text, d.inheritedAttributes(index, text)).
		Build()
	return d.applyLocal(EditInsert, edit)
}

func (d *Document) Delete(iv Interval) (delta.Delta, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	if err := iv.within(d.content.Length()); err != nil {
		return nil, err
	}
	iv = iv.body(d.content.Length())
	if iv.IsEmpty() {
		return nil, nil
	}
	edit := delta.NewBuilder().Retain(iv.Start, nil).Delete(iv.Len()).Build()
	return d.applyLocal(EditDelete, edit)
}

// Replace 用 text 替换区间内的内容，新文本沿用被替换部分开头的样式
func (d *Document) Replace(iv Interval, text string) (delta.Delta, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	if err := iv.within(d.content.Length()); err != nil {
		return nil, err
	}
	iv = iv.body(d.content.Length())
	if iv.IsEmpty() && text == "" {
		return nil, nil
	}
	var attrs delta.Attributes
	if text != "" {
		if iv.IsEmpty() {
			attrs = d.inheritedAttributes(iv.Start, text)
		} else {
			attrs = d.inheritedAttributes(iv.Start+1, text)
		}
	}
	edit := delta.NewBuilder().
		Retain(iv.Start, nil).
		Insert(text, attrs).
		Delete(iv.Len()).
		Build()
	return d.applyLocal(EditReplace, edit)
}

// Format 对区间设置样式。
// 块级属性作用在区间涉及的每一行的行尾换行上，行内属性跳过换行符。
// 区间为空时，块级属性作用在光标所在行。
func (d *Document) Format(iv Interval, attrs delta.Attributes) (delta.Delta, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	if err := iv.within(d.content.Length()); err != nil {
		return nil, err
	}
	if attrs.IsEmpty() {
		return nil, nil
	}
	block, inline := attrs.Split()
	runes := []rune(d.content.PlainText())

	targets := map[int]bool{}
	end := iv.End
	if len(block) > 0 {
		for i := iv.Start; ; {
			p := indexRune(runes, '\n', i)
			if p < 0 {
				break
			}
			targets[p] = true
			end = max(end, p+1)
			if p+1 >= iv.End {
				break
			}
			i = p + 1
		}
	}
	if len(inline) == 0 {
		inline = nil
	}

	b := delta.NewBuilder().Retain(iv.Start, nil)
	for i := iv.Start; i < end; i++ {
		switch {
		case targets[i]:
			b.Retain(1, block)
		case i < iv.End && runes[i] != '\n':
			b.Retain(1, inline)
		default:
			b.Retain(1, nil)
		}
	}
	edit := b.Build().Chop()
	if edit.IsNoop() {
		return nil, nil
	}
	return d.applyLocal(EditFormat, edit)
}

// ComposeLocal 应用一个本地构造好的编辑，计入撤销历史。
// 编辑不能删除结尾换行，也不能在它之后插入。
func (d *Document) ComposeLocal(edit delta.Delta) (delta.Delta, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	if edit.IsNoop() {
		return nil, nil
	}
	if err := checkFinalNewline(edit, d.content.Length()); err != nil {
		return nil, err
	}
	return d.applyLocal(EditCompose, edit)
}

// ComposeOperations 合入远端编辑：不产生撤销组，撤销历史随之变换
func (d *Document) ComposeOperations(remote delta.Delta) error {
	if err := d.ready(); err != nil {
		return err
	}
	if remote.IsNoop() {
		return nil
	}
	remote, next, err := d.apply(remote)
	if err != nil {
		return err
	}
	d.history.Transform(remote)
	d.content = next
	return nil
}

// SetOperations 整体替换文档内容，不影响撤销历史
func (d *Document) SetOperations(content delta.Delta) error {
	if d.state == StateClosed {
		return ErrDocumentNotReady
	}
	normalized, err := normalizeContent(content)
	if err != nil {
		return err
	}
	d.content = normalized
	d.state = StateReady
	return nil
}

func (d *Document) ClearHistory() { d.history.Clear() }

func (d *Document) CanUndo() bool { return d.history.CanUndo() }
func (d *Document) CanRedo() bool { return d.history.CanRedo() }

// Undo 撤销最近一组编辑，返回实际应用的编辑
func (d *Document) Undo() (delta.Delta, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	undo, ok := d.history.popUndo()
	if !ok {
		return nil, ErrNothingToUndo
	}
	undo, next, err := d.apply(undo)
	if err != nil {
		return nil, err
	}
	d.history.pushRedo(undo.Invert(d.content))
	d.content = next
	return undo, nil
}

func (d *Document) Redo() (delta.Delta, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	redo, ok := d.history.popRedo()
	if !ok {
		return nil, ErrNothingToRedo
	}
	redo, next, err := d.apply(redo)
	if err != nil {
		return nil, err
	}
	d.history.pushUndo(redo.Invert(d.content))
	d.content = next
	return redo, nil
}

func (d *Document) applyLocal(kind EditKind, edit delta.Delta) (delta.Delta, error) {
	edit, next, err := d.apply(edit)
	if err != nil {
		return nil, err
	}
	d.history.Record(kind, edit.Invert(d.content))
	d.content = next
	return edit, nil
}

// apply 计算 edit 作用后的内容，不修改文档。
// 如果结果不再以换行结尾，会把补换行的操作并入 edit。
// 本地编辑从不碰结尾换行，这里只兜底不守规矩的远端编辑。
func (d *Document) apply(edit delta.Delta) (delta.Delta, delta.Delta, error) {
	next, err := delta.Apply(d.content, edit)
	if err != nil {
		return nil, nil, err
	}
	if !next.EndsWithNewline() {
		fix := delta.NewBuilder().Retain(next.Length(), nil).Insert("\n", nil).Build()
		edit = edit.Compose(fix)
		if next, err = delta.Apply(d.content, edit); err != nil {
			return nil, nil, err
		}
	}
	return edit, next, nil
}

// checkFinalNewline 编辑作用在长度为 n 的内容上时，结尾换行必须原样保留在最后。
// 补换行不会进入修订，两端各补一次会导致内容分叉。
func checkFinalNewline(edit delta.Delta, n int) error {
	pos := 0
	for _, op := range edit {
		switch op.Kind {
		case delta.KindInsert:
			if pos >= n {
				return fmt.Errorf("%w: insert after the final newline at %d", ErrIndexOutOfRange, pos)
			}
		case delta.KindDelete:
			if pos+op.Count >= n {
				return fmt.Errorf("%w: delete [%d,%d) removes the final newline", ErrIndexOutOfRange, pos, pos+op.Count)
			}
			pos += op.Count
		default:
			pos += op.Count
		}
	}
	return nil
}

// inheritedAttributes 在 index 处插入 text 时应继承的行内样式
func (d *Document) inheritedAttributes(index int, text string) delta.Attributes {
	if index <= 0 || strings.Contains(text, "\n") {
		return nil
	}
	prev := d.content.Slice(index-1, index)
	if len(prev) == 0 || prev[0].Text == "\n" {
		return nil
	}
	_, inline := prev[0].Attrs.Split()
	delete(inline, delta.AttrLink)
	if len(inline) == 0 {
		return nil
	}
	return inline
}

func indexRune(runes []rune, r rune, from int) int {
	for i := from; i < len(runes); i++ {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

// Operations 当前内容的副本
func (d *Document) Operations() delta.Delta { return d.content.Clone() }

func (d *Document) JSON() string { return d.content.JSON() }

func (d *Document) Text() string { return d.content.PlainText() }

func (d *Document) Length() int { return d.content.Length() }

// IsEmpty 只剩一个换行
func (d *Document) IsEmpty() bool { return d.content.Equal(delta.Initial()) }

// MD5 内容 JSON 的 md5，十六进制小写
func (d *Document) MD5() string { return ContentMD5(d.content) }

func ContentMD5(content delta.Delta) string {
	sum := md5.Sum(content.Bytes())
	return hex.EncodeToString(sum[:])
}
