package document

import (
	"time"

	"collabSync/backend/internal/ot/delta"
)

const (
	DefaultUndoWindow      = 400 * time.Millisecond
	DefaultHistoryCapacity = 100
)

type EditKind int

const (
	EditInsert EditKind = iota + 1
	EditDelete
	EditFormat
	EditReplace
	EditCompose
)

// History 撤销/重做栈。
// 栈顶元素总是可以直接作用在当前文档内容上。
type History struct {
	undos []delta.Delta
	redos []delta.Delta

	capacity int
	window   time.Duration
	now      func() time.Time

	lastKind EditKind
	lastEdit time.Time
}

func NewHistory(window time.Duration, capacity int, now func() time.Time) *History {
	if window < 0 {
		window = 0
	}
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &History{capacity: capacity, window: window, now: now}
}

// Record 记录一次本地编辑的逆操作。
// 在 window 内、且与上一次编辑类型相同的编辑合并为同一个撤销组。
func (h *History) Record(kind EditKind, undo delta.Delta) {
	if undo.IsNoop() {
		return
	}
	now := h.now()
	n := len(h.undos)
	if n > 0 && kind == h.lastKind && !h.lastEdit.IsZero() && now.Sub(h.lastEdit) < h.window {
		// 先撤销最新的一次，再撤销组里更早的
		h.undos[n-1] = undo.Compose(h.undos[n-1])
	} else {
		h.undos = append(h.undos, undo)
		if len(h.undos) > h.capacity {
			h.undos = h.undos[len(h.undos)-h.capacity:]
		}
	}
	h.redos = nil
	h.lastKind = kind
	h.lastEdit = now
}

func (h *History) CanUndo() bool { return len(h.undos) > 0 }
func (h *History) CanRedo() bool { return len(h.redos) > 0 }

func (h *History) popUndo() (delta.Delta, bool) {
	n := len(h.undos)
	if n == 0 {
		return nil, false
	}
	top := h.undos[n-1]
	h.undos = h.undos[:n-1]
	h.breakGroup()
	return top, true
}

func (h *History) popRedo() (delta.Delta, bool) {
	n := len(h.redos)
	if n == 0 {
		return nil, false
	}
	top := h.redos[n-1]
	h.redos = h.redos[:n-1]
	h.breakGroup()
	return top, true
}

func (h *History) pushUndo(d delta.Delta) { h.undos = append(h.undos, d) }
func (h *History) pushRedo(d delta.Delta) { h.redos = append(h.redos, d) }

func (h *History) breakGroup() {
	h.lastKind = 0
	h.lastEdit = time.Time{}
}

// Transform 远端编辑合入后，把两个栈都变换到新内容之上。
// 从栈顶往下逐个变换，remote 随之变换到下一层对应的内容上。
func (h *History) Transform(remote delta.Delta) {
	if remote.IsNoop() {
		return
	}
	h.undos = transformStack(h.undos, remote)
	h.redos = transformStack(h.redos, remote)
	h.breakGroup()
}

func transformStack(stack []delta.Delta, remote delta.Delta) []delta.Delta {
	r := remote
	for i := len(stack) - 1; i >= 0; i-- {
		entry, rPrime := delta.Transform(stack[i], r)
		stack[i] = entry
		r = rPrime
	}
	return stack
}

func (h *History) Clear() {
	h.undos = nil
	h.redos = nil
	h.breakGroup()
}
