package delta

import (
	"strings"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind
	Count int        // retain/delete 的长度（rune）
	Text  string     // insert 的文本
	Attrs Attributes // 样式属性（粗体/颜色等），delete 上忽略
}

func Retain(n int, attrs Attributes) Op { return Op{Kind: KindRetain, Count: n, Attrs: attrs} }
func Insert(text string, attrs Attributes) Op {
	return Op{Kind: KindInsert, Text: text, Attrs: attrs}
}
func Delete(n int) Op { return Op{Kind: KindDelete, Count: n} }

// Len 以 rune 为单位
func (op Op) Len() int {
	if op.Kind == KindInsert {
		return utf8.RuneCountInString(op.Text)
	}
	return op.Count
}

func (op Op) Equal(other Op) bool {
	return op.Kind == other.Kind &&
		op.Count == other.Count &&
		op.Text == other.Text &&
		op.Attrs.Equal(other.Attrs)
}

// Delta 一次编辑（或整篇文档内容）对应的操作序列。
// 整篇文档内容只包含 insert。
type Delta []Op

// Initial 空文档：只有一个换行
func Initial() Delta { return Delta{Insert("\n", nil)} }

func (d Delta) IsEmpty() bool { return len(d) == 0 }

// IsNoop 为空或只有不带属性的 retain
func (d Delta) IsNoop() bool {
	for _, op := range d {
		if op.Kind != KindRetain || len(op.Attrs) > 0 {
			return false
		}
	}
	return true
}

// Length 所有操作长度之和
func (d Delta) Length() int {
	n := 0
	for _, op := range d {
		n += op.Len()
	}
	return n
}

// BaseLen 作用前内容至少需要的长度
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindInsert {
			n += op.Count
		}
	}
	return n
}

// TargetLen 作用后的长度（不含隐式的尾部 retain）
func (d Delta) TargetLen() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindDelete {
			n += op.Len()
		}
	}
	return n
}

func (d Delta) OnlyInserts() bool {
	for _, op := range d {
		if op.Kind != KindInsert {
			return false
		}
	}
	return true
}

// PlainText 拼接所有 insert 的文本
func (d Delta) PlainText() string {
	var b strings.Builder
	for _, op := range d {
		if op.Kind == KindInsert {
			b.WriteString(op.Text)
		}
	}
	return b.String()
}

func (d Delta) EndsWithNewline() bool {
	if len(d) == 0 {
		return false
	}
	last := d[len(d)-1]
	return last.Kind == KindInsert && strings.HasSuffix(last.Text, "\n")
}

func (d Delta) Equal(other Delta) bool {
	if len(d) != len(other) {
		return false
	}
	for i := range d {
		if !d[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

func (d Delta) Clone() Delta {
	if d == nil {
		return nil
	}
	out := make(Delta, len(d))
	copy(out, d)
	return out
}

// Chop 去掉尾部不带属性的 retain
func (d Delta) Chop() Delta {
	out := d
	for len(out) > 0 {
		last := out[len(out)-1]
		if last.Kind != KindRetain || len(last.Attrs) > 0 {
			break
		}
		out = out[:len(out)-1]
	}
	return out
}

// Slice 截取 [start, end) 范围内的操作
func (d Delta) Slice(start, end int) Delta {
	var out Delta
	it := newIterator(d)
	index := 0
	for index < end && it.hasNext() {
		var next Op
		if index < start {
			next = it.next(start - index)
		} else {
			next = it.next(end - index)
			out.push(next)
		}
		index += next.Len()
	}
	return out
}

// push 追加一个操作并维持规范形式：
// - 长度为 0 的操作直接丢弃
// - 相邻同类且属性相同的操作合并
// - insert 总是排在相邻的 delete 之前
func (d *Delta) push(op Op) {
	if op.Len() <= 0 {
		return
	}
	if len(op.Attrs) == 0 || op.Kind == KindDelete {
		op.Attrs = nil
	}
	ops := *d
	index := len(ops)
	if index > 0 {
		last := &ops[index-1]
		if op.Kind == KindDelete && last.Kind == KindDelete {
			last.Count += op.Count
			return
		}
		if last.Kind == KindDelete && op.Kind == KindInsert {
			index--
			if index == 0 {
				*d = append(Delta{op}, ops...)
				return
			}
			last = &ops[index-1]
		}
		if op.Attrs.Equal(last.Attrs) {
			if op.Kind == KindInsert && last.Kind == KindInsert {
				last.Text += op.Text
				return
			}
			if op.Kind == KindRetain && last.Kind == KindRetain {
				last.Count += op.Count
				return
			}
		}
	}
	if index == len(ops) {
		*d = append(ops, op)
		return
	}
	ops = append(ops, Op{})
	copy(ops[index+1:], ops[index:])
	ops[index] = op
	*d = ops
}

// Builder 链式构造 Delta
//
//	d := delta.NewBuilder().Retain(3, nil).Insert("abc", nil).Build()
type Builder struct {
	ops Delta
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Retain(n int, attrs Attributes) *Builder {
	b.ops.push(Retain(n, attrs))
	return b
}

func (b *Builder) Insert(text string, attrs Attributes) *Builder {
	b.ops.push(Insert(text, attrs))
	return b
}

func (b *Builder) Delete(n int) *Builder {
	b.ops.push(Delete(n))
	return b
}

func (b *Builder) Push(op Op) *Builder {
	b.ops.push(op)
	return b
}

func (b *Builder) Build() Delta { return b.ops.Clone() }

// Normalize 重新走一遍 push，得到规范形式
func Normalize(ops []Op) Delta {
	var out Delta
	for _, op := range ops {
		out.push(op)
	}
	return out
}
