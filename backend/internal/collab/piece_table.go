package collab

import (
	"fmt"
	"strings"

	"collabSync/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable 只关心文本，忽略样式；retain 的属性变化不影响它
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	length   int
}

func NewPieceTable(initial string) *PieceTable {
	pt := &PieceTable{}
	pt.Reset(initial)
	return pt
}

func (pt *PieceTable) Reset(text string) {
	r := []rune(text)
	pt.original = r
	pt.add = nil
	pt.pieces = nil
	pt.length = len(r)
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
}

func (pt *PieceTable) Len() int { return pt.length }

func (pt *PieceTable) String() string {
	var b strings.Builder
	for _, p := range pt.pieces {
		b.WriteString(string(pt.runes(p)))
	}
	return b.String()
}

func (pt *PieceTable) runes(p piece) []rune {
	if p.buf == bufAdd {
		return pt.add[p.offset : p.offset+p.length]
	}
	return pt.original[p.offset : p.offset+p.length]
}

// Apply 按 delta 修改文本。retain/delete 超出当前长度时返回 ErrLengthMismatch，且不做任何修改。
func (pt *PieceTable) Apply(d delta.Delta) error {
	if base := d.BaseLen(); base > pt.length {
		return fmt.Errorf("%w: text length %d, delta base %d", delta.ErrLengthMismatch, pt.length, base)
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pos += pt.insert(pos, []rune(op.Text))
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) int {
	if len(text) == 0 {
		return 0
	}
	np := piece{buf: bufAdd, offset: len(pt.add), length: len(text)}
	pt.add = append(pt.add, text...)
	pt.length += len(text)

	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) {
		// 追加在末尾时尽量和最后一段 add 合并
		if n := len(pt.pieces); n > 0 {
			last := &pt.pieces[n-1]
			if last.buf == bufAdd && last.offset+last.length == np.offset {
				last.length += np.length
				return len(text)
			}
		}
		pt.pieces = append(pt.pieces, np)
		return len(text)
	}

	cur := pt.pieces[idx]
	out := make([]piece, 0, len(pt.pieces)+2)
	out = append(out, pt.pieces[:idx]...)
	if offset > 0 {
		out = append(out, piece{buf: cur.buf, offset: cur.offset, length: offset})
	}
	out = append(out, np)
	out = append(out, piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset})
	out = append(out, pt.pieces[idx+1:]...)
	pt.pieces = out
	return len(text)
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := min(remain, cur.length-offset)
		left := piece{buf: cur.buf, offset: cur.offset, length: offset}
		right := piece{buf: cur.buf, offset: cur.offset + offset + take, length: cur.length - offset - take}

		replacement := make([]piece, 0, 2)
		if left.length > 0 {
			replacement = append(replacement, left)
		}
		if right.length > 0 {
			replacement = append(replacement, right)
		}
		pt.pieces = append(pt.pieces[:idx], append(replacement, pt.pieces[idx+1:]...)...)
		pt.length -= take
		remain -= take

		// 左半段保留时，下一段从 idx+1 开始
		if left.length > 0 {
			idx++
		}
		offset = 0
	}
}

// locate 逻辑位置 pos 对应的 piece 下标和段内偏移
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
