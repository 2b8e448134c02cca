package delta

import "math"

const infinity = math.MaxInt

// iterator 按长度切分地遍历操作序列，序列耗尽后视为无限长的 retain
type iterator struct {
	ops    Delta
	index  int
	offset int
}

func newIterator(ops Delta) *iterator { return &iterator{ops: ops} }

func (it *iterator) hasNext() bool { return it.peekLength() < infinity }

func (it *iterator) peekLength() int {
	if it.index >= len(it.ops) {
		return infinity
	}
	return it.ops[it.index].Len() - it.offset
}

func (it *iterator) peekKind() Kind {
	if it.index >= len(it.ops) {
		return KindRetain
	}
	return it.ops[it.index].Kind
}

// next 取出最多 length 个单位
func (it *iterator) next(length int) Op {
	if it.index >= len(it.ops) {
		return Op{Kind: KindRetain, Count: length}
	}
	op := it.ops[it.index]
	offset := it.offset
	opLen := op.Len()
	if length >= opLen-offset {
		length = opLen - offset
		it.index++
		it.offset = 0
	} else {
		it.offset += length
	}
	switch op.Kind {
	case KindDelete:
		return Op{Kind: KindDelete, Count: length}
	case KindRetain:
		return Op{Kind: KindRetain, Count: length, Attrs: op.Attrs}
	default:
		if offset == 0 && length == opLen {
			return op
		}
		r := []rune(op.Text)
		return Op{Kind: KindInsert, Text: string(r[offset : offset+length]), Attrs: op.Attrs}
	}
}
