package delta

import "fmt"

// Compose 返回“先应用 d，再应用 other”的等价操作序列。
// 任一侧耗尽后视为隐式 retain。
func (d Delta) Compose(other Delta) Delta {
	it := newIterator(d)
	otherIt := newIterator(other)
	var out Delta
	for it.hasNext() || otherIt.hasNext() {
		if otherIt.peekKind() == KindInsert {
			op := otherIt.next(infinity)
			op.Attrs = op.Attrs.withoutTombstones()
			out.push(op)
			continue
		}
		if it.peekKind() == KindDelete {
			out.push(it.next(infinity))
			continue
		}
		length := min(it.peekLength(), otherIt.peekLength())
		op := it.next(length)
		otherOp := otherIt.next(length)
		switch otherOp.Kind {
		case KindRetain:
			if op.Kind == KindRetain {
				out.push(Retain(length, ComposeAttributes(op.Attrs, otherOp.Attrs, true)))
			} else {
				attrs := ComposeAttributes(op.Attrs, otherOp.Attrs, false).withoutTombstones()
				out.push(Insert(op.Text, attrs))
			}
		case KindDelete:
			// insert 之后再 delete，两者抵消
			if op.Kind == KindRetain {
				out.push(otherOp)
			}
		}
	}
	return out.Chop()
}

// Transform 对同一基础上独立产生的 a、b 做变换：
//   - aPrime: a 在 b 之后的版本
//   - bPrime: b 在 a 之后的版本
//
// 满足 a.Compose(bPrime) == b.Compose(aPrime)。
// 同一位置的并发 insert，左参数 a 的排在前面；属性冲突同样以 a 为准。
func Transform(a, b Delta) (aPrime, bPrime Delta) {
	aIt := newIterator(a)
	bIt := newIterator(b)
	for aIt.hasNext() || bIt.hasNext() {
		if aIt.peekKind() == KindInsert {
			op := aIt.next(infinity)
			aPrime.push(op)
			bPrime.push(Retain(op.Len(), nil))
			continue
		}
		if bIt.peekKind() == KindInsert {
			op := bIt.next(infinity)
			bPrime.push(op)
			aPrime.push(Retain(op.Len(), nil))
			continue
		}
		length := min(aIt.peekLength(), bIt.peekLength())
		aOp := aIt.next(length)
		bOp := bIt.next(length)
		switch {
		case aOp.Kind == KindDelete && bOp.Kind == KindDelete:
			// 双方都删掉了同一段
		case aOp.Kind == KindDelete:
			aPrime.push(Delete(length))
		case bOp.Kind == KindDelete:
			bPrime.push(Delete(length))
		default:
			aPrime.push(Retain(length, TransformAttributes(bOp.Attrs, aOp.Attrs, false)))
			bPrime.push(Retain(length, TransformAttributes(aOp.Attrs, bOp.Attrs, true)))
		}
	}
	return aPrime.Chop(), bPrime.Chop()
}

// Invert 求 d 相对于 base 的逆操作，base 为 d 作用前的文档内容。
// base.Compose(d).Compose(d.Invert(base)) == base
func (d Delta) Invert(base Delta) Delta {
	var out Delta
	baseIndex := 0
	for _, op := range d {
		switch {
		case op.Kind == KindInsert:
			out.push(Delete(op.Len()))
		case op.Kind == KindRetain && len(op.Attrs) == 0:
			out.push(Retain(op.Count, nil))
			baseIndex += op.Count
		default:
			for _, baseOp := range base.Slice(baseIndex, baseIndex+op.Count) {
				if op.Kind == KindDelete {
					out.push(baseOp)
					continue
				}
				out.push(Retain(baseOp.Len(), InvertAttributes(op.Attrs, baseOp.Attrs)))
			}
			baseIndex += op.Count
		}
	}
	return out.Chop()
}

// Apply 把 d 作用到文档内容 content 上。
// content 只能包含 insert，且长度不能小于 d 的 base 长度。
func Apply(content, d Delta) (Delta, error) {
	if !content.OnlyInserts() {
		return nil, fmt.Errorf("%w: content contains non-insert operations", ErrCorruptOperation)
	}
	if base, n := d.BaseLen(), content.Length(); base > n {
		return nil, fmt.Errorf("%w: delta base length %d exceeds content length %d", ErrLengthMismatch, base, n)
	}
	return content.Compose(d), nil
}

// ComposeAll 依次合成多个操作序列
func ComposeAll(deltas ...Delta) Delta {
	var out Delta
	for i, d := range deltas {
		if i == 0 {
			out = d.Clone()
			continue
		}
		out = out.Compose(d)
	}
	return out
}
