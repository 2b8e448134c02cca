package delta

import (
	"encoding/json"
	"reflect"
)

// 内置的属性 key
const (
	AttrBold       = "bold"
	AttrItalic     = "italic"
	AttrUnderline  = "underline"
	AttrStrike     = "strike"
	AttrFont       = "font"
	AttrSize       = "size"
	AttrLink       = "link"
	AttrColor      = "color"
	AttrBackground = "background"
	AttrIndent     = "indent"
	AttrAlign      = "align"
	AttrCodeBlock  = "code-block"
	AttrInlineCode = "inline-code"
	AttrList       = "list"
	AttrBlockquote = "blockquote"
	AttrHeader     = "header"
	AttrWidth      = "width"
	AttrHeight     = "height"
)

// 块级属性作用在行尾的 "\n" 上，其余都是行内属性
var blockAttributes = map[string]struct{}{
	AttrHeader:     {},
	AttrList:       {},
	AttrAlign:      {},
	AttrCodeBlock:  {},
	AttrBlockquote: {},
	AttrIndent:     {},
}

func IsBlockAttribute(key string) bool {
	_, ok := blockAttributes[key]
	return ok
}

// Attributes 样式属性表。
// key 存在但值为 nil（或空字符串）表示“移除该属性”，即墓碑值。
type Attributes map[string]any

func IsTombstone(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok && s == "" {
		return true
	}
	return false
}

func (a Attributes) IsEmpty() bool { return len(a) == 0 }

func (a Attributes) Clone() Attributes {
	if len(a) == 0 {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Equal 按 JSON 语义比较，int(1) 与 float64(1) 视为相等
func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !valuesEqual(av, bv) {
			return false
		}
	}
	return true
}

// Split 拆成块级与行内两部分
func (a Attributes) Split() (block, inline Attributes) {
	for k, v := range a {
		if IsBlockAttribute(k) {
			if block == nil {
				block = Attributes{}
			}
			block[k] = v
			continue
		}
		if inline == nil {
			inline = Attributes{}
		}
		inline[k] = v
	}
	return block, inline
}

func (a Attributes) withoutTombstones() Attributes {
	var out Attributes
	for k, v := range a {
		if IsTombstone(v) {
			continue
		}
		if out == nil {
			out = make(Attributes, len(a))
		}
		out[k] = v
	}
	return out
}

// ComposeAttributes 先应用 a 再应用 b。
// keepNull=true 时保留 b 中的墓碑（retain 与 retain 合成时需要，否则“移除加粗”会丢失）。
func ComposeAttributes(a, b Attributes, keepNull bool) Attributes {
	out := make(Attributes, len(a)+len(b))
	for k, v := range b {
		if !keepNull && IsTombstone(v) {
			continue
		}
		out[k] = v
	}
	for k, v := range a {
		if _, ok := b[k]; !ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// TransformAttributes 把 b 变换到 a 之后。
// priority=true 表示 a 先发生，a 已经设置过的 key 以 a 为准。
func TransformAttributes(a, b Attributes, priority bool) Attributes {
	if len(a) == 0 {
		return b.Clone()
	}
	if len(b) == 0 {
		return nil
	}
	if !priority {
		return b.Clone()
	}
	var out Attributes
	for k, v := range b {
		if _, ok := a[k]; ok {
			continue
		}
		if out == nil {
			out = Attributes{}
		}
		out[k] = v
	}
	return out
}

// InvertAttributes 求 attr 相对于 base 的逆
func InvertAttributes(attr, base Attributes) Attributes {
	out := Attributes{}
	for k, bv := range base {
		av, ok := attr[k]
		if ok && !valuesEqual(av, bv) {
			out[k] = bv
		}
	}
	for k := range attr {
		if _, ok := base[k]; !ok {
			out[k] = nil
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func valuesEqual(x, y any) bool {
	return reflect.DeepEqual(normalizeValue(x), normalizeValue(y))
}

// JSON 解码后数字都是 float64，这里统一一下
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return n.String()
		}
		return f
	case string:
		if n == "" {
			return nil
		}
		return n
	default:
		return v
	}
}
