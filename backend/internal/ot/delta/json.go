package delta

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// 序列化格式与 Quill 一致：
//   [{"insert":"abc","attributes":{"bold":true}},{"retain":3},{"delete":2}]

type insertJSON struct {
	Insert     string     `json:"insert"`
	Attributes Attributes `json:"attributes,omitempty"`
}

type retainJSON struct {
	Retain     int        `json:"retain"`
	Attributes Attributes `json:"attributes,omitempty"`
}

type deleteJSON struct {
	Delete int `json:"delete"`
}

type opJSON struct {
	Insert     *string         `json:"insert"`
	Retain     *int            `json:"retain"`
	Delete     *int            `json:"delete"`
	Attributes json.RawMessage `json:"attributes"`
}

func (op Op) MarshalJSON() ([]byte, error) {
	switch op.Kind {
	case KindInsert:
		return json.Marshal(insertJSON{Insert: op.Text, Attributes: op.Attrs})
	case KindRetain:
		return json.Marshal(retainJSON{Retain: op.Count, Attributes: op.Attrs})
	case KindDelete:
		return json.Marshal(deleteJSON{Delete: op.Count})
	default:
		return nil, fmt.Errorf("%w: unknown op kind %q", ErrCorruptOperation, op.Kind)
	}
}

func (op *Op) UnmarshalJSON(data []byte) error {
	var raw opJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptOperation, err)
	}
	var attrs Attributes
	if len(raw.Attributes) > 0 && !bytes.Equal(raw.Attributes, []byte("null")) {
		if err := json.Unmarshal(raw.Attributes, &attrs); err != nil {
			return fmt.Errorf("%w: attributes: %v", ErrCorruptOperation, err)
		}
	}
	n := 0
	for _, present := range []bool{raw.Insert != nil, raw.Retain != nil, raw.Delete != nil} {
		if present {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("%w: operation must be exactly one of insert/retain/delete: %s", ErrCorruptOperation, data)
	}
	switch {
	case raw.Insert != nil:
		*op = Insert(*raw.Insert, attrs)
	case raw.Retain != nil:
		*op = Retain(*raw.Retain, attrs)
	default:
		*op = Delete(*raw.Delete)
	}
	if op.Kind != KindInsert && op.Count <= 0 {
		return fmt.Errorf("%w: non-positive %s length %d", ErrCorruptOperation, op.Kind, op.Count)
	}
	return nil
}

func (d Delta) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal([]Op(d))
}

func (d *Delta) UnmarshalJSON(data []byte) error {
	var ops []Op
	if err := json.Unmarshal(data, &ops); err != nil {
		return err
	}
	*d = Normalize(ops)
	return nil
}

// Bytes 序列化为 JSON 字节，作为 Revision 的负载
func (d Delta) Bytes() []byte {
	// 只有 Kind 非法时才会失败，经 Builder / FromBytes 构造的 Delta 不会出现
	b, _ := d.MarshalJSON()
	return b
}

func (d Delta) JSON() string { return string(d.Bytes()) }

func (d Delta) String() string { return d.JSON() }

// FromBytes 反序列化，失败时返回 ErrCorruptOperation
func FromBytes(b []byte) (Delta, error) {
	var d Delta
	if err := json.Unmarshal(b, &d); err != nil {
		if errors.Is(err, ErrCorruptOperation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptOperation, err)
	}
	return d, nil
}

func FromJSON(s string) (Delta, error) { return FromBytes([]byte(s)) }
