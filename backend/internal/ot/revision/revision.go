package revision

import (
	"errors"
	"fmt"
	"sort"

	"collabSync/backend/internal/ot/delta"
)

var (
	ErrEmptyRevisionData = errors.New("EMPTY_REVISION_DATA")
	ErrOutOfOrderAck     = errors.New("OUT_OF_ORDER_ACK")
)

// Revision 一次编辑的不可变封装。
// MD5 是作用该修订之后整篇文档 JSON 的 md5。
type Revision struct {
	ObjectID  string `json:"objectId"`
	BaseRevID int64  `json:"baseRevId"`
	RevID     int64  `json:"revId"`
	Bytes     []byte `json:"bytes"`
	MD5       string `json:"md5"`
	AuthorID  string `json:"authorId"`
}

func New(objectID string, baseRevID, revID int64, d delta.Delta, md5, authorID string) Revision {
	return Revision{
		ObjectID:  objectID,
		BaseRevID: baseRevID,
		RevID:     revID,
		Bytes:     d.Bytes(),
		MD5:       md5,
		AuthorID:  authorID,
	}
}

func (r Revision) IsEmpty() bool { return len(r.Bytes) == 0 }

// Delta 反序列化修订内容
func (r Revision) Delta() (delta.Delta, error) {
	d, err := delta.FromBytes(r.Bytes)
	if err != nil {
		return nil, fmt.Errorf("revision %s@%d: %w", r.ObjectID, r.RevID, err)
	}
	return d, nil
}

func (r Revision) String() string {
	return fmt.Sprintf("%s@%d(base=%d)", r.ObjectID, r.RevID, r.BaseRevID)
}

// Range 闭区间 [Start, End]
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (r Range) Len() int64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

func (r Range) Contains(revID int64) bool { return revID >= r.Start && revID <= r.End }

func (r Range) IsValid() bool { return r.Start > 0 && r.Start <= r.End }

func (r Range) String() string { return fmt.Sprintf("[%d,%d]", r.Start, r.End) }

type State int

const (
	StateSync State = iota
	StateAck
)

func (s State) String() string {
	if s == StateAck {
		return "ack"
	}
	return "sync"
}

// Record 修订的持久化记录
type Record struct {
	Revision    Revision
	State       State
	WriteToDisk bool
}

func NewRecord(rev Revision, state State) Record {
	return Record{Revision: rev, State: state, WriteToDisk: true}
}

// Compose 把一串连续修订合成为一个编辑
func Compose(revs []Revision) (delta.Delta, error) {
	var out delta.Delta
	for _, rev := range revs {
		d, err := rev.Delta()
		if err != nil {
			return nil, err
		}
		out = out.Compose(d)
	}
	return out, nil
}

// SortByRevID 升序
func SortByRevID(revs []Revision) {
	sort.Slice(revs, func(i, j int) bool { return revs[i].RevID < revs[j].RevID })
}

func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].Revision.RevID < records[j].Revision.RevID })
}

func Revisions(records []Record) []Revision {
	out := make([]Revision, 0, len(records))
	for _, r := range records {
		out = append(out, r.Revision)
	}
	return out
}

// IsContiguous 检查 rev id 逐个加一
func IsContiguous(revs []Revision) bool {
	for i := 1; i < len(revs); i++ {
		if revs[i].RevID != revs[i-1].RevID+1 {
			return false
		}
	}
	return true
}
