package document

import "fmt"

// Interval 左闭右开区间 [Start, End)，单位为 rune
type Interval struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func NewInterval(start, end int) Interval {
	if end < start {
		start, end = end, start
	}
	return Interval{Start: start, End: end}
}

func (iv Interval) Len() int      { return iv.End - iv.Start }
func (iv Interval) IsEmpty() bool { return iv.End <= iv.Start }

func (iv Interval) Contains(pos int) bool { return pos >= iv.Start && pos < iv.End }

func (iv Interval) String() string { return fmt.Sprintf("[%d,%d)", iv.Start, iv.End) }

// within 检查区间是否落在长度为 n 的内容内
func (iv Interval) within(n int) error {
	if iv.Start < 0 || iv.End < iv.Start || iv.End > n {
		return fmt.Errorf("%w: interval %s, content length %d", ErrIndexOutOfRange, iv, n)
	}
	return nil
}

// body 把区间截到结尾换行之前
func (iv Interval) body(n int) Interval {
	end := min(iv.End, n-1)
	return Interval{Start: min(iv.Start, end), End: end}
}
