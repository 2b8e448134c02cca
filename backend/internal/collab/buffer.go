package collab

import (
	"collabSync/backend/internal/ot/delta"
)

// Buffer 权威内容的纯文本镜像，快照和 HTTP 接口直接读它，不必每次拼接 delta
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	Reset(text string)
	String() string
}

/*
结构示例

初始文本 "Hello world\n"：

  original = "Hello world\n"
  add      = ""
  pieces   = [ (orig, 0, 12) ]

在位置 5 插入 " collab"：

  add    = " collab"
  pieces = [ (orig, 0, 5), (add, 0, 7), (orig, 5, 7) ]
*/
