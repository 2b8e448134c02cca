package delta

import "errors"

var (
	// 字节无法解析成合法的操作序列
	ErrCorruptOperation = errors.New("CORRUPT_OPERATION")
	// 操作序列的 base 长度与被作用的内容长度不匹配
	ErrLengthMismatch = errors.New("LENGTH_MISMATCH")
)
