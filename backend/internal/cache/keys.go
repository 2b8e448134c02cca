package cache

import "fmt"

// 键语义：
// - roomKey(docID):   正在同步文档的用户（ZSet<userId, expireAtUnix>，score=expireAt）
// - revsKey(docID):   用户最近上报的版本（Hash<userId -> revId>）
// - docsKey():        有人在线的文档（Set<docID>）

const (
	keyRoomFmt = "presence:room:{docID:%s}"
	keyRevsFmt = "presence:room:revs:{docID:%s}"
	keyDocsSet = "presence:docs"
)

func roomKey(docID string) string { return fmt.Sprintf(keyRoomFmt, docID) }
func revsKey(docID string) string { return fmt.Sprintf(keyRevsFmt, docID) }
func docsKey() string             { return keyDocsSet }
