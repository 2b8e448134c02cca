package cache

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const DefaultPresenceTTL = 60 * time.Second

// PresenceCache 记录谁在同步某个文档，以及同步到了哪个版本
type PresenceCache interface {
	Touch(ctx context.Context, docID, userID string, revID int64, ttl time.Duration) error
	Leave(ctx context.Context, docID, userID string) error
	AliveMembers(ctx context.Context, docID string) ([]PresenceMember, error)
	Documents(ctx context.Context) ([]string, error)
}

type PresenceMember struct {
	UserID string `json:"userId"`
	RevID  int64  `json:"revId"`
}

// 具体实现：基于 redis 的 PresenceCache，单机和集群都用 UniversalClient
type redisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb, now: time.Now}
}

// 过期成员的清理放在一个脚本里，保证 ZSET 和 HASH 一起删
var cleanupScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID)
-- KEYS[2] = revsKey(docID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) Touch(ctx context.Context, docID, userID string, revID int64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	expireAt := p.now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, revsKey(docID), userID, revID)
	tx.Expire(ctx, roomKey(docID), ttl)
	tx.Expire(ctx, revsKey(docID), ttl)
	tx.SAdd(ctx, docsKey(), docID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Leave(ctx context.Context, docID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, revsKey(docID), userID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) AliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	now := p.now().Unix()
	if err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(docID), revsKey(docID)}, now).Err(); err != nil && err != redis.Nil {
		return nil, err
	}

	alive, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}

	revs, err := p.rdb.HMGet(ctx, revsKey(docID), alive...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(alive))
	for i, uid := range alive {
		var rev int64
		if s, ok := revs[i].(string); ok {
			rev, _ = strconv.ParseInt(s, 10, 64)
		}
		members = append(members, PresenceMember{UserID: uid, RevID: rev})
	}
	return members, nil
}

func (p *redisPresence) Documents(ctx context.Context) ([]string, error) {
	docs, err := p.rdb.SMembers(ctx, docsKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	sort.Strings(docs)
	return docs, nil
}

// memoryPresence 没有配置 redis 时的单进程实现
type memoryPresence struct {
	mu    sync.Mutex
	now   func() time.Time
	rooms map[string]map[string]memoryMember
}

type memoryMember struct {
	revID    int64
	expireAt time.Time
}

func NewMemoryPresence() PresenceCache {
	return &memoryPresence{now: time.Now, rooms: make(map[string]map[string]memoryMember)}
}

func (p *memoryPresence) Touch(_ context.Context, docID, userID string, revID int64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	room := p.rooms[docID]
	if room == nil {
		room = make(map[string]memoryMember)
		p.rooms[docID] = room
	}
	room[userID] = memoryMember{revID: revID, expireAt: p.now().Add(ttl)}
	return nil
}

func (p *memoryPresence) Leave(_ context.Context, docID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if room := p.rooms[docID]; room != nil {
		delete(room, userID)
		if len(room) == 0 {
			delete(p.rooms, docID)
		}
	}
	return nil
}

func (p *memoryPresence) AliveMembers(_ context.Context, docID string) ([]PresenceMember, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var members []PresenceMember
	for uid, m := range p.rooms[docID] {
		if !m.expireAt.After(now) {
			delete(p.rooms[docID], uid)
			continue
		}
		members = append(members, PresenceMember{UserID: uid, RevID: m.revID})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

func (p *memoryPresence) Documents(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	docs := make([]string, 0, len(p.rooms))
	for id := range p.rooms {
		docs = append(docs, id)
	}
	sort.Strings(docs)
	return docs, nil
}
