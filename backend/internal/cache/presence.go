// Package cache tracks live session participants in Redis.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence records heartbeats and reports who is still alive.
type Presence interface {
	Touch(ctx context.Context, sessionID string, userID uint64, name string, ttl time.Duration) error
	Alive(ctx context.Context, sessionID string) ([]Member, error)
	Forget(ctx context.Context, sessionID string) error
}

type Member struct {
	UserID      uint64 `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// 具体实现：基于 redis 的 Presence
type redisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewRedisPresence works with a single node or a cluster client.
func NewRedisPresence(rdb redis.UniversalClient) Presence {
	return &redisPresence{rdb: rdb, now: time.Now}
}

// Touch refreshes the member's expiry; a first heartbeat also registers the
// display name.
func (p *redisPresence) Touch(ctx context.Context, sessionID string, userID uint64, name string, ttl time.Duration) error {
	// ZSET score 使用 expireAt（Unix 秒），用来表达“逻辑 TTL”
	// 刷新 TTL 也是同一个 ZADD，覆盖旧 score 即可
	expireAt := p.now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(sessionID), redis.Z{Score: float64(expireAt), Member: userID})
	// 名字表（Hash）
	tx.HSet(ctx, namesKey(sessionID), userID, name)
	// the whole room disappears once nobody has been heard from for a while
	tx.Expire(ctx, roomKey(sessionID), 2*ttl)
	tx.Expire(ctx, namesKey(sessionID), 2*ttl)
	_, err := tx.Exec(ctx)
	return err
}

// pruneScript drops expired members from the room and the names hash.
var pruneScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) Alive(ctx context.Context, sessionID string) ([]Member, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := p.now().Unix()
	err := pruneScript.Run(ctx, p.rdb, []string{roomKey(sessionID), namesKey(sessionID)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员
	ids, err := p.rdb.ZRangeByScore(ctx, roomKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(sessionID), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]Member, 0, len(ids))
	for i, id := range ids {
		// ZRangeByScore 返回的是 member 的字符串表示，这里解析回 uint64
		uid, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return nil, err
		}
		m := Member{UserID: uid}
		// 名字可能已被清理脚本删掉，缺失时保持空串
		if i < len(names) && names[i] != nil {
			m.DisplayName, _ = names[i].(string)
		}
		members = append(members, m)
	}
	return members, nil
}

// Forget removes every trace of a session.
func (p *redisPresence) Forget(ctx context.Context, sessionID string) error {
	return p.rdb.Del(ctx, roomKey(sessionID), namesKey(sessionID)).Err()
}
