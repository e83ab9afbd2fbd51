package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"mailwarm/backend/internal/cooldown"
)

const keyPrefix = "mailwarm:cooldown:"

// reserveScript 在一次原子操作中检查占用与冷却并写入占用标记。
// KEYS[1]=最后发送时间 KEYS[2]=占用标记
// ARGV[1]=当前毫秒 ARGV[2]=冷却毫秒 ARGV[3]=占用令牌 ARGV[4]=占用过期毫秒
var reserveScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
local last = redis.call('GET', KEYS[1])
if last and (tonumber(ARGV[1]) - tonumber(last)) < tonumber(ARGV[2]) then
  return 0
end
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[4])
return 1
`)

// commitScript 写入最后发送时间，并在令牌匹配时释放占用
var commitScript = goredis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
if redis.call('GET', KEYS[2]) == ARGV[2] then
  redis.call('DEL', KEYS[2])
end
return 1
`)

// releaseScript 令牌匹配时释放占用
var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[2]) == ARGV[1] then
  return redis.call('DEL', KEYS[2])
end
return 0
`)

var _ cooldown.Tracker = (*CooldownTracker)(nil)

// CooldownTracker 基于 Redis 的冷却记录，多个调度进程共享同一份状态。
type CooldownTracker struct {
	rdb        goredis.UniversalClient
	window     cooldown.Window
	reserveTTL time.Duration
}

// NewCooldownTracker 创建 Redis 冷却记录。
//
// 参数:
//   - rdb: Redis 客户端
//   - window: 冷却区间
//   - reserveTTL: 占用标记的过期时间，进程在发送中途退出时占用会自动释放
func NewCooldownTracker(rdb goredis.UniversalClient, window cooldown.Window, reserveTTL time.Duration) *CooldownTracker {
	if reserveTTL <= 0 {
		reserveTTL = 5 * time.Minute
	}
	return &CooldownTracker{rdb: rdb, window: window, reserveTTL: reserveTTL}
}

func lastKey(id string) string { return keyPrefix + "last:" + id }
func lockKey(id string) string { return keyPrefix + "lock:" + id }

// IsEligible 实现 cooldown.Tracker
func (t *CooldownTracker) IsEligible(ctx context.Context, mailboxID string, now time.Time) (bool, error) {
	busy, err := t.rdb.Exists(ctx, lockKey(mailboxID)).Result()
	if err != nil {
		return false, err
	}
	if busy > 0 {
		return false, nil
	}
	last, ok, err := t.LastSent(ctx, mailboxID)
	if err != nil || !ok {
		return err == nil, err
	}
	return now.Sub(last) >= t.window.Draw(), nil
}

// MarkSent 实现 cooldown.Tracker
func (t *CooldownTracker) MarkSent(ctx context.Context, mailboxID string, at time.Time) error {
	return t.rdb.Set(ctx, lastKey(mailboxID), at.UnixMilli(), 0).Err()
}

// TryReserve 实现 cooldown.Tracker
func (t *CooldownTracker) TryReserve(ctx context.Context, mailboxID string, now time.Time) (*cooldown.Reservation, error) {
	token := uuid.New().String()
	keys := []string{lastKey(mailboxID), lockKey(mailboxID)}

	ok, err := reserveScript.Run(ctx, t.rdb, keys,
		now.UnixMilli(), t.window.Draw().Milliseconds(), token, t.reserveTTL.Milliseconds(),
	).Int()
	if err != nil {
		return nil, err
	}
	if ok == 0 {
		return nil, nil
	}

	return cooldown.NewReservation(mailboxID,
		func(ctx context.Context, at time.Time) error {
			return commitScript.Run(ctx, t.rdb, keys, at.UnixMilli(), token).Err()
		},
		func(ctx context.Context) error {
			return releaseScript.Run(ctx, t.rdb, keys, token).Err()
		},
	), nil
}

// LastSent 实现 cooldown.Tracker
func (t *CooldownTracker) LastSent(ctx context.Context, mailboxID string) (time.Time, bool, error) {
	raw, err := t.rdb.Get(ctx, lastKey(mailboxID)).Result()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
