package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ===== 配置 =====

type PresenceConfig struct {
	TTL           time.Duration // 在线证据 TTL（心跳续期，建议 2*心跳间隔 + 余量）
	AggregateTTL  time.Duration // 便捷聚合键 TTL
	UseClusterTag bool          // 是否使用 Redis Cluster hash-tag 对齐
	Clock         func() time.Time
}

func (c *PresenceConfig) norm() {
	if c.TTL <= 0 {
		c.TTL = 60 * time.Second
	}
	if c.AggregateTTL <= 0 {
		c.AggregateTTL = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ===== Lua 脚本 =====

// 登记一条连接的在线证据：加入在线集合 + 写每连接标记，两者同 TTL。幂等。
// KEYS[1] = online set
// KEYS[2] = conn marker
// ARGV[1] = connID
// ARGV[2] = ttlSeconds
const luaAddPresence = `
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], '1', 'EX', tonumber(ARGV[2]))
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
return redis.call('SCARD', KEYS[1])
`

// 心跳续期：重建标记（崩溃后自愈）并续所有相关键的 TTL。
// KEYS[1] = online set, KEYS[2] = active set, KEYS[3] = conn marker
// ARGV[1] = connID, ARGV[2] = ttlSeconds
const luaRefreshPresence = `
local ttl = tonumber(ARGV[2])
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SET', KEYS[3], '1', 'EX', ttl)
redis.call('EXPIRE', KEYS[1], ttl)
if redis.call('EXISTS', KEYS[2]) == 1 then
  redis.call('EXPIRE', KEYS[2], ttl)
end
return 1
`

// 前台/后台标记：维护活跃集合成员关系。
// KEYS[1] = active set
// ARGV[1] = connID, ARGV[2] = ttlSeconds, ARGV[3] = active(0/1)
const luaSetActive = `
if tonumber(ARGV[3]) == 1 then
  redis.call('SADD', KEYS[1], ARGV[1])
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
else
  redis.call('SREM', KEYS[1], ARGV[1])
end
return redis.call('SCARD', KEYS[1])
`

// 下线：从两个集合移除并删标记，顺带清理标记已过期的残留成员，
// 返回 {onlineCount, activeCount}（调用方据此判断是否最后一条连接）。
// KEYS[1] = online set, KEYS[2] = active set
// ARGV[1] = connID, ARGV[2] = conn marker prefix
const luaRemovePresence = `
local prefix = ARGV[2]
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('DEL', prefix .. ARGV[1])
for _, m in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  if redis.call('EXISTS', prefix .. m) == 0 then
    redis.call('SREM', KEYS[1], m)
    redis.call('SREM', KEYS[2], m)
  end
end
for _, m in ipairs(redis.call('SMEMBERS', KEYS[2])) do
  if redis.call('EXISTS', prefix .. m) == 0 then
    redis.call('SREM', KEYS[2], m)
  end
end
return {redis.call('SCARD', KEYS[1]), redis.call('SCARD', KEYS[2])}
`

// 读取聚合计数，先按标记清理过期成员（读时清扫，无需后台 sweeper）。
// 活跃成员以在线标记为准：标记没了的活跃成员一并清掉（activeCount <= onlineCount 自愈）。
// KEYS[1] = online set, KEYS[2] = active set
// ARGV[1] = conn marker prefix
const luaReadCounts = `
local prefix = ARGV[1]
for _, m in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  if redis.call('EXISTS', prefix .. m) == 0 then
    redis.call('SREM', KEYS[1], m)
    redis.call('SREM', KEYS[2], m)
  end
end
for _, m in ipairs(redis.call('SMEMBERS', KEYS[2])) do
  if redis.call('EXISTS', prefix .. m) == 0 then
    redis.call('SREM', KEYS[2], m)
  end
end
return {redis.call('SCARD', KEYS[1]), redis.call('SCARD', KEYS[2])}
`

// PresenceStore ===== Store =====
//
// 每用户两组证据：在线连接集合与活跃(前台)连接集合，外加每连接 TTL 标记。
// 全部操作为原子 Lua，避免部分更新被其它实例观察到。
type PresenceStore struct {
	conf PresenceConfig
	rdb  redis.UniversalClient

	luaAdd     *redis.Script
	luaRefresh *redis.Script
	luaActive  *redis.Script
	luaRemove  *redis.Script
	luaCounts  *redis.Script
}

func NewPresenceStore(conf PresenceConfig, rdb redis.UniversalClient) *PresenceStore {
	conf.norm()
	s := &PresenceStore{conf: conf, rdb: rdb}
	s.luaAdd = redis.NewScript(luaAddPresence)
	s.luaRefresh = redis.NewScript(luaRefreshPresence)
	s.luaActive = redis.NewScript(luaSetActive)
	s.luaRemove = redis.NewScript(luaRemovePresence)
	s.luaCounts = redis.NewScript(luaReadCounts)
	return s
}

func (s *PresenceStore) TTL() time.Duration { return s.conf.TTL }

// ===== Key 构造 =====

// UseClusterTag=true: rt:{<user>}:online （同一用户的键落同一槽）
// false:              rt:online:<user>
func (s *PresenceStore) onlineKey(userID string) string {
	if s.conf.UseClusterTag {
		return fmt.Sprintf("rt:{%s}:online", userID)
	}
	return "rt:online:" + userID
}

func (s *PresenceStore) activeKey(userID string) string {
	if s.conf.UseClusterTag {
		return fmt.Sprintf("rt:{%s}:active", userID)
	}
	return "rt:active:" + userID
}

// 每连接标记键前缀；Lua 内拼 member 得到完整键。
func (s *PresenceStore) connKeyPrefix(userID string) string {
	if s.conf.UseClusterTag {
		return fmt.Sprintf("rt:{%s}:conn:", userID)
	}
	return "rt:conn:" + userID + ":"
}

func (s *PresenceStore) aggKey(userID string) string {
	if s.conf.UseClusterTag {
		return fmt.Sprintf("rt:{%s}:agg", userID)
	}
	return "rt:agg:" + userID
}

// ===== 操作 =====

func (s *PresenceStore) ttlSec() int64 {
	return int64(s.conf.TTL / time.Second)
}

// AddPresence 登记连接在线证据。幂等，可重复调用。
func (s *PresenceStore) AddPresence(ctx context.Context, userID, connID string) error {
	keys := []string{s.onlineKey(userID), s.connKeyPrefix(userID) + connID}
	if err := s.luaAdd.Run(ctx, s.rdb, keys, connID, s.ttlSec()).Err(); err != nil {
		return errors.Wrap(err, "presence add")
	}
	return nil
}

// RefreshPresence 心跳续期（27s 周期调用）。标记丢失时自动重建。
func (s *PresenceStore) RefreshPresence(ctx context.Context, userID, connID string) error {
	keys := []string{s.onlineKey(userID), s.activeKey(userID), s.connKeyPrefix(userID) + connID}
	if err := s.luaRefresh.Run(ctx, s.rdb, keys, connID, s.ttlSec()).Err(); err != nil {
		return errors.Wrap(err, "presence refresh")
	}
	return nil
}

// SetActive 维护活跃(前台)集合里该连接的成员关系。
func (s *PresenceStore) SetActive(ctx context.Context, userID, connID string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	keys := []string{s.activeKey(userID)}
	if err := s.luaActive.Run(ctx, s.rdb, keys, connID, s.ttlSec(), flag).Err(); err != nil {
		return errors.Wrap(err, "presence set active")
	}
	return nil
}

// RemovePresence 原子移除连接并返回剩余 (onlineCount, activeCount)。
func (s *PresenceStore) RemovePresence(ctx context.Context, userID, connID string) (int64, int64, error) {
	keys := []string{s.onlineKey(userID), s.activeKey(userID)}
	vals, err := s.luaRemove.Run(ctx, s.rdb, keys, connID, s.connKeyPrefix(userID)).Int64Slice()
	if err != nil {
		return 0, 0, errors.Wrap(err, "presence remove")
	}
	if len(vals) < 2 {
		return 0, 0, errors.Errorf("presence remove: unexpected reply %v", vals)
	}
	return vals[0], vals[1], nil
}

// ReadCounts 读取 (onlineCount, activeCount)，顺带清理标记过期的残留成员。
// 出错时调用方按"计数未知"处理，跳过本轮重算，绝不当作离线。
func (s *PresenceStore) ReadCounts(ctx context.Context, userID string) (int64, int64, error) {
	keys := []string{s.onlineKey(userID), s.activeKey(userID)}
	vals, err := s.luaCounts.Run(ctx, s.rdb, keys, s.connKeyPrefix(userID)).Int64Slice()
	if err != nil {
		return 0, 0, errors.Wrap(err, "presence read counts")
	}
	if len(vals) < 2 {
		return 0, 0, errors.Errorf("presence read counts: unexpected reply %v", vals)
	}
	return vals[0], vals[1], nil
}

// RefreshAggregate 刷新便捷聚合键（非权威，仅供外部快速查看）。
func (s *PresenceStore) RefreshAggregate(ctx context.Context, userID, status string) error {
	if err := s.rdb.Set(ctx, s.aggKey(userID), status, s.conf.AggregateTTL).Err(); err != nil {
		return errors.Wrap(err, "presence refresh aggregate")
	}
	return nil
}

// CleanupAggregate 真正断开时删除便捷键；写竞态下的瞬时零读不允许走到这里。
func (s *PresenceStore) CleanupAggregate(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, s.aggKey(userID)).Err(); err != nil {
		return errors.Wrap(err, "presence cleanup aggregate")
	}
	return nil
}
