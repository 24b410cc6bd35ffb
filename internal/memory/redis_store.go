package memory

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "tiny-agent/internal/errors"
)

// RedisConfig 描述 Redis 后端的连接参数。
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// setScript 写入值；首次写入的键追加到顺序集合末尾。
var setScript = redis.NewScript(`
local exists = redis.call('HEXISTS', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
if exists == 0 then
  local seq = redis.call('INCR', KEYS[3])
  redis.call('ZADD', KEYS[2], seq, ARGV[1])
end
redis.call('RPUSH', KEYS[4], ARGV[3])
redis.call('LTRIM', KEYS[4], -tonumber(ARGV[4]), -1)
return exists
`)

var deleteScript = redis.NewScript(`
local removed = redis.call('HDEL', KEYS[1], ARGV[1])
if removed == 1 then
  redis.call('ZREM', KEYS[2], ARGV[1])
  redis.call('RPUSH', KEYS[4], ARGV[2])
  redis.call('LTRIM', KEYS[4], -tonumber(ARGV[3]), -1)
end
return removed
`)

// RedisStore 将会话状态保存在 Redis 中：
// <prefix>:<session>:data (hash)、order (zset)、history (list)、seq (计数器)。
type RedisStore struct {
	client  redis.UniversalClient
	owned   bool
	session string
	limit   int
	ttl     time.Duration
	keys    []string
	now     func() time.Time
}

// NewRedisStore 连接 Redis 并创建存储。
func NewRedisStore(ctx context.Context, cfg RedisConfig, session string, limit int) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "连接 Redis 失败")
	}
	store := NewRedisStoreWithClient(client, cfg.Prefix, session, limit, cfg.TTL)
	store.owned = true
	return store, nil
}

// NewRedisStoreWithClient 复用已有的 Redis 客户端，Close 不会关闭该客户端。
func NewRedisStoreWithClient(client redis.UniversalClient, prefix, session string, limit int, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "tinyagent:memory"
	}
	base := prefix + ":" + session + ":"
	return &RedisStore{
		client:  client,
		session: session,
		limit:   historyLimit(limit),
		ttl:     ttl,
		keys:    []string{base + "data", base + "order", base + "seq", base + "history"},
		now:     time.Now,
	}
}

func (s *RedisStore) dataKey() string    { return s.keys[0] }
func (s *RedisStore) orderKey() string   { return s.keys[1] }
func (s *RedisStore) historyKey() string { return s.keys[3] }

// Session 返回会话标识。
func (s *RedisStore) Session() string { return s.session }

// Set 写入键值并记录 set 事件。
func (s *RedisStore) Set(ctx context.Context, key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	event, err := json.Marshal(storedEvent{Action: ActionSet, Key: key, Value: raw, Timestamp: s.now().UTC()})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeMemoryFailure, err, "编码记忆事件失败")
	}
	if err := setScript.Run(ctx, s.client, s.keys, key, string(raw), string(event), s.limit).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeMemoryFailure, err, "Redis 写入记忆失败")
	}
	return s.touch(ctx)
}

// Get 读取键值。
func (s *RedisStore) Get(ctx context.Context, key string) (any, bool, error) {
	raw, err := s.client.HGet(ctx, s.dataKey(), key).Bytes()
	if stdErrors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "Redis 读取记忆失败")
	}
	value, err := decodeValue(raw)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Delete 删除键值；键不存在时不记录事件。
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	event, err := json.Marshal(storedEvent{Action: ActionDelete, Key: key, Timestamp: s.now().UTC()})
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "编码记忆事件失败")
	}
	removed, err := deleteScript.Run(ctx, s.client, s.keys, key, string(event), s.limit).Int()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "Redis 删除记忆失败")
	}
	if removed == 0 {
		return false, nil
	}
	return true, s.touch(ctx)
}

// Keys 按首次写入顺序返回键。
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.ZRange(ctx, s.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "Redis 读取键列表失败")
	}
	return keys, nil
}

// History 返回历史记录。
func (s *RedisStore) History(ctx context.Context) ([]Event, error) {
	items, err := s.client.LRange(ctx, s.historyKey(), 0, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "Redis 读取历史失败")
	}
	events := make([]Event, 0, len(items))
	for _, item := range items {
		var stored storedEvent
		if err := json.Unmarshal([]byte(item), &stored); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "解析记忆事件失败")
		}
		event, err := stored.event()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// Snapshot 返回当前全部键值。
func (s *RedisStore) Snapshot(ctx context.Context) (map[string]any, error) {
	items, err := s.client.HGetAll(ctx, s.dataKey()).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "Redis 读取快照失败")
	}
	out := make(map[string]any, len(items))
	for key, raw := range items {
		value, err := decodeValue([]byte(raw))
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

// Clear 删除会话的全部数据。
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.keys...).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeMemoryFailure, err, "Redis 清空记忆失败")
	}
	return nil
}

// Close 关闭自有的 Redis 连接。
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) touch(ctx context.Context) error {
	if s.ttl <= 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range s.keys {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeMemoryFailure, err, "Redis 设置过期时间失败")
	}
	return nil
}
