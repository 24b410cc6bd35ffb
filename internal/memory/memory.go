package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "tiny-agent/internal/errors"
)

// DefaultHistoryLimit 是单个会话保留的最大历史条数。
const DefaultHistoryLimit = 1000

// Action 表示记忆操作类型。
type Action string

const (
	ActionSet    Action = "set"
	ActionDelete Action = "delete"
)

// Event 记录一次记忆变更。delete 事件不携带 Value。
type Event struct {
	Action    Action    `json:"action"`
	Key       string    `json:"key"`
	Value     any       `json:"value,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store 是会话级的键值存储。
type Store interface {
	Set(ctx context.Context, key string, value any) error
	Get(ctx context.Context, key string) (any, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	History(ctx context.Context) ([]Event, error)
	Snapshot(ctx context.Context) (map[string]any, error)
	Clear(ctx context.Context) error
	Session() string
	Close() error
}

// Config 选择记忆存储后端。
type Config struct {
	Backend      string       `yaml:"backend"`
	HistoryLimit int          `yaml:"history_limit"`
	Redis        RedisConfig  `yaml:"redis"`
	SQLite       SQLiteConfig `yaml:"sqlite"`
}

// Open 根据配置为指定会话打开存储，sessionID 为空时自动生成。
func Open(ctx context.Context, cfg Config, sessionID string) (Store, error) {
	if strings.TrimSpace(sessionID) == "" {
		sessionID = NewSessionID()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemoryStore(sessionID, cfg.HistoryLimit), nil
	case "redis":
		return NewRedisStore(ctx, cfg.Redis, sessionID, cfg.HistoryLimit)
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.SQLite, sessionID, cfg.HistoryLimit)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的记忆存储后端: %s", cfg.Backend))
	}
}

// NewSessionID 生成新的会话标识。
func NewSessionID() string {
	return uuid.NewString()
}

// GetOr 读取 key，不存在时返回 def。
func GetOr(ctx context.Context, s Store, key string, def any) (any, error) {
	value, ok, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return def, nil
	}
	return value, nil
}

func historyLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记忆键不能为空")
	}
	return nil
}

// encodeValue 将值序列化为 JSON，所有后端共用同一种表示。
func encodeValue(value any) (json.RawMessage, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "记忆值无法序列化为 JSON")
	}
	return raw, nil
}

func decodeValue(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "记忆值解码失败")
	}
	return value, nil
}

// storedEvent 是事件的持久化形式。
type storedEvent struct {
	Action    Action          `json:"action"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e storedEvent) event() (Event, error) {
	value, err := decodeValue(e.Value)
	if err != nil {
		return Event{}, err
	}
	return Event{Action: e.Action, Key: e.Key, Value: value, Timestamp: e.Timestamp}, nil
}
