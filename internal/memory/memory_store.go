package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// MemoryStore 是进程内的存储实现。
type MemoryStore struct {
	mu      sync.RWMutex
	session string
	limit   int
	values  map[string]json.RawMessage
	order   []string
	history []storedEvent
	now     func() time.Time
}

// NewMemoryStore 创建进程内存储。
func NewMemoryStore(session string, limit int) *MemoryStore {
	return &MemoryStore{
		session: session,
		limit:   historyLimit(limit),
		values:  make(map[string]json.RawMessage),
		now:     time.Now,
	}
}

// Session 返回会话标识。
func (s *MemoryStore) Session() string { return s.session }

// Set 写入键值并记录 set 事件。
func (s *MemoryStore) Set(_ context.Context, key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.values[key]; !exists {
		s.order = append(s.order, key)
	}
	s.values[key] = raw
	s.appendEvent(storedEvent{Action: ActionSet, Key: key, Value: raw, Timestamp: s.now().UTC()})
	return nil
}

// Get 读取键值。
func (s *MemoryStore) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.RLock()
	raw, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	value, err := decodeValue(raw)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Delete 删除键值；键不存在时不记录事件。
func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return false, nil
	}
	delete(s.values, key)
	if idx := slices.Index(s.order, key); idx >= 0 {
		s.order = slices.Delete(s.order, idx, idx+1)
	}
	s.appendEvent(storedEvent{Action: ActionDelete, Key: key, Timestamp: s.now().UTC()})
	return true, nil
}

// Keys 按首次写入顺序返回键。
func (s *MemoryStore) Keys(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order), nil
}

// History 返回历史副本。
func (s *MemoryStore) History(context.Context) ([]Event, error) {
	s.mu.RLock()
	stored := slices.Clone(s.history)
	s.mu.RUnlock()
	events := make([]Event, 0, len(stored))
	for _, item := range stored {
		event, err := item.event()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// Snapshot 返回当前全部键值的副本。
func (s *MemoryStore) Snapshot(context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for key, raw := range s.values {
		value, err := decodeValue(raw)
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

// Clear 清空键值与历史。
func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]json.RawMessage)
	s.order = nil
	s.history = nil
	return nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) appendEvent(event storedEvent) {
	s.history = append(s.history, event)
	if over := len(s.history) - s.limit; over > 0 {
		s.history = slices.Delete(s.history, 0, over)
	}
}
