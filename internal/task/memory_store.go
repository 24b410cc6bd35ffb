package task

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"tiny-agent/internal/agent"
	xerrors "tiny-agent/internal/errors"
)

// MemoryStore 在进程内保存运行记录，适用于单机部署与测试。
// 读写均返回副本，调用方修改结果不会影响存储。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemoryStore 创建空的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
}

// Create 保存新任务，ID 已存在时返回 ErrTaskConflict。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := m.now().Unix()
	task.CreatedAt = cmp.Or(task.CreatedAt, now)
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if task, ok := m.tasks[id]; ok {
		return cloneTask(task), nil
	}
	return nil, ErrTaskNotFound
}

// update 在写锁内修改任务并刷新更新时间，fn 返回错误时保持原状。
func (m *MemoryStore) update(id string, fn func(task *Task) error) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if err := fn(task); err != nil {
		return cloneTask(task), err
	}
	task.UpdatedAt = m.now().Unix()
	return cloneTask(task), nil
}

// Claim 将任务置为运行中。已成功、正在运行或重试耗尽的任务不会被再次领取。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	return m.update(id, func(task *Task) error {
		switch {
		case task.Status == StatusSucceeded:
			return ErrTaskCompleted
		case task.Status == StatusRunning:
			return ErrTaskConflict
		case task.Attempts >= task.MaxRetries:
			return ErrTaskExhausted
		}
		task.Status = StatusRunning
		task.Attempts++
		task.LastError, task.ErrorCode = "", ""
		return nil
	})
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result *agent.RunResult) error {
	_, err := m.update(id, func(task *Task) error {
		task.Status = StatusSucceeded
		task.Result = result
		task.LastError, task.ErrorCode = "", ""
		return nil
	})
	return err
}

// MarkFailed 记录失败原因，result 为空时保留上一次的结果。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, result *agent.RunResult) error {
	_, err := m.update(id, func(task *Task) error {
		task.Status = StatusFailed
		task.LastError, task.ErrorCode = lastError, string(code)
		if result != nil {
			task.Result = result
		}
		return nil
	})
	return err
}

// List 按更新时间排序并分页，时间相同时依次比较创建时间与 ID。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	results := m.collect(opts)

	slices.SortFunc(results, func(a, b *Task) int {
		order := cmp.Or(
			cmp.Compare(a.UpdatedAt, b.UpdatedAt),
			cmp.Compare(a.CreatedAt, b.CreatedAt),
			strings.Compare(a.ID, b.ID),
		)
		if opts.Order == SortByUpdatedAsc {
			return order
		}
		return -order
	})

	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	results = results[opts.Offset:]
	return results[:min(len(results), opts.Limit)], nil
}

// Stats 统计符合过滤条件的任务。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	var stats TaskStats
	for _, task := range m.collect(opts) {
		stats.add(task)
	}
	return stats, nil
}

func (m *MemoryStore) collect(opts ListOptions) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if opts.match(task) {
			out = append(out, cloneTask(task))
		}
	}
	return out
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
