package task

import (
	"context"

	"tiny-agent/internal/agent"
	xerrors "tiny-agent/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 将待处理或可重试的任务置为运行中并增加尝试次数。
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result *agent.RunResult) error
	// MarkFailed 记录失败原因，result 可以为空。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, result *agent.RunResult) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
