package task

import (
	"context"

	xerrors "tiny-agent/internal/errors"
)

// ErrQueueClosed 表示向已关闭的队列投递任务。
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")

// Handler 处理来自队列的任务 ID。返回错误时队列会将该 ID 重新入队，
// 因此投递语义为至少一次，重复领取由 Store.Claim 过滤。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以 workerCount 个并发协程消费队列，直到 ctx 结束。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// DepthReporter 由能够报告积压长度的队列实现。
type DepthReporter interface {
	Len(ctx context.Context) (int64, error)
}
