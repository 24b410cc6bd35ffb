package task

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"tiny-agent/pkg/logger"
)

// MemoryQueue 基于带缓冲 channel，适用于单进程部署与测试。
// channel 本身从不关闭，关闭信号通过 done 广播，投递方因此无需持锁等待。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 将任务投递到队列，队列已满时阻塞直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	if q.isClosed() {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- taskID:
		return nil
	}
}

// Consume 启动 workerCount 个协程消费任务，直到 ctx 结束或队列关闭。
// 队列关闭后会先处理完已投递的任务再返回。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		group.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case taskID := <-q.ch:
					q.dispatch(gctx, taskID, handler)
				case <-q.done:
					return q.drain(gctx, handler)
				}
			}
		})
	}
	return group.Wait()
}

func (q *MemoryQueue) dispatch(ctx context.Context, taskID string, handler Handler) {
	if err := handler(ctx, taskID); err != nil && ctx.Err() == nil {
		q.requeue(taskID, err)
	}
}

func (q *MemoryQueue) drain(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case taskID := <-q.ch:
			if err := handler(ctx, taskID); err != nil {
				logger.L().Warn("队列已关闭，放弃重投任务", slog.String("task_id", taskID), slog.Any("error", err))
			}
		default:
			return nil
		}
	}
}

// requeue 不阻塞消费协程：队列已满或已关闭时放弃并记录日志。
func (q *MemoryQueue) requeue(taskID string, cause error) {
	if q.isClosed() {
		return
	}
	select {
	case q.ch <- taskID:
	default:
		logger.L().Warn("内存队列已满，丢弃重投任务",
			slog.String("task_id", taskID),
			slog.Any("error", cause),
		)
	}
}

func (q *MemoryQueue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Len 返回等待中的任务数。
func (q *MemoryQueue) Len(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// Close 关闭队列，已投递的任务仍可被消费完。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

var (
	_ Queue         = (*MemoryQueue)(nil)
	_ DepthReporter = (*MemoryQueue)(nil)
	_ DepthReporter = (*RedisQueue)(nil)
)
