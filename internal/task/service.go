package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "tiny-agent/internal/errors"
	"tiny-agent/internal/observability/metrics"
	"tiny-agent/pkg/logger"
)

const defaultMaxRetries = 3

// Service 是异步运行的入口：创建记录、投递到队列并提供查询。
// Service 不持有存储与队列的生命周期，由调用方负责关闭。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务，maxRetries 非正数时使用默认值。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

func (s *Service) ready() error {
	if s == nil || s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return nil
}

// Submit 创建运行并推送到队列。请求携带的 ID 已存在时返回已有记录，不会重复投递。
func (s *Service) Submit(ctx context.Context, req Request) (*Task, error) {
	input := strings.TrimSpace(req.Task)
	if input == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务描述不能为空")
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	if s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务队列未初始化")
	}

	id := strings.TrimSpace(req.ID)
	if id != "" {
		if existing, err := s.existing(ctx, id); existing != nil || err != nil {
			return existing, err
		}
	} else {
		id = uuid.NewString()
	}

	task := &Task{
		ID:         id,
		Input:      input,
		Tools:      slices.Clone(req.Tools),
		Planner:    strings.TrimSpace(req.Planner),
		Session:    strings.TrimSpace(req.Session),
		Metadata:   cloneMetadata(req.Metadata),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		// 并发提交同一 ID 时，后到者返回先到者的记录。
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, getErr := s.store.Get(ctx, id); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		logger.L().Error("任务入队失败", slog.Any("error", wrapped), slog.String("task_id", id))
		_ = s.store.MarkFailed(ctx, id, CodeTaskPublish, wrapped.Error(), nil)
		return nil, wrapped
	}

	metrics.ObserveTaskEvent("submitted")
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", id),
		slog.String("task", input),
		slog.Any("tools", task.Tools),
		slog.String("session", task.Session),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// existing 返回已存在的运行；不存在时两个返回值均为 nil。
func (s *Service) existing(ctx context.Context, id string) (*Task, error) {
	task, err := s.store.Get(ctx, id)
	switch {
	case err == nil:
		return task, nil
	case stdErrors.Is(err, ErrTaskNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

// Get 返回指定运行。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的运行。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 统计符合过滤条件的运行。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if err := s.ready(); err != nil {
		return TaskStats{}, err
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// QueueDepth 返回队列积压长度，队列不支持时 ok 为 false。
func (s *Service) QueueDepth(ctx context.Context) (depth int64, ok bool, err error) {
	reporter, ok := s.producer.(DepthReporter)
	if !ok {
		return 0, false, nil
	}
	depth, err = reporter.Len(ctx)
	return depth, true, err
}

// WaitUntilCompleted 轮询运行直到其不会再被处理。ctx 结束时返回 ctx.Err()。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
