package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tiny-agent/internal/agent"
	xerrors "tiny-agent/internal/errors"
	"tiny-agent/internal/observability/alerting"
	"tiny-agent/internal/observability/metrics"
	"tiny-agent/pkg/logger"
)

// Runner 为每个任务构建新的智能体并执行一次运行。
// 返回的错误遵循 agent.Run 的约定：仅 failed 与 cancelled 会返回错误。
type Runner interface {
	Run(ctx context.Context, req Request) (*agent.RunResult, error)
}

// RunnerFunc 允许使用函数实现 Runner。
type RunnerFunc func(ctx context.Context, req Request) (*agent.RunResult, error)

// Run 实现 Runner。
func (f RunnerFunc) Run(ctx context.Context, req Request) (*agent.RunResult, error) {
	return f(ctx, req)
}

// Processor 负责从队列消费任务并交给 Runner 执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	// retries 跟踪后台重投协程，Start 返回前等待它们结束。
	retries sync.WaitGroup
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	err := p.consumer.Consume(ctx, p.workerCount, p.handle)
	p.retries.Wait()
	return err
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}
	metrics.ObserveTaskEvent("claimed")

	started := time.Now()
	result, runErr := p.runner.Run(ctx, task.Request())
	if runErr == nil && result != nil && result.Status == agent.StatusMaxStepsExceeded {
		runErr = xerrors.Newf(CodeRunIncomplete, "运行在 %d 步内未完成", len(result.Steps))
	}
	if runErr != nil {
		return p.handleFailure(ctx, task, result, runErr)
	}

	if err := p.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return p.handleFailure(ctx, task, result, xerrors.Wrap(CodeTaskProcessing, err, "保存运行结果失败"))
	}
	metrics.ObserveTaskEvent("succeeded")
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("task", task.Input),
		slog.Int("attempts", task.Attempts),
		slog.Duration("duration", time.Since(started)),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, task *Task, result *agent.RunResult, runErr error) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(runErr)
	terminal := !retryable || task.Attempts >= task.MaxRetries

	if err := p.store.MarkFailed(ctx, task.ID, code, runErr.Error(), result); err != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("task", task.Input),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		metrics.ObserveTaskEvent("failed")
		if xerrors.ShouldAlert(runErr) || (retryable && task.Attempts >= task.MaxRetries) {
			p.emitAlert(ctx, task, code, runErr)
		}
		return nil
	}

	metrics.ObserveTaskEvent("retried")
	p.republish(ctx, task)
	return nil
}

// republish 在独立协程中重新投递任务，队列已满时不占用消费协程。
func (p *Processor) republish(ctx context.Context, task *Task) {
	if p.producer == nil {
		p.logger.Error("未配置任务生产者，无法重投", slog.String("task_id", task.ID))
		return
	}
	p.retries.Add(1)
	go func() {
		defer p.retries.Done()
		if err := p.producer.Publish(ctx, task.ID); err != nil {
			wrapped := xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 重投失败", task.ID))
			p.logger.Error("任务重投失败", slog.Any("error", wrapped), slog.String("task_id", task.ID))
			return
		}
		p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	}()
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error) {
	if p.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		TaskID:     task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   map[string]string{"task": task.Input},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
}
