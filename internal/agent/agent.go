package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	xerrors "tiny-agent/internal/errors"
	"tiny-agent/internal/memory"
	"tiny-agent/internal/observability/metrics"
	"tiny-agent/internal/observability/tracing"
	"tiny-agent/internal/tool"
	"tiny-agent/pkg/logger"
)

const (
	// DefaultName 是未指定名称时的智能体名称。
	DefaultName = "tiny-agent"
	// DefaultMaxSteps 是单次运行允许的最大步骤数。
	DefaultMaxSteps = 8
	// DefaultParallelism 是单个步骤内并发执行的工具调用上限。
	DefaultParallelism = 4
)

// 记忆中约定的键。
const (
	KeyCurrentTask   = "current_task"
	KeyLastStep      = "last_step"
	KeyLastRunStatus = "last_run_status"
)

// RunStatus 描述一次运行的最终状态。
type RunStatus string

const (
	StatusCompleted        RunStatus = "completed"
	StatusFailed           RunStatus = "failed"
	StatusMaxStepsExceeded RunStatus = "max_steps_exceeded"
	StatusCancelled        RunStatus = "cancelled"
)

// Step 记录一次规划及其工具调用结果，Results 与 Calls 一一对应。
type Step struct {
	Index     int            `json:"index"`
	Thought   string         `json:"thought,omitempty"`
	Calls     []tool.Call    `json:"calls"`
	Results   []*tool.Result `json:"results"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}

// RunResult 汇总一次运行。
type RunResult struct {
	RunID          string    `json:"run_id"`
	Task           string    `json:"task"`
	Status         RunStatus `json:"status"`
	Answer         string    `json:"answer,omitempty"`
	Error          string    `json:"error,omitempty"`
	Steps          []Step    `json:"steps"`
	ToolsAvailable []string  `json:"tools_available"`
	MemoryKeys     []string  `json:"memory_keys"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Agent 协调规划器、工具注册表与记忆存储。
type Agent struct {
	name        string
	session     string
	registry    *tool.Registry
	memory      memory.Store
	planner     Planner
	maxSteps    int
	parallelism int
	logger      *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithName 设置智能体名称。
func WithName(name string) Option {
	return func(a *Agent) {
		if strings.TrimSpace(name) != "" {
			a.name = strings.TrimSpace(name)
		}
	}
}

// WithSession 指定会话标识，默认随机生成。
func WithSession(session string) Option {
	return func(a *Agent) {
		a.session = session
	}
}

// WithMemory 指定记忆存储。
func WithMemory(store memory.Store) Option {
	return func(a *Agent) {
		a.memory = store
	}
}

// WithRegistry 指定工具注册表。
func WithRegistry(registry *tool.Registry) Option {
	return func(a *Agent) {
		a.registry = registry
	}
}

// WithPlanner 指定规划器。
func WithPlanner(planner Planner) Option {
	return func(a *Agent) {
		a.planner = planner
	}
}

// WithMaxSteps 设置单次运行的最大步骤数。
func WithMaxSteps(steps int) Option {
	return func(a *Agent) {
		if steps > 0 {
			a.maxSteps = steps
		}
	}
}

// WithParallelism 设置单个步骤内的并发上限。
func WithParallelism(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.parallelism = n
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// New 创建一个 Agent。
func New(opts ...Option) *Agent {
	ag := &Agent{
		name:        DefaultName,
		maxSteps:    DefaultMaxSteps,
		parallelism: DefaultParallelism,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.memory != nil {
		ag.session = ag.memory.Session()
	}
	if ag.session == "" {
		ag.session = memory.NewSessionID()
	}
	if ag.memory == nil {
		ag.memory = memory.NewMemoryStore(ag.session, 0)
	}
	if ag.registry == nil {
		ag.registry = tool.NewRegistry()
	}
	if ag.planner == nil {
		ag.planner = NoopPlanner{}
	}
	if ag.logger == nil {
		ag.logger = logger.Named("agent")
	}
	ag.logger = ag.logger.With(slog.String("agent", ag.name), slog.String("session", ag.session))
	return ag
}

// Name 返回智能体名称。
func (a *Agent) Name() string { return a.name }

// Session 返回会话标识。
func (a *Agent) Session() string { return a.session }

// Memory 返回记忆存储。
func (a *Agent) Memory() memory.Store { return a.memory }

// Registry 返回工具注册表。
func (a *Agent) Registry() *tool.Registry { return a.registry }

// RegisterTool 注册工具，同名工具已存在时返回错误。
func (a *Agent) RegisterTool(t tool.Tool) error {
	return a.registry.Register(t)
}

// GetTool 按名称查找工具。
func (a *Agent) GetTool(name string) (tool.Tool, bool) {
	return a.registry.Get(name)
}

// Tools 返回已注册工具的描述。
func (a *Agent) Tools() []tool.Info {
	return a.registry.List()
}

// Close 释放记忆存储。
func (a *Agent) Close() error {
	return a.memory.Close()
}

// ExecuteTool 执行单个工具，并将结果写入 tool_<name>_last_result。
// 工具不存在时返回失败结果，不写入记忆。
func (a *Agent) ExecuteTool(ctx context.Context, name string, args map[string]any) *tool.Result {
	return a.execute(ctx, tool.Call{Name: name, Args: args})
}

func (a *Agent) execute(ctx context.Context, call tool.Call) *tool.Result {
	if _, ok := a.registry.Get(call.Name); !ok {
		a.logger.Warn("工具不存在", slog.String("tool", call.Name))
		return a.registry.Invoke(ctx, call)
	}

	a.logger.Info("执行工具", slog.String("tool", call.Name), slog.String("call_id", call.ID))
	result := a.registry.Invoke(ctx, call)
	if !result.Success {
		a.logger.Warn("工具执行失败",
			slog.String("tool", call.Name),
			slog.String("code", string(result.Code)),
			slog.String("error", result.Error),
		)
	}

	// 记忆写入失败不影响工具结果本身。
	key := LastResultKey(call.Name)
	if err := a.memory.Set(context.WithoutCancel(ctx), key, result.ToMap()); err != nil {
		a.logger.Error("写入工具结果失败", slog.String("key", key), slog.Any("error", err))
	}
	return result
}

// LastResultKey 返回工具最近一次结果在记忆中的键。
func LastResultKey(name string) string {
	return "tool_" + name + "_last_result"
}

// Run 以任务为目标执行规划循环。任务被接受后总会返回 RunResult；
// 状态为 failed 或 cancelled 时同时返回错误。
func (a *Agent) Run(ctx context.Context, task string) (*RunResult, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务不能为空")
	}

	result := &RunResult{
		RunID:     uuid.NewString(),
		Task:      task,
		Steps:     []Step{},
		StartedAt: time.Now().UTC(),
	}
	log := a.logger.With(slog.String("run_id", result.RunID))
	log.Info("开始执行任务", slog.String("task", task))

	ctx, span := tracing.Start(ctx, "agent.run",
		attribute.String("agent.name", a.name),
		attribute.String("agent.run_id", result.RunID),
	)
	defer span.End()

	runErr := a.loop(ctx, task, result, log)

	// 收尾写入使用独立的上下文，保证取消后仍能记录状态。
	finishCtx := context.WithoutCancel(ctx)
	if err := a.memory.Set(finishCtx, KeyLastRunStatus, string(result.Status)); err != nil {
		log.Error("写入运行状态失败", slog.Any("error", err))
	}
	result.ToolsAvailable = a.registry.Names()
	if keys, err := a.memory.Keys(finishCtx); err == nil {
		result.MemoryKeys = keys
	} else {
		log.Error("读取记忆键失败", slog.Any("error", err))
		result.MemoryKeys = []string{}
	}
	result.FinishedAt = time.Now().UTC()
	if runErr != nil {
		result.Error = runErr.Error()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	span.SetAttributes(
		attribute.String("agent.status", string(result.Status)),
		attribute.Int("agent.steps", len(result.Steps)),
	)

	duration := result.FinishedAt.Sub(result.StartedAt)
	metrics.ObserveRun(string(result.Status), len(result.Steps), duration)
	log.Info("任务结束",
		slog.String("status", string(result.Status)),
		slog.Int("steps", len(result.Steps)),
		slog.Duration("duration", duration),
	)
	logger.Audit().Info("run finished",
		slog.String("run_id", result.RunID),
		slog.String("agent", a.name),
		slog.String("session", a.session),
		slog.String("status", string(result.Status)),
		slog.Int("steps", len(result.Steps)),
		slog.String("error", result.Error),
	)
	return result, runErr
}

func (a *Agent) loop(ctx context.Context, task string, result *RunResult, log *slog.Logger) error {
	if err := ctx.Err(); err != nil {
		result.Status = StatusCancelled
		return cancelError(err)
	}
	if err := a.memory.Set(ctx, KeyCurrentTask, task); err != nil {
		return failOrCancel(ctx, result, err)
	}

	for index := 1; index <= a.maxSteps; index++ {
		if err := ctx.Err(); err != nil {
			result.Status = StatusCancelled
			return cancelError(err)
		}

		state, err := a.state(ctx, task, result.Steps)
		if err != nil {
			return failOrCancel(ctx, result, err)
		}
		decision, err := a.planner.Next(ctx, state)
		if err != nil {
			if ctx.Err() != nil {
				result.Status = StatusCancelled
				return cancelError(ctx.Err())
			}
			result.Status = StatusFailed
			if _, ok := xerrors.From(err); ok {
				return err
			}
			return xerrors.Wrap(xerrors.CodePlannerFailure, err, "规划失败")
		}
		if decision.Done || len(decision.Calls) == 0 {
			result.Status = StatusCompleted
			result.Answer = decision.Answer
			return nil
		}

		step := a.runStep(ctx, index, result.RunID, decision)
		result.Steps = append(result.Steps, step)
		log.Debug("步骤完成",
			slog.Int("step", index),
			slog.Int("calls", len(step.Calls)),
			slog.Duration("duration", step.Duration),
		)
		if err := a.memory.Set(context.WithoutCancel(ctx), KeyLastStep, summarizeStep(step)); err != nil {
			log.Error("写入步骤摘要失败", slog.Any("error", err))
		}
	}

	if err := ctx.Err(); err != nil {
		result.Status = StatusCancelled
		return cancelError(err)
	}
	result.Status = StatusMaxStepsExceeded
	return nil
}

func (a *Agent) state(ctx context.Context, task string, steps []Step) (State, error) {
	snapshot, err := a.memory.Snapshot(ctx)
	if err != nil {
		return State{}, err
	}
	return State{
		Task:   task,
		Steps:  append([]Step(nil), steps...),
		Tools:  a.registry.List(),
		Memory: snapshot,
	}, nil
}

// runStep 并发执行一个步骤内的全部调用，结果按调用顺序保存。
func (a *Agent) runStep(ctx context.Context, index int, runID string, decision Decision) Step {
	ctx, span := tracing.Start(ctx, "agent.step", attribute.Int("agent.step", index))
	defer span.End()

	step := Step{
		Index:     index,
		Thought:   decision.Thought,
		Calls:     make([]tool.Call, len(decision.Calls)),
		Results:   make([]*tool.Result, len(decision.Calls)),
		StartedAt: time.Now().UTC(),
	}
	for i, call := range decision.Calls {
		if call.ID == "" {
			call.ID = fmt.Sprintf("%s-%d-%d", shortID(runID), index, i+1)
		}
		step.Calls[i] = call
	}

	group := new(errgroup.Group)
	group.SetLimit(a.parallelism)
	for i := range step.Calls {
		group.Go(func() error {
			step.Results[i] = a.execute(ctx, step.Calls[i])
			return nil
		})
	}
	_ = group.Wait()

	step.Duration = time.Since(step.StartedAt)
	return step
}

func summarizeStep(step Step) map[string]any {
	calls := make([]any, len(step.Calls))
	for i, call := range step.Calls {
		res := step.Results[i]
		entry := map[string]any{"tool": call.Name, "success": res.Success}
		if res.Error != "" {
			entry["error"] = res.Error
		}
		calls[i] = entry
	}
	return map[string]any{
		"index":   step.Index,
		"thought": step.Thought,
		"calls":   calls,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func cancelError(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "任务执行超时")
	}
	return xerrors.Wrap(xerrors.CodeCancelled, err, "任务已取消")
}

// failOrCancel 在 ctx 已结束时将运行记为取消，否则记为失败。
func failOrCancel(ctx context.Context, result *RunResult, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.Status = StatusCancelled
		return cancelError(ctxErr)
	}
	result.Status = StatusFailed
	return err
}
