package tool

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	xerrors "tiny-agent/internal/errors"
	"tiny-agent/internal/observability/metrics"
	"tiny-agent/internal/observability/tracing"
	"tiny-agent/pkg/logger"
)

// DefaultTimeout 是单次工具调用的默认上限。
const DefaultTimeout = 2 * time.Minute

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Registry 管理已注册的工具并负责调用时的隔离。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	policy  Policy
	timeout time.Duration
	limit   rate.Limit
	burst   int
	logger  *slog.Logger
}

type entry struct {
	tool    Tool
	info    Info
	limiter *rate.Limiter
}

// Option 定义 Registry 的可选配置。
type Option func(*Registry)

// WithPolicy 设置能力隔离策略。
func WithPolicy(policy Policy) Option {
	return func(r *Registry) {
		r.policy = policy
	}
}

// WithDefaultTimeout 设置单次调用的超时上限，<=0 表示使用 DefaultTimeout。
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithRateLimit 为每个工具配置令牌桶限流，perSecond<=0 表示不限流。
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Registry) {
		if perSecond <= 0 {
			r.limit = rate.Inf
			return
		}
		if burst <= 0 {
			burst = 1
		}
		r.limit = rate.Limit(perSecond)
		r.burst = burst
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry 创建空的工具注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		timeout: DefaultTimeout,
		limit:   rate.Inf,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("tool")
	}
	return r
}

// Register 注册工具；同名工具已存在时返回 TOOL_CONFLICT。
func (r *Registry) Register(t Tool) error {
	return r.add(t, false)
}

// Replace 注册或覆盖同名工具。
func (r *Registry) Replace(t Tool) error {
	return r.add(t, true)
}

func (r *Registry) add(t Tool, overwrite bool) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具不能为空")
	}
	info := t.Info()
	if !namePattern.MatchString(info.Name) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的工具名称: %q", info.Name))
	}
	if err := r.policy.Check(info.Name, info.Capabilities); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[info.Name]; exists && !overwrite {
		return xerrors.New(xerrors.CodeToolConflict, fmt.Sprintf("工具 %s 已注册", info.Name))
	}
	e := &entry{tool: t, info: info}
	if r.limit != rate.Inf {
		e.limiter = rate.NewLimiter(r.limit, r.burst)
	}
	r.entries[info.Name] = e
	r.logger.Info("注册工具", slog.String("tool", info.Name))
	return nil
}

// Unregister 移除工具，返回工具此前是否存在。
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	return true
}

// Get 按名称查找工具。
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// List 返回按名称排序的工具描述。
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	r.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Names 返回按名称排序的工具名。
func (r *Registry) Names() []string {
	infos := r.List()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}

// Len 返回已注册工具数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Invoke 执行一次工具调用。返回值永不为 nil，工具内部的 panic 会被捕获。
func (r *Registry) Invoke(ctx context.Context, call Call) *Result {
	start := time.Now()
	r.mu.RLock()
	e, ok := r.entries[call.Name]
	r.mu.RUnlock()
	if !ok {
		return r.finish(call, Failf(xerrors.CodeToolNotFound, "Tool '%s' not found", call.Name), start)
	}

	ctx, span := tracing.Start(ctx, "tool.invoke",
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	)
	defer span.End()

	result := r.invoke(ctx, e, call)
	span.SetAttributes(attribute.Bool("tool.success", result.Success))
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	}
	return r.finish(call, result, start)
}

func (r *Registry) invoke(ctx context.Context, e *entry, call Call) *Result {
	if err := ValidateArgs(e.info.Schema, call.Args); err != nil {
		return FromError(err)
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return Failf(xerrors.CodeToolRateLimited, "工具 %s 触发限流: %v", call.Name, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan *Result, 1)
	go func() {
		done <- safeExecute(callCtx, e.tool, maps.Clone(call.Args))
	}()

	select {
	case result := <-done:
		if result == nil {
			return Failf(xerrors.CodeToolFailure, "工具 %s 未返回结果", call.Name)
		}
		return result
	case <-callCtx.Done():
		// 工具未响应取消信号时，其协程会在后台自然退出。
		if stdErrors.Is(ctx.Err(), context.Canceled) {
			return Failf(xerrors.CodeCancelled, "tool '%s' cancelled", call.Name)
		}
		return Failf(xerrors.CodeTimeout, "tool '%s' timed out after %s", call.Name, r.timeout)
	}
}

func safeExecute(ctx context.Context, t Tool, args map[string]any) (result *Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Named("tool").Error("工具执行 panic",
				slog.Any("panic", recovered),
				slog.String("stack", string(debug.Stack())),
			)
			result = Failf(xerrors.CodeToolPanic, "tool panicked: %v", recovered)
		}
	}()
	if args == nil {
		args = map[string]any{}
	}
	return t.Execute(ctx, args)
}

func (r *Registry) finish(call Call, result *Result, start time.Time) *Result {
	duration := time.Since(start)
	if result.Metadata == nil {
		result.Metadata = make(map[string]any, 3)
	}
	result.Metadata["tool"] = call.Name
	result.Metadata["duration_ms"] = duration.Milliseconds()
	if call.ID != "" {
		result.Metadata["call_id"] = call.ID
	}

	metrics.ObserveToolInvocation(call.Name, result.Success, string(result.Code), duration)
	r.logger.Debug("工具执行完成",
		slog.String("tool", call.Name),
		slog.Bool("success", result.Success),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)
	logger.Audit().Info("tool invoked",
		slog.String("tool", call.Name),
		slog.String("call_id", call.ID),
		slog.Bool("success", result.Success),
		slog.String("code", string(result.Code)),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)
	return result
}
