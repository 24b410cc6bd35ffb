package main

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"

	"tiny-agent/internal/agent"
	"tiny-agent/internal/config"
	xerrors "tiny-agent/internal/errors"
	"tiny-agent/internal/llm"
	"tiny-agent/internal/llm/bridge"
	"tiny-agent/internal/llm/openai"
	"tiny-agent/internal/memory"
	"tiny-agent/internal/observability/tracing"
	"tiny-agent/internal/task"
	"tiny-agent/internal/tool"
	"tiny-agent/internal/tool/builtin"
	"tiny-agent/pkg/logger"
	"tiny-agent/pkg/plugin"
)

// runtime 持有进程级共享资源：工具实例、插件与大模型客户端。
// 每次运行都基于它构建新的注册表与智能体。
type runtime struct {
	cfg       *config.Config
	builtins  map[string]tool.Tool
	available map[string]tool.Tool
	plugins   *plugin.Manager
	llm       llm.Client
	shutdown  tracing.ShutdownFunc
	log       *slog.Logger
}

// agentOptions 覆盖配置中的智能体参数，零值表示沿用配置。
type agentOptions struct {
	Tools    []string
	Planner  string
	MaxSteps int
	Session  string
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg, log: logger.Named("runtime")}

	shutdown, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return nil, err
	}
	rt.shutdown = shutdown

	builtins, err := builtin.Defaults(builtin.Config{
		HTTP: builtin.HTTPConfig{
			Timeout:      cfg.Tools.HTTP.Timeout,
			CacheTTL:     cfg.Tools.HTTP.CacheTTL,
			CacheSize:    cfg.Tools.HTTP.CacheSize,
			MaxBodyBytes: cfg.Tools.HTTP.MaxBodyBytes,
			UserAgent:    cfg.Tools.HTTP.UserAgent,
		},
		File:  builtin.FileConfig{Root: cfg.Tools.File.Root},
		Shell: builtin.ShellConfig{Timeout: cfg.Tools.Shell.Timeout, Shell: cfg.Tools.Shell.Shell, Dir: cfg.Tools.Shell.Dir},
		Chain: builtin.ChainConfig{Endpoints: cfg.Tools.Chain.Endpoints, Default: cfg.Tools.Chain.Default},
	})
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	rt.builtins = builtins
	rt.available = make(map[string]tool.Tool, len(builtins))
	for name, t := range builtins {
		rt.available[name] = t
	}

	if len(cfg.Plugins.Plugins) > 0 {
		manager, err := plugin.NewManager(cfg.Plugins, plugin.WithResource("config", cfg))
		if err != nil {
			_ = rt.Close(ctx)
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载插件失败")
		}
		rt.plugins = manager
		if err := manager.StartAll(ctx); err != nil {
			_ = rt.Close(ctx)
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "启动插件失败")
		}
		pluginTools, err := manager.Tools()
		if err != nil {
			_ = rt.Close(ctx)
			return nil, err
		}
		for _, t := range pluginTools {
			name := t.Info().Name
			if _, exists := rt.available[name]; exists {
				_ = rt.Close(ctx)
				return nil, xerrors.Newf(xerrors.CodeToolConflict, "插件工具 %s 与已有工具重名", name)
			}
			rt.available[name] = t
		}
	}

	client, err := newLLMClient(cfg)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	rt.llm = client
	return rt, nil
}

func newLLMClient(cfg *config.Config) (llm.Client, error) {
	switch strings.ToLower(cfg.LLM.Provider) {
	case "", "none":
		return nil, nil
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.LLM.OpenAI.APIKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.Timeout,
		})
	case "bridge":
		return bridge.NewClient(cfg.LLM.Bridge.Command, cfg.LLM.Bridge.Args, cfg.LLM.Bridge.WorkingDir)
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的大模型提供方: %s", cfg.LLM.Provider)
	}
}

// registry 按名称挑选工具并注册到新的注册表，names 为空时使用配置或全部工具。
func (rt *runtime) registry(names []string) (*tool.Registry, error) {
	if len(names) == 0 {
		names = rt.cfg.Agent.Tools
	}
	selected, err := builtin.Select(rt.available, names)
	if err != nil {
		return nil, err
	}
	reg := tool.NewRegistry(
		tool.WithPolicy(rt.cfg.Tools.Policy),
		tool.WithDefaultTimeout(rt.cfg.Tools.DefaultTimeout),
		tool.WithRateLimit(rt.cfg.Tools.RateLimit.PerSecond, rt.cfg.Tools.RateLimit.Burst),
	)
	for _, t := range selected {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (rt *runtime) planner(name string) (agent.Planner, error) {
	if name == "" {
		name = rt.cfg.Agent.Planner
	}
	switch strings.ToLower(name) {
	case "noop":
		return agent.NoopPlanner{}, nil
	case "", "command":
		return agent.CommandPlanner{}, nil
	case "llm":
		if rt.llm == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "llm 规划器需要配置 llm.provider")
		}
		return agent.NewLLMPlanner(rt.llm,
			agent.WithSystemPrompt(rt.cfg.LLM.SystemPrompt),
			agent.WithTemperature(rt.cfg.LLM.Temperature),
			agent.WithLLMTimeout(rt.cfg.LLM.Timeout),
		), nil
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的规划器: %s", name)
	}
}

// newAgent 构建一个拥有独立注册表与记忆会话的智能体，调用方负责 Close。
func (rt *runtime) newAgent(ctx context.Context, opts agentOptions) (*agent.Agent, error) {
	reg, err := rt.registry(opts.Tools)
	if err != nil {
		return nil, err
	}
	planner, err := rt.planner(opts.Planner)
	if err != nil {
		return nil, err
	}
	store, err := memory.Open(ctx, rt.cfg.Memory, opts.Session)
	if err != nil {
		return nil, err
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = rt.cfg.Agent.MaxSteps
	}
	return agent.New(
		agent.WithName(rt.cfg.Agent.Name),
		agent.WithRegistry(reg),
		agent.WithMemory(store),
		agent.WithPlanner(planner),
		agent.WithMaxSteps(maxSteps),
		agent.WithParallelism(rt.cfg.Agent.Parallelism),
	), nil
}

// Run 实现 task.Runner：每个异步任务使用全新的智能体。
func (rt *runtime) Run(ctx context.Context, req task.Request) (*agent.RunResult, error) {
	ag, err := rt.newAgent(ctx, agentOptions{Tools: req.Tools, Planner: req.Planner, Session: req.Session})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ag.Close(); err != nil {
			rt.log.Warn("关闭记忆存储失败", slog.Any("error", err), slog.String("task_id", req.ID))
		}
	}()
	return ag.Run(ctx, req.Task)
}

// List 返回全部可用工具的描述，供 API 与 tools 命令展示。
func (rt *runtime) List() []tool.Info {
	reg, err := rt.registry(nil)
	if err != nil {
		return nil
	}
	return reg.List()
}

// Close 按创建的逆序释放资源。
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.plugins != nil {
		errs = append(errs, rt.plugins.StopAll(ctx))
	}
	builtin.Close(rt.builtins)
	if rt.shutdown != nil {
		errs = append(errs, rt.shutdown(ctx))
	}
	return stdErrors.Join(errs...)
}

var _ task.Runner = (*runtime)(nil)
