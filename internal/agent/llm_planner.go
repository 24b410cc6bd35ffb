package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	xerrors "tiny-agent/internal/errors"
	"tiny-agent/internal/llm"
	"tiny-agent/internal/tool"
)

const defaultSystemPrompt = "You are tiny-agent, an assistant that completes tasks by calling tools. " +
	"Call tools when they help; when the task is complete, reply with the final answer and no tool calls."

// LLMPlanner 借助大模型的函数调用能力规划下一步。
type LLMPlanner struct {
	client       llm.Client
	systemPrompt string
	temperature  float64
	timeout      time.Duration
}

// LLMOption 定义 LLMPlanner 的可选配置。
type LLMOption func(*LLMPlanner)

// WithSystemPrompt 覆盖默认系统提示词。
func WithSystemPrompt(prompt string) LLMOption {
	return func(p *LLMPlanner) {
		if strings.TrimSpace(prompt) != "" {
			p.systemPrompt = prompt
		}
	}
}

// WithTemperature 设置采样温度。
func WithTemperature(t float64) LLMOption {
	return func(p *LLMPlanner) {
		p.temperature = t
	}
}

// WithLLMTimeout 设置单次调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) LLMOption {
	return func(p *LLMPlanner) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// NewLLMPlanner 创建基于大模型的规划器。
func NewLLMPlanner(client llm.Client, opts ...LLMOption) *LLMPlanner {
	p := &LLMPlanner{client: client, systemPrompt: defaultSystemPrompt, temperature: 0.2}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Next 实现 Planner。
func (p *LLMPlanner) Next(ctx context.Context, state State) (Decision, error) {
	if p.client == nil {
		return Decision{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	resp, err := p.client.Chat(ctx, p.buildRequest(state))
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return Decision{}, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		if _, ok := xerrors.From(err); ok {
			return Decision{}, err
		}
		return Decision{}, xerrors.Wrap(xerrors.CodePlannerFailure, err, "大模型推理失败")
	}

	if len(resp.ToolCalls) == 0 {
		return Decision{Done: true, Answer: resp.Content}, nil
	}
	decision := Decision{Thought: resp.Content}
	for _, call := range resp.ToolCalls {
		decision.Calls = append(decision.Calls, tool.Call{ID: call.ID, Name: call.Name, Args: call.Arguments})
	}
	return decision, nil
}

func (p *LLMPlanner) buildRequest(state State) llm.Request {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: p.systemPrompt + memoryHint(state.Memory)},
		{Role: llm.RoleUser, Content: state.Task},
	}
	for _, step := range state.Steps {
		assistant := llm.Message{Role: llm.RoleAssistant, Content: step.Thought}
		for _, call := range step.Calls {
			assistant.ToolCalls = append(assistant.ToolCalls, llm.ToolCall{ID: call.ID, Name: call.Name, Arguments: call.Args})
		}
		messages = append(messages, assistant)
		for i, call := range step.Calls {
			content, err := json.Marshal(step.Results[i].ToMap())
			if err != nil {
				content = []byte(fmt.Sprintf(`{"success":false,"error":%q}`, err.Error()))
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    string(content),
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}

	specs := make([]llm.ToolSpec, 0, len(state.Tools))
	for _, info := range state.Tools {
		specs = append(specs, llm.ToolSpec{Name: info.Name, Description: info.Description, Parameters: info.Schema})
	}
	return llm.Request{Messages: messages, Tools: specs, Temperature: p.temperature}
}

func memoryHint(snapshot map[string]any) string {
	if len(snapshot) == 0 {
		return ""
	}
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return "\nMemory keys available: " + strings.Join(keys, ", ") + "."
}
