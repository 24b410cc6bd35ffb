package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattn/go-shellwords"

	"tiny-agent/internal/tool"
)

// State 是规划器决策时可见的上下文。
type State struct {
	Task   string
	Steps  []Step
	Tools  []tool.Info
	Memory map[string]any
}

// Decision 是规划器给出的下一步。Done 为 true 或 Calls 为空时运行结束。
type Decision struct {
	Thought string
	Calls   []tool.Call
	Done    bool
	Answer  string
}

// Planner 决定下一步要调用的工具。
type Planner interface {
	Next(ctx context.Context, state State) (Decision, error)
}

// PlannerFunc 将普通函数适配为 Planner。
type PlannerFunc func(ctx context.Context, state State) (Decision, error)

// Next 实现 Planner。
func (f PlannerFunc) Next(ctx context.Context, state State) (Decision, error) {
	return f(ctx, state)
}

// NoopPlanner 不调用任何工具，直接结束运行。
type NoopPlanner struct{}

// Next 实现 Planner。
func (NoopPlanner) Next(context.Context, State) (Decision, error) {
	return Decision{Done: true}, nil
}

// CommandPlanner 将任务解析为 "<tool> key=value ..." 形式的单次调用。
// 不带等号的参数拼接后赋给工具的第一个必填参数，例如 "shell_command ls -la"。
type CommandPlanner struct{}

// Next 实现 Planner。
func (CommandPlanner) Next(_ context.Context, state State) (Decision, error) {
	if len(state.Steps) > 0 {
		last := state.Steps[len(state.Steps)-1]
		return Decision{Done: true, Answer: describeResults(last.Results)}, nil
	}

	words, err := shellwords.Parse(state.Task)
	if err != nil || len(words) == 0 {
		return Decision{Done: true, Answer: "无法解析任务: " + state.Task}, nil
	}
	info, ok := findTool(state.Tools, words[0])
	if !ok {
		return Decision{Done: true, Thought: "task is not a tool command", Answer: "未找到匹配的工具，任务已记录"}, nil
	}

	args := make(map[string]any)
	var positional []string
	for _, word := range words[1:] {
		key, value, found := strings.Cut(word, "=")
		if !found || key == "" {
			positional = append(positional, word)
			continue
		}
		args[key] = parseValue(value)
	}
	if len(positional) > 0 {
		target := firstRequired(info.Schema)
		if target == "" {
			return Decision{Done: true, Answer: fmt.Sprintf("工具 %s 不接受位置参数", info.Name)}, nil
		}
		if _, exists := args[target]; !exists {
			args[target] = strings.Join(positional, " ")
		}
	}

	return Decision{
		Thought: fmt.Sprintf("invoke %s", info.Name),
		Calls:   []tool.Call{{Name: info.Name, Args: args}},
	}, nil
}

func findTool(tools []tool.Info, name string) (tool.Info, bool) {
	for _, info := range tools {
		if info.Name == name {
			return info, true
		}
	}
	return tool.Info{}, false
}

// parseValue 优先按 JSON 解析，失败时保留原始字符串。
func parseValue(raw string) any {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err == nil {
		return value
	}
	return raw
}

func firstRequired(schema map[string]any) string {
	switch required := schema["required"].(type) {
	case []any:
		if len(required) > 0 {
			name, _ := required[0].(string)
			return name
		}
	case []string:
		if len(required) > 0 {
			return required[0]
		}
	}
	return ""
}

func describeResults(results []*tool.Result) string {
	parts := make([]string, 0, len(results))
	for _, res := range results {
		if res == nil {
			continue
		}
		if !res.Success {
			parts = append(parts, "error: "+res.Error)
			continue
		}
		encoded, err := json.Marshal(res.Data)
		if err != nil {
			parts = append(parts, fmt.Sprint(res.Data))
			continue
		}
		parts = append(parts, string(encoded))
	}
	return strings.Join(parts, "\n")
}
