package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"tiny-agent/internal/agent"
	"tiny-agent/internal/tool"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	nameStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

func statusStyle(status agent.RunStatus) lipgloss.Style {
	switch status {
	case agent.StatusCompleted:
		return successStyle
	case agent.StatusMaxStepsExceeded:
		return warnStyle
	default:
		return errorStyle
	}
}

// renderTools 以对齐的两列输出工具名称与描述，能力附在描述之后。
func renderTools(infos []tool.Info) string {
	if len(infos) == 0 {
		return dimStyle.Render("no tools available") + "\n"
	}
	width := 0
	for _, info := range infos {
		width = max(width, lipgloss.Width(info.Name))
	}
	column := nameStyle.Width(width + 2)

	var b strings.Builder
	b.WriteString(titleStyle.Render("Available tools") + "\n")
	for _, info := range infos {
		line := column.Render(info.Name) + info.Description
		if len(info.Capabilities) > 0 {
			caps := make([]string, 0, len(info.Capabilities))
			for _, c := range info.Capabilities {
				caps = append(caps, string(c))
			}
			line += " " + dimStyle.Render("["+strings.Join(caps, ", ")+"]")
		}
		b.WriteString("  " + line + "\n")
	}
	return b.String()
}

// renderResult 输出运行摘要；verbose 时附带每一步的调用与结果。
func renderResult(res *agent.RunResult, verbose bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Status:"), statusStyle(res.Status).Render(string(res.Status)))
	if res.Answer != "" {
		fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Answer:"), res.Answer)
	}
	if res.Error != "" {
		fmt.Fprintf(&b, "%s %s\n", errorStyle.Render("Error:"), res.Error)
	}
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Tools:"), strings.Join(res.ToolsAvailable, ", "))
	if verbose {
		for _, step := range res.Steps {
			fmt.Fprintf(&b, "%s %s\n", nameStyle.Render(fmt.Sprintf("step %d", step.Index)), dimStyle.Render(step.Duration.String()))
			if step.Thought != "" {
				fmt.Fprintf(&b, "  %s\n", dimStyle.Render(step.Thought))
			}
			for i, call := range step.Calls {
				outcome := successStyle.Render("ok")
				if i < len(step.Results) && step.Results[i] != nil && !step.Results[i].Success {
					outcome = errorStyle.Render(step.Results[i].Error)
				}
				fmt.Fprintf(&b, "  %s(%s) -> %s\n", call.Name, formatArgs(call.Args), outcome)
			}
		}
		fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Memory:"), strings.Join(res.MemoryKeys, ", "))
	}
	return b.String()
}

func formatArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, " ")
}
