package builtin

import (
	"bytes"
	"context"
	stdErrors "errors"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	xerrors "tiny-agent/internal/errors"
	"tiny-agent/internal/tool"
)

const defaultShellTimeout = 30 * time.Second

// ShellConfig 配置 shell_command 工具。
type ShellConfig struct {
	Timeout time.Duration
	Shell   string
	Dir     string
}

type shellArgs struct {
	Command  string `json:"command" jsonschema:"required,description=Command line to execute"`
	Timeout  int    `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds,default=30"`
	UseShell *bool  `json:"use_shell,omitempty" jsonschema:"description=Run through the system shell,default=true"`
}

// ShellTool 执行命令行。退出码为 0 时视为成功。
type ShellTool struct {
	cfg    ShellConfig
	schema map[string]any
}

// NewShellTool 创建 shell_command 工具。
func NewShellTool(cfg ShellConfig) *ShellTool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultShellTimeout
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &ShellTool{cfg: cfg, schema: tool.SchemaFor[shellArgs]()}
}

// Info 实现 tool.Tool。
func (t *ShellTool) Info() tool.Info {
	return tool.Info{
		Name:         "shell_command",
		Description:  "Execute shell commands",
		Schema:       t.schema,
		Capabilities: []tool.Capability{tool.CapabilityExecution},
	}
}

// Execute 实现 tool.Tool。
func (t *ShellTool) Execute(ctx context.Context, raw map[string]any) *tool.Result {
	args, err := tool.DecodeArgs[shellArgs](raw)
	if err != nil {
		return tool.FromError(err)
	}
	command := strings.TrimSpace(args.Command)
	if command == "" {
		return tool.Fail(xerrors.CodeToolInvalidArgs, "command 不能为空")
	}
	timeout := t.cfg.Timeout
	if args.Timeout > 0 {
		timeout = time.Duration(args.Timeout) * time.Second
	}
	useShell := args.UseShell == nil || *args.UseShell

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if useShell {
		cmd = exec.CommandContext(runCtx, t.cfg.Shell, "-c", command)
	} else {
		words, err := shellwords.Parse(command)
		if err != nil {
			return tool.Failf(xerrors.CodeToolInvalidArgs, "parse command: %v", err)
		}
		if len(words) == 0 {
			return tool.Fail(xerrors.CodeToolInvalidArgs, "command 不能为空")
		}
		cmd = exec.CommandContext(runCtx, words[0], words[1:]...)
	}
	cmd.Dir = t.cfg.Dir
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if runCtx.Err() != nil {
		if stdErrors.Is(ctx.Err(), context.Canceled) {
			return tool.Fail(xerrors.CodeCancelled, "Command cancelled")
		}
		return tool.Fail(xerrors.CodeTimeout, "Command timed out")
	}

	var exitErr *exec.ExitError
	if err != nil && !stdErrors.As(err, &exitErr) {
		return tool.Failf(xerrors.CodeToolFailure, "run command: %v", err)
	}
	data := map[string]any{
		"returncode": cmd.ProcessState.ExitCode(),
		"stdout":     stdout.String(),
		"stderr":     stderr.String(),
	}
	if exitErr != nil {
		return tool.Failf(xerrors.CodeToolFailure, "command exited with code %d", exitErr.ExitCode()).WithData(data)
	}
	return tool.OK(data)
}
