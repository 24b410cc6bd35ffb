// Package bridge implements llm.Client by running an external executable that
// reads an llm.Request as JSON on stdin and writes an llm.Response as JSON on
// stdout. It lets a local script or model runner drive the LLM planner.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	xerrors "tiny-agent/internal/errors"
	"tiny-agent/internal/llm"
)

// Client 通过调用外部程序实现大模型推理。
type Client struct {
	command    string
	args       []string
	workingDir string
}

// NewClient 创建外部程序客户端。
func NewClient(command string, args []string, workingDir string) (*Client, error) {
	if strings.TrimSpace(command) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定外部推理程序")
	}
	return &Client{command: command, args: args, workingDir: workingDir}, nil
}

// Chat 将请求写入外部程序的标准输入，并解析其标准输出。
func (c *Client) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
	}

	command := exec.CommandContext(ctx, c.command, c.args...)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlannerFailure, err,
			fmt.Sprintf("执行外部推理程序失败, stderr=%s", strings.TrimSpace(stderr.String())))
	}

	var resp llm.Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlannerFailure, err, "解析外部推理程序输出失败",
			xerrors.WithRetryable(false))
	}
	return &resp, nil
}

// ResolvePath 根据配置目录推导程序绝对路径；不含路径分隔符的命令名保持原样。
func ResolvePath(baseDir, command string) string {
	if command == "" || filepath.IsAbs(command) || baseDir == "" {
		return command
	}
	if !strings.ContainsRune(command, filepath.Separator) {
		return command
	}
	return filepath.Join(baseDir, command)
}
