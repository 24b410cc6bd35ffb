package builtin

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "tiny-agent/internal/errors"
)

func TestShellToolRunsCommand(t *testing.T) {
	st := NewShellTool(ShellConfig{})
	res := st.Execute(context.Background(), map[string]any{"command": "echo hello && echo oops 1>&2"})
	require.True(t, res.Success, res.Error)
	require.Equal(t, 0, res.Data["returncode"])
	require.Equal(t, "hello\n", res.Data["stdout"])
	require.Equal(t, "oops\n", res.Data["stderr"])
}

func TestShellToolNonZeroExit(t *testing.T) {
	res := NewShellTool(ShellConfig{}).Execute(context.Background(), map[string]any{"command": "exit 3"})
	require.False(t, res.Success)
	require.Equal(t, 3, res.Data["returncode"])
	require.Equal(t, xerrors.CodeToolFailure, res.Code)
}

func TestShellToolTimeout(t *testing.T) {
	res := NewShellTool(ShellConfig{}).Execute(context.Background(), map[string]any{"command": "sleep 5", "timeout": 1})
	require.False(t, res.Success)
	require.Equal(t, "Command timed out", res.Error)
	require.Equal(t, xerrors.CodeTimeout, res.Code)
}

func TestShellToolDirectExec(t *testing.T) {
	st := NewShellTool(ShellConfig{})
	res := st.Execute(context.Background(), map[string]any{
		"command":   `echo "a  b" '$HOME'`,
		"use_shell": false,
	})
	require.True(t, res.Success, res.Error)
	require.Equal(t, "a  b $HOME", strings.TrimSpace(res.Data["stdout"].(string)))

	res = st.Execute(context.Background(), map[string]any{"command": "definitely-not-a-binary", "use_shell": false})
	require.False(t, res.Success)
	require.Nil(t, res.Data)
}
