package builtin

import (
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "tiny-agent/internal/errors"
	"tiny-agent/internal/tool"
)

func TestDefaultsAndSelect(t *testing.T) {
	tools, err := Defaults(Config{})
	require.NoError(t, err)
	require.Len(t, tools, 3)
	require.NotContains(t, tools, "chain")

	all, err := Select(tools, nil)
	require.NoError(t, err)
	names := make([]string, 0, len(all))
	for _, item := range all {
		names = append(names, item.Info().Name)
	}
	require.Equal(t, []string{"file_operations", "http_request", "shell_command"}, names)

	picked, err := Select(tools, []string{"http", "shell_command", "http_request"})
	require.NoError(t, err)
	require.Len(t, picked, 2)

	_, err = Select(tools, []string{"http", "ftp"})
	require.Equal(t, xerrors.CodeToolNotFound, xerrors.CodeOf(err))
	require.Contains(t, err.Error(), "Unknown tool: ftp")
}

func TestDefaultsRegisterCleanly(t *testing.T) {
	tools, err := Defaults(Config{})
	require.NoError(t, err)
	reg := tool.NewRegistry()
	for _, item := range tools {
		require.NoError(t, reg.Register(item))
	}
	for _, info := range reg.List() {
		require.NotEmpty(t, info.Schema)
		require.NotEmpty(t, info.Capabilities)
	}
}
