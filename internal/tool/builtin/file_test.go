package builtin

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "tiny-agent/internal/errors"
)

func TestFileToolLifecycle(t *testing.T) {
	root := t.TempDir()
	ft := NewFileTool(FileConfig{Root: root})
	ctx := context.Background()

	res := ft.Execute(ctx, map[string]any{"action": "exists", "filepath": "notes/a.txt"})
	require.True(t, res.Success)
	require.Equal(t, false, res.Data["exists"])

	res = ft.Execute(ctx, map[string]any{"action": "write", "filepath": "notes/a.txt", "content": "hello"})
	require.True(t, res.Success, res.Error)
	require.Equal(t, "File written: notes/a.txt", res.Data["message"])

	res = ft.Execute(ctx, map[string]any{"filepath": "notes/a.txt"})
	require.True(t, res.Success)
	require.Equal(t, "hello", res.Data["content"])

	res = ft.Execute(ctx, map[string]any{"action": "list", "filepath": "notes"})
	require.True(t, res.Success)
	entries := res.Data["entries"].([]any)
	require.Len(t, entries, 1)
	require.Equal(t, "a.txt", entries[0].(map[string]any)["name"])

	res = ft.Execute(ctx, map[string]any{"action": "delete", "filepath": filepath.Join(root, "notes", "a.txt")})
	require.True(t, res.Success, res.Error)

	res = ft.Execute(ctx, map[string]any{"action": "read", "filepath": "notes/a.txt"})
	require.False(t, res.Success)
	require.Equal(t, xerrors.CodeNotFound, res.Code)
}

func TestFileToolRejects(t *testing.T) {
	ft := NewFileTool(FileConfig{Root: t.TempDir()})
	ctx := context.Background()

	res := ft.Execute(ctx, map[string]any{"action": "chmod", "filepath": "a"})
	require.False(t, res.Success)
	require.Equal(t, "Unknown action: chmod", res.Error)

	res = ft.Execute(ctx, map[string]any{"action": "read", "filepath": "../../etc/passwd"})
	require.Equal(t, xerrors.CodeToolForbidden, res.Code)

	res = ft.Execute(ctx, map[string]any{"action": "read", "filepath": "/etc/passwd"})
	require.Equal(t, xerrors.CodeToolForbidden, res.Code)
}

func TestFileToolRejectsSymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("top secret"), 0o600))
	root := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	ft := NewFileTool(FileConfig{Root: root})
	ctx := context.Background()

	res := ft.Execute(ctx, map[string]any{"action": "read", "filepath": "link/secret.txt"})
	require.False(t, res.Success)
	require.Equal(t, xerrors.CodeToolForbidden, res.Code)

	res = ft.Execute(ctx, map[string]any{"action": "write", "filepath": "link/pwned.txt", "content": "x"})
	require.False(t, res.Success)
	require.Equal(t, xerrors.CodeToolForbidden, res.Code)
	_, err := os.Stat(filepath.Join(outside, "pwned.txt"))
	require.ErrorIs(t, err, fs.ErrNotExist)

	res = ft.Execute(ctx, map[string]any{"action": "list", "filepath": "link"})
	require.Equal(t, xerrors.CodeToolForbidden, res.Code)
}
