package builtin

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xerrors "tiny-agent/internal/errors"
	"tiny-agent/internal/tool"
)

// FileConfig 配置 file_operations 工具。Root 非空时所有路径都被限制在该目录内。
type FileConfig struct {
	Root string
}

type fileArgs struct {
	Action   string `json:"action,omitempty" jsonschema:"enum=read,enum=write,enum=exists,enum=list,enum=delete,default=read"`
	Filepath string `json:"filepath" jsonschema:"required,description=Target path"`
	Content  string `json:"content,omitempty" jsonschema:"description=Content for the write action"`
}

// FileTool 提供基础的文件读写能力。
type FileTool struct {
	root   string
	schema map[string]any
}

// NewFileTool 创建 file_operations 工具。
func NewFileTool(cfg FileConfig) *FileTool {
	root := strings.TrimSpace(cfg.Root)
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	return &FileTool{root: root, schema: tool.SchemaFor[fileArgs]()}
}

// Info 实现 tool.Tool。
func (t *FileTool) Info() tool.Info {
	return tool.Info{
		Name:         "file_operations",
		Description:  "Read and write files",
		Schema:       t.schema,
		Capabilities: []tool.Capability{tool.CapabilityFilesystem},
	}
}

// Execute 实现 tool.Tool。
func (t *FileTool) Execute(ctx context.Context, raw map[string]any) *tool.Result {
	args, err := tool.DecodeArgs[fileArgs](raw)
	if err != nil {
		return tool.FromError(err)
	}
	action := strings.ToLower(strings.TrimSpace(args.Action))
	if action == "" {
		action = "read"
	}
	switch action {
	case "read", "write", "exists", "list", "delete":
	default:
		return tool.Failf(xerrors.CodeToolInvalidArgs, "Unknown action: %s", args.Action)
	}
	if err := ctx.Err(); err != nil {
		return tool.Failf(xerrors.CodeCancelled, "%v", err)
	}

	path, err := t.resolve(args.Filepath)
	if err != nil {
		return tool.FromError(err)
	}
	files, err := t.open(action == "write")
	if err != nil {
		return fileFailure(err)
	}
	defer files.Close()

	switch action {
	case "read":
		content, err := files.ReadFile(path)
		if err != nil {
			return fileFailure(err)
		}
		return tool.OK(map[string]any{"content": string(content)})
	case "write":
		if err := files.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fileFailure(err)
		}
		if err := files.WriteFile(path, []byte(args.Content), 0o644); err != nil {
			return fileFailure(err)
		}
		return tool.OK(map[string]any{"message": fmt.Sprintf("File written: %s", args.Filepath)})
	case "exists":
		_, err := files.Stat(path)
		if err != nil && !stdErrors.Is(err, fs.ErrNotExist) {
			return fileFailure(err)
		}
		return tool.OK(map[string]any{"exists": err == nil})
	case "list":
		entries, err := files.ReadDir(path)
		if err != nil {
			return fileFailure(err)
		}
		items := make([]any, 0, len(entries))
		for _, entry := range entries {
			item := map[string]any{"name": entry.Name(), "is_dir": entry.IsDir()}
			if info, err := entry.Info(); err == nil && !entry.IsDir() {
				item["size"] = info.Size()
			}
			items = append(items, item)
		}
		sort.Slice(items, func(i, j int) bool {
			return items[i].(map[string]any)["name"].(string) < items[j].(map[string]any)["name"].(string)
		})
		return tool.OK(map[string]any{"entries": items})
	default:
		if err := files.Remove(path); err != nil {
			return fileFailure(err)
		}
		return tool.OK(map[string]any{"message": fmt.Sprintf("File deleted: %s", args.Filepath)})
	}
}

// resolve 校验路径。配置了 root 时返回相对 root 的路径，词法上越界的路径直接拒绝。
func (t *FileTool) resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", xerrors.New(xerrors.CodeToolInvalidArgs, "filepath 不能为空")
	}
	if t.root == "" {
		return filepath.Clean(path), nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.root, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(t.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", xerrors.New(xerrors.CodeToolForbidden, fmt.Sprintf("path %s is outside of %s", path, t.root))
	}
	return rel, nil
}

// open 返回本次调用使用的文件系统。配置了 root 时经由 os.Root 访问，
// 指向 root 之外的符号链接会被拒绝。
func (t *FileTool) open(create bool) (fileSystem, error) {
	if t.root == "" {
		return hostFS{}, nil
	}
	if create {
		if err := os.MkdirAll(t.root, 0o755); err != nil {
			return nil, err
		}
	}
	root, err := os.OpenRoot(t.root)
	if err != nil {
		return nil, err
	}
	return rootFS{root}, nil
}

type fileSystem interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm fs.FileMode) error
	MkdirAll(name string, perm fs.FileMode) error
	Stat(name string) (fs.FileInfo, error)
	ReadDir(name string) ([]fs.DirEntry, error)
	Remove(name string) error
	Close() error
}

type hostFS struct{}

func (hostFS) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }

func (hostFS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (hostFS) MkdirAll(name string, perm fs.FileMode) error { return os.MkdirAll(name, perm) }
func (hostFS) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }
func (hostFS) ReadDir(name string) ([]fs.DirEntry, error) { return os.ReadDir(name) }
func (hostFS) Remove(name string) error { return os.Remove(name) }
func (hostFS) Close() error { return nil }

type rootFS struct{ *os.Root }

func (r rootFS) ReadDir(name string) ([]fs.DirEntry, error) {
	return fs.ReadDir(r.FS(), filepath.ToSlash(name))
}

// escapesRoot 识别 os.Root 在路径经符号链接越出 root 时返回的错误。
func escapesRoot(err error) bool {
	return err != nil && strings.Contains(err.Error(), "path escapes from parent")
}

func fileFailure(err error) *tool.Result {
	if escapesRoot(err) {
		return tool.Fail(xerrors.CodeToolForbidden, err.Error())
	}
	if stdErrors.Is(err, fs.ErrNotExist) {
		return tool.Fail(xerrors.CodeNotFound, err.Error())
	}
	return tool.Fail(xerrors.CodeToolFailure, err.Error())
}
