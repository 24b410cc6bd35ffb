package builtin

import (
	"fmt"
	"io"
	"sort"
	"strings"

	xerrors "tiny-agent/internal/errors"
	"tiny-agent/internal/tool"
	"tiny-agent/internal/web3/provider"
)

// Config 汇总内置工具的配置。
type Config struct {
	HTTP  HTTPConfig
	File  FileConfig
	Shell ShellConfig
	Chain ChainConfig
}

// Defaults 按短名称返回默认工具集。chain 仅在配置了端点时提供。
func Defaults(cfg Config) (map[string]tool.Tool, error) {
	tools := map[string]tool.Tool{
		"http":  NewHTTPTool(cfg.HTTP),
		"file":  NewFileTool(cfg.File),
		"shell": NewShellTool(cfg.Shell),
	}
	if len(cfg.Chain.Endpoints) > 0 {
		registry, err := provider.NewRegistry(cfg.Chain.Endpoints, cfg.Chain.Default)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化链工具失败")
		}
		tools["chain"] = NewChainTool(registry)
	}
	return tools, nil
}

// Select 按名称挑选工具，名称可以是短名称或完整工具名。
// names 为空时返回全部工具，按工具名排序。
func Select(available map[string]tool.Tool, names []string) ([]tool.Tool, error) {
	if len(names) == 0 {
		keys := make([]string, 0, len(available))
		for key := range available {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		selected := make([]tool.Tool, 0, len(keys))
		for _, key := range keys {
			selected = append(selected, available[key])
		}
		return selected, nil
	}

	byName := make(map[string]tool.Tool, len(available)*2)
	for key, t := range available {
		byName[key] = t
		byName[t.Info().Name] = t
	}
	selected := make([]tool.Tool, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		t, ok := byName[name]
		if !ok {
			return nil, xerrors.New(xerrors.CodeToolNotFound, fmt.Sprintf("Unknown tool: %s", name))
		}
		if seen[t.Info().Name] {
			continue
		}
		seen[t.Info().Name] = true
		selected = append(selected, t)
	}
	return selected, nil
}

// Close 释放持有外部连接的工具。
func Close(tools map[string]tool.Tool) {
	for _, t := range tools {
		if closer, ok := t.(io.Closer); ok {
			_ = closer.Close()
		}
	}
}
