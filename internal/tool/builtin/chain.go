package builtin

import (
	"context"
	"strings"

	xerrors "tiny-agent/internal/errors"
	"tiny-agent/internal/tool"
	"tiny-agent/internal/web3/provider"
)

// ChainConfig 配置 chain_query 工具可访问的链。
type ChainConfig struct {
	Endpoints map[string]provider.Endpoint
	Default   string
}

type chainArgs struct {
	Action  string `json:"action,omitempty" jsonschema:"enum=snapshot,enum=balance,enum=code,default=snapshot"`
	Chain   string `json:"chain,omitempty" jsonschema:"description=Configured chain name; empty selects the default chain"`
	Address string `json:"address,omitempty" jsonschema:"description=Account or contract address for balance and code"`
}

// ChainTool 查询 EVM 链的只读状态。
type ChainTool struct {
	registry *provider.Registry
	schema   map[string]any
}

// NewChainTool 基于链客户端注册表创建 chain_query 工具。
func NewChainTool(registry *provider.Registry) *ChainTool {
	return &ChainTool{registry: registry, schema: tool.SchemaFor[chainArgs]()}
}

// Info 实现 tool.Tool。
func (t *ChainTool) Info() tool.Info {
	return tool.Info{
		Name:         "chain_query",
		Description:  "Query read-only state of configured EVM chains",
		Schema:       t.schema,
		Capabilities: []tool.Capability{tool.CapabilityNetwork},
	}
}

// Execute 实现 tool.Tool。
func (t *ChainTool) Execute(ctx context.Context, raw map[string]any) *tool.Result {
	args, err := tool.DecodeArgs[chainArgs](raw)
	if err != nil {
		return tool.FromError(err)
	}
	chain := t.registry.Resolve(args.Chain)
	client, err := t.registry.Client(ctx, chain)
	if err != nil {
		return tool.FromError(err)
	}

	switch strings.ToLower(strings.TrimSpace(args.Action)) {
	case "", "snapshot":
		snapshot, err := client.FetchChainSnapshot(ctx)
		if err != nil {
			return tool.FromError(err)
		}
		return tool.OK(map[string]any{
			"chain":        chain,
			"chain_id":     snapshot.ChainID,
			"block_number": snapshot.BlockNumber,
			"notes":        snapshot.Notes,
		})
	case "balance":
		if strings.TrimSpace(args.Address) == "" {
			return tool.Fail(xerrors.CodeToolInvalidArgs, "balance 需要提供 address")
		}
		balance, err := client.Balance(ctx, args.Address)
		if err != nil {
			return tool.FromError(err)
		}
		return tool.OK(map[string]any{"chain": chain, "address": args.Address, "balance": balance})
	case "code":
		if strings.TrimSpace(args.Address) == "" {
			return tool.Fail(xerrors.CodeToolInvalidArgs, "code 需要提供 address")
		}
		size, err := client.CodeSize(ctx, args.Address)
		if err != nil {
			return tool.FromError(err)
		}
		return tool.OK(map[string]any{"chain": chain, "address": args.Address, "code_size": size})
	default:
		return tool.Failf(xerrors.CodeToolInvalidArgs, "Unknown action: %s", args.Action)
	}
}

// Close 释放链客户端连接。
func (t *ChainTool) Close() error {
	t.registry.Close()
	return nil
}
