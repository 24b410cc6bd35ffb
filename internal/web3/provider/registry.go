package provider

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	xerrors "tiny-agent/internal/errors"
	"tiny-agent/internal/web3"
	"tiny-agent/internal/web3/ethereum"
)

// Endpoint 描述一条链的 RPC 端点。
type Endpoint struct {
	RPCURL      string `yaml:"rpc_url" json:"rpc_url"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// Dialer 为端点建立客户端连接。
type Dialer func(ctx context.Context, name string, endpoint Endpoint) (web3.Client, error)

// DialEthereum 使用 go-ethereum 连接 EVM 兼容链。
func DialEthereum(ctx context.Context, name string, endpoint Endpoint) (web3.Client, error) {
	return ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: endpoint.RPCURL, Notes: endpoint.Description})
}

// Option 调整 Registry。
type Option func(*Registry)

// WithDialer 替换默认的连接方式。
func WithDialer(dial Dialer) Option {
	return func(r *Registry) {
		if dial != nil {
			r.dial = dial
		}
	}
}

// Registry 按名称管理链客户端。客户端在首次使用时建立连接并缓存。
type Registry struct {
	defaultChain string
	endpoints    map[string]Endpoint
	dial         Dialer

	mu      sync.Mutex
	clients map[string]web3.Client
}

// NewRegistry 校验端点配置。defaultChain 为空时取名称排序后的第一条链。
func NewRegistry(endpoints map[string]Endpoint, defaultChain string, opts ...Option) (*Registry, error) {
	if len(endpoints) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置任何链的 RPC 端点")
	}
	for name, endpoint := range endpoints {
		if strings.TrimSpace(endpoint.RPCURL) == "" {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "链 %s 未配置 rpc_url", name)
		}
	}
	names := slices.Sorted(maps.Keys(endpoints))
	defaultChain = strings.TrimSpace(defaultChain)
	if defaultChain == "" {
		defaultChain = names[0]
	}
	if _, ok := endpoints[defaultChain]; !ok {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "默认链 %s 未在配置中找到", defaultChain)
	}
	r := &Registry{
		defaultChain: defaultChain,
		endpoints:    maps.Clone(endpoints),
		dial:         DialEthereum,
		clients:      make(map[string]web3.Client),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve 将空名称解析为默认链。
func (r *Registry) Resolve(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return r.defaultChain
}

// Client 返回指定链的客户端，必要时建立连接。未知链返回 NOT_FOUND。
func (r *Registry) Client(ctx context.Context, name string) (web3.Client, error) {
	name = r.Resolve(name)
	endpoint, ok := r.endpoints[name]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "unknown chain: %s", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[name]; ok {
		return client, nil
	}
	client, err := r.dial(ctx, name, endpoint)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.CodeToolFailure, err, "连接链 %s 失败", name)
	}
	r.clients[name] = client
	return client, nil
}

// Default 返回默认链名称。
func (r *Registry) Default() string { return r.defaultChain }

// Chains 返回已配置的链名称。
func (r *Registry) Chains() []string {
	return slices.Sorted(maps.Keys(r.endpoints))
}

// Close 关闭已建立的连接，之后仍可重新连接。
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, client := range r.clients {
		client.Close()
		delete(r.clients, name)
	}
}
