package web3

import "context"

// ChainSnapshot 汇总链的基础状态。
type ChainSnapshot struct {
	Chain       string `json:"chain"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// AccountState 描述某个地址在最新区块上的状态。
type AccountState struct {
	Address  string `json:"address"`
	Balance  string `json:"balance"`
	Nonce    uint64 `json:"nonce"`
	CodeSize int    `json:"code_size"`
}

// Client 定义链客户端需要提供的只读能力。
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Balance(ctx context.Context, address string) (string, error)
	CodeSize(ctx context.Context, address string) (int, error)
	Close()
}
