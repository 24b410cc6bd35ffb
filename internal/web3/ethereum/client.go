package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	xerrors "tiny-agent/internal/errors"
	"tiny-agent/internal/web3"
)

// Config 描述一个 EVM 兼容链的连接参数。
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Client 基于 ethclient 实现 web3.Client，仅提供只读查询。
type Client struct {
	name  string
	notes string
	eth   atomic.Pointer[ethclient.Client]
}

// NewClient 连接 RPC 端点。HTTP 端点不会在此时发起请求。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolFailure, err, "连接以太坊节点失败")
	}
	c := &Client{name: cfg.Name, notes: cfg.Notes}
	c.eth.Store(eth)
	return c, nil
}

// Close 断开连接，可重复调用。
func (c *Client) Close() {
	if eth := c.eth.Swap(nil); eth != nil {
		eth.Close()
	}
}

func (c *Client) backend() (*ethclient.Client, error) {
	if eth := c.eth.Load(); eth != nil {
		return eth, nil
	}
	return nil, xerrors.New(xerrors.CodeToolFailure, "以太坊客户端已关闭")
}

// FetchChainSnapshot 并发读取链 ID 与最新区块高度。
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	eth, err := c.backend()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	var (
		chainID *big.Int
		height  uint64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		chainID, err = eth.ChainID(gctx)
		return rpcError(err, "获取链 ID 失败")
	})
	g.Go(func() (err error) {
		height, err = eth.BlockNumber(gctx)
		return rpcError(err, "获取最新区块高度失败")
	})
	if err := g.Wait(); err != nil {
		return web3.ChainSnapshot{}, err
	}
	return web3.ChainSnapshot{
		Chain:       c.name,
		ChainID:     hexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", height),
		Notes:       c.notes,
	}, nil
}

// Balance 返回地址在最新区块的余额（wei，十六进制）。
func (c *Client) Balance(ctx context.Context, address string) (string, error) {
	addr, eth, err := c.prepare(address)
	if err != nil {
		return "", err
	}
	balance, err := eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return "", rpcError(err, "查询余额失败")
	}
	return hexBig(balance), nil
}

// CodeSize 返回地址上部署的合约字节码长度，普通账户为 0。
func (c *Client) CodeSize(ctx context.Context, address string) (int, error) {
	addr, eth, err := c.prepare(address)
	if err != nil {
		return 0, err
	}
	code, err := eth.CodeAt(ctx, addr, nil)
	if err != nil {
		return 0, rpcError(err, "查询合约代码失败")
	}
	return len(code), nil
}

func (c *Client) prepare(address string) (common.Address, *ethclient.Client, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return common.Address{}, nil, xerrors.Newf(xerrors.CodeInvalidArgument, "非法的地址: %q", address)
	}
	eth, err := c.backend()
	if err != nil {
		return common.Address{}, nil, err
	}
	return common.HexToAddress(address), eth, nil
}

func rpcError(err error, message string) error {
	if err == nil {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeToolFailure, err, message)
}

func hexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
