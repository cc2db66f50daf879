package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Backend is the subset of chain access the client needs. Both
// *ethclient.Client and the simulated backend satisfy it.
type Backend interface {
	BlockByNumber(ctx context.Context, number *big.Int) (*coretypes.Block, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Client implements web3.Chain for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	backend   Backend
	chainID   *big.Int
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败")
	}
	eth := ethclient.NewClient(rpcClient)

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
	}, nil
}

// NewBackendClient wraps an arbitrary backend, such as the go-ethereum
// simulated backend used in tests.
func NewBackendClient(name string, chainID *big.Int, backend Backend) *Client {
	return &Client{
		name:    name,
		backend: backend,
		chainID: new(big.Int).Set(chainID),
		notes:   "simulated backend",
	}
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
	c.backend = nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}

	c.mu.Lock()
	eth, backend := c.eth, c.backend
	c.mu.Unlock()

	if eth != nil {
		chainID, err := eth.ChainID(ctx)
		if err != nil {
			return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		blockNumber, err := eth.BlockNumber(ctx)
		if err != nil {
			return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
		}
		return web3.ChainSnapshot{
			ChainID:     toHexBig(chainID),
			BlockNumber: fmt.Sprintf("0x%x", blockNumber),
			Notes:       c.notes,
		}, nil
	}

	if backend == nil {
		return web3.ChainSnapshot{}, errors.New("客户端缺少链访问后端")
	}
	if c.chainID == nil {
		return web3.ChainSnapshot{}, errors.New("未配置链 ID")
	}
	block, err := backend.BlockByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取区块信息失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(c.chainID),
		BlockNumber: fmt.Sprintf("0x%x", block.NumberU64()),
		Notes:       c.notes,
	}, nil
}

// BalanceOf returns the latest balance of address.
func (c *Client) BalanceOf(ctx context.Context, address string) (web3.Balance, error) {
	if c == nil {
		return web3.Balance{}, errors.New("未初始化的以太坊客户端")
	}
	addr := strings.TrimSpace(address)
	if !common.IsHexAddress(addr) {
		return web3.Balance{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的地址: %q", address))
	}

	c.mu.Lock()
	backend := c.backend
	c.mu.Unlock()
	if backend == nil {
		return web3.Balance{}, errors.New("当前客户端不支持余额查询")
	}

	account := common.HexToAddress(addr)
	balance, err := backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return web3.Balance{}, fmt.Errorf("查询余额失败: %w", err)
	}
	return web3.NewBalance(account.Hex(), balance), nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Chain = (*Client)(nil)
