package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/cache"
	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/knowledge"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/llm"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/web3"
)

// Tool names.
const (
	NameChainSnapshot   = "chain_snapshot"
	NameWalletBalance   = "wallet_balance"
	NameCreateWallet    = "create_wallet"
	NameKnowledgeSearch = "knowledge_search"
)

// ChainReader 是链查询工具依赖的能力。
type ChainReader interface {
	FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error)
	BalanceOf(ctx context.Context, address string) (web3.Balance, error)
}

// WalletDirectory 提供实体与钱包的映射。
type WalletDirectory interface {
	Get(entityID string) (web3.Wallet, bool)
	Create(entityID string) (web3.Wallet, bool, error)
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ChainSnapshot 返回查询链 ID 与最新区块高度的工具。
func ChainSnapshot(chain ChainReader) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        NameChainSnapshot,
			Description: "Return the chain id and latest block number of the connected EVM network.",
			InputSchema: objectSchema(map[string]any{}),
		},
		Handler: func(ctx context.Context, _ Call) (any, error) {
			return chain.FetchChainSnapshot(ctx)
		},
	}
}

// WalletBalance 返回查询余额的工具。未提供地址时使用调用实体的钱包，
// 结果按地址缓存在 balances 中。
func WalletBalance(chain ChainReader, wallets WalletDirectory, balances *cache.TTLCache[string, web3.Balance]) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        NameWalletBalance,
			Description: "Look up the native token balance of an address. Defaults to the caller's own wallet.",
			InputSchema: objectSchema(map[string]any{
				"address": map[string]any{"type": "string", "description": "0x-prefixed EVM address"},
			}),
		},
		Handler: func(ctx context.Context, call Call) (any, error) {
			address := stringArg(call.Input, "address")
			if address == "" {
				if wallets == nil {
					return nil, xerrors.New(xerrors.CodeInvalidArgument, "address is required")
				}
				wallet, ok := wallets.Get(call.EntityID)
				if !ok {
					return nil, xerrors.New(xerrors.CodeNotFound, "no wallet for this entity; call create_wallet first")
				}
				address = wallet.Address
			}

			key := strings.ToLower(address)
			if balances != nil {
				if cached, ok := balances.Get(key); ok {
					return cached, nil
				}
			}
			balance, err := chain.BalanceOf(ctx, address)
			if err != nil {
				return nil, err
			}
			if balances != nil {
				balances.Set(key, balance)
			}
			return balance, nil
		},
	}
}

// CreateWallet 返回为调用实体创建钱包的工具，每个实体只会创建一次。
func CreateWallet(wallets WalletDirectory) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        NameCreateWallet,
			Description: "Create a wallet for the calling entity, or return the existing one.",
			InputSchema: objectSchema(map[string]any{}),
		},
		Handler: func(_ context.Context, call Call) (any, error) {
			wallet, created, err := wallets.Create(call.EntityID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"address": wallet.Address, "created": created}, nil
		},
	}
}

// KnowledgeSearch 返回检索静态知识库的工具。
func KnowledgeSearch(provider knowledge.Provider) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        NameKnowledgeSearch,
			Description: "Search the marketplace knowledge base for relevant notes.",
			InputSchema: objectSchema(map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer", "minimum": 1},
			}, "query"),
		},
		Handler: func(_ context.Context, call Call) (any, error) {
			query := stringArg(call.Input, "query")
			if query == "" {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "query is required")
			}
			snippets := provider.Search(query, intArg(call.Input, "limit", 0))
			results := make([]map[string]string, 0, len(snippets))
			for _, s := range snippets {
				results = append(results, map[string]string{"title": s.Title, "content": s.Content})
			}
			return map[string]any{"results": results, "count": len(results), "query": fmt.Sprintf("%.200s", query)}, nil
		},
	}
}
