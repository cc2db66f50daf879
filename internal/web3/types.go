package web3

import (
	"context"
	"math/big"
)

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Balance is the native token balance of one address at the latest block.
type Balance struct {
	Address string `json:"address"`
	Wei     string `json:"wei"`
	Ether   string `json:"ether"`
}

// Chain defines the read operations the agent tools rely on.
type Chain interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	BalanceOf(ctx context.Context, address string) (Balance, error)
	Close()
}

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// FormatEther renders wei as a decimal ether amount with six fractional digits.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0.000000"
	}
	return new(big.Rat).SetFrac(wei, weiPerEther).FloatString(6)
}

// NewBalance builds a Balance from a raw wei amount.
func NewBalance(address string, wei *big.Int) Balance {
	if wei == nil {
		wei = new(big.Int)
	}
	return Balance{Address: address, Wei: wei.String(), Ether: FormatEther(wei)}
}
