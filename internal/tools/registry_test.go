package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/cache"
	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/knowledge"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/web3"
)

type fakeChain struct {
	balanceCalls int
	err          error
}

func (f *fakeChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{ChainID: "0x1", BlockNumber: "0x10"}, f.err
}

func (f *fakeChain) BalanceOf(_ context.Context, address string) (web3.Balance, error) {
	f.balanceCalls++
	if f.err != nil {
		return web3.Balance{}, f.err
	}
	return web3.Balance{Address: address, Wei: "5", Ether: "0.000000"}, nil
}

type fakeWallets struct {
	wallets map[string]web3.Wallet
}

func (f *fakeWallets) Get(entityID string) (web3.Wallet, bool) {
	w, ok := f.wallets[entityID]
	return w, ok
}

func (f *fakeWallets) Create(entityID string) (web3.Wallet, bool, error) {
	if w, ok := f.wallets[entityID]; ok {
		return w, false, nil
	}
	w := web3.Wallet{EntityID: entityID, Address: "0x00000000000000000000000000000000000000aa"}
	f.wallets[entityID] = w
	return w, true, nil
}

func newTestRegistry(t *testing.T, chain *fakeChain) *Registry {
	t.Helper()
	balances := cache.New[string, web3.Balance](time.Minute, 0)
	t.Cleanup(balances.Close)
	wallets := &fakeWallets{wallets: map[string]web3.Wallet{}}
	kb := knowledge.NewStaticProvider([]knowledge.Snippet{{Title: "Gas", Content: "gas costs", Keywords: []string{"gas"}}}, 3)

	r := NewRegistry(WithTimeout(time.Second))
	r.MustRegister(
		ChainSnapshot(chain),
		WalletBalance(chain, wallets, balances),
		CreateWallet(wallets),
		KnowledgeSearch(kb),
	)
	return r
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	r := newTestRegistry(t, &fakeChain{})
	defs := r.Definitions()
	want := []string{NameChainSnapshot, NameCreateWallet, NameKnowledgeSearch, NameWalletBalance}
	if len(defs) != len(want) {
		t.Fatalf("expected %d definitions, got %d", len(want), len(defs))
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Fatalf("definition %d = %s, want %s", i, defs[i].Name, name)
		}
		if defs[i].InputSchema["type"] != "object" {
			t.Fatalf("schema for %s should be an object", name)
		}
	}
	if err := r.Register(ChainSnapshot(&fakeChain{})); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected conflict on duplicate registration, got %v", err)
	}
}

func TestWalletBalanceUsesEntityWalletAndCache(t *testing.T) {
	chain := &fakeChain{}
	r := newTestRegistry(t, chain)
	ctx := context.Background()

	res, err := r.Execute(ctx, NameWalletBalance, nil, "alice")
	if err != nil || res.Success {
		t.Fatalf("balance without wallet should fail softly: %+v %v", res, err)
	}

	if res, _ := r.Execute(ctx, NameCreateWallet, nil, "alice"); !res.Success {
		t.Fatalf("create wallet failed: %+v", res)
	}
	for i := 0; i < 2; i++ {
		res, err := r.Execute(ctx, NameWalletBalance, map[string]any{}, "alice")
		if err != nil || !res.Success {
			t.Fatalf("balance: %+v %v", res, err)
		}
		if bal := res.Data.(web3.Balance); bal.Wei != "5" {
			t.Fatalf("unexpected balance %+v", bal)
		}
	}
	if chain.balanceCalls != 1 {
		t.Fatalf("second lookup should hit the cache, calls=%d", chain.balanceCalls)
	}
}

func TestExecuteConvertsFailures(t *testing.T) {
	chain := &fakeChain{err: errors.New("rpc down")}
	r := newTestRegistry(t, chain)
	ctx := context.Background()

	res, err := r.Execute(ctx, NameChainSnapshot, nil, "alice")
	if err != nil || res.Success || res.Error != "rpc down" {
		t.Fatalf("expected failed result, got %+v %v", res, err)
	}

	res, _ = r.Execute(ctx, "teleport", nil, "alice")
	if res.Success || res.Error != "unknown tool: teleport" {
		t.Fatalf("unexpected result for unknown tool %+v", res)
	}

	res, _ = r.Execute(ctx, NameKnowledgeSearch, map[string]any{"query": ""}, "alice")
	if res.Success || res.Error != "query is required" {
		t.Fatalf("expected validation failure, got %+v", res)
	}
}

func TestKnowledgeSearchReturnsSnippets(t *testing.T) {
	r := newTestRegistry(t, &fakeChain{})
	res, err := r.Execute(context.Background(), NameKnowledgeSearch, map[string]any{"query": "why is gas so high", "limit": float64(2)}, "bob")
	if err != nil || !res.Success {
		t.Fatalf("search: %+v %v", res, err)
	}
	data := res.Data.(map[string]any)
	if data["count"] != 1 {
		t.Fatalf("expected one result, got %+v", data)
	}
}
