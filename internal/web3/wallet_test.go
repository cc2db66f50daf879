package web3

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestWalletsCreateOncePerEntity(t *testing.T) {
	dir := t.TempDir()
	wallets, err := OpenWallets(dir, "secret", WithLightScrypt())
	if err != nil {
		t.Fatalf("open wallets: %v", err)
	}

	first, created, err := wallets.Create("alice")
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	if !common.IsHexAddress(first.Address) {
		t.Fatalf("expected hex address, got %q", first.Address)
	}
	again, created, err := wallets.Create("alice")
	if err != nil || created || again.Address != first.Address {
		t.Fatalf("second create should return the existing wallet: %+v created=%v err=%v", again, created, err)
	}
	if wallets.Accounts() != 1 {
		t.Fatalf("expected one keystore account, got %d", wallets.Accounts())
	}

	reopened, err := OpenWallets(dir, "secret", WithLightScrypt())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got, ok := reopened.Get("alice"); !ok || got.Address != first.Address {
		t.Fatalf("index not persisted: %+v %v", got, ok)
	}
}

func TestWalletsRejectEmptyEntity(t *testing.T) {
	wallets, err := OpenWallets(t.TempDir(), "", WithLightScrypt())
	if err != nil {
		t.Fatalf("open wallets: %v", err)
	}
	if _, _, err := wallets.Create("  "); err == nil {
		t.Fatalf("expected error for empty entity")
	}
}

func TestFormatEther(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	if got := FormatEther(wei); got != "1.500000" {
		t.Fatalf("FormatEther = %s", got)
	}
	if got := NewBalance("0x1", nil); got.Wei != "0" || got.Ether != "0.000000" {
		t.Fatalf("unexpected zero balance %+v", got)
	}
}
