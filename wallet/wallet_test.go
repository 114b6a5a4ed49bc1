package wallet

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestKeyAccountSignTx(t *testing.T) {
	account, err := GenerateKeyAccount()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if account.Address() == (common.Address{}) {
		t.Fatalf("expected derived address")
	}

	chainID := big.NewInt(128123)
	to := common.HexToAddress("0x01")
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    4,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      500_000,
		GasPrice: big.NewInt(1_000_000_000),
	})
	signed, err := account.SignTx(context.Background(), tx, chainID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != account.Address() {
		t.Fatalf("sender %s does not match account %s", sender.Hex(), account.Address().Hex())
	}
}

func TestKeyAccountRequiresChainID(t *testing.T) {
	account, err := GenerateKeyAccount()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	tx := types.NewTx(&types.LegacyTx{})
	if _, err := account.SignTx(context.Background(), tx, nil); err == nil {
		t.Fatalf("expected chain id requirement")
	}
}

func TestKeyAccountHonoursContext(t *testing.T) {
	account, err := GenerateKeyAccount()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tx := types.NewTx(&types.LegacyTx{})
	if _, err := account.SignTx(ctx, tx, big.NewInt(1)); err == nil {
		t.Fatalf("expected context cancellation error")
	}
}

func TestLoadKeyAccountStripsPrefix(t *testing.T) {
	const hexKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	account, err := LoadKeyAccount(hexKey)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if account.Address() == (common.Address{}) {
		t.Fatalf("expected derived address")
	}
}
