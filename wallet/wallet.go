// Package wallet models the signing capability handed to the submission
// layer. The core only ever sees an address and a sign operation; key
// material stays behind this boundary.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrDeclined is returned by an Account when the holder refuses to sign.
var ErrDeclined = errors.New("wallet: signing declined")

// Account is an opaque signing capability. Implementations may prompt a
// user, call out to an HSM, or hold a local key; callers cannot tell.
type Account interface {
	Address() common.Address
	// SignTx returns a signed copy of tx bound to chainID. It must return
	// ErrDeclined (possibly wrapped) when the holder cancels.
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeyAccount signs with an in-process secp256k1 key. Used by the daemon's
// operator-key mode and by tests.
type KeyAccount struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeyAccount wraps an existing private key.
func NewKeyAccount(key *ecdsa.PrivateKey) (*KeyAccount, error) {
	if key == nil {
		return nil, fmt.Errorf("wallet: private key required")
	}
	return &KeyAccount{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// LoadKeyAccount parses a hex-encoded private key, with or without the 0x
// prefix.
func LoadKeyAccount(hexKey string) (*KeyAccount, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("wallet: parse private key: %w", err)
	}
	return NewKeyAccount(key)
}

// GenerateKeyAccount creates a throwaway account for tests and tooling.
func GenerateKeyAccount() (*KeyAccount, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: generate key: %w", err)
	}
	return NewKeyAccount(key)
}

// Address implements Account.
func (a *KeyAccount) Address() common.Address { return a.addr }

// SignTx implements Account using the EIP-155 signer for the chain.
func (a *KeyAccount) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("wallet: chain id required")
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), a.key)
	if err != nil {
		return nil, fmt.Errorf("wallet: sign transaction: %w", err)
	}
	return signed, nil
}
