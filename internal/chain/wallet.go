package chain

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet holds the relayer's signing key. One wallet is shared by every
// chain adapter; per-chain submission serialization lives in the adapter.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewWallet parses a hex private key (with or without 0x prefix).
func NewWallet(privateKeyHex string) (*Wallet, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse relayer private key: %w", err)
	}
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the relayer's on-chain address.
func (w *Wallet) Address() common.Address { return w.address }

// Key returns the signing key for transaction signing.
func (w *Wallet) Key() *ecdsa.PrivateKey { return w.key }
