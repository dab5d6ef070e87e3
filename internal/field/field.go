// Package field handles BN254 scalar field elements as they cross the wire.
// All hashes in the pool (commitments, nullifiers, roots) are elements of
// this field, transmitted as 0x-prefixed 32-byte big-endian hex.
package field

import (
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/shieldpool/relayer/internal/relayerr"
)

// Element is the canonical big-endian encoding of a BN254 scalar.
type Element [32]byte

// Zero is the designated dummy value: the field zero.
var Zero Element

// modulus is the BN254 scalar field prime.
var modulus = fr.Modulus()

// Parse decodes a 0x-prefixed 32-byte big-endian hex string and enforces
// canonicity: values >= the field prime are rejected with MalformedField.
func Parse(s string) (Element, error) {
	var e Element
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return e, relayerr.New(relayerr.KindMalformedRequest, "field element missing 0x prefix")
	}
	raw := s[2:]
	if len(raw) != 64 {
		return e, relayerr.New(relayerr.KindMalformedRequest, "field element must be 32 bytes, got %d hex chars", len(raw))
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return e, relayerr.Wrap(relayerr.KindMalformedRequest, err, "field element is not valid hex")
	}
	copy(e[:], b)
	if !e.InField() {
		return Element{}, relayerr.New(relayerr.KindMalformedField, "field element exceeds BN254 scalar modulus")
	}
	return e, nil
}

// MustParse is Parse for test fixtures and constants; it panics on error.
func MustParse(s string) Element {
	e, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return e
}

// FromBig reduces nothing: it encodes v, which must already be < modulus.
func FromBig(v *big.Int) (Element, error) {
	if v.Sign() < 0 || v.Cmp(modulus) >= 0 {
		return Element{}, relayerr.New(relayerr.KindMalformedField, "value outside BN254 scalar field")
	}
	var e Element
	v.FillBytes(e[:])
	return e, nil
}

// FromBytes copies b (interpreted big-endian, at most 32 bytes) and checks
// field membership.
func FromBytes(b []byte) (Element, error) {
	if len(b) > 32 {
		return Element{}, relayerr.New(relayerr.KindMalformedRequest, "field element longer than 32 bytes")
	}
	var e Element
	copy(e[32-len(b):], b)
	if !e.InField() {
		return Element{}, relayerr.New(relayerr.KindMalformedField, "field element exceeds BN254 scalar modulus")
	}
	return e, nil
}

// InField reports whether e < the BN254 scalar modulus.
func (e Element) InField() bool {
	return new(big.Int).SetBytes(e[:]).Cmp(modulus) < 0
}

// IsZero reports whether e is the designated dummy value.
func (e Element) IsZero() bool { return e == Zero }

// Big returns e as a big integer.
func (e Element) Big() *big.Int { return new(big.Int).SetBytes(e[:]) }

// Hex returns the 0x-prefixed 32-byte big-endian encoding.
func (e Element) Hex() string {
	return "0x" + hex.EncodeToString(e[:])
}

func (e Element) String() string { return e.Hex() }
