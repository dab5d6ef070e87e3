// Package poseidon provides the 2-arity Poseidon2 hash over the BN254 scalar
// field used at every Merkle tree node. The output matches the on-chain tree
// contract, so locally computed roots are byte-identical to chain roots.
package poseidon

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/poseidon2"

	"github.com/shieldpool/relayer/internal/field"
)

// Hasher computes Poseidon2 digests. The zero value is not usable; construct
// with New and inject it where hashing is needed (the tree takes it as a
// constructor dependency; the pipeline hashes nothing itself and holds none).
type Hasher struct {
	factory func() hash32
}

type hash32 interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

// New returns a Hasher backed by gnark-crypto's Merkle-Damgard Poseidon2
// construction.
func New() *Hasher {
	return &Hasher{factory: func() hash32 { return poseidon2.NewMerkleDamgardHasher() }}
}

// Hash2 compresses two field elements into one: the inner node rule
// parent = Poseidon(left, right).
func (h *Hasher) Hash2(left, right field.Element) field.Element {
	var l, r fr.Element
	l.SetBytes(left[:])
	r.SetBytes(right[:])

	hs := h.factory()
	lb := l.Bytes()
	rb := r.Bytes()
	hs.Write(lb[:])
	hs.Write(rb[:])

	var out field.Element
	copy(out[:], hs.Sum(nil))
	return out
}
