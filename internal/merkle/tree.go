// Package merkle implements the append-only commitment tree: a fixed-depth
// binary Poseidon Merkle tree over BN254 with the field zero as the empty
// leaf. All operations are serialized by an internal lock, so observers see
// a linearizable sequence of inserts, roots, and proofs.
package merkle

import (
	"errors"
	"sync"

	"github.com/shieldpool/relayer/internal/field"
	"github.com/shieldpool/relayer/internal/poseidon"
)

// Depth is the production tree depth: 2^20 leaves.
const Depth = 20

var (
	ErrTreeFull   = errors.New("merkle: tree is full")
	ErrOutOfRange = errors.New("merkle: leaf index out of range")
)

// Proof is a membership path from a leaf to the root. Directions[i] is 0 when
// the node at level i is a left child (sibling on the right), 1 when it is a
// right child.
type Proof struct {
	Siblings   []field.Element
	Directions []int
	Root       field.Element
}

// Tree is the in-memory commitment tree. It retains every leaf so membership
// proofs can be produced for any index; the root is maintained incrementally
// with the filled-subtrees method.
type Tree struct {
	mu     sync.Mutex
	depth  int
	hasher *poseidon.Hasher

	leaves []field.Element
	zeros  []field.Element // zeros[i] is the empty subtree hash at level i
	filled []field.Element // latest left-child hash seen at each level
	root   field.Element
}

// New constructs an empty tree of the given depth. Use Depth for the
// production tree; tests use smaller depths to exercise capacity limits.
func New(depth int, hasher *poseidon.Hasher) *Tree {
	zeros := make([]field.Element, depth+1)
	for i := 1; i <= depth; i++ {
		zeros[i] = hasher.Hash2(zeros[i-1], zeros[i-1])
	}
	filled := make([]field.Element, depth)
	copy(filled, zeros[:depth])
	return &Tree{
		depth:  depth,
		hasher: hasher,
		zeros:  zeros,
		filled: filled,
		root:   zeros[depth],
	}
}

// Insert appends a commitment and returns its leaf index. Fails with
// ErrTreeFull once 2^depth leaves have been inserted.
func (t *Tree) Insert(commitment field.Element) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(commitment)
}

// InsertBatch appends a sequence of commitments under a single lock
// acquisition, returning the index of the first. Recovery replay and the
// watcher insert one leaf at a time through Insert.
func (t *Tree) InsertBatch(commitments []field.Element) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	first := uint64(len(t.leaves))
	for _, c := range commitments {
		if _, err := t.insertLocked(c); err != nil {
			return first, err
		}
	}
	return first, nil
}

func (t *Tree) insertLocked(commitment field.Element) (uint64, error) {
	index := uint64(len(t.leaves))
	if index >= uint64(1)<<t.depth {
		return 0, ErrTreeFull
	}
	t.leaves = append(t.leaves, commitment)

	current := commitment
	idx := index
	for level := 0; level < t.depth; level++ {
		if idx&1 == 0 {
			t.filled[level] = current
			current = t.hasher.Hash2(current, t.zeros[level])
		} else {
			current = t.hasher.Hash2(t.filled[level], current)
		}
		idx >>= 1
	}
	t.root = current
	return index, nil
}

// Root returns the current tree root, padded with empty-subtree hashes.
func (t *Tree) Root() field.Element {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// LeafCount returns the number of inserted leaves.
func (t *Tree) LeafCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint64(len(t.leaves))
}

// Leaf returns the commitment at the given index.
func (t *Tree) Leaf(index uint64) (field.Element, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index >= uint64(len(t.leaves)) {
		return field.Element{}, ErrOutOfRange
	}
	return t.leaves[index], nil
}

// Capacity returns the maximum number of leaves (2^depth).
func (t *Tree) Capacity() uint64 {
	return uint64(1) << t.depth
}

// Proof produces the membership path for the leaf at index. The path is
// rebuilt level by level from the stored leaves, which keeps the incremental
// insert state untouched and costs O(n) hashing per call.
func (t *Tree) Proof(index uint64) (*Proof, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := uint64(len(t.leaves))
	if index >= n {
		return nil, ErrOutOfRange
	}

	proof := &Proof{
		Siblings:   make([]field.Element, t.depth),
		Directions: make([]int, t.depth),
	}

	level := make([]field.Element, n)
	copy(level, t.leaves)
	idx := index
	for d := 0; d < t.depth; d++ {
		proof.Directions[d] = int(idx & 1)
		sibling := idx ^ 1
		if sibling < uint64(len(level)) {
			proof.Siblings[d] = level[sibling]
		} else {
			proof.Siblings[d] = t.zeros[d]
		}

		next := make([]field.Element, (uint64(len(level))+1)/2)
		for i := range next {
			left := level[2*i]
			right := t.zeros[d]
			if 2*i+1 < len(level) {
				right = level[2*i+1]
			}
			next[i] = t.hasher.Hash2(left, right)
		}
		level = next
		idx >>= 1
	}
	proof.Root = t.root
	return proof, nil
}

// VerifyProof reconstructs the root from a leaf and its path under the
// Poseidon rule. Used by tests.
func VerifyProof(hasher *poseidon.Hasher, leaf field.Element, proof *Proof) field.Element {
	current := leaf
	for i, sibling := range proof.Siblings {
		if proof.Directions[i] == 0 {
			current = hasher.Hash2(current, sibling)
		} else {
			current = hasher.Hash2(sibling, current)
		}
	}
	return current
}
