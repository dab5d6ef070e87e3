package store

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shieldpool/relayer/internal/field"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func elem(b byte) field.Element {
	return field.MustParse("0x" + strings.Repeat(fmt.Sprintf("%02x", b), 32))
}

func testLeaf(index uint64, c byte) Leaf {
	return Leaf{
		Index:       index,
		Commitment:  elem(c),
		ChainID:     1,
		BlockNumber: 100 + index,
		TxIndex:     0,
		LogIndex:    uint32(index),
		Asset:       elem(0x0e),
		Amount:      big.NewInt(1000),
		ObservedAt:  time.Unix(1700000000, 0).UTC(),
	}
}

func TestLeafRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	leaf := testLeaf(0, 0x0a)
	require.NoError(t, s.InsertLeaf(ctx, leaf))

	got, err := s.GetLeafByIndex(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, leaf.Commitment, got.Commitment)
	assert.Equal(t, leaf.ChainID, got.ChainID)
	assert.Equal(t, leaf.BlockNumber, got.BlockNumber)
	assert.Equal(t, "1000", got.Amount.String())
	assert.Equal(t, leaf.ObservedAt, got.ObservedAt)

	byCommitment, err := s.GetLeafByCommitment(ctx, leaf.Commitment)
	require.NoError(t, err)
	require.NotNil(t, byCommitment)
	assert.Equal(t, uint64(0), byCommitment.Index)

	missing, err := s.GetLeafByCommitment(ctx, elem(0x0b))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInsertLeafIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	leaf := testLeaf(0, 0x0a)
	require.NoError(t, s.InsertLeaf(ctx, leaf))
	// Replayed observation: same index, same commitment.
	require.NoError(t, s.InsertLeaf(ctx, leaf))
	// Index collision with a different commitment is absorbed, not an error.
	require.NoError(t, s.InsertLeaf(ctx, testLeaf(0, 0x0b)))

	n, err := s.LeafCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestForEachLeafOrdered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Insert out of order; iteration must come back index-ordered.
	require.NoError(t, s.InsertLeaf(ctx, testLeaf(2, 0x0c)))
	require.NoError(t, s.InsertLeaf(ctx, testLeaf(0, 0x0a)))
	require.NoError(t, s.InsertLeaf(ctx, testLeaf(1, 0x0b)))

	var indexes []uint64
	require.NoError(t, s.ForEachLeaf(ctx, func(l Leaf) error {
		indexes = append(indexes, l.Index)
		return nil
	}))
	assert.Equal(t, []uint64{0, 1, 2}, indexes)
}

func TestRoots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r1, r2 := elem(0x11), elem(0x22)

	known, err := s.IsKnownRoot(ctx, r1)
	require.NoError(t, err)
	assert.False(t, known)

	latest, err := s.LatestRoot(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, s.InsertRoot(ctx, r1, ""))
	require.NoError(t, s.InsertRoot(ctx, r2, ""))

	known, err = s.IsKnownRoot(ctx, r1)
	require.NoError(t, err)
	assert.True(t, known)

	latest, err = s.LatestRoot(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, r2, latest.Root)

	// Publishing the same root later records its tx hash without a new row.
	require.NoError(t, s.InsertRoot(ctx, r2, "0xdeadbeef"))
	latest, err = s.LatestRoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, r2, latest.Root)
	assert.Equal(t, "0xdeadbeef", latest.TxHash)
}

func TestNullifierLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	n := elem(0x02)

	spent, err := s.IsNullifierSpent(ctx, n)
	require.NoError(t, err)
	assert.False(t, spent)

	require.NoError(t, s.InsertNullifier(ctx, n, ""))
	require.NoError(t, s.InsertNullifier(ctx, n, "")) // idempotent

	spent, err = s.IsNullifierSpent(ctx, n)
	require.NoError(t, err)
	assert.True(t, spent)

	require.NoError(t, s.DeleteNullifier(ctx, n))
	spent, err = s.IsNullifierSpent(ctx, n)
	require.NoError(t, err)
	assert.False(t, spent)
}

func TestScanCursors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	block, err := s.ScanCursor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), block, "cursor defaults to 0")

	require.NoError(t, s.SetScanCursor(ctx, 1, 100))
	require.NoError(t, s.SetScanCursor(ctx, 1, 250))
	require.NoError(t, s.SetScanCursor(ctx, 2, 7))

	block, err = s.ScanCursor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), block)

	block, err = s.ScanCursor(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), block)
}

func TestTransactionCommit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginImmediate(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertNullifier(ctx, elem(0x02), ""))
	require.NoError(t, tx.InsertLeaf(ctx, testLeaf(0, 0x0a)))
	require.NoError(t, tx.Commit())

	spent, err := s.IsNullifierSpent(ctx, elem(0x02))
	require.NoError(t, err)
	assert.True(t, spent)

	n, err := s.LeafCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestTransactionRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginImmediate(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertNullifier(ctx, elem(0x02), ""))
	require.NoError(t, tx.Rollback())

	spent, err := s.IsNullifierSpent(ctx, elem(0x02))
	require.NoError(t, err)
	assert.False(t, spent, "rolled-back nullifier must not persist")
}

func TestRollbackAfterCommitIsNoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginImmediate(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertNullifier(ctx, elem(0x03), ""))
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback())

	spent, err := s.IsNullifierSpent(ctx, elem(0x03))
	require.NoError(t, err)
	assert.True(t, spent)
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")

	s, err := Open(path, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.InsertLeaf(ctx, testLeaf(0, 0x0a)))
	require.NoError(t, s.InsertRoot(ctx, elem(0x11), ""))
	require.NoError(t, s.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.LeafCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	known, err := reopened.IsKnownRoot(ctx, elem(0x11))
	require.NoError(t, err)
	assert.True(t, known)
}
