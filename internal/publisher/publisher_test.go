package publisher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shieldpool/relayer/internal/chain"
	"github.com/shieldpool/relayer/internal/chain/chaintest"
	"github.com/shieldpool/relayer/internal/events"
	"github.com/shieldpool/relayer/internal/field"
	"github.com/shieldpool/relayer/internal/merkle"
	"github.com/shieldpool/relayer/internal/poseidon"
	"github.com/shieldpool/relayer/internal/store"
)

func elem(b byte) field.Element {
	return field.MustParse("0x" + strings.Repeat(fmt.Sprintf("%02x", b), 32))
}

func newFixture(t *testing.T, batchSize int, adapters ...*chaintest.FakeAdapter) (*Publisher, *merkle.Tree, *store.Store) {
	t.Helper()
	ledger, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	tree := merkle.New(merkle.Depth, poseidon.New())
	adapterMap := make(map[uint64]chain.Adapter, len(adapters))
	for _, a := range adapters {
		adapterMap[a.ChainID()] = a
	}
	p := New(Options{
		Adapters:      adapterMap,
		Ledger:        ledger,
		Tree:          tree,
		Bus:           events.NewBus(),
		BatchSize:     batchSize,
		BatchInterval: time.Hour, // interval threshold effectively off
	})
	return p, tree, ledger
}

func insertLeaves(t *testing.T, tree *merkle.Tree, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := tree.Insert(elem(byte(i + 1)))
		require.NoError(t, err)
	}
}

func TestNoPublishBelowThreshold(t *testing.T) {
	a := chaintest.New(1)
	p, tree, _ := newFixture(t, 10, a)

	insertLeaves(t, tree, 3)
	require.NoError(t, p.MaybePublish(context.Background()))
	assert.Equal(t, 0, a.UpdateRootCalls)
}

func TestPublishAtBatchSize(t *testing.T) {
	a := chaintest.New(1)
	b := chaintest.New(2)
	p, tree, ledger := newFixture(t, 3, a, b)

	insertLeaves(t, tree, 3)
	require.NoError(t, p.MaybePublish(context.Background()))

	assert.Equal(t, 1, a.UpdateRootCalls)
	assert.Equal(t, 1, b.UpdateRootCalls)
	assert.True(t, a.KnownRoots[tree.Root()])
	assert.True(t, b.KnownRoots[tree.Root()])

	known, err := ledger.IsKnownRoot(context.Background(), tree.Root())
	require.NoError(t, err)
	assert.True(t, known)
}

func TestNoRepublishWithoutNewLeaves(t *testing.T) {
	a := chaintest.New(1)
	p, tree, _ := newFixture(t, 3, a)

	insertLeaves(t, tree, 3)
	require.NoError(t, p.MaybePublish(context.Background()))
	require.NoError(t, p.MaybePublish(context.Background()))
	assert.Equal(t, 1, a.UpdateRootCalls)
}

func TestIntervalThreshold(t *testing.T) {
	a := chaintest.New(1)
	p, tree, _ := newFixture(t, 100, a)
	p.batchInterval = time.Millisecond

	insertLeaves(t, tree, 1)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, p.MaybePublish(context.Background()))
	assert.Equal(t, 1, a.UpdateRootCalls, "interval threshold alone must trigger a publish")
}

func TestPartialFailureRetriesNextTrigger(t *testing.T) {
	healthy := chaintest.New(1)
	broken := chaintest.New(2)
	broken.RPCErr = fmt.Errorf("connection refused")

	p, tree, _ := newFixture(t, 1, healthy, broken)
	insertLeaves(t, tree, 1)

	// One chain succeeding is enough for the publish to count.
	require.NoError(t, p.MaybePublish(context.Background()))
	assert.Equal(t, 1, healthy.UpdateRootCalls)
	assert.False(t, broken.KnownRoots[tree.Root()])

	// The failed chain is retried on the next threshold crossing.
	broken.RPCErr = nil
	insertLeaves(t, tree, 1)
	require.NoError(t, p.MaybePublish(context.Background()))
	assert.True(t, broken.KnownRoots[tree.Root()])
}

func TestAllChainsFailing(t *testing.T) {
	broken := chaintest.New(1)
	broken.RPCErr = fmt.Errorf("connection refused")
	p, tree, _ := newFixture(t, 1, broken)

	insertLeaves(t, tree, 1)
	err := p.MaybePublish(context.Background())
	require.Error(t, err)

	// State must not advance, so the next call retries.
	broken.RPCErr = nil
	require.NoError(t, p.MaybePublish(context.Background()))
	assert.True(t, broken.KnownRoots[tree.Root()])
}

func TestEnsureKnownOnChain(t *testing.T) {
	a := chaintest.New(1)
	p, tree, ledger := newFixture(t, 10, a)
	insertLeaves(t, tree, 1)
	root := tree.Root()

	require.NoError(t, p.EnsureKnownOnChain(context.Background(), 1, root))
	assert.Equal(t, 1, a.UpdateRootCalls)
	assert.True(t, a.KnownRoots[root])

	known, err := ledger.IsKnownRoot(context.Background(), root)
	require.NoError(t, err)
	assert.True(t, known)

	// Already known: no second publish.
	require.NoError(t, p.EnsureKnownOnChain(context.Background(), 1, root))
	assert.Equal(t, 1, a.UpdateRootCalls)
}

func TestEnsureKnownOnChainUnknownChain(t *testing.T) {
	p, _, _ := newFixture(t, 10, chaintest.New(1))
	err := p.EnsureKnownOnChain(context.Background(), 99, elem(0x01))
	require.Error(t, err)
}
