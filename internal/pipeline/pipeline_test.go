package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shieldpool/relayer/internal/chain"
	"github.com/shieldpool/relayer/internal/chain/chaintest"
	"github.com/shieldpool/relayer/internal/events"
	"github.com/shieldpool/relayer/internal/fees"
	"github.com/shieldpool/relayer/internal/field"
	"github.com/shieldpool/relayer/internal/locks"
	"github.com/shieldpool/relayer/internal/merkle"
	"github.com/shieldpool/relayer/internal/poseidon"
	"github.com/shieldpool/relayer/internal/publisher"
	"github.com/shieldpool/relayer/internal/relayerr"
	"github.com/shieldpool/relayer/internal/store"
)

// elem repeats b over the low 31 bytes; the zero top byte keeps every
// fixture below the BN254 scalar modulus.
func elem(b byte) field.Element {
	return field.MustParse("0x00" + strings.Repeat(fmt.Sprintf("%02x", b), 31))
}

var (
	validProof  = "0x" + strings.Repeat("00", 768)
	zeroHex     = field.Zero.Hex()
	recipient   = "0x" + strings.Repeat("00", 12) + strings.Repeat("ab", 20)
	tokenAddr   = "0x" + strings.Repeat("cd", 20)
	amountOne   = "0x" + strings.Repeat("00", 31) + "01"
	assetSignal = elem(0xee).Hex()
)

type fixture struct {
	pipe    *Pipeline
	tree    *merkle.Tree
	ledger  *store.Store
	adapter *chaintest.FakeAdapter
	root    field.Element
}

func newFixture(t *testing.T) *fixture {
	return newFixtureDepth(t, merkle.Depth)
}

func newFixtureDepth(t *testing.T, depth int) *fixture {
	t.Helper()
	ledger, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	tree := merkle.New(depth, poseidon.New())
	adapter := chaintest.New(1)
	adapter.VerifyResult = true
	adapters := map[uint64]chain.Adapter{1: adapter}
	bus := events.NewBus()

	pub := publisher.New(publisher.Options{
		Adapters: adapters,
		Ledger:   ledger,
		Tree:     tree,
		Bus:      bus,
	})

	pipe := New(Options{
		Tree:      tree,
		Ledger:    ledger,
		Locks:     locks.NewKeyedLock(),
		Adapters:  adapters,
		Publisher: pub,
		Fees:      fees.New(adapters, 2000, nil, nil),
		Bus:       bus,
		Metrics:   nil,
	})

	// Seed a known root: one deposit in the tree, registered locally and
	// accepted by the chain's root oracle.
	ctx := context.Background()
	_, err = tree.Insert(elem(0x01))
	require.NoError(t, err)
	root := tree.Root()
	require.NoError(t, ledger.InsertRoot(ctx, root, ""))
	adapter.KnownRoots[root] = true

	return &fixture{pipe: pipe, tree: tree, ledger: ledger, adapter: adapter, root: root}
}

func (f *fixture) signals(n0, n1, out0, out1, amount string) []string {
	return []string{f.root.Hex(), n0, n1, out0, out1, amount, assetSignal, recipient}
}

func (f *fixture) withdrawReq(n0 string) WithdrawRequest {
	return WithdrawRequest{
		Proof:         validProof,
		PublicSignals: f.signals(n0, zeroHex, zeroHex, zeroHex, amountOne),
		TargetChainID: 1,
		TokenAddress:  tokenAddr,
	}
}

func TestWithdrawSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.pipe.Withdraw(ctx, f.withdrawReq(elem(0x02).Hex()))
	require.NoError(t, err)
	assert.NotEmpty(t, result.TxHash)
	assert.NotZero(t, result.GasUsed)
	assert.NotNil(t, result.Fee)
	assert.Equal(t, 1, f.adapter.WithdrawCalls)

	spent, err := f.ledger.IsNullifierSpent(ctx, elem(0x02))
	require.NoError(t, err)
	assert.True(t, spent)
}

// E4: replaying an accepted withdrawal is rejected without a second
// on-chain call.
func TestWithdrawReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.withdrawReq(elem(0x02).Hex())

	_, err := f.pipe.Withdraw(ctx, req)
	require.NoError(t, err)

	_, err = f.pipe.Withdraw(ctx, req)
	require.Error(t, err)
	assert.Equal(t, relayerr.KindNullifierSpent, relayerr.KindOf(err))
	assert.Contains(t, err.Error(), "nullifier 0")
	assert.Equal(t, 1, f.adapter.WithdrawCalls, "no second on-chain call")
}

// E5: an on-chain revert rolls the optimistic nullifier marking back, and a
// corrected resubmission with the same nullifier succeeds.
func TestWithdrawRevertRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.withdrawReq(elem(0x02).Hex())

	f.adapter.WithdrawRevert = true
	_, err := f.pipe.Withdraw(ctx, req)
	require.Error(t, err)
	assert.Equal(t, relayerr.KindOnChainRevert, relayerr.KindOf(err))

	spent, err := f.ledger.IsNullifierSpent(ctx, elem(0x02))
	require.NoError(t, err)
	assert.False(t, spent, "nullifier state must equal its pre-request state")

	f.adapter.WithdrawRevert = false
	_, err = f.pipe.Withdraw(ctx, req)
	require.NoError(t, err)
}

// Property 9: the proof format gate fires before any persistent state is touched.
func TestProofLengthGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, proof := range []string{
		"0x" + strings.Repeat("00", 767), // short
		"0x" + strings.Repeat("00", 769), // long
		strings.Repeat("00", 769),        // missing prefix
		"0x" + strings.Repeat("zz", 768), // not hex
	} {
		req := f.withdrawReq(elem(0x02).Hex())
		req.Proof = proof
		_, err := f.pipe.Withdraw(ctx, req)
		require.Error(t, err)
		assert.Equal(t, relayerr.KindMalformedRequest, relayerr.KindOf(err))
	}

	spent, err := f.ledger.IsNullifierSpent(ctx, elem(0x02))
	require.NoError(t, err)
	assert.False(t, spent)
	assert.Equal(t, 0, f.adapter.WithdrawCalls)
}

// Proof words are opaque bytes32 (base-field curve coordinates), so a word
// above the scalar-field modulus must pass the format gate.
func TestProofWordsAboveScalarModulusAccepted(t *testing.T) {
	f := newFixture(t)
	req := f.withdrawReq(elem(0x02).Hex())
	req.Proof = "0x" + strings.Repeat("ff", 32) + strings.Repeat("00", 736)

	_, err := f.pipe.Withdraw(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, f.adapter.WithdrawCalls)
}

func TestWithdrawUnknownRoot(t *testing.T) {
	f := newFixture(t)
	req := f.withdrawReq(elem(0x02).Hex())
	req.PublicSignals[0] = elem(0x77).Hex()

	_, err := f.pipe.Withdraw(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, relayerr.KindUnknownRoot, relayerr.KindOf(err))
	assert.True(t, relayerr.KindOf(err).Retryable())
}

func TestWithdrawUnsupportedChain(t *testing.T) {
	f := newFixture(t)
	req := f.withdrawReq(elem(0x02).Hex())
	req.TargetChainID = 99

	_, err := f.pipe.Withdraw(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, relayerr.KindUnsupportedChain, relayerr.KindOf(err))
}

func TestWithdrawMalformedFieldSignal(t *testing.T) {
	f := newFixture(t)
	req := f.withdrawReq(elem(0x02).Hex())
	req.PublicSignals[1] = "0x" + strings.Repeat("ff", 32) // >= modulus

	_, err := f.pipe.Withdraw(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, relayerr.KindMalformedField, relayerr.KindOf(err))
}

func TestWithdrawBadRecipient(t *testing.T) {
	f := newFixture(t)
	req := f.withdrawReq(elem(0x02).Hex())
	// Recipient exceeding 160 bits is not an address.
	req.PublicSignals[7] = "0x" + "01" + strings.Repeat("00", 11) + strings.Repeat("ab", 20)

	_, err := f.pipe.Withdraw(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, relayerr.KindMalformedRequest, relayerr.KindOf(err))
}

func TestWithdrawPublishesRootOnDemand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The target chain does not know the root yet.
	delete(f.adapter.KnownRoots, f.root)

	_, err := f.pipe.Withdraw(ctx, f.withdrawReq(elem(0x02).Hex()))
	require.NoError(t, err)
	assert.Equal(t, 1, f.adapter.UpdateRootCalls, "root published before the proof call")
	assert.True(t, f.adapter.KnownRoots[f.root])
}

// Property 3: concurrent requests with the same nullifier produce exactly
// one success and one NullifierSpent, with a single on-chain submission.
func TestConcurrentWithdrawSameNullifier(t *testing.T) {
	f := newFixture(t)
	req := f.withdrawReq(elem(0x02).Hex())

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.pipe.Withdraw(context.Background(), req)
		}(i)
	}
	wg.Wait()

	successes, spentErrs := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case relayerr.KindOf(err) == relayerr.KindNullifierSpent:
			spentErrs++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, spentErrs)
	assert.Equal(t, 1, f.adapter.WithdrawCalls)
}

func (f *fixture) transferReq(n0, n1, out0, out1, amount string) TransferRequest {
	return TransferRequest{
		Proof:         validProof,
		PublicSignals: f.signals(n0, n1, out0, out1, amount),
		TargetChainID: 1,
	}
}

// E6: a non-zero publicAmount fails before any state mutation.
func TestTransferNonZeroAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.transferReq(elem(0x02).Hex(), zeroHex, elem(0x31).Hex(), zeroHex, amountOne)
	_, err := f.pipe.Transfer(ctx, req)
	require.Error(t, err)
	assert.Equal(t, relayerr.KindInvalidTransfer, relayerr.KindOf(err))

	assert.Equal(t, uint64(1), f.tree.LeafCount(), "no leaves inserted")
	spent, err := f.ledger.IsNullifierSpent(ctx, elem(0x02))
	require.NoError(t, err)
	assert.False(t, spent)
}

func TestTransferSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var seen []field.Element
	f.pipe.markSeen = func(cs ...field.Element) { seen = append(seen, cs...) }

	req := f.transferReq(elem(0x02).Hex(), elem(0x03).Hex(), elem(0x31).Hex(), elem(0x32).Hex(), zeroHex)
	result, err := f.pipe.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, result.LeafIndexes)
	assert.Equal(t, uint64(3), f.tree.LeafCount())

	for _, n := range []field.Element{elem(0x02), elem(0x03)} {
		spent, err := f.ledger.IsNullifierSpent(ctx, n)
		require.NoError(t, err)
		assert.True(t, spent)
	}

	// Output leaves are persisted with zero source coordinates.
	leaf, err := f.ledger.GetLeafByCommitment(ctx, elem(0x31))
	require.NoError(t, err)
	require.NotNil(t, leaf)
	assert.Equal(t, uint64(0), leaf.BlockNumber)
	assert.Equal(t, uint64(0), leaf.ChainID)

	// The post-transfer root is immediately known.
	known, err := f.ledger.IsKnownRoot(ctx, f.tree.Root())
	require.NoError(t, err)
	assert.True(t, known)

	assert.Equal(t, []field.Element{elem(0x31), elem(0x32)}, seen)
}

func TestTransferInvalidProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.adapter.VerifyResult = false

	req := f.transferReq(elem(0x02).Hex(), zeroHex, elem(0x31).Hex(), zeroHex, zeroHex)
	_, err := f.pipe.Transfer(ctx, req)
	require.Error(t, err)
	assert.Equal(t, relayerr.KindInvalidProof, relayerr.KindOf(err))

	assert.Equal(t, uint64(1), f.tree.LeafCount())
	spent, err := f.ledger.IsNullifierSpent(ctx, elem(0x02))
	require.NoError(t, err)
	assert.False(t, spent)
}

// Property 10: a zero nullifier1 skips the not-spent check and is never
// persisted.
func TestTransferDummyNullifierBypass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.transferReq(elem(0x02).Hex(), zeroHex, elem(0x31).Hex(), zeroHex, zeroHex)
	_, err := f.pipe.Transfer(ctx, req)
	require.NoError(t, err)

	spent, err := f.ledger.IsNullifierSpent(ctx, field.Zero)
	require.NoError(t, err)
	assert.False(t, spent, "the dummy zero nullifier must never be stored")
}

func TestTransferZeroNullifier0Rejected(t *testing.T) {
	f := newFixture(t)
	req := f.transferReq(zeroHex, zeroHex, elem(0x31).Hex(), zeroHex, zeroHex)
	_, err := f.pipe.Transfer(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, relayerr.KindMalformedRequest, relayerr.KindOf(err))
}

func TestTransferTreeFull(t *testing.T) {
	f := newFixtureDepth(t, 1) // capacity 2, one leaf seeded
	ctx := context.Background()

	// Two outputs cannot fit in the single remaining slot.
	req := f.transferReq(elem(0x02).Hex(), zeroHex, elem(0x31).Hex(), elem(0x32).Hex(), zeroHex)
	_, err := f.pipe.Transfer(ctx, req)
	require.Error(t, err)
	assert.Equal(t, relayerr.KindTreeFull, relayerr.KindOf(err))

	assert.Equal(t, uint64(1), f.tree.LeafCount(), "capacity pre-check fires before any insert")
	spent, err := f.ledger.IsNullifierSpent(ctx, elem(0x02))
	require.NoError(t, err)
	assert.False(t, spent)
}

func TestTransferReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.transferReq(elem(0x02).Hex(), zeroHex, elem(0x31).Hex(), zeroHex, zeroHex)
	_, err := f.pipe.Transfer(ctx, req)
	require.NoError(t, err)

	_, err = f.pipe.Transfer(ctx, req)
	require.Error(t, err)
	assert.Equal(t, relayerr.KindNullifierSpent, relayerr.KindOf(err))
}

func TestConcurrentMixedRequestsSameNullifier(t *testing.T) {
	f := newFixture(t)

	withdrawReq := f.withdrawReq(elem(0x02).Hex())
	transferReq := f.transferReq(elem(0x02).Hex(), zeroHex, elem(0x31).Hex(), zeroHex, zeroHex)

	var wg sync.WaitGroup
	var wErr, tErr error
	wg.Add(2)
	go func() { defer wg.Done(); _, wErr = f.pipe.Withdraw(context.Background(), withdrawReq) }()
	go func() { defer wg.Done(); _, tErr = f.pipe.Transfer(context.Background(), transferReq) }()
	wg.Wait()

	successes := 0
	for _, err := range []error{wErr, tErr} {
		if err == nil {
			successes++
		} else {
			assert.Equal(t, relayerr.KindNullifierSpent, relayerr.KindOf(err))
		}
	}
	assert.Equal(t, 1, successes, "exactly one of the overlapping requests wins")
}
