package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/shieldpool/relayer/internal/chain"
	"github.com/shieldpool/relayer/internal/events"
	"github.com/shieldpool/relayer/internal/field"
	"github.com/shieldpool/relayer/internal/relayerr"
	"github.com/shieldpool/relayer/internal/store"
)

// Transfer executes a purely off-chain state transition: both input notes
// are consumed and up to two output commitments join the tree. The proof is
// checked through the on-chain verifier's view method, so no gas is spent
// and no on-chain write occurs.
//
// Ordering inside the critical section: the in-memory tree inserts run
// first (fast, append-only), then one ledger transaction records nullifiers
// and leaves atomically. A crash between tree and ledger is harmless
// because boot rebuilds the tree from the ledger, dropping leaves that were
// never committed.
func (p *Pipeline) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	logger := p.requestLogger("transfer")
	started := time.Now()

	result, err := p.transfer(ctx, req, logger)
	outcome := "ok"
	if err != nil {
		outcome = string(relayerr.KindOf(err))
	}
	p.metrics.CountProof("transfer", outcome)
	p.metrics.TimeProof("transfer", time.Since(started).Seconds())
	return result, err
}

func (p *Pipeline) transfer(ctx context.Context, req TransferRequest, logger *slog.Logger) (*TransferResult, error) {
	sig, err := parseSignals(req.PublicSignals)
	if err != nil {
		return nil, err
	}
	// No value crosses the pool boundary on a transfer.
	if !sig.PublicAmount.IsZero() {
		return nil, relayerr.New(relayerr.KindInvalidTransfer, "publicAmount must be zero on a transfer")
	}
	_, proofWords, err := decodeProof(req.Proof)
	if err != nil {
		return nil, err
	}
	adapter, err := p.adapter(req.TargetChainID)
	if err != nil {
		return nil, err
	}
	if err := p.requireKnownRoot(ctx, sig.MerkleRoot); err != nil {
		return nil, err
	}

	nullifiers, err := nullifierSet(sig)
	if err != nil {
		return nil, err
	}
	release := p.locks.Acquire(nullifiers)
	defer release()

	if err := p.checkNotSpent(ctx, sig); err != nil {
		return nil, err
	}

	valid, err := adapter.VerifyProof(ctx, proofWords, sig.Array())
	if err != nil {
		if errors.Is(err, chain.ErrUnavailable) {
			return nil, relayerr.Wrap(relayerr.KindRpcUnavailable, err, "verifier staticcall")
		}
		return nil, relayerr.Wrap(relayerr.KindInternal, err, "verifier staticcall")
	}
	if !valid {
		return nil, relayerr.New(relayerr.KindInvalidProof, "verifier rejected the proof")
	}

	outputs := make([]field.Element, 0, 2)
	if !sig.Out0.IsZero() {
		outputs = append(outputs, sig.Out0)
	}
	if !sig.Out1.IsZero() {
		outputs = append(outputs, sig.Out1)
	}

	if p.tree.LeafCount()+uint64(len(outputs)) > p.tree.Capacity() {
		return nil, relayerr.New(relayerr.KindTreeFull, "commitment tree capacity exhausted")
	}

	indexes := make([]uint64, 0, len(outputs))
	for _, out := range outputs {
		index, err := p.tree.Insert(out)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.KindTreeFull, err, "tree insert")
		}
		indexes = append(indexes, index)
	}

	// One atomic write: nullifiers and leaves land together or not at all.
	tx, err := p.ledger.BeginImmediate(ctx)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindInternal, err, "transfer transaction")
	}
	defer tx.Rollback()
	for _, n := range nullifiers {
		if err := tx.InsertNullifier(ctx, n, ""); err != nil {
			return nil, relayerr.Wrap(relayerr.KindInternal, err, "transfer transaction")
		}
	}
	now := time.Now().UTC()
	for i, out := range outputs {
		leaf := store.Leaf{
			Index:      indexes[i],
			Commitment: out,
			// A transfer is off-chain: no source coordinates.
			ChainID:     0,
			BlockNumber: 0,
			TxIndex:     0,
			LogIndex:    0,
			Asset:       sig.PublicAsset,
			Amount:      big.NewInt(0),
			ObservedAt:  now,
		}
		if err := tx.InsertLeaf(ctx, leaf); err != nil {
			return nil, relayerr.Wrap(relayerr.KindInternal, err, "transfer transaction")
		}
	}
	if err := tx.Commit(); err != nil {
		// The tree now leads the ledger; boot replay reconciles.
		return nil, relayerr.Wrap(relayerr.KindInternal, err, "transfer commit")
	}

	if len(outputs) > 0 {
		root := p.tree.Root()
		if err := p.ledger.InsertRoot(ctx, root, ""); err != nil {
			return nil, relayerr.Wrap(relayerr.KindInternal, err, "register transfer root")
		}
		if p.markSeen != nil {
			p.markSeen(outputs...)
		}
		p.metrics.SetLeafCount(p.tree.LeafCount())
		p.bus.Publish(events.TypeRootUpdated, map[string]interface{}{
			"root":      root.Hex(),
			"leafCount": p.tree.LeafCount(),
		})
	}

	logger.Info("transfer accepted", "chain", req.TargetChainID, "outputs", len(outputs))
	return &TransferResult{LeafIndexes: indexes}, nil
}
