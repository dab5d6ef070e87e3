// Package watcher polls every configured chain for pool events and drives
// new deposits into the commitment tree and ledger in a deterministic global
// order. It is the only component that assigns leaf indexes to on-chain
// deposits.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shieldpool/relayer/internal/chain"
	"github.com/shieldpool/relayer/internal/events"
	"github.com/shieldpool/relayer/internal/field"
	"github.com/shieldpool/relayer/internal/locks"
	"github.com/shieldpool/relayer/internal/merkle"
	"github.com/shieldpool/relayer/internal/metrics"
	"github.com/shieldpool/relayer/internal/store"
)

// MaxRange caps a single poll window to bound RPC latency.
const MaxRange = 2000

// Watcher owns the per-chain scan cursors and the commitment dedup set.
type Watcher struct {
	adapters    []chain.Adapter
	startBlocks map[uint64]uint64
	ledger      *store.Store
	tree        *merkle.Tree
	bus         *events.Bus
	locks       *locks.KeyedLock
	metrics     *metrics.Metrics
	interval    time.Duration
	onNewLeaves func()
	logger      *slog.Logger

	mu    sync.Mutex
	dedup map[field.Element]struct{}
}

// Options configures a Watcher.
type Options struct {
	Adapters    []chain.Adapter
	StartBlocks map[uint64]uint64 // chain id -> first block to scan
	Ledger      *store.Store
	Tree        *merkle.Tree
	Bus         *events.Bus
	Locks       *locks.KeyedLock // shared with the proof pipeline
	Metrics     *metrics.Metrics
	Interval    time.Duration
	OnNewLeaves func() // publisher signal; called after a tick that inserted leaves
	Logger      *slog.Logger
}

// New constructs a Watcher. SeedDedup must run before the first tick.
func New(opts Options) *Watcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Locks == nil {
		opts.Locks = locks.NewKeyedLock()
	}
	return &Watcher{
		adapters:    opts.Adapters,
		startBlocks: opts.StartBlocks,
		ledger:      opts.Ledger,
		tree:        opts.Tree,
		bus:         opts.Bus,
		locks:       opts.Locks,
		metrics:     opts.Metrics,
		interval:    opts.Interval,
		onNewLeaves: opts.OnNewLeaves,
		logger:      logger.With("component", "watcher"),
		dedup:       make(map[field.Element]struct{}),
	}
}

// SeedDedup loads every persisted commitment into the dedup set, making
// observation idempotent across restarts.
func (w *Watcher) SeedDedup(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dedup = make(map[field.Element]struct{})
	return w.ledger.ForEachLeaf(ctx, func(leaf store.Leaf) error {
		w.dedup[leaf.Commitment] = struct{}{}
		return nil
	})
}

// MarkSeen records commitments inserted outside the watcher (off-chain
// transfer outputs), so a later on-chain echo cannot double-insert them.
func (w *Watcher) MarkSeen(commitments ...field.Element) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range commitments {
		w.dedup[c] = struct{}{}
	}
}

// Run polls on the configured interval until ctx is cancelled. The first
// tick fires immediately so a restarted relayer catches up without waiting.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.Tick(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("watcher tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// chainBatch is one chain's successful poll result.
type chainBatch struct {
	chainID     uint64
	deposits    []chain.DepositEvent
	withdrawals []chain.WithdrawalEvent
	newCursor   uint64
	scanned     bool
}

// Tick runs one poll cycle: fan out over all chains, merge results into the
// canonical order, insert new commitments, register the new root, advance
// cursors, and signal the publisher.
func (w *Watcher) Tick(ctx context.Context) error {
	batches := make([]chainBatch, len(w.adapters))
	var wg sync.WaitGroup
	for i, adapter := range w.adapters {
		wg.Add(1)
		go func(i int, adapter chain.Adapter) {
			defer wg.Done()
			batch, err := w.pollChain(ctx, adapter)
			if err != nil {
				// A failing chain falls behind and catches up later; it
				// must not block the others.
				w.metrics.CountRPCError(adapter.Name())
				w.logger.Warn("chain poll failed", "chain", adapter.ChainID(), "error", err)
				return
			}
			batches[i] = batch
		}(i, adapter)
	}
	wg.Wait()

	var deposits []chain.DepositEvent
	var withdrawals []chain.WithdrawalEvent
	for _, b := range batches {
		deposits = append(deposits, b.deposits...)
		withdrawals = append(withdrawals, b.withdrawals...)
	}

	// Canonical global ordering: leaf index assignment is a pure function
	// of (block, txIndex, logIndex, chainID).
	sort.Slice(deposits, func(i, j int) bool {
		a, b := deposits[i], deposits[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		if a.LogIndex != b.LogIndex {
			return a.LogIndex < b.LogIndex
		}
		return a.ChainID < b.ChainID
	})

	inserted, err := w.insertDeposits(ctx, deposits)
	if err != nil {
		return err
	}

	for _, ev := range withdrawals {
		if ev.Nullifier.IsZero() {
			continue
		}
		if err := w.recordWithdrawal(ctx, ev); err != nil {
			return err
		}
	}

	if inserted > 0 {
		root := w.tree.Root()
		// Pre-register the root locally so proofs referencing it validate
		// immediately; on-chain publication happens out-of-band.
		if err := w.ledger.InsertRoot(ctx, root, ""); err != nil {
			return fmt.Errorf("register local root: %w", err)
		}
		w.metrics.SetLeafCount(w.tree.LeafCount())
		w.bus.Publish(events.TypeRootUpdated, map[string]interface{}{
			"root":      root.Hex(),
			"leafCount": w.tree.LeafCount(),
		})
	}

	for _, b := range batches {
		if !b.scanned {
			continue
		}
		if err := w.ledger.SetScanCursor(ctx, b.chainID, b.newCursor); err != nil {
			return fmt.Errorf("advance cursor for chain %d: %w", b.chainID, err)
		}
	}

	w.metrics.CountTick()
	if inserted > 0 && w.onNewLeaves != nil {
		w.onNewLeaves()
	}
	return nil
}

// recordWithdrawal marks a nullifier spent by an on-chain withdrawal
// another relayer executed. It holds the nullifier's keyed lock so the
// insert cannot interleave with a pipeline rollback deleting the same key.
func (w *Watcher) recordWithdrawal(ctx context.Context, ev chain.WithdrawalEvent) error {
	release := w.locks.Acquire([]field.Element{ev.Nullifier})
	defer release()

	if err := w.ledger.InsertNullifier(ctx, ev.Nullifier, ev.TxHash.Hex()); err != nil {
		return fmt.Errorf("record on-chain withdrawal nullifier: %w", err)
	}
	w.bus.Publish(events.TypeNullifierSpent, map[string]interface{}{
		"nullifier": ev.Nullifier.Hex(),
		"txHash":    ev.TxHash.Hex(),
	})
	return nil
}

func (w *Watcher) pollChain(ctx context.Context, adapter chain.Adapter) (chainBatch, error) {
	chainID := adapter.ChainID()

	cursor, err := w.ledger.ScanCursor(ctx, chainID)
	if err != nil {
		return chainBatch{}, err
	}
	from := cursor + 1
	if start := w.startBlocks[chainID]; from < start {
		from = start
	}

	head, err := adapter.LatestBlock(ctx)
	if err != nil {
		return chainBatch{}, err
	}
	if from > head {
		return chainBatch{chainID: chainID}, nil
	}
	to := from + MaxRange - 1
	if to > head {
		to = head
	}

	deposits, err := adapter.FilterDeposits(ctx, from, to)
	if err != nil {
		return chainBatch{}, err
	}
	withdrawals, err := adapter.FilterWithdrawals(ctx, from, to)
	if err != nil {
		return chainBatch{}, err
	}

	return chainBatch{
		chainID:     chainID,
		deposits:    deposits,
		withdrawals: withdrawals,
		newCursor:   to,
		scanned:     true,
	}, nil
}

func (w *Watcher) insertDeposits(ctx context.Context, deposits []chain.DepositEvent) (int, error) {
	inserted := 0
	for _, dep := range deposits {
		w.mu.Lock()
		_, seen := w.dedup[dep.Commitment]
		if !seen {
			w.dedup[dep.Commitment] = struct{}{}
		}
		w.mu.Unlock()
		if seen {
			continue
		}

		index, err := w.tree.Insert(dep.Commitment)
		if err != nil {
			return inserted, fmt.Errorf("tree insert for chain %d: %w", dep.ChainID, err)
		}
		leaf := store.Leaf{
			Index:       index,
			Commitment:  dep.Commitment,
			ChainID:     dep.ChainID,
			BlockNumber: dep.BlockNumber,
			TxIndex:     dep.TxIndex,
			LogIndex:    dep.LogIndex,
			Asset:       dep.Asset,
			Amount:      dep.Amount,
			ObservedAt:  dep.Timestamp,
		}
		if err := w.ledger.InsertLeaf(ctx, leaf); err != nil {
			// The tree holds the leaf but the ledger does not; the cursor
			// stays put, so the window is rescanned after the next restart
			// rebuilds the tree from the ledger.
			return inserted, err
		}
		inserted++
		w.metrics.ObserveDeposit(fmt.Sprintf("%d", dep.ChainID))
		w.bus.Publish(events.TypeDepositObserved, map[string]interface{}{
			"commitment": dep.Commitment.Hex(),
			"leafIndex":  index,
			"chainId":    dep.ChainID,
		})
	}
	return inserted, nil
}
