// Package publisher pushes the commitment tree root on-chain. Publication is
// batched: a publish fires when enough new leaves have accumulated or enough
// time has passed, and the pipeline can force a single-chain publish when a
// proof's root is not yet known to its target chain.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shieldpool/relayer/internal/chain"
	"github.com/shieldpool/relayer/internal/events"
	"github.com/shieldpool/relayer/internal/field"
	"github.com/shieldpool/relayer/internal/merkle"
	"github.com/shieldpool/relayer/internal/metrics"
	"github.com/shieldpool/relayer/internal/store"
)

// Publisher owns the batching state and the publish self-lock.
type Publisher struct {
	adapters map[uint64]chain.Adapter
	ledger   *store.Store
	tree     *merkle.Tree
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger

	batchSize     int
	batchInterval time.Duration

	trigger chan struct{}

	mu                 sync.Mutex // publish self-lock
	lastPublishedCount uint64
	lastPublishTime    time.Time
}

// Options configures a Publisher.
type Options struct {
	Adapters      map[uint64]chain.Adapter
	Ledger        *store.Store
	Tree          *merkle.Tree
	Bus           *events.Bus
	Metrics       *metrics.Metrics
	BatchSize     int
	BatchInterval time.Duration
	Logger        *slog.Logger
}

// New constructs a Publisher.
func New(opts Options) *Publisher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = 5 * time.Minute
	}
	return &Publisher{
		adapters:        opts.Adapters,
		ledger:          opts.Ledger,
		tree:            opts.Tree,
		bus:             opts.Bus,
		metrics:         opts.Metrics,
		logger:          logger.With("component", "publisher"),
		batchSize:       opts.BatchSize,
		batchInterval:   opts.BatchInterval,
		trigger:         make(chan struct{}, 1),
		lastPublishTime: time.Now(),
	}
}

// Trigger requests a publish check. Non-blocking; coalesces with a pending
// trigger.
func (p *Publisher) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run services triggers and the batch-interval timer until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.trigger:
		case <-ticker.C:
		}
		if err := p.MaybePublish(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("root publish failed", "error", err)
		}
	}
}

// MaybePublish publishes the current root when either batching threshold is
// met. Chains that fail are retried implicitly on the next trigger or tick.
func (p *Publisher) MaybePublish(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	leafCount := p.tree.LeafCount()
	newLeaves := leafCount - p.lastPublishedCount
	elapsed := time.Since(p.lastPublishTime)
	if newLeaves == 0 {
		return nil
	}
	if int(newLeaves) < p.batchSize && elapsed < p.batchInterval {
		return nil
	}
	return p.publishLocked(ctx, leafCount)
}

// PublishNow publishes the current root unconditionally (operator surface
// and tests).
func (p *Publisher) PublishNow(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publishLocked(ctx, p.tree.LeafCount())
}

func (p *Publisher) publishLocked(ctx context.Context, leafCount uint64) error {
	root := p.tree.Root()

	type result struct {
		chainID uint64
		receipt *chain.Receipt
		err     error
	}
	results := make(chan result, len(p.adapters))
	for _, adapter := range p.adapters {
		go func(adapter chain.Adapter) {
			receipt, err := adapter.UpdateRoot(ctx, root, chain.UpdateRootGasLimit)
			results <- result{chainID: adapter.ChainID(), receipt: receipt, err: err}
		}(adapter)
	}

	succeeded := 0
	var lastTxHash string
	for range p.adapters {
		r := <-results
		name := fmt.Sprintf("%d", r.chainID)
		switch {
		case r.err != nil:
			p.metrics.CountPublish(name, "error")
			p.logger.Warn("updateRoot failed", "chain", r.chainID, "error", r.err)
		case !r.receipt.Success:
			p.metrics.CountPublish(name, "revert")
			p.logger.Warn("updateRoot reverted", "chain", r.chainID, "tx", r.receipt.TxHash.Hex())
		default:
			p.metrics.CountPublish(name, "ok")
			succeeded++
			lastTxHash = r.receipt.TxHash.Hex()
			p.logger.Info("root published", "chain", r.chainID, "root", root.Hex(), "tx", lastTxHash)
		}
	}

	if succeeded == 0 {
		return fmt.Errorf("root publication failed on all %d chains", len(p.adapters))
	}

	// Usually redundant with the watcher's local insert, but it records the
	// publication tx hash.
	if err := p.ledger.InsertRoot(ctx, root, lastTxHash); err != nil {
		return fmt.Errorf("record published root: %w", err)
	}
	p.lastPublishedCount = leafCount
	p.lastPublishTime = time.Now()
	p.bus.Publish(events.TypeRootPublished, map[string]interface{}{
		"root":      root.Hex(),
		"leafCount": leafCount,
		"chains":    succeeded,
	})
	return nil
}

// EnsureKnownOnChain checks the target chain's root oracle and, when the
// root is unknown there, publishes it first with UpdateRootGasLimit, the
// same limit batched publishes use.
// The pipeline calls this before submitting a withdrawal so the proof
// transaction cannot waste gas on an unknown-root revert.
func (p *Publisher) EnsureKnownOnChain(ctx context.Context, chainID uint64, root field.Element) error {
	adapter, ok := p.adapters[chainID]
	if !ok {
		return fmt.Errorf("no adapter for chain %d", chainID)
	}
	known, err := adapter.IsKnownRoot(ctx, root)
	if err != nil {
		return err
	}
	if known {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	receipt, err := adapter.UpdateRoot(ctx, root, chain.UpdateRootGasLimit)
	if err != nil {
		return err
	}
	if !receipt.Success {
		return fmt.Errorf("on-demand updateRoot reverted on chain %d (tx %s)", chainID, receipt.TxHash.Hex())
	}
	if err := p.ledger.InsertRoot(ctx, root, receipt.TxHash.Hex()); err != nil {
		return err
	}
	p.logger.Info("root published on demand", "chain", chainID, "root", root.Hex(), "tx", receipt.TxHash.Hex())
	return nil
}
