// Package relayer wires the kernel together and owns its lifecycle: boot
// recovery, background workers, and shutdown.
package relayer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shieldpool/relayer/internal/chain"
	"github.com/shieldpool/relayer/internal/config"
	"github.com/shieldpool/relayer/internal/events"
	"github.com/shieldpool/relayer/internal/fees"
	"github.com/shieldpool/relayer/internal/locks"
	"github.com/shieldpool/relayer/internal/merkle"
	"github.com/shieldpool/relayer/internal/metrics"
	"github.com/shieldpool/relayer/internal/pipeline"
	"github.com/shieldpool/relayer/internal/poseidon"
	"github.com/shieldpool/relayer/internal/publisher"
	"github.com/shieldpool/relayer/internal/store"
	"github.com/shieldpool/relayer/internal/watcher"

	"github.com/redis/go-redis/v9"
)

// Service is the assembled relayer kernel.
type Service struct {
	Cfg       *config.Config
	Hasher    *poseidon.Hasher
	Tree      *merkle.Tree
	Ledger    *store.Store
	Locks     *locks.KeyedLock
	Bus       *events.Bus
	Metrics   *metrics.Metrics
	Watcher   *watcher.Watcher
	Publisher *publisher.Publisher
	Pipeline  *pipeline.Pipeline
	Fees      *fees.Estimator
	Adapters  map[uint64]chain.Adapter

	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options for assembling a Service. Adapters are injected so tests can use
// fakes instead of live RPC connections.
type Options struct {
	Cfg      *config.Config
	Ledger   *store.Store
	Adapters map[uint64]chain.Adapter
	Metrics  *metrics.Metrics
	Redis    *redis.Client
	Logger   *slog.Logger
}

// New assembles the kernel without starting it. Boot must run before Start.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hasher := poseidon.New()
	tree := merkle.New(merkle.Depth, hasher)
	bus := events.NewBus()

	adapterList := make([]chain.Adapter, 0, len(opts.Adapters))
	startBlocks := make(map[uint64]uint64, len(opts.Adapters))
	for _, a := range opts.Adapters {
		adapterList = append(adapterList, a)
		if cc, ok := opts.Cfg.Chain(a.ChainID()); ok {
			startBlocks[a.ChainID()] = cc.StartBlock
		}
	}

	pub := publisher.New(publisher.Options{
		Adapters:      opts.Adapters,
		Ledger:        opts.Ledger,
		Tree:          tree,
		Bus:           bus,
		Metrics:       opts.Metrics,
		BatchSize:     opts.Cfg.BatchSize,
		BatchInterval: time.Duration(opts.Cfg.BatchIntervalMs) * time.Millisecond,
		Logger:        logger,
	})

	// One lock table serializes every nullifier writer: the proof pipeline
	// and the watcher's withdrawal-event recording.
	lockTable := locks.NewKeyedLock()

	w := watcher.New(watcher.Options{
		Adapters:    adapterList,
		StartBlocks: startBlocks,
		Ledger:      opts.Ledger,
		Tree:        tree,
		Bus:         bus,
		Locks:       lockTable,
		Metrics:     opts.Metrics,
		Interval:    time.Duration(opts.Cfg.PollIntervalMs) * time.Millisecond,
		OnNewLeaves: pub.Trigger,
		Logger:      logger,
	})

	estimator := fees.New(opts.Adapters, opts.Cfg.FeeMarginBps, opts.Redis, logger)

	pipe := pipeline.New(pipeline.Options{
		Tree:      tree,
		Ledger:    opts.Ledger,
		Locks:     lockTable,
		Adapters:  opts.Adapters,
		Publisher: pub,
		Fees:      estimator,
		Bus:       bus,
		Metrics:   opts.Metrics,
		MarkSeen:  w.MarkSeen,
		Logger:    logger,
	})

	return &Service{
		Cfg:       opts.Cfg,
		Hasher:    hasher,
		Tree:      tree,
		Ledger:    opts.Ledger,
		Locks:     lockTable,
		Bus:       bus,
		Metrics:   opts.Metrics,
		Watcher:   w,
		Publisher: pub,
		Pipeline:  pipe,
		Fees:      estimator,
		Adapters:  opts.Adapters,
		logger:    logger.With("component", "relayer"),
	}
}

// Boot rebuilds the in-memory tree from the ledger and seeds the watcher's
// dedup set. The ledger is the source of truth: leaves a crash left in the
// old tree but not in the ledger are simply gone after boot.
func (s *Service) Boot(ctx context.Context) error {
	replayed := 0
	err := s.Ledger.ForEachLeaf(ctx, func(leaf store.Leaf) error {
		// The tree is not shared yet, but Insert's lock is uncontended and
		// keeps the replay path identical to the live path.
		index, err := s.Tree.Insert(leaf.Commitment)
		if err != nil {
			return err
		}
		if index != leaf.Index {
			return fmt.Errorf("boot: ledger leaf %d replayed at index %d", leaf.Index, index)
		}
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("boot: replay leaves: %w", err)
	}

	root := s.Tree.Root()
	latest, err := s.Ledger.LatestRoot(ctx)
	if err != nil {
		return fmt.Errorf("boot: latest root: %w", err)
	}
	if replayed > 0 && (latest == nil || latest.Root != root) {
		// Self-heal: the rebuilt tree is authoritative for the current root.
		s.logger.Warn("ledger root out of sync with rebuilt tree, self-healing", "root", root.Hex())
		if err := s.Ledger.InsertRoot(ctx, root, ""); err != nil {
			return fmt.Errorf("boot: self-heal root: %w", err)
		}
	}

	if err := s.Watcher.SeedDedup(ctx); err != nil {
		return fmt.Errorf("boot: seed dedup: %w", err)
	}

	s.Metrics.SetLeafCount(s.Tree.LeafCount())
	s.logger.Info("boot complete", "leaves", replayed, "root", root.Hex())
	return nil
}

// Start launches the watcher and publisher workers.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.Watcher.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.Publisher.Run(runCtx)
	}()
	s.logger.Info("background workers started", "chains", len(s.Adapters))
}

// Shutdown stops the workers and closes the ledger.
func (s *Service) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if err := s.Ledger.Close(); err != nil {
		s.logger.Warn("ledger close failed", "error", err)
	}
	s.logger.Info("relayer stopped")
}
