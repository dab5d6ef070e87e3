// Package fees quotes the relay fee for a withdrawal: the projected gas cost
// of the on-chain call marked up by the configured margin. Quotes are cached
// in an in-process TTL LRU, optionally shared through Redis for multi-
// instance deployments.
package fees

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/shieldpool/relayer/internal/chain"
)

const (
	quoteTTL   = 30 * time.Second
	cacheSize  = 256
	redisScope = "relayer:fee:"
)

// Quote is a relay fee quote for one chain.
type Quote struct {
	ChainID      uint64   `json:"chainId"`
	GasPrice     *big.Int `json:"gasPrice"`
	GasLimit     uint64   `json:"gasLimit"`
	Fee          *big.Int `json:"fee"`
	FeeMarginBps int      `json:"feeMarginBps"`
	QuotedAt     int64    `json:"quotedAt"`
}

// Estimator computes and caches fee quotes.
type Estimator struct {
	adapters  map[uint64]chain.Adapter
	marginBps int
	cache     *lru.LRU[uint64, *Quote]
	redis     *redis.Client
	logger    *slog.Logger
}

// New builds an Estimator. redisClient may be nil; the in-process LRU then
// carries all caching.
func New(adapters map[uint64]chain.Adapter, marginBps int, redisClient *redis.Client, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	if marginBps <= 0 {
		marginBps = 2000
	}
	return &Estimator{
		adapters:  adapters,
		marginBps: marginBps,
		cache:     lru.NewLRU[uint64, *Quote](cacheSize, nil, quoteTTL),
		redis:     redisClient,
		logger:    logger.With("component", "fees"),
	}
}

// Estimate returns a fee quote for the chain, consulting the local cache,
// then Redis, then the chain's gas price oracle.
func (e *Estimator) Estimate(ctx context.Context, chainID uint64) (*Quote, error) {
	if q, ok := e.cache.Get(chainID); ok {
		return q, nil
	}
	if q := e.fromRedis(ctx, chainID); q != nil {
		e.cache.Add(chainID, q)
		return q, nil
	}

	adapter, ok := e.adapters[chainID]
	if !ok {
		return nil, fmt.Errorf("fees: no adapter for chain %d", chainID)
	}
	gasPrice, err := adapter.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	cost := new(big.Int).Mul(gasPrice, big.NewInt(chain.WithdrawGasLimit))
	margin := new(big.Int).Div(new(big.Int).Mul(cost, big.NewInt(int64(e.marginBps))), big.NewInt(10_000))
	quote := &Quote{
		ChainID:      chainID,
		GasPrice:     gasPrice,
		GasLimit:     chain.WithdrawGasLimit,
		Fee:          new(big.Int).Add(cost, margin),
		FeeMarginBps: e.marginBps,
		QuotedAt:     time.Now().Unix(),
	}

	e.cache.Add(chainID, quote)
	e.toRedis(ctx, chainID, quote)
	return quote, nil
}

func (e *Estimator) fromRedis(ctx context.Context, chainID uint64) *Quote {
	if e.redis == nil {
		return nil
	}
	raw, err := e.redis.Get(ctx, fmt.Sprintf("%s%d", redisScope, chainID)).Bytes()
	if err != nil {
		return nil
	}
	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil
	}
	return &q
}

func (e *Estimator) toRedis(ctx context.Context, chainID uint64, q *Quote) {
	if e.redis == nil {
		return
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := e.redis.Set(ctx, fmt.Sprintf("%s%d", redisScope, chainID), raw, quoteTTL).Err(); err != nil {
		e.logger.Warn("fee quote redis write failed", "chain", chainID, "error", err)
	}
}
