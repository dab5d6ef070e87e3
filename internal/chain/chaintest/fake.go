// Package chaintest provides an in-memory chain.Adapter for kernel tests:
// scripted heads, deposit logs, root oracle state, and withdraw outcomes.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/shieldpool/relayer/internal/chain"
	"github.com/shieldpool/relayer/internal/field"
)

// FakeAdapter is a scriptable chain.Adapter.
type FakeAdapter struct {
	mu sync.Mutex

	ID    uint64
	Label string

	Head        uint64
	Deposits    []chain.DepositEvent
	Withdrawals []chain.WithdrawalEvent
	KnownRoots  map[field.Element]bool
	GasPrice    *big.Int

	// VerifyResult is returned by VerifyProof when VerifyErr is nil.
	VerifyResult bool
	VerifyErr    error

	// WithdrawRevert makes submissions mine with a failed status.
	WithdrawRevert bool
	WithdrawErr    error

	// RPCErr, when set, fails LatestBlock, FilterDeposits,
	// FilterWithdrawals, IsKnownRoot, UpdateRoot and SuggestGasPrice.
	// Withdraw and VerifyProof ignore it.
	RPCErr error

	WithdrawCalls   int
	UpdateRootCalls int
	txCounter       int
}

// New creates a fake adapter for the given chain id.
func New(id uint64) *FakeAdapter {
	return &FakeAdapter{
		ID:         id,
		Label:      fmt.Sprintf("fake-%d", id),
		KnownRoots: make(map[field.Element]bool),
		GasPrice:   big.NewInt(1_000_000_000),
	}
}

func (f *FakeAdapter) ChainID() uint64 { return f.ID }
func (f *FakeAdapter) Name() string    { return f.Label }

func (f *FakeAdapter) LatestBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RPCErr != nil {
		return 0, f.RPCErr
	}
	return f.Head, nil
}

func (f *FakeAdapter) FilterDeposits(ctx context.Context, from, to uint64) ([]chain.DepositEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RPCErr != nil {
		return nil, f.RPCErr
	}
	var out []chain.DepositEvent
	for _, d := range f.Deposits {
		if d.BlockNumber >= from && d.BlockNumber <= to {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *FakeAdapter) FilterWithdrawals(ctx context.Context, from, to uint64) ([]chain.WithdrawalEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RPCErr != nil {
		return nil, f.RPCErr
	}
	var out []chain.WithdrawalEvent
	for _, wd := range f.Withdrawals {
		if wd.BlockNumber >= from && wd.BlockNumber <= to {
			out = append(out, wd)
		}
	}
	return out, nil
}

func (f *FakeAdapter) IsKnownRoot(ctx context.Context, root field.Element) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RPCErr != nil {
		return false, f.RPCErr
	}
	return f.KnownRoots[root], nil
}

func (f *FakeAdapter) UpdateRoot(ctx context.Context, root field.Element, gasLimit uint64) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RPCErr != nil {
		return nil, f.RPCErr
	}
	f.UpdateRootCalls++
	f.KnownRoots[root] = true
	return f.receipt(true), nil
}

func (f *FakeAdapter) Withdraw(ctx context.Context, call chain.WithdrawCall) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.WithdrawCalls++
	if f.WithdrawErr != nil {
		return nil, f.WithdrawErr
	}
	return f.receipt(!f.WithdrawRevert), nil
}

func (f *FakeAdapter) VerifyProof(ctx context.Context, proof [24][32]byte, signals [8]field.Element) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.VerifyErr != nil {
		return false, f.VerifyErr
	}
	return f.VerifyResult, nil
}

func (f *FakeAdapter) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RPCErr != nil {
		return nil, f.RPCErr
	}
	return new(big.Int).Set(f.GasPrice), nil
}

func (f *FakeAdapter) receipt(success bool) *chain.Receipt {
	f.txCounter++
	var hash common.Hash
	copy(hash[:], fmt.Sprintf("fake-tx-%d-%d", f.ID, f.txCounter))
	return &chain.Receipt{
		TxHash:      hash,
		BlockNumber: f.Head,
		GasUsed:     420_000,
		Success:     success,
	}
}

// AddDeposit scripts a deposit event on this chain.
func (f *FakeAdapter) AddDeposit(commitment field.Element, block uint64, txIndex, logIndex uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deposits = append(f.Deposits, chain.DepositEvent{
		Commitment:  commitment,
		ChainID:     f.ID,
		BlockNumber: block,
		TxIndex:     txIndex,
		LogIndex:    logIndex,
		Asset:       field.Element{},
		Amount:      big.NewInt(100),
	})
	if block > f.Head {
		f.Head = block
	}
}
