package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/shieldpool/relayer/internal/chain"
	"github.com/shieldpool/relayer/internal/events"
	"github.com/shieldpool/relayer/internal/field"
	"github.com/shieldpool/relayer/internal/relayerr"
)

// Withdraw relays a withdrawal on-chain. Validation runs cheapest-first; the
// nullifiers are reserved in the ledger before the on-chain call so a
// concurrent resubmission cannot double-relay while the call is in flight,
// and the reservation is rolled back if the chain reverts.
//
// Output commitments are NOT inserted here: the pool contract emits them as
// deposit events, which the watcher picks up on its next tick.
func (p *Pipeline) Withdraw(ctx context.Context, req WithdrawRequest) (*WithdrawResult, error) {
	logger := p.requestLogger("withdraw")
	started := time.Now()

	result, err := p.withdraw(ctx, req, logger)
	outcome := "ok"
	if err != nil {
		outcome = string(relayerr.KindOf(err))
	}
	p.metrics.CountProof("withdraw", outcome)
	p.metrics.TimeProof("withdraw", time.Since(started).Seconds())
	return result, err
}

func (p *Pipeline) withdraw(ctx context.Context, req WithdrawRequest, logger *slog.Logger) (*WithdrawResult, error) {
	proofBytes, _, err := decodeProof(req.Proof)
	if err != nil {
		return nil, err
	}
	sig, err := parseSignals(req.PublicSignals)
	if err != nil {
		return nil, err
	}
	recipient, err := recipientAddress(sig.Recipient)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(req.TokenAddress) {
		return nil, relayerr.New(relayerr.KindMalformedRequest, "tokenAddress is not a well-formed address")
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

	// The proof transaction reverts on a root the target chain has not
	// accepted yet, so publish first when needed.
	if err := p.publisher.EnsureKnownOnChain(ctx, req.TargetChainID, sig.MerkleRoot); err != nil {
		if errors.Is(err, chain.ErrUnavailable) {
			return nil, relayerr.Wrap(relayerr.KindRpcUnavailable, err, "root publication")
		}
		return nil, relayerr.Wrap(relayerr.KindInternal, err, "root publication")
	}

	// Optimistic reservation: mark the nullifiers spent before submitting.
	if err := p.reserveNullifiers(ctx, nullifiers); err != nil {
		return nil, err
	}

	receipt, err := adapter.Withdraw(ctx, chain.WithdrawCall{
		Proof:        proofBytes,
		MerkleRoot:   sig.MerkleRoot,
		Nullifier0:   sig.Nullifier0,
		Nullifier1:   sig.Nullifier1,
		Out0:         sig.Out0,
		Out1:         sig.Out1,
		PublicAmount: sig.PublicAmount,
		PublicAsset:  sig.PublicAsset,
		Recipient:    recipient,
		TokenAddress: common.HexToAddress(req.TokenAddress),
	})
	if err != nil {
		// Submission outcome unknown: keep the reservation rather than
		// risk a double relay; the watcher's Withdrawal log scan or the
		// next restart reconciles.
		logger.Warn("withdraw submission failed, keeping nullifier reservation",
			"chain", req.TargetChainID, "error", err)
		return nil, relayerr.Wrap(relayerr.KindRpcUnavailable, err, "withdraw submission")
	}
	if !receipt.Success {
		if rbErr := p.rollbackNullifiers(ctx, nullifiers); rbErr != nil {
			logger.Warn("nullifier rollback failed after revert", "error", rbErr)
			return nil, relayerr.Wrap(relayerr.KindInternal, rbErr, "rollback after revert")
		}
		return nil, relayerr.New(relayerr.KindOnChainRevert, "withdraw reverted on chain %d (tx %s)",
			req.TargetChainID, receipt.TxHash.Hex())
	}

	fee, feeErr := p.fees.Estimate(ctx, req.TargetChainID)
	result := &WithdrawResult{
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
	}
	if feeErr == nil {
		result.Fee = fee.Fee
	}

	logger.Info("withdrawal relayed", "chain", req.TargetChainID, "tx", result.TxHash,
		"block", result.BlockNumber, "gas_used", result.GasUsed)
	p.bus.Publish(events.TypeNullifierSpent, map[string]interface{}{
		"nullifier": sig.Nullifier0.Hex(),
		"txHash":    result.TxHash,
	})
	return result, nil
}

// reserveNullifiers writes all non-dummy nullifiers in one transaction.
func (p *Pipeline) reserveNullifiers(ctx context.Context, nullifiers []field.Element) error {
	tx, err := p.ledger.BeginImmediate(ctx)
	if err != nil {
		return relayerr.Wrap(relayerr.KindInternal, err, "reserve nullifiers")
	}
	defer tx.Rollback()
	for _, n := range nullifiers {
		if err := tx.InsertNullifier(ctx, n, ""); err != nil {
			return relayerr.Wrap(relayerr.KindInternal, err, "reserve nullifiers")
		}
	}
	if err := tx.Commit(); err != nil {
		return relayerr.Wrap(relayerr.KindInternal, err, "reserve nullifiers")
	}
	return nil
}

// rollbackNullifiers deletes the same set transactionally, restoring the
// pre-request nullifier state byte for byte.
func (p *Pipeline) rollbackNullifiers(ctx context.Context, nullifiers []field.Element) error {
	tx, err := p.ledger.BeginImmediate(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, n := range nullifiers {
		if err := tx.DeleteNullifier(ctx, n); err != nil {
			return err
		}
	}
	return tx.Commit()
}
