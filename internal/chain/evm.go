package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/shieldpool/relayer/internal/circuitbreaker"
	"github.com/shieldpool/relayer/internal/config"
	"github.com/shieldpool/relayer/internal/field"
)

const (
	rpcCallTimeout  = 15 * time.Second
	receiptInterval = 2 * time.Second
)

// EVMAdapter implements Adapter over an ethclient connection. Reads go
// through a circuit breaker; writes serialize on sendMu so at most one
// relayer transaction is in flight per chain.
type EVMAdapter struct {
	cfg      config.ChainConfig
	client   *ethclient.Client
	wallet   *Wallet
	pool     abi.ABI
	verifier abi.ABI
	poolAddr common.Address
	verAddr  common.Address
	breaker  *circuitbreaker.Breaker
	signer   types.Signer
	logger   *slog.Logger

	sendMu sync.Mutex
}

// Dial connects to a chain's RPC endpoint and builds its adapter.
func Dial(cfg config.ChainConfig, wallet *Wallet, logger *slog.Logger) (*EVMAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain %d (%s): %w", cfg.ChainID, cfg.Name, err)
	}
	pool, err := abi.JSON(strings.NewReader(poolABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	verifier, err := abi.JSON(strings.NewReader(verifierABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse verifier abi: %w", err)
	}
	return &EVMAdapter{
		cfg:      cfg,
		client:   client,
		wallet:   wallet,
		pool:     pool,
		verifier: verifier,
		poolAddr: common.HexToAddress(cfg.PoolAddress),
		verAddr:  common.HexToAddress(cfg.VerifierAddress),
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig(fmt.Sprintf("rpc-%d", cfg.ChainID))),
		signer:   types.LatestSignerForChainID(new(big.Int).SetUint64(cfg.ChainID)),
		logger:   logger.With("chain", cfg.ChainID),
	}, nil
}

func (a *EVMAdapter) ChainID() uint64 { return a.cfg.ChainID }
func (a *EVMAdapter) Name() string    { return a.cfg.Name }

// guard wraps an RPC read in the breaker and per-call timeout, tagging
// failures as ErrUnavailable.
func (a *EVMAdapter) guard(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := a.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		return fmt.Errorf("%w: chain %d %s: %v", ErrUnavailable, a.cfg.ChainID, op, err)
	}
	return nil
}

// LatestBlock returns the chain head number.
func (a *EVMAdapter) LatestBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := a.guard(ctx, "blockNumber", func(ctx context.Context) error {
		var err error
		head, err = a.client.BlockNumber(ctx)
		return err
	})
	return head, err
}

// FilterDeposits fetches and parses DepositQueued logs in [from, to].
func (a *EVMAdapter) FilterDeposits(ctx context.Context, from, to uint64) ([]DepositEvent, error) {
	logs, err := a.filterLogs(ctx, from, to, a.pool.Events["DepositQueued"].ID)
	if err != nil {
		return nil, err
	}
	deposits := make([]DepositEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := a.parseDeposit(lg)
		if err != nil {
			a.logger.Warn("skipping unparseable deposit log", "block", lg.BlockNumber, "log_index", lg.Index, "error", err)
			continue
		}
		deposits = append(deposits, ev)
	}
	return deposits, nil
}

// FilterWithdrawals fetches and parses Withdrawal logs in [from, to].
func (a *EVMAdapter) FilterWithdrawals(ctx context.Context, from, to uint64) ([]WithdrawalEvent, error) {
	logs, err := a.filterLogs(ctx, from, to, a.pool.Events["Withdrawal"].ID)
	if err != nil {
		return nil, err
	}
	events := make([]WithdrawalEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := a.parseWithdrawal(lg)
		if err != nil {
			a.logger.Warn("skipping unparseable withdrawal log", "block", lg.BlockNumber, "log_index", lg.Index, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (a *EVMAdapter) filterLogs(ctx context.Context, from, to uint64, topic common.Hash) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{a.poolAddr},
		Topics:    [][]common.Hash{{topic}},
	}
	var logs []types.Log
	err := a.guard(ctx, "getLogs", func(ctx context.Context) error {
		var err error
		logs, err = a.client.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

func (a *EVMAdapter) parseDeposit(lg types.Log) (DepositEvent, error) {
	values, err := a.pool.Unpack("DepositQueued", lg.Data)
	if err != nil {
		return DepositEvent{}, fmt.Errorf("unpack DepositQueued: %w", err)
	}
	if len(values) != 5 {
		return DepositEvent{}, fmt.Errorf("DepositQueued arity %d", len(values))
	}
	commitmentRaw, ok := values[0].([32]byte)
	if !ok {
		return DepositEvent{}, fmt.Errorf("commitment is not bytes32")
	}
	commitment, err := field.FromBytes(commitmentRaw[:])
	if err != nil {
		return DepositEvent{}, fmt.Errorf("commitment: %w", err)
	}
	assetRaw, _ := values[3].([32]byte)
	asset, err := field.FromBytes(assetRaw[:])
	if err != nil {
		return DepositEvent{}, fmt.Errorf("asset: %w", err)
	}
	amount, _ := values[2].(*big.Int)
	ts, _ := values[4].(*big.Int)
	observed := time.Now().UTC()
	if ts != nil && ts.IsInt64() && ts.Int64() > 0 {
		observed = time.Unix(ts.Int64(), 0).UTC()
	}
	return DepositEvent{
		Commitment:  commitment,
		ChainID:     a.cfg.ChainID,
		BlockNumber: lg.BlockNumber,
		TxIndex:     uint32(lg.TxIndex),
		LogIndex:    uint32(lg.Index),
		Asset:       asset,
		Amount:      amount,
		Timestamp:   observed,
	}, nil
}

func (a *EVMAdapter) parseWithdrawal(lg types.Log) (WithdrawalEvent, error) {
	values, err := a.pool.Unpack("Withdrawal", lg.Data)
	if err != nil {
		return WithdrawalEvent{}, fmt.Errorf("unpack Withdrawal: %w", err)
	}
	if len(values) != 4 {
		return WithdrawalEvent{}, fmt.Errorf("Withdrawal arity %d", len(values))
	}
	nullifierRaw, ok := values[0].([32]byte)
	if !ok {
		return WithdrawalEvent{}, fmt.Errorf("nullifier is not bytes32")
	}
	nullifier, err := field.FromBytes(nullifierRaw[:])
	if err != nil {
		return WithdrawalEvent{}, fmt.Errorf("nullifier: %w", err)
	}
	recipient, _ := values[1].(common.Address)
	amount, _ := values[2].(*big.Int)
	assetRaw, _ := values[3].([32]byte)
	asset, err := field.FromBytes(assetRaw[:])
	if err != nil {
		return WithdrawalEvent{}, fmt.Errorf("asset: %w", err)
	}
	return WithdrawalEvent{
		Nullifier:   nullifier,
		Recipient:   recipient,
		Amount:      amount,
		Asset:       asset,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
	}, nil
}

// IsKnownRoot asks the pool contract whether it accepts the root.
func (a *EVMAdapter) IsKnownRoot(ctx context.Context, root field.Element) (bool, error) {
	data, err := a.pool.Pack("isKnownRoot", toBytes32(root))
	if err != nil {
		return false, fmt.Errorf("pack isKnownRoot: %w", err)
	}
	out, err := a.staticCall(ctx, a.poolAddr, data, "isKnownRoot")
	if err != nil {
		return false, err
	}
	values, err := a.pool.Unpack("isKnownRoot", out)
	if err != nil {
		return false, fmt.Errorf("unpack isKnownRoot: %w", err)
	}
	known, _ := values[0].(bool)
	return known, nil
}

// VerifyProof runs the FFLONK verifier via eth_call; no gas is spent.
func (a *EVMAdapter) VerifyProof(ctx context.Context, proof [24][32]byte, signals [8]field.Element) (bool, error) {
	var signalInts [8]*big.Int
	for i, s := range signals {
		signalInts[i] = s.Big()
	}
	data, err := a.verifier.Pack("verifyProof", proof, signalInts)
	if err != nil {
		return false, fmt.Errorf("pack verifyProof: %w", err)
	}
	out, err := a.staticCall(ctx, a.verAddr, data, "verifyProof")
	if err != nil {
		return false, err
	}
	values, err := a.verifier.Unpack("verifyProof", out)
	if err != nil {
		return false, fmt.Errorf("unpack verifyProof: %w", err)
	}
	ok, _ := values[0].(bool)
	return ok, nil
}

func (a *EVMAdapter) staticCall(ctx context.Context, to common.Address, data []byte, op string) ([]byte, error) {
	var out []byte
	err := a.guard(ctx, op, func(ctx context.Context) error {
		var err error
		out, err = a.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	return out, err
}

// UpdateRoot submits updateRoot(newRoot) and waits for its receipt.
func (a *EVMAdapter) UpdateRoot(ctx context.Context, root field.Element, gasLimit uint64) (*Receipt, error) {
	data, err := a.pool.Pack("updateRoot", toBytes32(root))
	if err != nil {
		return nil, fmt.Errorf("pack updateRoot: %w", err)
	}
	return a.submit(ctx, data, gasLimit)
}

// Withdraw submits the pool withdraw call and waits for its receipt.
func (a *EVMAdapter) Withdraw(ctx context.Context, call WithdrawCall) (*Receipt, error) {
	data, err := a.pool.Pack("withdraw",
		call.Proof,
		toBytes32(call.MerkleRoot),
		toBytes32(call.Nullifier0),
		toBytes32(call.Nullifier1),
		toBytes32(call.Out0),
		toBytes32(call.Out1),
		call.PublicAmount.Big(),
		toBytes32(call.PublicAsset),
		call.Recipient,
		call.TokenAddress,
	)
	if err != nil {
		return nil, fmt.Errorf("pack withdraw: %w", err)
	}
	return a.submit(ctx, data, WithdrawGasLimit)
}

// SuggestGasPrice returns the chain's current gas price.
func (a *EVMAdapter) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := a.guard(ctx, "gasPrice", func(ctx context.Context) error {
		var err error
		price, err = a.client.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

// submit signs, sends, and waits for one transaction. sendMu keeps one
// relayer transaction in flight per chain, which keeps nonces trivially
// ordered.
func (a *EVMAdapter) submit(ctx context.Context, data []byte, gasLimit uint64) (*Receipt, error) {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	var tx *types.Transaction
	err := a.guard(ctx, "sendTransaction", func(ctx context.Context) error {
		nonce, err := a.client.PendingNonceAt(ctx, a.wallet.Address())
		if err != nil {
			return err
		}
		gasPrice, err := a.client.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		unsigned := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &a.poolAddr,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})
		tx, err = types.SignTx(unsigned, a.signer, a.wallet.Key())
		if err != nil {
			return err
		}
		return a.client.SendTransaction(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	receipt, err := a.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (a *EVMAdapter) waitMined(ctx context.Context, hash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(receiptInterval)
	defer ticker.Stop()
	for {
		receipt, err := a.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return &Receipt{
				TxHash:      hash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				Success:     receipt.Status == types.ReceiptStatusSuccessful,
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for receipt %s: %v", ErrUnavailable, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func toBytes32(e field.Element) [32]byte { return [32]byte(e) }
