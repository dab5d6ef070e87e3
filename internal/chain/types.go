// Package chain is the EVM boundary of the relayer. The kernel sees each
// chain only through the Adapter interface: deposit/withdrawal event streams,
// the root oracle, and the pool's write methods.
package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/shieldpool/relayer/internal/field"
)

// WithdrawGasLimit bounds the on-chain withdraw call.
const WithdrawGasLimit = 600_000

// UpdateRootGasLimit bounds every updateRoot call; batched publishes and
// on-demand publishes ahead of a proof submission use the same limit.
const UpdateRootGasLimit = 200_000

// ErrUnavailable marks upstream RPC failures; callers map it to the
// RpcUnavailable taxonomy entry.
var ErrUnavailable = errors.New("chain: rpc unavailable")

// DepositEvent is a parsed DepositQueued log in canonical form.
type DepositEvent struct {
	Commitment  field.Element
	ChainID     uint64
	BlockNumber uint64
	TxIndex     uint32
	LogIndex    uint32
	Asset       field.Element
	Amount      *big.Int
	Timestamp   time.Time
}

// WithdrawalEvent is a parsed Withdrawal log. The watcher records its
// nullifier so a multi-relayer deployment converges on spent notes.
type WithdrawalEvent struct {
	Nullifier   field.Element
	Recipient   common.Address
	Amount      *big.Int
	Asset       field.Element
	BlockNumber uint64
	TxHash      common.Hash
}

// Receipt is the subset of a transaction receipt the kernel consumes.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
}

// WithdrawCall carries everything the pool's withdraw method takes.
type WithdrawCall struct {
	Proof        []byte
	MerkleRoot   field.Element
	Nullifier0   field.Element
	Nullifier1   field.Element
	Out0         field.Element
	Out1         field.Element
	PublicAmount field.Element
	PublicAsset  field.Element
	Recipient    common.Address
	TokenAddress common.Address
}

// Adapter exposes one chain to the kernel. Implementations must be safe for
// concurrent use; write methods serialize internally on the relayer wallet.
type Adapter interface {
	ChainID() uint64
	Name() string

	LatestBlock(ctx context.Context) (uint64, error)
	FilterDeposits(ctx context.Context, from, to uint64) ([]DepositEvent, error)
	FilterWithdrawals(ctx context.Context, from, to uint64) ([]WithdrawalEvent, error)

	IsKnownRoot(ctx context.Context, root field.Element) (bool, error)
	UpdateRoot(ctx context.Context, root field.Element, gasLimit uint64) (*Receipt, error)
	Withdraw(ctx context.Context, call WithdrawCall) (*Receipt, error)

	// VerifyProof runs the FFLONK verifier through a read-only static call.
	// The proof words are opaque bytes32; only the signals are Fr elements.
	VerifyProof(ctx context.Context, proof [24][32]byte, signals [8]field.Element) (bool, error)

	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}
