// Package pipeline validates and executes withdrawal and transfer requests.
// Both request kinds share the same 8-element public-signal layout and the
// same nullifier locking discipline: every check-then-act sequence on a
// nullifier runs under the keyed lock for that nullifier.
package pipeline

import (
	"context"
	"encoding/hex"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/shieldpool/relayer/internal/chain"
	"github.com/shieldpool/relayer/internal/events"
	"github.com/shieldpool/relayer/internal/fees"
	"github.com/shieldpool/relayer/internal/field"
	"github.com/shieldpool/relayer/internal/locks"
	"github.com/shieldpool/relayer/internal/merkle"
	"github.com/shieldpool/relayer/internal/metrics"
	"github.com/shieldpool/relayer/internal/relayerr"
	"github.com/shieldpool/relayer/internal/store"
)

// Proof strings are 0x + 768 bytes of hex.
const (
	proofHexLen   = 1538
	proofByteLen  = 768
	proofElements = 24
	signalCount   = 8
)

// Signals is the decoded public-signal array, in declared order.
type Signals struct {
	MerkleRoot   field.Element
	Nullifier0   field.Element
	Nullifier1   field.Element
	Out0         field.Element
	Out1         field.Element
	PublicAmount field.Element
	PublicAsset  field.Element
	Recipient    field.Element
}

// Array returns the signals in wire order for the verifier call.
func (s *Signals) Array() [signalCount]field.Element {
	return [signalCount]field.Element{
		s.MerkleRoot, s.Nullifier0, s.Nullifier1,
		s.Out0, s.Out1, s.PublicAmount, s.PublicAsset, s.Recipient,
	}
}

// WithdrawRequest is a relayed withdrawal.
type WithdrawRequest struct {
	Proof         string
	PublicSignals []string
	TargetChainID uint64
	TokenAddress  string
}

// WithdrawResult reports a successful on-chain withdrawal.
type WithdrawResult struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Fee         *big.Int
}

// TransferRequest is a purely off-chain shielded transfer.
type TransferRequest struct {
	Proof         string
	PublicSignals []string
	TargetChainID uint64
}

// TransferResult reports an accepted transfer.
type TransferResult struct {
	LeafIndexes []uint64
}

// Pipeline executes proof requests against the kernel state.
type Pipeline struct {
	tree      *merkle.Tree
	ledger    *store.Store
	locks     *locks.KeyedLock
	adapters  map[uint64]chain.Adapter
	publisher rootPublisher
	fees      *fees.Estimator
	bus       *events.Bus
	metrics   *metrics.Metrics
	markSeen  func(...field.Element)
	logger    *slog.Logger
}

// rootPublisher is the on-demand publish surface the pipeline needs.
type rootPublisher interface {
	EnsureKnownOnChain(ctx context.Context, chainID uint64, root field.Element) error
}

// Options configures a Pipeline.
type Options struct {
	Tree      *merkle.Tree
	Ledger    *store.Store
	Locks     *locks.KeyedLock
	Adapters  map[uint64]chain.Adapter
	Publisher rootPublisher
	Fees      *fees.Estimator
	Bus       *events.Bus
	Metrics   *metrics.Metrics
	MarkSeen  func(...field.Element) // watcher dedup hook for transfer outputs
	Logger    *slog.Logger
}

// New constructs a Pipeline.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		tree:      opts.Tree,
		ledger:    opts.Ledger,
		locks:     opts.Locks,
		adapters:  opts.Adapters,
		publisher: opts.Publisher,
		fees:      opts.Fees,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		markSeen:  opts.MarkSeen,
		logger:    logger.With("component", "pipeline"),
	}
}

func (p *Pipeline) requestLogger(kind string) *slog.Logger {
	return p.logger.With("kind", kind, "request_id", uuid.NewString())
}

// decodeProof enforces the proof format gate (length and hex) and splits the
// 768 bytes into 24 words. Nothing persistent is touched before this gate.
// The words are opaque bytes32 to the verifier (curve coordinates live in
// the base field, not Fr), so unlike the public signals they carry no
// field-membership check.
func decodeProof(proof string) ([]byte, [proofElements][32]byte, error) {
	var words [proofElements][32]byte
	if !strings.HasPrefix(proof, "0x") {
		return nil, words, relayerr.New(relayerr.KindMalformedRequest, "proof missing 0x prefix")
	}
	if len(proof) != proofHexLen {
		return nil, words, relayerr.New(relayerr.KindMalformedRequest, "proof must be %d characters, got %d", proofHexLen, len(proof))
	}
	raw, err := hex.DecodeString(proof[2:])
	if err != nil {
		return nil, words, relayerr.Wrap(relayerr.KindMalformedRequest, err, "proof is not valid hex")
	}
	if len(raw) != proofByteLen {
		return nil, words, relayerr.New(relayerr.KindMalformedRequest, "proof must be %d bytes", proofByteLen)
	}
	for i := 0; i < proofElements; i++ {
		copy(words[i][:], raw[i*32:(i+1)*32])
	}
	return raw, words, nil
}

// parseSignals decodes the 8 public signals in declared order.
func parseSignals(raw []string) (*Signals, error) {
	if len(raw) != signalCount {
		return nil, relayerr.New(relayerr.KindMalformedRequest, "publicSignals must have %d elements, got %d", signalCount, len(raw))
	}
	parsed := make([]field.Element, signalCount)
	for i, s := range raw {
		elem, err := field.Parse(s)
		if err != nil {
			return nil, err
		}
		parsed[i] = elem
	}
	return &Signals{
		MerkleRoot:   parsed[0],
		Nullifier0:   parsed[1],
		Nullifier1:   parsed[2],
		Out0:         parsed[3],
		Out1:         parsed[4],
		PublicAmount: parsed[5],
		PublicAsset:  parsed[6],
		Recipient:    parsed[7],
	}, nil
}

// nullifierSet returns the lockable nullifiers: nullifier0 plus nullifier1
// unless it is the dummy zero.
func nullifierSet(sig *Signals) ([]field.Element, error) {
	if sig.Nullifier0.IsZero() {
		return nil, relayerr.New(relayerr.KindMalformedRequest, "nullifier0 is the dummy value")
	}
	set := []field.Element{sig.Nullifier0}
	if !sig.Nullifier1.IsZero() {
		set = append(set, sig.Nullifier1)
	}
	return set, nil
}

// checkNotSpent runs the not-spent checks inside the nullifier lock.
func (p *Pipeline) checkNotSpent(ctx context.Context, sig *Signals) error {
	spent, err := p.ledger.IsNullifierSpent(ctx, sig.Nullifier0)
	if err != nil {
		return relayerr.Wrap(relayerr.KindInternal, err, "nullifier lookup")
	}
	if spent {
		return relayerr.NullifierSpent(0)
	}
	if !sig.Nullifier1.IsZero() {
		spent, err = p.ledger.IsNullifierSpent(ctx, sig.Nullifier1)
		if err != nil {
			return relayerr.Wrap(relayerr.KindInternal, err, "nullifier lookup")
		}
		if spent {
			return relayerr.NullifierSpent(1)
		}
	}
	return nil
}

// requireKnownRoot checks the declared root against the ledger.
func (p *Pipeline) requireKnownRoot(ctx context.Context, root field.Element) error {
	known, err := p.ledger.IsKnownRoot(ctx, root)
	if err != nil {
		return relayerr.Wrap(relayerr.KindInternal, err, "root lookup")
	}
	if !known {
		return relayerr.New(relayerr.KindUnknownRoot, "merkleRoot %s is not a known root", root.Hex())
	}
	return nil
}

func (p *Pipeline) adapter(chainID uint64) (chain.Adapter, error) {
	adapter, ok := p.adapters[chainID]
	if !ok {
		return nil, relayerr.New(relayerr.KindUnsupportedChain, "chain %d is not configured", chainID)
	}
	return adapter, nil
}

// recipientAddress validates that the recipient signal fits an EVM address.
func recipientAddress(recipient field.Element) (common.Address, error) {
	for _, b := range recipient[:12] {
		if b != 0 {
			return common.Address{}, relayerr.New(relayerr.KindMalformedRequest, "recipient does not fit a 20-byte address")
		}
	}
	var addr common.Address
	copy(addr[:], recipient[12:])
	if addr == (common.Address{}) {
		return common.Address{}, relayerr.New(relayerr.KindMalformedRequest, "recipient is the zero address")
	}
	return addr, nil
}
