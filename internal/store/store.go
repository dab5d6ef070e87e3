// Package store is the durable shadow of the commitment tree: leaves, known
// roots, spent nullifiers, and per-chain scan cursors, behind a single
// database/sql connection. SQLite (file path DSN) is the default backend;
// a postgres:// DSN switches to lib/pq.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/shieldpool/relayer/internal/field"
)

// Leaf is a persisted commitment with its source coordinates. A leaf inserted
// by an off-chain transfer carries zero source coordinates.
type Leaf struct {
	Index       uint64
	Commitment  field.Element
	ChainID     uint64
	BlockNumber uint64
	TxIndex     uint32
	LogIndex    uint32
	Asset       field.Element
	Amount      *big.Int
	ObservedAt  time.Time
}

// Root is a known tree root, locally observed or published on-chain.
type Root struct {
	Ordinal     uint64
	Root        field.Element
	TxHash      string
	PublishedAt time.Time
}

// Store owns the ledger database. Transactions are serialized by txMu, which
// mirrors the begin-immediate discipline: at most one write transaction is
// open at a time.
type Store struct {
	db     *sql.DB
	driver string
	txMu   sync.Mutex
	logger *slog.Logger
}

// Open connects to the ledger database and runs schema migration. A DSN
// beginning with postgres:// selects lib/pq; anything else is treated as a
// SQLite file path.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if driver == "sqlite" {
		// One connection keeps SQLite's locking model simple; WAL keeps
		// readers off the writer's back.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragmas: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger db: %w", err)
	}

	s := &Store{db: db, driver: driver, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("ledger store opened", "driver", driver)
	return s, nil
}

func (s *Store) migrate() error {
	schema := schemaSQLite
	if s.driver == "postgres" {
		schema = schemaPostgres
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// rebind converts ?-placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ---------------------------------------------------------------------------
// Leaves
// ---------------------------------------------------------------------------

const insertLeafSQL = `
INSERT INTO leaves (leaf_index, commitment, chain_id, block_number, tx_index, log_index, asset, amount, observed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`

// InsertLeaf persists a leaf. Idempotent on both leaf_index and commitment:
// replayed observations are silently absorbed.
func (s *Store) InsertLeaf(ctx context.Context, leaf Leaf) error {
	return s.insertLeaf(ctx, s.db, leaf)
}

func (s *Store) insertLeaf(ctx context.Context, ex execer, leaf Leaf) error {
	amount := "0"
	if leaf.Amount != nil {
		amount = leaf.Amount.String()
	}
	_, err := ex.ExecContext(ctx, s.rebind(insertLeafSQL),
		leaf.Index, leaf.Commitment.Hex(), leaf.ChainID, leaf.BlockNumber,
		leaf.TxIndex, leaf.LogIndex, leaf.Asset.Hex(), amount, leaf.ObservedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert leaf %d: %w", leaf.Index, err)
	}
	return nil
}

const selectLeafSQL = `
SELECT leaf_index, commitment, chain_id, block_number, tx_index, log_index, asset, amount, observed_at
FROM leaves `

// GetLeafByCommitment looks a leaf up by its commitment value.
func (s *Store) GetLeafByCommitment(ctx context.Context, commitment field.Element) (*Leaf, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectLeafSQL+"WHERE commitment = ?"), commitment.Hex())
	return scanLeaf(row)
}

// GetLeafByIndex looks a leaf up by its tree index.
func (s *Store) GetLeafByIndex(ctx context.Context, index uint64) (*Leaf, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectLeafSQL+"WHERE leaf_index = ?"), index)
	return scanLeaf(row)
}

// ForEachLeaf streams all leaves in leaf_index order. This is the recovery
// replay path, so it avoids materializing the full tree in one slice.
func (s *Store) ForEachLeaf(ctx context.Context, fn func(Leaf) error) error {
	rows, err := s.db.QueryContext(ctx, selectLeafSQL+"ORDER BY leaf_index ASC")
	if err != nil {
		return fmt.Errorf("iterate leaves: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		leaf, err := scanLeaf(rows)
		if err != nil {
			return err
		}
		if err := fn(*leaf); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LeafCount returns the number of persisted leaves.
func (s *Store) LeafCount(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM leaves").Scan(&n); err != nil {
		return 0, fmt.Errorf("count leaves: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLeaf(row rowScanner) (*Leaf, error) {
	var (
		leaf              Leaf
		commitment, asset string
		amount            string
		observedAt        int64
	)
	err := row.Scan(&leaf.Index, &commitment, &leaf.ChainID, &leaf.BlockNumber,
		&leaf.TxIndex, &leaf.LogIndex, &asset, &amount, &observedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan leaf: %w", err)
	}
	if leaf.Commitment, err = field.Parse(commitment); err != nil {
		return nil, fmt.Errorf("corrupt commitment column: %w", err)
	}
	if leaf.Asset, err = field.Parse(asset); err != nil {
		return nil, fmt.Errorf("corrupt asset column: %w", err)
	}
	leaf.Amount, _ = new(big.Int).SetString(amount, 10)
	if leaf.Amount == nil {
		leaf.Amount = big.NewInt(0)
	}
	leaf.ObservedAt = time.Unix(observedAt, 0).UTC()
	return &leaf, nil
}

// ---------------------------------------------------------------------------
// Roots
// ---------------------------------------------------------------------------

const insertRootSQL = `
INSERT INTO roots (root, tx_hash, published_at) VALUES (?, ?, ?)
ON CONFLICT (root) DO UPDATE SET tx_hash = COALESCE(excluded.tx_hash, roots.tx_hash)`

// InsertRoot records a known root. txHash is empty for locally observed
// roots; re-inserting after on-chain publication fills the hash in.
func (s *Store) InsertRoot(ctx context.Context, root field.Element, txHash string) error {
	var hash interface{}
	if txHash != "" {
		hash = txHash
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(insertRootSQL), root.Hex(), hash, time.Now().Unix()); err != nil {
		return fmt.Errorf("insert root: %w", err)
	}
	return nil
}

// LatestRoot returns the most recently recorded root, or nil when the ledger
// is empty.
func (s *Store) LatestRoot(ctx context.Context) (*Root, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT ordinal, root, COALESCE(tx_hash, ''), published_at FROM roots ORDER BY ordinal DESC LIMIT 1")
	var (
		r           Root
		rootHex     string
		publishedAt int64
	)
	err := row.Scan(&r.Ordinal, &rootHex, &r.TxHash, &publishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest root: %w", err)
	}
	if r.Root, err = field.Parse(rootHex); err != nil {
		return nil, fmt.Errorf("corrupt root column: %w", err)
	}
	r.PublishedAt = time.Unix(publishedAt, 0).UTC()
	return &r, nil
}

// IsKnownRoot reports whether the root has ever been recorded.
func (s *Store) IsKnownRoot(ctx context.Context, root field.Element) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT 1 FROM roots WHERE root = ?"), root.Hex()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup root: %w", err)
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// Nullifiers
// ---------------------------------------------------------------------------

const insertNullifierSQL = `
INSERT INTO nullifiers (nullifier, tx_hash, spent_at) VALUES (?, ?, ?)
ON CONFLICT DO NOTHING`

// InsertNullifier marks a nullifier spent. Idempotent.
func (s *Store) InsertNullifier(ctx context.Context, n field.Element, txHash string) error {
	return s.insertNullifier(ctx, s.db, n, txHash)
}

func (s *Store) insertNullifier(ctx context.Context, ex execer, n field.Element, txHash string) error {
	var hash interface{}
	if txHash != "" {
		hash = txHash
	}
	if _, err := ex.ExecContext(ctx, s.rebind(insertNullifierSQL), n.Hex(), hash, time.Now().Unix()); err != nil {
		return fmt.Errorf("insert nullifier: %w", err)
	}
	return nil
}

// IsNullifierSpent reports whether the nullifier has been recorded.
func (s *Store) IsNullifierSpent(ctx context.Context, n field.Element) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT 1 FROM nullifiers WHERE nullifier = ?"), n.Hex()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup nullifier: %w", err)
	}
	return true, nil
}

// DeleteNullifier removes a nullifier. Only the rollback of an optimistic
// marking may call this.
func (s *Store) DeleteNullifier(ctx context.Context, n field.Element) error {
	return s.deleteNullifier(ctx, s.db, n)
}

func (s *Store) deleteNullifier(ctx context.Context, ex execer, n field.Element) error {
	if _, err := ex.ExecContext(ctx, s.rebind("DELETE FROM nullifiers WHERE nullifier = ?"), n.Hex()); err != nil {
		return fmt.Errorf("delete nullifier: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Scan cursors
// ---------------------------------------------------------------------------

const upsertCursorSQL = `
INSERT INTO scan_cursors (chain_id, last_block) VALUES (?, ?)
ON CONFLICT (chain_id) DO UPDATE SET last_block = excluded.last_block`

// ScanCursor returns the last fully processed block for a chain, defaulting
// to 0 when the chain has never been scanned.
func (s *Store) ScanCursor(ctx context.Context, chainID uint64) (uint64, error) {
	var block uint64
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT last_block FROM scan_cursors WHERE chain_id = ?"), chainID).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scan cursor for chain %d: %w", chainID, err)
	}
	return block, nil
}

// SetScanCursor upserts the cursor for a chain. Cursors are monotone; a
// caller must never pass a block below the current cursor.
func (s *Store) SetScanCursor(ctx context.Context, chainID, block uint64) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(upsertCursorSQL), chainID, block); err != nil {
		return fmt.Errorf("set scan cursor for chain %d: %w", chainID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

// Tx is a write transaction over the ledger. BeginImmediate takes the write
// lock up front, so concurrent transactions serialize at acquisition rather
// than deadlocking at commit.
type Tx struct {
	store *Store
	tx    *sql.Tx
	done  bool
}

// BeginImmediate opens a write transaction. For SQLite this is BEGIN
// IMMEDIATE semantics (the store-level mutex reserves the writer slot);
// postgres uses an ordinary transaction under the same mutex.
func (s *Store) BeginImmediate(ctx context.Context) (*Tx, error) {
	s.txMu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.txMu.Unlock()
		return nil, fmt.Errorf("begin immediate: %w", err)
	}
	return &Tx{store: s, tx: tx}, nil
}

// InsertLeaf persists a leaf inside the transaction.
func (t *Tx) InsertLeaf(ctx context.Context, leaf Leaf) error {
	return t.store.insertLeaf(ctx, t.tx, leaf)
}

// InsertNullifier marks a nullifier spent inside the transaction.
func (t *Tx) InsertNullifier(ctx context.Context, n field.Element, txHash string) error {
	return t.store.insertNullifier(ctx, t.tx, n, txHash)
}

// DeleteNullifier removes a nullifier inside the transaction.
func (t *Tx) DeleteNullifier(ctx context.Context, n field.Element) error {
	return t.store.deleteNullifier(ctx, t.tx, n)
}

// Commit makes the transaction durable. After Commit returns nil, a crash
// cannot lose the committed rows.
func (t *Tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.txMu.Unlock()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback discards the transaction. Safe to call after Commit (no-op), so
// it can sit in a defer.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.txMu.Unlock()
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
