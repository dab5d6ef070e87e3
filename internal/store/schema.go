package store

// Four logical tables back the ledger: leaves, roots, nullifiers, and
// scan_cursors. leaf_index is the primary key on leaves and commitment a
// unique secondary; both are load-bearing for idempotent replay.

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS leaves (
    leaf_index   INTEGER PRIMARY KEY,
    commitment   TEXT    NOT NULL UNIQUE,
    chain_id     INTEGER NOT NULL,
    block_number INTEGER NOT NULL,
    tx_index     INTEGER NOT NULL,
    log_index    INTEGER NOT NULL,
    asset        TEXT    NOT NULL,
    amount       TEXT    NOT NULL,
    observed_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS roots (
    ordinal      INTEGER PRIMARY KEY AUTOINCREMENT,
    root         TEXT    NOT NULL UNIQUE,
    tx_hash      TEXT,
    published_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS nullifiers (
    nullifier TEXT PRIMARY KEY,
    tx_hash   TEXT,
    spent_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scan_cursors (
    chain_id   INTEGER PRIMARY KEY,
    last_block INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS leaves (
    leaf_index   BIGINT PRIMARY KEY,
    commitment   TEXT   NOT NULL UNIQUE,
    chain_id     BIGINT NOT NULL,
    block_number BIGINT NOT NULL,
    tx_index     BIGINT NOT NULL,
    log_index    BIGINT NOT NULL,
    asset        TEXT   NOT NULL,
    amount       TEXT   NOT NULL,
    observed_at  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS roots (
    ordinal      BIGSERIAL PRIMARY KEY,
    root         TEXT NOT NULL UNIQUE,
    tx_hash      TEXT,
    published_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS nullifiers (
    nullifier TEXT PRIMARY KEY,
    tx_hash   TEXT,
    spent_at  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS scan_cursors (
    chain_id   BIGINT PRIMARY KEY,
    last_block BIGINT NOT NULL
);
`
