package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
port: "9090"
cors_origin: "https://app.example.com"
db_path: "/var/lib/relayer/ledger.db"
batch_size: 5
batch_interval_ms: 60000
poll_interval_ms: 5000
fee_margin_bps: 1500
chains:
  - chain_id: 1
    name: mainnet
    rpc_url: https://rpc.example.com
    pool_address: "0x1111111111111111111111111111111111111111"
    verifier_address: "0x2222222222222222222222222222222222222222"
    start_block: 1000
  - chain_id: 137
    name: polygon
    rpc_url: https://polygon.example.com
    pool_address: "0x3333333333333333333333333333333333333333"
    verifier_address: "0x4444444444444444444444444444444444444444"
    start_block: 500
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv("RELAYER_PRIVATE_KEY", "0xabc123")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "https://app.example.com", cfg.CORSOrigin)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, 60000, cfg.BatchIntervalMs)
	assert.Equal(t, 5000, cfg.PollIntervalMs)
	assert.Equal(t, 1500, cfg.FeeMarginBps)
	assert.Equal(t, "0xabc123", cfg.RelayerPrivateKey)

	require.Len(t, cfg.Chains, 2)
	assert.Equal(t, uint64(1), cfg.Chains[0].ChainID)
	assert.Equal(t, uint64(1000), cfg.Chains[0].StartBlock)

	polygon, ok := cfg.Chain(137)
	require.True(t, ok)
	assert.Equal(t, "polygon", polygon.Name)

	_, ok = cfg.Chain(42)
	assert.False(t, ok)
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Setenv("RELAYER_PRIVATE_KEY", "0xabc123")
	t.Setenv("PORT", "7000")
	t.Setenv("RELAYER_BATCH_SIZE", "42")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, 42, cfg.BatchSize)
}

func TestDefaults(t *testing.T) {
	t.Setenv("RELAYER_PRIVATE_KEY", "0xabc123")

	minimal := `
chains:
  - chain_id: 1
    rpc_url: https://rpc.example.com
    pool_address: "0x1111111111111111111111111111111111111111"
    verifier_address: "0x2222222222222222222222222222222222222222"
`
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "*", cfg.CORSOrigin)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 300_000, cfg.BatchIntervalMs)
	assert.Equal(t, 15_000, cfg.PollIntervalMs)
	assert.Equal(t, 2000, cfg.FeeMarginBps)
}

func TestMissingPrivateKeyFatal(t *testing.T) {
	t.Setenv("RELAYER_PRIVATE_KEY", "")
	_, err := Load(writeConfig(t, sampleYAML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAYER_PRIVATE_KEY")
}

func TestNoChainsFatal(t *testing.T) {
	t.Setenv("RELAYER_PRIVATE_KEY", "0xabc123")
	_, err := Load(writeConfig(t, `port: "8080"`))
	require.Error(t, err)
}

func TestDuplicateChainIDFatal(t *testing.T) {
	t.Setenv("RELAYER_PRIVATE_KEY", "0xabc123")
	dup := `
chains:
  - chain_id: 1
    rpc_url: a
    pool_address: b
    verifier_address: c
  - chain_id: 1
    rpc_url: d
    pool_address: e
    verifier_address: f
`
	_, err := Load(writeConfig(t, dup))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate chain_id")
}
