package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
origin:
  rpc_url: ws://127.0.0.1:8545
  contract_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  chain_id: 31337
  start_block: 100
wallet:
  private_key: "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
validation:
  allowed_destinations: [10, 8453]
  min_amount: "0.5"
  max_amount: "1000"
relay:
  workers: 2
  base_delay: 500ms
store:
  backend: badger
  path: data/orders
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadFromFile_YAMLWithDefaults(t *testing.T) {
	cfg, err := LoadFromFile(writeFile(t, "relayer.yaml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, uint64(31337), cfg.Origin.ChainID)
	assert.Equal(t, uint64(100), cfg.Origin.StartBlock)
	assert.Equal(t, []uint64{10, 8453}, cfg.Validation.AllowedDestinations)
	assert.Equal(t, 2, cfg.Relay.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Relay.BaseDelay)
	// 未配置项保留默认值
	assert.Equal(t, 5, cfg.Relay.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Relay.ConfirmTimeout)
	// 目标链默认回落到源链
	assert.Equal(t, cfg.Origin.RPCURL, cfg.Destination.RPCURL)
	assert.Equal(t, cfg.Origin.ContractAddress, cfg.Destination.ContractAddress)
	assert.Equal(t, uint64(31337), cfg.Destination.ChainID)
}

func TestLoadFromFile_EnvOverrides(t *testing.T) {
	t.Setenv("RPC_URL", "ws://override:8546")
	t.Setenv("RELAY_WORKERS", "9")
	t.Setenv("DESTINATION_CHAIN_ID", "10")
	t.Setenv("ORIGIN_CONFIRMATION_DEPTH", "3")

	cfg, err := LoadFromFile(writeFile(t, "relayer.yml", sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "ws://override:8546", cfg.Origin.RPCURL)
	assert.Equal(t, 9, cfg.Relay.Workers)
	assert.Equal(t, uint64(10), cfg.Destination.ChainID)
	assert.Equal(t, uint64(3), cfg.Origin.ConfirmationDepth)
}

func TestLoadFromFile_UnsupportedExtension(t *testing.T) {
	_, err := LoadFromFile(writeFile(t, "relayer.toml", "x = 1"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Origin.RPCURL = "ws://localhost:8545"
		c.Origin.ContractAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
		c.Destination.ContractAddress = c.Origin.ContractAddress
		c.Wallet.PrivateKey = "0x01"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing rpc", func(c *Config) { c.Origin.RPCURL = "" }, true},
		{"bad contract", func(c *Config) { c.Origin.ContractAddress = "0x1234" }, true},
		{"confirmation depth within reorg window", func(c *Config) { c.Origin.ConfirmationDepth = c.Origin.ReorgDepth }, false},
		{"confirmation depth beyond reorg window", func(c *Config) { c.Origin.ConfirmationDepth = c.Origin.ReorgDepth + 1 }, true},
		{"no wallet", func(c *Config) { c.Wallet.PrivateKey = "" }, true},
		{"mnemonic wallet", func(c *Config) { c.Wallet.PrivateKey = ""; c.Wallet.Mnemonic = "test test" }, false},
		{"secret store without name", func(c *Config) { c.Wallet.PrivateKey = ""; c.Wallet.SecretStorePath = "/tmp/x" }, true},
		{"max below min", func(c *Config) { c.Validation.MinAmount = "10"; c.Validation.MaxAmount = "1" }, true},
		{"bad amount", func(c *Config) { c.Validation.MaxAmount = "abc" }, true},
		{"zero workers", func(c *Config) { c.Relay.Workers = 0 }, true},
		{"badger without path", func(c *Config) { c.Store.Backend = "badger" }, true},
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
