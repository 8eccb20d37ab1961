package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kyomei-indexer/kyomei/internal/kconfig"
	"github.com/kyomei-indexer/kyomei/pkg/config"
)

const tomlFixture = `
[chains.ethereum.source]
urls = ["https://rpc.example/eth"]

[chains.ethereum.sync]
parallel_workers = 4
blocks_per_worker = 2000
event_batch_size = 500
`

const chainsFixture = `{
  "chains": {
    "ethereum": {
      "chainId": 1,
      "contracts": [
        {"name": "Token", "abiFile": "token.json", "address": "0x1111111111111111111111111111111111111111", "startBlock": 100},
        {"name": "Market", "abiFile": "market.json", "factory": {"parent": "0x2222222222222222222222222222222222222222", "eventName": "MarketCreated", "childParam": "market"}, "startBlock": 200}
      ]
    }
  }
}`

const abiFixture = `[]`

func writeFixtures(t *testing.T) (configPath, chainsPath string) {
	t.Helper()
	dir := t.TempDir()

	configPath = filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(tomlFixture), 0o644))

	chainsPath = filepath.Join(dir, "chains.json")
	require.NoError(t, os.WriteFile(chainsPath, []byte(chainsFixture), 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "token.json"), []byte(abiFixture), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "market.json"), []byte(abiFixture), 0o644))

	return configPath, chainsPath
}

func TestLoadBuildsValidatedConfig(t *testing.T) {
	configPath, chainsPath := writeFixtures(t)

	cfg, err := config.Load(configPath, chainsPath)
	require.NoError(t, err)

	chain, ok := cfg.Chains["ethereum"]
	require.True(t, ok)
	require.Equal(t, int64(1), chain.ChainID)
	require.Equal(t, []string{"https://rpc.example/eth"}, chain.Source.URLs)
	require.Equal(t, kconfig.SourceRPC, chain.Source.Kind)
	require.Equal(t, 4, chain.Sync.ParallelWorkers)
	require.Len(t, chain.Contracts, 2)

	var token, market *kconfig.ContractConfig
	for i := range chain.Contracts {
		switch chain.Contracts[i].Name {
		case "Token":
			token = &chain.Contracts[i]
		case "Market":
			market = &chain.Contracts[i]
		}
	}
	require.NotNil(t, token)
	require.NotNil(t, market)

	require.Equal(t, kconfig.Static, token.Address.Kind)
	require.Len(t, token.Address.Addresses, 1)

	require.Equal(t, kconfig.Factory, market.Address.Kind)
	require.Equal(t, "MarketCreated", market.Address.Factory.EventName)
}

func TestLoadRejectsContractWithNeitherAddressNorFactory(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("[chains.ethereum.source]\nurls=[\"https://rpc.example\"]\n"), 0o644))

	chainsPath := filepath.Join(dir, "chains.json")
	require.NoError(t, os.WriteFile(chainsPath, []byte(`{
		"chains": {"ethereum": {"chainId": 1, "contracts": [
			{"name": "Broken", "abiFile": "broken.json", "startBlock": 1}
		]}}
	}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(abiFixture), 0o644))

	_, err := config.Load(configPath, chainsPath)
	require.Error(t, err)
	require.Contains(t, err.Error(), "declares neither address nor factory")
}

func TestLoadRejectsMissingChainsFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(""), 0o644))

	_, err := config.Load(configPath, filepath.Join(dir, "nonexistent.json"))
	require.Error(t, err)
}
