// Package config is the non-core convenience loader: it reads a
// config.toml (tuning, sources, environment overrides) and a
// chains.json (contract deployments, factory descriptors) into a
// validated internal/kconfig.Config. Neither the Sync Engine nor the
// Processor Engine import this package or koanf directly — they only
// ever see internal/kconfig.Config, built once at startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kyomei-indexer/kyomei/internal/kconfig"
)

// chainsFile is chains.json's on-disk shape: one entry per logical
// chain name, each declaring its contract deployments.
type chainsFile struct {
	Chains map[string]chainEntry `json:"chains"`
}

type chainEntry struct {
	ChainID   int64            `json:"chainId"`
	Contracts []contractEntry  `json:"contracts"`
}

type contractEntry struct {
	Name       string          `json:"name"`
	ABIFile    string          `json:"abiFile"`
	Address    string          `json:"address"`    // set for a static deployment
	Factory    *factoryEntry   `json:"factory"`     // set for a factory-discovered deployment
	StartBlock uint64          `json:"startBlock"`
	EndBlock   *uint64         `json:"endBlock"`
}

type factoryEntry struct {
	Parent     string `json:"parent"`
	EventName  string `json:"eventName"`
	ChildParam string `json:"childParam"`
}

// Load reads configPath (TOML, per-chain tuning and source URLs,
// overridable by environment variables) and chainsPath (JSON, contract
// deployments) and assembles a validated internal/kconfig.Config.
func Load(configPath, chainsPath string) (*kconfig.Config, error) {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", configPath, err)
	}
	if err := ko.Load(env.Provider("", ".", func(s string) string {
		return strings.Replace(strings.ToLower(s), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load environment overrides: %w", err)
	}

	raw, err := os.ReadFile(chainsPath)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", chainsPath, err)
	}
	var cf chainsFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", chainsPath, err)
	}

	cfg := kconfig.Config{Chains: make(map[string]kconfig.ChainConfig, len(cf.Chains))}
	for name, entry := range cf.Chains {
		chain, err := buildChain(ko, name, entry, chainsPath)
		if err != nil {
			return nil, err
		}
		cfg.Chains[name] = chain
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func buildChain(ko *koanf.Koanf, name string, entry chainEntry, chainsPath string) (kconfig.ChainConfig, error) {
	prefix := "chains." + name + "."

	urls := ko.Strings(prefix + "source.urls")
	kind := kconfig.SourceKind(ko.String(prefix + "source.kind"))
	if kind == "" {
		kind = kconfig.SourceRPC
	}

	contracts := make([]kconfig.ContractConfig, 0, len(entry.Contracts))
	for _, c := range entry.Contracts {
		cc, err := buildContract(name, c, chainsPath)
		if err != nil {
			return kconfig.ChainConfig{}, err
		}
		contracts = append(contracts, cc)
	}

	return kconfig.ChainConfig{
		ChainID:       entry.ChainID,
		Source:        kconfig.SourceDescriptor{Kind: kind, URLs: urls},
		FinalityDepth: ko.Uint64(prefix + "finality_depth"),
		PollInterval:  durationOr(ko, prefix+"poll_interval", 2*time.Second),
		Sync: kconfig.SyncTuning{
			ParallelWorkers:     ko.Int(prefix + "sync.parallel_workers"),
			BlocksPerWorker:     ko.Uint64(prefix + "sync.blocks_per_worker"),
			EventBatchSize:      ko.Int(prefix + "sync.event_batch_size"),
			ProgressFlushBlocks: ko.Uint64(prefix + "sync.progress_flush_blocks"),
			PollInterval:        durationOr(ko, prefix+"sync.poll_interval", 0),
			ProgressInterval:    durationOr(ko, prefix+"sync.progress_interval", 0),
		},
		Contracts: contracts,
	}, nil
}

func buildContract(chainName string, c contractEntry, chainsPath string) (kconfig.ContractConfig, error) {
	abiPath := resolveRelative(chainsPath, c.ABIFile)
	abiJSON, err := os.ReadFile(abiPath)
	if err != nil {
		return kconfig.ContractConfig{}, fmt.Errorf("config: read ABI for %s: %w", c.Name, err)
	}

	var addr kconfig.AddressDescriptor
	switch {
	case c.Factory != nil:
		addr = kconfig.FactoryAddress(kconfig.FactoryDescriptor{
			Parent:     common.HexToAddress(c.Factory.Parent),
			EventName:  c.Factory.EventName,
			ChildParam: c.Factory.ChildParam,
		})
	case c.Address != "":
		addr = kconfig.StaticAddresses(common.HexToAddress(c.Address))
	default:
		return kconfig.ContractConfig{}, fmt.Errorf("config: contract %s declares neither address nor factory", c.Name)
	}

	return kconfig.ContractConfig{
		Name:       c.Name,
		ABI:        json.RawMessage(abiJSON),
		Chain:      chainName,
		Address:    addr,
		StartBlock: c.StartBlock,
		EndBlock:   c.EndBlock,
	}, nil
}

func durationOr(ko *koanf.Koanf, key string, fallback time.Duration) time.Duration {
	if !ko.Exists(key) {
		return fallback
	}
	return ko.Duration(key)
}

func resolveRelative(anchor, path string) string {
	if path == "" || path[0] == '/' {
		return path
	}
	idx := strings.LastIndex(anchor, "/")
	if idx < 0 {
		return path
	}
	return anchor[:idx+1] + path
}
