// Package kconfig defines the validated, in-process configuration
// contract both engines are wired from. It is deliberately free of any
// file-format or environment-variable concern — those belong to the
// outer pkg/config loader — so the engines themselves never need to
// import koanf or know where a value came from.
package kconfig

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AddressKind distinguishes a statically configured contract address
// set from one discovered dynamically through a factory.
type AddressKind int

const (
	Static AddressKind = iota
	Factory
)

// FactoryDescriptor names the creation event a factory parent emits and
// which of its parameters carries the new child address(es), mirrored
// onto internal/factory.Descriptor at wiring time.
type FactoryDescriptor struct {
	Parent     common.Address
	EventName  string
	ChildParam string
}

// AddressDescriptor is a tagged union: exactly one of Addresses (when
// Kind == Static) or Factory (when Kind == Factory) is meaningful.
type AddressDescriptor struct {
	Kind      AddressKind
	Addresses []common.Address
	Factory   FactoryDescriptor
}

// StaticAddresses builds a Static AddressDescriptor.
func StaticAddresses(addrs ...common.Address) AddressDescriptor {
	return AddressDescriptor{Kind: Static, Addresses: addrs}
}

// FactoryAddress builds a Factory AddressDescriptor.
func FactoryAddress(d FactoryDescriptor) AddressDescriptor {
	return AddressDescriptor{Kind: Factory, Factory: d}
}

func (d AddressDescriptor) validate() error {
	switch d.Kind {
	case Static:
		if len(d.Addresses) == 0 {
			return fmt.Errorf("static address descriptor has no addresses")
		}
	case Factory:
		if d.Factory.Parent == (common.Address{}) {
			return fmt.Errorf("factory descriptor has no parent address")
		}
		if d.Factory.EventName == "" || d.Factory.ChildParam == "" {
			return fmt.Errorf("factory descriptor %s missing event name or child param", d.Factory.Parent)
		}
	default:
		return fmt.Errorf("unknown address descriptor kind %d", d.Kind)
	}
	return nil
}

// SourceKind names the upstream blocksource.Source implementation a
// chain should be wired against.
type SourceKind string

const (
	SourceRPC       SourceKind = "rpc"
	SourceHyperSync SourceKind = "hypersync"
)

// SourceDescriptor configures the blocksource.Source a chain is driven
// from.
type SourceDescriptor struct {
	Kind SourceKind
	URLs []string
}

func (s SourceDescriptor) validate() error {
	if s.Kind == "" {
		return fmt.Errorf("source descriptor has no kind")
	}
	if len(s.URLs) == 0 {
		return fmt.Errorf("source descriptor has no URLs")
	}
	return nil
}

// SyncTuning carries the Sync Engine's tunable knobs; zero values defer
// to internal/syncer.Config's own defaults.
type SyncTuning struct {
	ParallelWorkers     int
	BlocksPerWorker     uint64
	EventBatchSize      int
	ProgressFlushBlocks uint64
	PollInterval        time.Duration
	ProgressInterval    time.Duration
}

// ContractConfig is one contract deployment: its ABI, the chain it
// lives on, and how to resolve its address(es).
type ContractConfig struct {
	Name       string
	ABI        json.RawMessage
	Chain      string
	Address    AddressDescriptor
	StartBlock uint64
	EndBlock   *uint64
}

func (c ContractConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("contract has no name")
	}
	if len(c.ABI) == 0 {
		return fmt.Errorf("contract %s has no ABI", c.Name)
	}
	if c.Chain == "" {
		return fmt.Errorf("contract %s has no chain", c.Name)
	}
	if err := c.Address.validate(); err != nil {
		return fmt.Errorf("contract %s: %w", c.Name, err)
	}
	if c.EndBlock != nil && *c.EndBlock < c.StartBlock {
		return fmt.Errorf("contract %s: end block %d precedes start block %d", c.Name, *c.EndBlock, c.StartBlock)
	}
	return nil
}

// ChainConfig is one chain's sync configuration: its upstream source,
// reorg-depth assumption, and the contracts to index on it.
type ChainConfig struct {
	ChainID       int64
	Source        SourceDescriptor
	FinalityDepth uint64
	PollInterval  time.Duration
	Sync          SyncTuning
	Contracts     []ContractConfig
}

func (c ChainConfig) validate(name string) error {
	if c.ChainID == 0 {
		return fmt.Errorf("chain %s has no chain id", name)
	}
	if err := c.Source.validate(); err != nil {
		return fmt.Errorf("chain %s: %w", name, err)
	}
	for _, ct := range c.Contracts {
		if ct.Chain != name {
			return fmt.Errorf("chain %s: contract %s declares chain %q", name, ct.Name, ct.Chain)
		}
		if err := ct.validate(); err != nil {
			return fmt.Errorf("chain %s: %w", name, err)
		}
	}
	return nil
}

// Config is the full validated configuration contract, keyed by the
// chain's logical name (e.g. "ethereum", "polygon").
type Config struct {
	Chains map[string]ChainConfig
}

// Validate checks every chain's and contract's cross-references: every
// contract's declared Chain must name a chain present in Chains, every
// address descriptor must be well-formed, and end blocks must not
// precede start blocks. It is the single place "the loader" (spec's
// term for whoever builds a Config) must call before handing it to the
// engines.
func (c Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("kconfig: no chains configured")
	}
	for name, chain := range c.Chains {
		if err := chain.validate(name); err != nil {
			return fmt.Errorf("kconfig: %w", err)
		}
	}
	return nil
}

// ContractsByChain returns cfg's contracts grouped by chain name, for
// callers building one internal/syncer.Config per chain.
func (c Config) ContractsByChain() map[string][]ContractConfig {
	out := make(map[string][]ContractConfig, len(c.Chains))
	for name, chain := range c.Chains {
		out[name] = chain.Contracts
	}
	return out
}
