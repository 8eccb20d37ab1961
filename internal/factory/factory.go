// Package factory discovers dynamically created child contracts emitted
// by registered factory parents and feeds them back into the Sync
// Engine's address filter, same block, before the rest of that block's
// logs are evaluated.
package factory

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kyomei-indexer/kyomei/internal/blocksource"
	"github.com/kyomei-indexer/kyomei/internal/decoder"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// Descriptor declares one factory parent: the event it emits on child
// creation, and which of that event's parameters carry the new child
// address(es). ChildParam may name either an `address` parameter or an
// `address[]` parameter.
type Descriptor struct {
	Parent        common.Address
	ContractName  string // name the event was registered under in the decoder.Registry
	EventName     string
	ChildParam    string
	ChildContract string // logical contract name to record against discovered children
}

// Repository persists, lists, and truncates factory discoveries.
// Implemented by internal/store.
type Repository interface {
	InsertChildren(ctx context.Context, children []models.FactoryChild) error
	ListChildren(ctx context.Context, chainID int64) ([]models.FactoryChild, error)
	DeleteChildrenFrom(ctx context.Context, chainID int64, fromBlock uint64) error
}

// ChildDiscovery is one newly discovered child, returned to the calling
// sync worker so it can be folded into the worker's known-address set
// before the rest of the block's logs are filtered.
type ChildDiscovery struct {
	Address  common.Address
	Contract string
}

// Watcher scans logs for registered factory parents' creation events.
type Watcher struct {
	registry    *decoder.Registry
	repo        Repository
	descriptors map[common.Address][]Descriptor
}

// New creates a Watcher. registry must already have every descriptor's
// ContractName registered.
func New(registry *decoder.Registry, repo Repository, descriptors []Descriptor) *Watcher {
	byParent := make(map[common.Address][]Descriptor, len(descriptors))
	for _, d := range descriptors {
		byParent[d.Parent] = append(byParent[d.Parent], d)
	}
	return &Watcher{registry: registry, repo: repo, descriptors: byParent}
}

// Observe scans one block's logs for factory creation events, persists
// any new children (conflict-ignore), and returns them so the caller can
// widen its known-address set before filtering the rest of the block.
func (w *Watcher) Observe(ctx context.Context, chainID int64, blockNumber uint64, logs []blocksource.RawLog) ([]ChildDiscovery, error) {
	var pending []models.FactoryChild
	var discoveries []ChildDiscovery

	for _, log := range logs {
		descs, ok := w.descriptors[log.Address]
		if !ok {
			continue
		}

		for _, d := range descs {
			children, err := w.extractChildren(d, log)
			if err != nil {
				return nil, fmt.Errorf("factory: extract children for %s.%s: %w", d.ContractName, d.EventName, err)
			}
			for _, child := range children {
				if child == (common.Address{}) {
					continue // zero address discovery is silently dropped
				}
				pending = append(pending, models.FactoryChild{
					ChainID:          chainID,
					Factory:          d.Parent,
					Child:            child,
					ContractName:     d.ChildContract,
					CreationBlock:    blockNumber,
					CreationTx:       log.TxHash,
					CreationLogIndex: log.LogIndex,
				})
				discoveries = append(discoveries, ChildDiscovery{Address: child, Contract: d.ChildContract})
			}
		}
	}

	if len(pending) == 0 {
		return nil, nil
	}
	if err := w.repo.InsertChildren(ctx, pending); err != nil {
		return nil, fmt.Errorf("factory: insert children: %w", err)
	}
	return discoveries, nil
}

// LoadKnown returns every child address discovered for chainID so far,
// read fresh from the repository rather than any in-memory cache, so a
// resuming or newly started worker can seed its address filter with
// every child discovered by any worker in any prior run.
func (w *Watcher) LoadKnown(ctx context.Context, chainID int64) ([]common.Address, error) {
	children, err := w.repo.ListChildren(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("factory: list known children: %w", err)
	}
	out := make([]common.Address, len(children))
	for i, c := range children {
		out[i] = c.Child
	}
	return out, nil
}

// Reorg truncates every child discovered at or after fromBlock, the
// reorg primitive for factory state per the data model's invariant.
func (w *Watcher) Reorg(ctx context.Context, chainID int64, fromBlock uint64) error {
	if err := w.repo.DeleteChildrenFrom(ctx, chainID, fromBlock); err != nil {
		return fmt.Errorf("factory: delete children from %d: %w", fromBlock, err)
	}
	return nil
}

// extractChildren decodes the descriptor's event off log and pulls the
// child address(es) out of the named parameter, supporting both a
// single address and an address[] shape.
func (w *Watcher) extractChildren(d Descriptor, log blocksource.RawLog) ([]common.Address, error) {
	if _, ok := w.registry.ABI(d.ContractName); !ok {
		return nil, fmt.Errorf("no ABI registered for contract %s", d.ContractName)
	}
	decoded, ok := w.registry.Decode(log)
	if !ok || decoded.Contract != d.ContractName || decoded.Event != d.EventName {
		return nil, nil
	}

	v, ok := decoded.Args[d.ChildParam]
	if !ok {
		return nil, fmt.Errorf("event %s has no parameter %q", d.EventName, d.ChildParam)
	}

	switch val := v.(type) {
	case common.Address:
		return []common.Address{val}, nil
	case []common.Address:
		return val, nil
	default:
		return nil, fmt.Errorf("parameter %q has unexpected type %T", d.ChildParam, v)
	}
}
