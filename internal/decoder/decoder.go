// Package decoder resolves raw EVM logs to (contract, event, args) using
// a topic0 selector index built from registered contract ABIs. It is
// pure: the only "failure" mode is absence (no ABI matched), never an
// error, matching spec's treatment of unknown events as silently
// dropped by the caller.
package decoder

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/kyomei-indexer/kyomei/internal/blocksource"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// contractABI pairs a parsed ABI with the name it was registered under.
type contractABI struct {
	name string
	abi  abi.ABI
}

// Registry indexes registered contract ABIs by event selector (topic0).
// Safe for concurrent Decode calls once registration has completed;
// RegisterABI is not safe to call concurrently with Decode or with
// itself, since registration happens once at startup before any
// decoding begins.
type Registry struct {
	contracts map[string]*contractABI
	bySig     map[common.Hash][]*contractABI
}

// NewRegistry creates an empty decoder registry.
func NewRegistry() *Registry {
	return &Registry{
		contracts: make(map[string]*contractABI),
		bySig:     make(map[common.Hash][]*contractABI),
	}
}

// RegisterABI parses abiJSON and indexes every event it declares under
// its keccak256 selector. A selector shared by more than one registered
// contract is tried in registration order at decode time. Registering
// another ABI under a name already in use merges its events into that
// contract's entry.
func (r *Registry) RegisterABI(contractName string, abiJSON []byte) error {
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		return fmt.Errorf("decoder: parse ABI for %s: %w", contractName, err)
	}

	entry, ok := r.contracts[contractName]
	if ok {
		for name, ev := range parsed.Events {
			entry.abi.Events[name] = ev
		}
	} else {
		entry = &contractABI{name: contractName, abi: parsed}
		r.contracts[contractName] = entry
	}

	for _, event := range parsed.Events {
		sel := crypto.Keccak256Hash([]byte(event.Sig))
		r.bySig[sel] = append(r.bySig[sel], entry)
	}
	return nil
}

// ABI returns the parsed ABI registered under name, for callers (such as
// the factory watcher) that need to resolve an event by name rather than
// by selector.
func (r *Registry) ABI(contractName string) (abi.ABI, bool) {
	c, ok := r.contracts[contractName]
	if !ok {
		return abi.ABI{}, false
	}
	return c.abi, true
}

// Decode resolves a raw log to its contract and event name plus decoded
// arguments. The second return is false, never an error, when no
// registered ABI's selector matches log's topic0 or every candidate
// fails to unpack (e.g. a selector collision where only one contract's
// ABI actually matches the log's shape).
func (r *Registry) Decode(log blocksource.RawLog) (models.DecodedEvent, bool) {
	if len(log.Topics) == 0 {
		return models.DecodedEvent{}, false
	}

	candidates := r.bySig[log.Topics[0]]
	for _, c := range candidates {
		ev, err := c.abi.EventByID(log.Topics[0])
		if err != nil {
			continue
		}

		args := make(models.DecodedArgs, len(ev.Inputs))
		if err := unpackLog(c.abi, ev, args, log); err != nil {
			continue
		}

		return models.DecodedEvent{
			Contract: c.name,
			Event:    ev.Name,
			Args:     args,
		}, true
	}
	return models.DecodedEvent{}, false
}

// unpackLog fills args with both indexed (from Topics[1:]) and
// non-indexed (from Data) event parameters.
func unpackLog(contractABI abi.ABI, ev abi.Event, args models.DecodedArgs, log blocksource.RawLog) error {
	if len(log.Data) > 0 {
		unpacked := map[string]any{}
		if err := contractABI.UnpackIntoMap(unpacked, ev.Name, log.Data); err != nil {
			return fmt.Errorf("decoder: unpack data for %s: %w", ev.Name, err)
		}
		for k, v := range unpacked {
			args[k] = v
		}
	}

	var indexed abi.Arguments
	for _, input := range ev.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if len(indexed) > 0 {
		topics := log.Topics
		if len(topics) > 0 {
			topics = topics[1:] // topic0 is the selector, not an argument
		}
		if len(topics) < len(indexed) {
			return fmt.Errorf("decoder: %s expects %d indexed topics, log has %d", ev.Name, len(indexed), len(topics))
		}
		if err := abi.ParseTopicsIntoMap(mapInto(args), indexed, topics); err != nil {
			return fmt.Errorf("decoder: parse indexed topics for %s: %w", ev.Name, err)
		}
	}
	return nil
}

func mapInto(args models.DecodedArgs) map[string]any {
	return map[string]any(args)
}
