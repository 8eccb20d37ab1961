// Package models defines the durable row types and handler-facing data
// shapes shared across the sync and processor engines.
package models

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SyncWorkerStatus is the lifecycle state of a SyncWorker row.
type SyncWorkerStatus string

const (
	SyncWorkerHistorical SyncWorkerStatus = "historical"
	SyncWorkerLive       SyncWorkerStatus = "live"
)

// LiveWorkerID is the reserved worker id for the single live-tailing worker.
const LiveWorkerID = 0

// ProcessWorkerStatus is the lifecycle state of the single per-chain
// ProcessWorker row.
type ProcessWorkerStatus string

const (
	ProcessWorkerProcessing ProcessWorkerStatus = "processing"
	ProcessWorkerLive       ProcessWorkerStatus = "live"
)

// RawEvent is the canonical, append-only unit of chain data. Identity is
// (ChainID, BlockNumber, TxIndex, LogIndex); inserts are idempotent on
// that key.
type RawEvent struct {
	ChainID     int64
	BlockNumber uint64
	BlockHash   common.Hash
	BlockTime   uint64
	TxHash      common.Hash
	TxIndex     uint
	LogIndex    uint
	Address     common.Address // raw 20 bytes, so it has no letter case
	Topics      [4]*common.Hash
	Data        []byte
}

// Selector returns the event's topic0, or the zero hash if the log carries
// no topics at all (anonymous events are never expected but are not
// rejected here — the decoder is the one place that judges validity).
func (e RawEvent) Selector() common.Hash {
	if e.Topics[0] == nil {
		return common.Hash{}
	}
	return *e.Topics[0]
}

// Key is the identity tuple used for ordering and conflict detection.
type Key struct {
	ChainID     int64
	BlockNumber uint64
	TxIndex     uint
	LogIndex    uint
}

func (e RawEvent) Key() Key {
	return Key{ChainID: e.ChainID, BlockNumber: e.BlockNumber, TxIndex: e.TxIndex, LogIndex: e.LogIndex}
}

// Less orders two events by (BlockNumber, TxIndex, LogIndex) ascending,
// the total order raw_events is specified to maintain per chain.
func (k Key) Less(other Key) bool {
	if k.BlockNumber != other.BlockNumber {
		return k.BlockNumber < other.BlockNumber
	}
	if k.TxIndex != other.TxIndex {
		return k.TxIndex < other.TxIndex
	}
	return k.LogIndex < other.LogIndex
}

// SyncWorker is one durable row tracking the progress of a single sync
// worker (historical or, for WorkerID == LiveWorkerID, the live tail).
type SyncWorker struct {
	ChainID      int64
	WorkerID     int
	RangeStart   uint64
	RangeEnd     *uint64 // nil for the live worker
	CurrentBlock uint64
	Status       SyncWorkerStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Done reports whether a historical worker has fully drained its range.
func (w SyncWorker) Done() bool {
	return w.RangeEnd != nil && w.CurrentBlock >= *w.RangeEnd
}

// ProcessWorker is the single durable row per chain tracking handler
// replay progress.
type ProcessWorker struct {
	ChainID         int64
	RangeStart      uint64
	RangeEnd        *uint64
	CurrentBlock    uint64
	EventsProcessed uint64
	Status          ProcessWorkerStatus
	UpdatedAt       time.Time
}

// FactoryChild is a persisted child-contract discovery.
type FactoryChild struct {
	ChainID          int64
	Factory          common.Address
	Child            common.Address
	ContractName     string
	CreationBlock    uint64
	CreationTx       common.Hash
	CreationLogIndex uint
	Metadata         json.RawMessage
}

// RPCCacheEntry is a content-addressed cache row for one upstream RPC
// response at a fixed block context.
type RPCCacheEntry struct {
	ChainID      int64
	BlockContext uint64
	Method       string
	RequestHash  [32]byte
	Params       json.RawMessage
	Response     json.RawMessage
}

// BlockRange is an inclusive [From, To] range of block numbers, used both
// for query ranges and for reporting gaps.
type BlockRange struct {
	From uint64
	To   uint64
}

// DecodedArgs is the map-shaped carrier for decoded event parameters
// handed to handlers, deliberately untyped so handlers never need a
// generated struct per event. Values follow fixed conversion rules:
// addresses are common.Address values (the Address accessor returns
// them as lowercased hex strings), 256-bit integers are *big.Int,
// bytes are opaque []byte, and everything else is the Go-native type
// go-ethereum's ABI unpacker produces.
type DecodedArgs map[string]any

// Address reads a named parameter as a lowercased hex address string.
func (a DecodedArgs) Address(name string) (string, bool) {
	v, ok := a[name]
	if !ok {
		return "", false
	}
	addr, ok := v.(common.Address)
	if !ok {
		return "", false
	}
	return strings.ToLower(addr.Hex()), true
}

// BigInt reads a named parameter as a *big.Int.
func (a DecodedArgs) BigInt(name string) (*big.Int, bool) {
	v, ok := a[name]
	if !ok {
		return nil, false
	}
	n, ok := v.(*big.Int)
	return n, ok
}

// DecodedEvent is the result of successfully resolving a RawEvent through
// the Event Decoder.
type DecodedEvent struct {
	Contract string
	Event    string
	Args     DecodedArgs
	Raw      RawEvent
}
