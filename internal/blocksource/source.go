// Package blocksource defines the abstract upstream contract consumed by
// the Sync Engine. Concrete clients (standard RPC, aggregation service,
// HyperSync) live outside this module; this package only specifies the
// shape the engine depends on, plus one reference go-ethereum-backed
// adapter (rpcsource) and one deterministic in-memory adapter for tests
// (fakesource).
package blocksource

import (
	"context"
	"errors"
	"iter"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// ErrTipSubscriptionUnsupported is returned by SubscribeTips when a
// source offers no push channel; the Sync Engine falls back to polling.
var ErrTipSubscriptionUnsupported = errors.New("blocksource: tip subscription not supported")

// Range is an inclusive block range to stream.
type Range struct {
	From uint64
	To   uint64
}

// LogFilter narrows the logs a source is asked to return. It is always an
// over-approximation contract: a source may return logs outside the
// filter (the engine re-filters client-side) but must never omit a log
// that matches it.
type LogFilter struct {
	Addresses []common.Address
}

// RawLog is the source's view of one EVM log entry, prior to any
// RawEvent conversion.
type RawLog struct {
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	BlockNumber uint64
	TxHash      common.Hash
	TxIndex     uint
	LogIndex    uint
	Removed     bool
}

// BlockWithLogs is one block and the logs within it, sorted by
// (TxIndex, LogIndex).
type BlockWithLogs struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Time       uint64
	Logs       []RawLog
}

// Source is the abstract upstream data source the Sync Engine drives.
// Implementations must yield a finite, monotonically increasing sequence
// of blocks for StreamBlocks and must be restartable by re-invoking with
// a new Range; they must never retry internally — retry policy belongs
// to the caller.
type Source interface {
	// StreamBlocks returns a lazy, cancelable sequence of blocks in rng,
	// optionally narrowed by filter. The second element of each pair is
	// a non-nil error exactly when iteration must stop; the sequence is
	// otherwise finite and terminates after rng.To.
	StreamBlocks(ctx context.Context, rng Range, filter *LogFilter) iter.Seq2[BlockWithLogs, error]

	// LatestBlock returns the current chain tip as seen by this source.
	LatestBlock(ctx context.Context) (uint64, error)

	// FinalizedBlock returns the tip minus this source's confirmation
	// depth. For sources whose data is pre-validated this may equal
	// LatestBlock.
	FinalizedBlock(ctx context.Context) (uint64, error)

	// SubscribeTips registers a push callback for new tips, returning an
	// unsubscribe function. Returns ErrTipSubscriptionUnsupported when
	// the source offers no push channel.
	SubscribeTips(ctx context.Context, onTip func(uint64)) (unsubscribe func(), err error)

	// ProvidesValidatedData reports whether this source's data can be
	// assumed free of reorgs, letting the Sync Engine skip parent-hash
	// verification.
	ProvidesValidatedData() bool
}

// ToRawEvents converts a block's logs into RawEvents, keeping only logs
// whose address is in keep (the worker's currently known address set).
// Addresses are carried as raw 20-byte common.Address values, which
// have no letter case.
func ToRawEvents(chainID int64, block BlockWithLogs, keep map[common.Address]struct{}) []models.RawEvent {
	out := make([]models.RawEvent, 0, len(block.Logs))
	for _, log := range block.Logs {
		if _, ok := keep[log.Address]; !ok {
			continue
		}
		var topics [4]*common.Hash
		for i := 0; i < len(log.Topics) && i < 4; i++ {
			t := log.Topics[i]
			topics[i] = &t
		}
		out = append(out, models.RawEvent{
			ChainID:     chainID,
			BlockNumber: block.Number,
			BlockHash:   block.Hash,
			BlockTime:   block.Time,
			TxHash:      log.TxHash,
			TxIndex:     log.TxIndex,
			LogIndex:    log.LogIndex,
			Address:     common.HexToAddress(log.Address.Hex()),
			Topics:      topics,
			Data:        log.Data,
		})
	}
	return out
}
