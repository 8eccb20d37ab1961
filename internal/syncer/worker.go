package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kyomei-indexer/kyomei/internal/blocksource"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// errReorgRestart signals that runWorkerRange truncated a divergent
// range and rewound workerState.currentBlock; the caller must
// re-invoke runWorkerRange from the rewound position.
var errReorgRestart = errors.New("syncer: reorg detected, restarting range from rewound block")

// workerState is the mutable progress of one sync worker — historical
// or live — threaded through runWorkerRange. Historical and live
// drivers each own one workerState and call the same core loop.
type workerState struct {
	workerID       int
	status         models.SyncWorkerStatus
	rangeStart     uint64
	rangeEnd       *uint64
	currentBlock   uint64
	knownAddresses map[common.Address]struct{}
	lastHash       common.Hash
	haveLastHash   bool
}

// runHistoricalWorker drives one historical worker from its persisted
// position to its rangeEnd, retrying on reorg restarts until it fully
// drains.
func (s *ChainSyncer) runHistoricalWorker(ctx context.Context, w models.SyncWorker) error {
	if w.RangeEnd == nil {
		return fmt.Errorf("syncer: historical worker %d has no range end", w.WorkerID)
	}
	st, err := s.newWorkerState(ctx, w)
	if err != nil {
		return err
	}

	for st.currentBlock < *w.RangeEnd {
		err := s.runWorkerRange(ctx, st, *w.RangeEnd)
		if err == nil {
			return nil
		}
		if errors.Is(err, errReorgRestart) {
			s.logger.Warn().Int("worker_id", st.workerID).Uint64("rewound_to", st.currentBlock).Msg("historical worker restarting after reorg")
			continue
		}
		return err
	}
	return nil
}

// runLive drives the single live-tailing worker forever, recomputing
// the safe tip each pass and retrying on reorg restarts. It returns nil
// on context cancellation.
func (s *ChainSyncer) runLive(ctx context.Context, w models.SyncWorker) error {
	st, err := s.newWorkerState(ctx, w)
	if err != nil {
		return err
	}
	s.progress.setActive(1)

	var unsubscribe func()
	tipCh := make(chan uint64, 1)
	if unsub, err := s.source.SubscribeTips(ctx, func(tip uint64) {
		select {
		case tipCh <- tip:
		default:
		}
	}); err == nil {
		unsubscribe = unsub
		defer unsubscribe()
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		safeTip, err := s.safeTip(ctx)
		if err != nil {
			return fmt.Errorf("syncer: live safe tip: %w", err)
		}

		if safeTip > st.currentBlock {
			err := s.runWorkerRange(ctx, st, safeTip)
			if err != nil {
				if errors.Is(err, errReorgRestart) {
					s.logger.Warn().Uint64("rewound_to", st.currentBlock).Msg("live worker restarting after reorg")
					continue
				}
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("syncer: live worker: %w", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tipCh:
		case <-ticker.C:
		}
	}
}

func (s *ChainSyncer) safeTip(ctx context.Context) (uint64, error) {
	if s.source.ProvidesValidatedData() {
		return s.source.LatestBlock(ctx)
	}
	return s.source.FinalizedBlock(ctx)
}

// newWorkerState builds the initial in-memory state for a worker,
// recovering its last known block hash from durable storage when its
// range has already progressed (the reorg-detection continuity the
// Sync Engine must preserve across a crash restart), and seeding its
// known-address set from every factory child discovered so far — not
// just the static config addresses — so children found by another
// worker's range, or in a run before a crash restart, are filtered for
// from the first block this worker streams.
func (s *ChainSyncer) newWorkerState(ctx context.Context, w models.SyncWorker) (*workerState, error) {
	st := &workerState{
		workerID:       w.WorkerID,
		status:         w.Status,
		rangeStart:     w.RangeStart,
		rangeEnd:       w.RangeEnd,
		currentBlock:   w.CurrentBlock,
		knownAddresses: s.cfg.baseAddresses(),
	}

	if s.factory != nil {
		known, err := s.factory.LoadKnown(ctx, s.cfg.ChainID)
		if err != nil {
			return nil, fmt.Errorf("syncer: load known factory children for worker %d: %w", w.WorkerID, err)
		}
		for _, a := range known {
			st.knownAddresses[a] = struct{}{}
		}
	}

	if st.currentBlock > 0 {
		hash, ok, err := s.events.BlockHashAt(ctx, s.cfg.ChainID, st.currentBlock)
		if err != nil {
			return nil, fmt.Errorf("syncer: recover last hash for worker %d: %w", w.WorkerID, err)
		}
		st.lastHash, st.haveLastHash = hash, ok
	}
	return st, nil
}

// runWorkerRange streams blocks from st.currentBlock+1 through upTo,
// verifying parent-hash continuity (unless the source pre-validates),
// widening st.knownAddresses with factory discoveries made within each
// block before converting that block's remaining logs, batching and
// flushing RawEvents, and periodically persisting durable progress. It
// returns errReorgRestart after truncating and rewinding on divergence,
// nil once upTo is reached cleanly, or ctx.Err() on cancellation.
func (s *ChainSyncer) runWorkerRange(ctx context.Context, st *workerState, upTo uint64) error {
	if st.currentBlock >= upTo {
		return nil
	}

	var (
		buffer           []models.RawEvent
		blocksSinceFlush uint64
		lastProgressEmit = time.Now()
	)

	filter := &blocksource.LogFilter{Addresses: addressSlice(st.knownAddresses)}

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		if err := s.events.InsertBatch(ctx, buffer); err != nil {
			return fmt.Errorf("syncer: insert batch: %w", err)
		}
		s.progress.addEvents(uint64(len(buffer)))
		buffer = buffer[:0]
		return nil
	}

	persist := func() error {
		status := models.SyncWorkerHistorical
		if st.rangeEnd == nil {
			status = models.SyncWorkerLive
		}
		w := models.SyncWorker{
			ChainID:      s.cfg.ChainID,
			WorkerID:     st.workerID,
			RangeStart:   st.rangeStart,
			RangeEnd:     st.rangeEnd,
			CurrentBlock: st.currentBlock,
			Status:       status,
		}
		if err := s.workers.UpsertSyncWorker(ctx, w); err != nil {
			return fmt.Errorf("syncer: persist worker %d progress: %w", st.workerID, err)
		}
		if s.notifier != nil {
			s.notifier.Broadcast()
		}
		return nil
	}

	emitProgress := func() {
		if s.onProgress == nil {
			return
		}
		if time.Since(lastProgressEmit) < s.cfg.ProgressInterval {
			return
		}
		lastProgressEmit = time.Now()
		s.onProgress(s.progress.snapshot(s.cfg.ChainID, s.historicalTo, s.startedAt))
	}

	for block, err := range s.source.StreamBlocks(ctx, blocksource.Range{From: st.currentBlock + 1, To: upTo}, filter) {
		if err != nil {
			if flushErr := flush(); flushErr != nil {
				return flushErr
			}
			if persistErr := persist(); persistErr != nil {
				return persistErr
			}
			return fmt.Errorf("syncer: stream blocks: %w", err)
		}

		if !s.source.ProvidesValidatedData() && st.haveLastHash && block.ParentHash != st.lastHash {
			return s.handleReorg(ctx, st, &buffer, flush, persist)
		}

		if s.factory != nil {
			discoveries, err := s.factory.Observe(ctx, s.cfg.ChainID, block.Number, block.Logs)
			if err != nil {
				return fmt.Errorf("syncer: factory observe: %w", err)
			}
			if len(discoveries) > 0 {
				for _, d := range discoveries {
					st.knownAddresses[d.Address] = struct{}{}
				}
				filter = &blocksource.LogFilter{Addresses: addressSlice(st.knownAddresses)}
			}
		}

		buffer = append(buffer, blocksource.ToRawEvents(s.cfg.ChainID, block, st.knownAddresses)...)
		st.currentBlock = block.Number
		st.lastHash, st.haveLastHash = block.Hash, true
		blocksSinceFlush++
		s.progress.addBlocks(1)

		if len(buffer) >= s.cfg.EventBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}

		if blocksSinceFlush >= s.cfg.ProgressFlushBlocks {
			if err := flush(); err != nil {
				return err
			}
			if err := persist(); err != nil {
				return err
			}
			blocksSinceFlush = 0
		}

		emitProgress()

		if ctx.Err() != nil {
			if err := flush(); err != nil {
				return err
			}
			return persist()
		}
	}

	if err := flush(); err != nil {
		return err
	}
	return persist()
}

// handleReorg truncates stored state from the divergent block onward,
// rewinds st.currentBlock, persists the rewound position, and returns
// errReorgRestart so the caller re-enters runWorkerRange from there.
// Any buffered events for blocks before the divergent block are still
// valid and are flushed first — only the suspect tail is discarded.
func (s *ChainSyncer) handleReorg(ctx context.Context, st *workerState, buffer *[]models.RawEvent, flush, persist func() error) error {
	divergent := st.currentBlock
	s.logger.Warn().Int("worker_id", st.workerID).Uint64("divergent_block", divergent).Msg("parent hash mismatch, truncating")

	safe := (*buffer)[:0:0]
	for _, e := range *buffer {
		if e.BlockNumber < divergent {
			safe = append(safe, e)
		}
	}
	*buffer = safe
	if err := flush(); err != nil {
		return err
	}

	if err := s.events.DeleteRange(ctx, s.cfg.ChainID, divergent, nil); err != nil {
		return fmt.Errorf("syncer: delete reorged range: %w", err)
	}
	if s.factory != nil {
		if err := s.factory.Reorg(ctx, s.cfg.ChainID, divergent); err != nil {
			return fmt.Errorf("syncer: factory reorg: %w", err)
		}
	}

	if divergent > 0 {
		st.currentBlock = divergent - 1
	}
	hash, ok, err := s.events.BlockHashAt(ctx, s.cfg.ChainID, st.currentBlock)
	if err != nil {
		return fmt.Errorf("syncer: recover hash after reorg: %w", err)
	}
	st.lastHash, st.haveLastHash = hash, ok

	if err := persist(); err != nil {
		return err
	}
	return errReorgRestart
}

func addressSlice(set map[common.Address]struct{}) []common.Address {
	out := make([]common.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	return out
}
