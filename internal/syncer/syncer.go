// Package syncer drives one chain's events from current progress to the
// chain tip and keeps it there, under parallelism and with durable
// resume, using independently resumable historical workers that hand
// off to a single live-tailing worker once every historical range
// drains.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kyomei-indexer/kyomei/internal/blocksource"
	"github.com/kyomei-indexer/kyomei/internal/notify"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// EventRepository is the subset of internal/store's EventRepository the
// syncer depends on.
type EventRepository interface {
	InsertBatch(ctx context.Context, events []models.RawEvent) error
	DeleteRange(ctx context.Context, chainID int64, from uint64, to *uint64) error
	BlockHashAt(ctx context.Context, chainID int64, blockNumber uint64) (common.Hash, bool, error)
}

// WorkerRepository is the subset of internal/store's WorkerRepository
// the syncer depends on.
type WorkerRepository interface {
	UpsertSyncWorker(ctx context.Context, w models.SyncWorker) error
	DeleteSyncWorker(ctx context.Context, chainID int64, workerID int) error
	ListSyncWorkers(ctx context.Context, chainID int64) ([]models.SyncWorker, error)
}

// FactoryWatcher is the subset of internal/factory's Watcher the syncer
// depends on. A nil FactoryWatcher is valid when no chain contract uses
// the Factory address descriptor.
type FactoryWatcher interface {
	Observe(ctx context.Context, chainID int64, blockNumber uint64, logs []blocksource.RawLog) ([]ChildDiscovery, error)
	Reorg(ctx context.Context, chainID int64, fromBlock uint64) error

	// LoadKnown returns every child address discovered for chainID so
	// far, from durable storage rather than in-memory state. A worker
	// seeds its known-address set from this on every start, not just
	// from static config, so a previously discovered child keeps being
	// indexed across a crash restart and is visible to every worker
	// covering a different range, not just the one that first saw it.
	LoadKnown(ctx context.Context, chainID int64) ([]common.Address, error)
}

// ChildDiscovery mirrors internal/factory.ChildDiscovery so this package
// does not need to import internal/factory directly for its interface.
type ChildDiscovery struct {
	Address common.Address
}

// ContractSpec is one contract's address set and active block range.
// Addresses already includes any factory parent address the contract
// declares — the syncer does not distinguish static from factory
// addresses, only the Factory Watcher does.
type ContractSpec struct {
	Name       string
	Addresses  []common.Address
	StartBlock uint64
	EndBlock   *uint64
}

// Config configures a ChainSyncer.
type Config struct {
	ChainID             int64
	ParallelWorkers     int           // default 4
	BlocksPerWorker     uint64        // default 250_000
	EventBatchSize      int           // default 10_000
	ProgressFlushBlocks uint64        // default 1_000
	PollInterval        time.Duration // default 2s
	ProgressInterval    time.Duration // default 500ms
	Contracts           []ContractSpec
}

func (c *Config) normalize() {
	if c.ParallelWorkers <= 0 {
		c.ParallelWorkers = 4
	}
	if c.BlocksPerWorker == 0 {
		c.BlocksPerWorker = 250_000
	}
	if c.EventBatchSize <= 0 {
		c.EventBatchSize = 10_000
	}
	if c.ProgressFlushBlocks == 0 {
		c.ProgressFlushBlocks = 1_000
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 500 * time.Millisecond
	}
}

func (c Config) minStartBlock() uint64 {
	min := uint64(0)
	first := true
	for _, ct := range c.Contracts {
		if first || ct.StartBlock < min {
			min = ct.StartBlock
			first = false
		}
	}
	return min
}

// maxEndBlock returns the highest configured contract end block, or nil
// if any contract has no end block (an open-ended sync target).
func (c Config) maxEndBlock() *uint64 {
	var max uint64
	for _, ct := range c.Contracts {
		if ct.EndBlock == nil {
			return nil
		}
		if *ct.EndBlock > max {
			max = *ct.EndBlock
		}
	}
	if len(c.Contracts) == 0 {
		return nil
	}
	return &max
}

func (c Config) baseAddresses() map[common.Address]struct{} {
	set := make(map[common.Address]struct{})
	for _, ct := range c.Contracts {
		for _, a := range ct.Addresses {
			set[a] = struct{}{}
		}
	}
	return set
}

// Progress is a throttled cross-worker progress snapshot.
type Progress struct {
	ChainID         int64
	BlocksProcessed uint64
	EventsStored    uint64
	ActiveWorkers   int
	PercentComplete float64
	BlocksPerSecond float64
	ETA             time.Duration
}

// ChainSyncer drives historical backfill and live tailing for one chain.
type ChainSyncer struct {
	cfg      Config
	source   blocksource.Source
	factory  FactoryWatcher
	events   EventRepository
	workers  WorkerRepository
	notifier *notify.Broker
	logger   zerolog.Logger

	onProgress   func(Progress)
	progress     progressAggregator
	startedAt    time.Time
	historicalTo uint64
}

// New creates a ChainSyncer. factory and notifier may be nil.
func New(source blocksource.Source, factoryWatcher FactoryWatcher, events EventRepository, workers WorkerRepository, notifier *notify.Broker, logger zerolog.Logger, cfg Config) *ChainSyncer {
	cfg.normalize()
	return &ChainSyncer{
		cfg:      cfg,
		source:   source,
		factory:  factoryWatcher,
		events:   events,
		workers:  workers,
		notifier: notifier,
		logger:   logger.With().Str("component", "syncer").Int64("chain_id", cfg.ChainID).Logger(),
	}
}

// OnProgress registers a throttled progress callback. Must be called
// before Run.
func (s *ChainSyncer) OnProgress(fn func(Progress)) {
	s.onProgress = fn
}

// Run executes startup inspection, historical backfill, the handover to
// live tailing, and then tails the chain until ctx is canceled. It
// returns nil on clean cancellation and a combined error if any
// historical worker failed.
func (s *ChainSyncer) Run(ctx context.Context) error {
	s.startedAt = time.Now()

	existing, err := s.workers.ListSyncWorkers(ctx, s.cfg.ChainID)
	if err != nil {
		return fmt.Errorf("syncer: list sync workers: %w", err)
	}

	historical, live := splitWorkers(existing)

	if s.needsReset(historical, live) {
		s.logger.Warn().Msg("configuration changed since last run, resetting sync workers")
		for _, w := range existing {
			if err := s.workers.DeleteSyncWorker(ctx, s.cfg.ChainID, w.WorkerID); err != nil {
				return fmt.Errorf("syncer: delete sync worker during reset: %w", err)
			}
		}
		historical, live = nil, nil
	}

	if live == nil {
		target, err := s.historicalTarget(ctx)
		if err != nil {
			return err
		}
		s.historicalTo = target

		if historical == nil {
			historical, err = s.planFreshHistorical(ctx, target)
			if err != nil {
				return err
			}
		}

		if err := s.runHistorical(ctx, historical); err != nil {
			return err
		}

		liveWorker := models.SyncWorker{
			ChainID:      s.cfg.ChainID,
			WorkerID:     models.LiveWorkerID,
			RangeStart:   target + 1,
			RangeEnd:     nil,
			CurrentBlock: target,
			Status:       models.SyncWorkerLive,
		}
		if err := s.workers.UpsertSyncWorker(ctx, liveWorker); err != nil {
			return fmt.Errorf("syncer: create live worker: %w", err)
		}
		live = &liveWorker
	}

	return s.runLive(ctx, *live)
}

// needsReset implements the configuration-change-detection rule: the
// persisted worker count or span must match the currently configured
// parallelism and historical start.
func (s *ChainSyncer) needsReset(historical []models.SyncWorker, live *models.SyncWorker) bool {
	if len(historical) == 0 && live == nil {
		return false
	}
	configuredStart := s.cfg.minStartBlock()

	if live != nil {
		return configuredStart > live.CurrentBlock
	}

	if len(historical) != s.cfg.ParallelWorkers {
		return true
	}
	min := historical[0].RangeStart
	for _, w := range historical[1:] {
		if w.RangeStart < min {
			min = w.RangeStart
		}
	}
	return min != configuredStart
}

func splitWorkers(workers []models.SyncWorker) (historical []models.SyncWorker, live *models.SyncWorker) {
	for _, w := range workers {
		if w.WorkerID == models.LiveWorkerID {
			wc := w
			live = &wc
			continue
		}
		historical = append(historical, w)
	}
	return historical, live
}

// historicalTarget computes the historical sync's target block: the
// finalized tip, clamped to the highest configured contract end block
// when every contract declares one.
func (s *ChainSyncer) historicalTarget(ctx context.Context) (uint64, error) {
	finalized, err := s.source.FinalizedBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("syncer: finalized block: %w", err)
	}
	if end := s.cfg.maxEndBlock(); end != nil && *end < finalized {
		return *end, nil
	}
	return finalized, nil
}

// planFreshHistorical computes and persists the initial historical
// worker rows, splitting the span into parallelWorkers contiguous
// chunks (a single worker if the span doesn't justify splitting).
func (s *ChainSyncer) planFreshHistorical(ctx context.Context, target uint64) ([]models.SyncWorker, error) {
	start := s.cfg.minStartBlock()
	if target < start {
		target = start
	}
	span := target - start + 1

	workerCount := s.cfg.ParallelWorkers
	if span <= s.cfg.BlocksPerWorker {
		workerCount = 1
	}

	chunk := span / uint64(workerCount)
	if chunk == 0 {
		chunk = 1
	}

	var out []models.SyncWorker
	rangeStart := start
	for i := 0; i < workerCount; i++ {
		rangeEnd := rangeStart + chunk - 1
		if i == workerCount-1 {
			rangeEnd = target
		}
		if rangeStart > target {
			break
		}
		w := models.SyncWorker{
			ChainID:      s.cfg.ChainID,
			WorkerID:     i + 1,
			RangeStart:   rangeStart,
			RangeEnd:     ptr(rangeEnd),
			CurrentBlock: rangeStart - 1,
			Status:       models.SyncWorkerHistorical,
		}
		if err := s.workers.UpsertSyncWorker(ctx, w); err != nil {
			return nil, fmt.Errorf("syncer: persist historical worker %d: %w", w.WorkerID, err)
		}
		out = append(out, w)
		rangeStart = rangeEnd + 1
	}
	return out, nil
}

// runHistorical runs every active historical worker concurrently via a
// plain errgroup.Group (no WithContext): one worker's failure must not
// cancel its siblings. Errors are aggregated only after every worker's
// loop has exited.
func (s *ChainSyncer) runHistorical(ctx context.Context, workers []models.SyncWorker) error {
	var g errgroup.Group
	s.progress.setActive(len(workers))
	errCh := make(chan error, len(workers))

	for _, w := range workers {
		if w.Done() {
			if err := s.workers.DeleteSyncWorker(ctx, s.cfg.ChainID, w.WorkerID); err != nil {
				return fmt.Errorf("syncer: delete completed worker %d: %w", w.WorkerID, err)
			}
			continue
		}
		w := w
		g.Go(func() error {
			if err := s.runHistoricalWorker(ctx, w); err != nil {
				s.logger.Error().Err(err).Int("worker_id", w.WorkerID).Msg("historical worker failed")
				errCh <- fmt.Errorf("worker %d: %w", w.WorkerID, err)
				return nil
			}
			if err := s.workers.DeleteSyncWorker(ctx, s.cfg.ChainID, w.WorkerID); err != nil {
				errCh <- err
			}
			return nil
		})
	}

	_ = g.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func ptr[T any](v T) *T { return &v }
