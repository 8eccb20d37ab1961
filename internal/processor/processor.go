// Package processor implements the Processor Engine: ordered replay of
// stored events through user-registered handlers, bounded by the Sync
// Engine's frontier, with its own durable checkpoint.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/kyomei-indexer/kyomei/internal/blocksource"
	"github.com/kyomei-indexer/kyomei/internal/decoder"
	"github.com/kyomei-indexer/kyomei/internal/rpccache"
	"github.com/kyomei-indexer/kyomei/internal/store"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// DispatchMode is how a registered handler is invoked relative to its
// batch siblings.
type DispatchMode int

const (
	// Sequential dispatches events strictly in order, one at a time.
	Sequential DispatchMode = iota
	// Parallel is only honored when every registered handler is
	// Parallel; otherwise the whole batch falls back to Sequential.
	Parallel
)

// HandlerContext is what a registered handler receives for one event.
type HandlerContext struct {
	ChainID     int64
	Contract    string
	Event       string
	Args        models.DecodedArgs
	BlockNumber uint64
	BlockHash   common.Hash
	BlockTime   uint64
	TxHash      common.Hash
	TxIndex     uint
	LogIndex    uint

	DB  *DBFacade
	RPC *rpccache.ScopedClient
}

// HandlerFunc is a user-registered event handler.
type HandlerFunc func(ctx context.Context, hctx *HandlerContext) error

type handlerEntry struct {
	fn   HandlerFunc
	mode DispatchMode
}

// EventRepository is the subset of internal/store's EventRepository the
// processor depends on. It takes store.EventQuery directly (rather than
// a local mirror type) so a *store.EventRepository satisfies this
// interface without an adapter.
type EventRepository interface {
	Query(ctx context.Context, q store.EventQuery) ([]models.RawEvent, error)
}

// WorkerRepository is the subset of internal/store's WorkerRepository
// the processor depends on.
type WorkerRepository interface {
	ListSyncWorkers(ctx context.Context, chainID int64) ([]models.SyncWorker, error)
	GetProcessWorker(ctx context.Context, chainID int64) (models.ProcessWorker, bool, error)
	UpsertProcessWorker(ctx context.Context, w models.ProcessWorker) error
}

// Config configures a HandlerExecutor.
type Config struct {
	ChainID            int64
	EventBatchSize     int           // default 5_000
	PollInterval       time.Duration // default 1s
	ProgressInterval   time.Duration // default 500ms
	ConcurrencyLimit   int           // default 50
	ContractStartBlock uint64        // min(contract.startBlock), used to seed a fresh ProcessWorker
}

func (c *Config) normalize() {
	if c.EventBatchSize <= 0 {
		c.EventBatchSize = 5_000
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 500 * time.Millisecond
	}
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = 50
	}
}

// Progress is a throttled processor progress snapshot.
type Progress struct {
	ChainID         int64
	CurrentBlock    uint64
	TargetBlock     uint64
	EventsProcessed uint64
}

// HandlerExecutor replays stored events through registered handlers.
type HandlerExecutor struct {
	cfg      Config
	registry *decoder.Registry
	events   EventRepository
	workers  WorkerRepository
	db       *DBFacade
	rpc      *rpccache.Client
	logger   zerolog.Logger

	mu       sync.Mutex
	started  bool
	handlers map[string]handlerEntry

	onProgress      func(Progress)
	eventsProcessed uint64
}

// New creates a HandlerExecutor. Register handlers with RegisterHandler
// before calling Run.
func New(registry *decoder.Registry, events EventRepository, workers WorkerRepository, db *DBFacade, rpc *rpccache.Client, logger zerolog.Logger, cfg Config) *HandlerExecutor {
	cfg.normalize()
	return &HandlerExecutor{
		cfg:      cfg,
		registry: registry,
		events:   events,
		workers:  workers,
		db:       db,
		rpc:      rpc,
		logger:   logger.With().Str("component", "processor").Int64("chain_id", cfg.ChainID).Logger(),
		handlers: make(map[string]handlerEntry),
	}
}

func handlerKey(contract, event string) string {
	return contract + ":" + event
}

// RegisterHandler registers fn for (contractName, eventName). Panics if
// called after Run has started; registrations after start are not
// permitted.
func (h *HandlerExecutor) RegisterHandler(contractName, eventName string, fn HandlerFunc, mode DispatchMode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		panic("processor: RegisterHandler called after Run has started")
	}
	h.handlers[handlerKey(contractName, eventName)] = handlerEntry{fn: fn, mode: mode}
}

// OnProgress registers a throttled progress callback. Must be called
// before Run.
func (h *HandlerExecutor) OnProgress(fn func(Progress)) {
	h.onProgress = fn
}

// selectors returns the topic0 set for every contract:event pair that
// has a registered handler, resolved against the decoder registry so
// the repository query can push the relevance filter into the
// database.
func (h *HandlerExecutor) selectors() ([]common.Hash, error) {
	seen := make(map[common.Hash]struct{})
	for key := range h.handlers {
		contract, event, ok := splitKey(key)
		if !ok {
			continue
		}
		contractABI, ok := h.registry.ABI(contract)
		if !ok {
			return nil, fmt.Errorf("processor: no ABI registered for contract %q (handler for %q)", contract, event)
		}
		ev, ok := contractABI.Events[event]
		if !ok {
			return nil, fmt.Errorf("processor: ABI for %q has no event %q", contract, event)
		}
		seen[ev.ID] = struct{}{}
	}
	out := make([]common.Hash, 0, len(seen))
	for sel := range seen {
		out = append(out, sel)
	}
	return out, nil
}

func splitKey(key string) (contract, event string, ok bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// allParallel reports whether every registered handler declared Parallel.
func (h *HandlerExecutor) allParallel() bool {
	for _, e := range h.handlers {
		if e.mode != Parallel {
			return false
		}
	}
	return len(h.handlers) > 0
}

// Run replays events through registered handlers, bounded by the
// syncer's frontier, and returns nil once ctx is canceled. Any failure
// (a storage error, or a handler error inside a batch) ends Run with
// that error; the checkpoint is not advanced past a failing batch, and
// Run does not retry it itself.
func (h *HandlerExecutor) Run(ctx context.Context) error {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()

	if err := h.waitForData(ctx); err != nil {
		return err
	}

	sels, err := h.selectors()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	var lastProgressEmit time.Time

	for {
		if ctx.Err() != nil {
			return nil
		}

		target, live, err := h.targetBlock(ctx)
		if err != nil {
			return err
		}

		pw, err := h.ensureProcessWorker(ctx)
		if err != nil {
			return err
		}

		if pw.CurrentBlock >= target {
			if live && pw.Status != models.ProcessWorkerLive {
				pw.Status = models.ProcessWorkerLive
				if err := h.workers.UpsertProcessWorker(ctx, pw); err != nil {
					return fmt.Errorf("processor: mark live: %w", err)
				}
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			continue
		}

		pw, err = h.runBatch(ctx, pw, target, sels)
		if err != nil {
			return fmt.Errorf("processor: batch: %w", err)
		}

		if h.onProgress != nil && time.Since(lastProgressEmit) >= h.cfg.ProgressInterval {
			lastProgressEmit = time.Now()
			h.onProgress(Progress{ChainID: h.cfg.ChainID, CurrentBlock: pw.CurrentBlock, TargetBlock: target, EventsProcessed: h.eventsProcessed})
		}
	}
}

// waitForData blocks until at least one SyncWorker row exists.
func (h *HandlerExecutor) waitForData(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	for {
		workers, err := h.workers.ListSyncWorkers(ctx, h.cfg.ChainID)
		if err != nil {
			return fmt.Errorf("processor: wait for data: %w", err)
		}
		if len(workers) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// targetBlock computes the highest block the processor may advance to:
// the live worker's currentBlock when no historical worker remains,
// else the minimum currentBlock across historical workers.
func (h *HandlerExecutor) targetBlock(ctx context.Context) (target uint64, live bool, err error) {
	workers, err := h.workers.ListSyncWorkers(ctx, h.cfg.ChainID)
	if err != nil {
		return 0, false, fmt.Errorf("processor: list sync workers: %w", err)
	}

	var (
		historicalMin uint64
		haveHistorical bool
		liveBlock     uint64
		haveLive      bool
	)
	for _, w := range workers {
		if w.WorkerID == models.LiveWorkerID {
			liveBlock, haveLive = w.CurrentBlock, true
			continue
		}
		if !haveHistorical || w.CurrentBlock < historicalMin {
			historicalMin = w.CurrentBlock
		}
		haveHistorical = true
	}

	if haveLive && !haveHistorical {
		return liveBlock, true, nil
	}
	return historicalMin, false, nil
}

// ensureProcessWorker returns the chain's ProcessWorker row, creating
// it lazily on first run.
func (h *HandlerExecutor) ensureProcessWorker(ctx context.Context) (models.ProcessWorker, error) {
	pw, ok, err := h.workers.GetProcessWorker(ctx, h.cfg.ChainID)
	if err != nil {
		return models.ProcessWorker{}, fmt.Errorf("processor: get process worker: %w", err)
	}
	if ok {
		return pw, nil
	}

	fresh := models.ProcessWorker{
		ChainID:      h.cfg.ChainID,
		RangeStart:   h.cfg.ContractStartBlock,
		CurrentBlock: rewind1(h.cfg.ContractStartBlock),
		Status:       models.ProcessWorkerProcessing,
	}
	if err := h.workers.UpsertProcessWorker(ctx, fresh); err != nil {
		return models.ProcessWorker{}, fmt.Errorf("processor: create process worker: %w", err)
	}
	return fresh, nil
}

// trimPartialBlock drops trailing events that share the last event's
// block number, since a row-limited query cannot tell whether it saw
// every event in that block. If the entire batch is one block (a
// single block's event count exceeds EventBatchSize), nothing is
// trimmed so the worker still makes progress.
func trimPartialBlock(batch []models.RawEvent) ([]models.RawEvent, uint64) {
	last := batch[len(batch)-1].BlockNumber
	cut := len(batch)
	for cut > 0 && batch[cut-1].BlockNumber == last {
		cut--
	}
	if cut == 0 {
		return batch, last
	}
	return batch[:cut], batch[cut-1].BlockNumber
}

func rewind1(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return n - 1
}

// runBatch queries one batch of events in (currentBlock, target],
// dispatches it, and persists the new checkpoint.
func (h *HandlerExecutor) runBatch(ctx context.Context, pw models.ProcessWorker, target uint64, sels []common.Hash) (models.ProcessWorker, error) {
	batch, err := h.events.Query(ctx, store.EventQuery{
		ChainID:   h.cfg.ChainID,
		Selectors: sels,
		Range:     models.BlockRange{From: pw.CurrentBlock + 1, To: target},
		Order:     store.OrderAsc,
		Limit:     h.cfg.EventBatchSize,
	})
	if err != nil {
		return pw, fmt.Errorf("query events: %w", err)
	}

	if len(batch) == 0 {
		pw.CurrentBlock = target
		if err := h.workers.UpsertProcessWorker(ctx, pw); err != nil {
			return pw, fmt.Errorf("persist empty-batch checkpoint: %w", err)
		}
		return pw, nil
	}

	drainedTo := target
	if len(batch) >= h.cfg.EventBatchSize {
		// The row limit may have cut off mid-block. Trim the trailing
		// rows of the last (possibly incomplete) block so a block's
		// events are never split across two checkpoint advances; the
		// trimmed rows are simply re-queried on the next batch, since
		// the checkpoint never advanced past them.
		batch, drainedTo = trimPartialBlock(batch)
	}

	decoded := make([]models.DecodedEvent, 0, len(batch))
	for _, e := range batch {
		dec, ok := h.registry.Decode(toRawLog(e))
		if !ok {
			continue
		}
		dec.Raw = e
		decoded = append(decoded, dec)
	}

	if err := h.dispatch(ctx, decoded); err != nil {
		return pw, fmt.Errorf("dispatch: %w", err)
	}

	pw.CurrentBlock = drainedTo
	pw.EventsProcessed += uint64(len(decoded))
	h.eventsProcessed += uint64(len(decoded))
	if err := h.workers.UpsertProcessWorker(ctx, pw); err != nil {
		return pw, fmt.Errorf("persist checkpoint: %w", err)
	}
	return pw, nil
}

// dispatch runs decoded events through their registered handlers,
// either the streaming concurrency pool (when every handler is
// Parallel) or strictly in order.
func (h *HandlerExecutor) dispatch(ctx context.Context, events []models.DecodedEvent) error {
	if h.allParallel() {
		pool := newStreamingPool(h.cfg.ConcurrencyLimit)
		return pool.run(len(events), func(i int) error {
			return h.invoke(ctx, events[i])
		})
	}
	for _, e := range events {
		if err := h.invoke(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (h *HandlerExecutor) invoke(ctx context.Context, e models.DecodedEvent) error {
	entry, ok := h.handlers[handlerKey(e.Contract, e.Event)]
	if !ok {
		return nil
	}

	hctx := &HandlerContext{
		ChainID:     h.cfg.ChainID,
		Contract:    e.Contract,
		Event:       e.Event,
		Args:        e.Args,
		BlockNumber: e.Raw.BlockNumber,
		BlockHash:   e.Raw.BlockHash,
		BlockTime:   e.Raw.BlockTime,
		TxHash:      e.Raw.TxHash,
		TxIndex:     e.Raw.TxIndex,
		LogIndex:    e.Raw.LogIndex,
		DB:          h.db,
	}
	if h.rpc != nil {
		hctx.RPC = h.rpc.WithBlockContext(e.Raw.BlockNumber)
	}

	if err := entry.fn(ctx, hctx); err != nil {
		return fmt.Errorf("handler %s:%s: %w", e.Contract, e.Event, err)
	}
	return nil
}

// toRawLog reconstructs the blocksource.RawLog view of a stored
// RawEvent so it can be re-decoded without persisting the decoded form.
func toRawLog(e models.RawEvent) blocksource.RawLog {
	var topics []common.Hash
	for _, t := range e.Topics {
		if t == nil {
			break
		}
		topics = append(topics, *t)
	}
	return blocksource.RawLog{
		Address:     e.Address,
		Topics:      topics,
		Data:        e.Data,
		BlockNumber: e.BlockNumber,
		TxHash:      e.TxHash,
		TxIndex:     e.TxIndex,
		LogIndex:    e.LogIndex,
	}
}
