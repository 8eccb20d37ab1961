package processor_test

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kyomei-indexer/kyomei/internal/decoder"
	"github.com/kyomei-indexer/kyomei/internal/processor"
	"github.com/kyomei-indexer/kyomei/internal/store"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

const counterABI = `[{"anonymous":false,"inputs":[{"indexed":false,"internalType":"uint256","name":"value","type":"uint256"}],"name":"Counted","type":"event"}]`

// memEvents is an in-memory fake of processor.EventRepository.
type memEvents struct {
	mu     sync.Mutex
	events []models.RawEvent
}

func (m *memEvents) seed(events ...models.RawEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
}

func (m *memEvents) Query(ctx context.Context, q store.EventQuery) ([]models.RawEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sel map[common.Hash]struct{}
	if len(q.Selectors) > 0 {
		sel = make(map[common.Hash]struct{}, len(q.Selectors))
		for _, s := range q.Selectors {
			sel[s] = struct{}{}
		}
	}

	var out []models.RawEvent
	for _, e := range m.events {
		if e.ChainID != q.ChainID || e.BlockNumber < q.Range.From || e.BlockNumber > q.Range.To {
			continue
		}
		if sel != nil {
			if _, ok := sel[e.Selector()]; !ok {
				continue
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// memWorkers is an in-memory fake of processor.WorkerRepository.
type memWorkers struct {
	mu      sync.Mutex
	syncWorkers map[int]models.SyncWorker
	process *models.ProcessWorker
}

func newMemWorkers() *memWorkers {
	return &memWorkers{syncWorkers: make(map[int]models.SyncWorker)}
}

func (m *memWorkers) setSyncWorker(w models.SyncWorker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncWorkers[w.WorkerID] = w
}

func (m *memWorkers) ListSyncWorkers(ctx context.Context, chainID int64) ([]models.SyncWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SyncWorker, 0, len(m.syncWorkers))
	for _, w := range m.syncWorkers {
		if w.ChainID == chainID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *memWorkers) GetProcessWorker(ctx context.Context, chainID int64) (models.ProcessWorker, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.process == nil || m.process.ChainID != chainID {
		return models.ProcessWorker{}, false, nil
	}
	return *m.process, true, nil
}

func (m *memWorkers) UpsertProcessWorker(ctx context.Context, w models.ProcessWorker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := w
	m.process = &cp
	return nil
}

func (m *memWorkers) processWorker() (models.ProcessWorker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.process == nil {
		return models.ProcessWorker{}, false
	}
	return *m.process, true
}

func testRegistry(t *testing.T) (*decoder.Registry, common.Hash) {
	t.Helper()
	reg := decoder.NewRegistry()
	require.NoError(t, reg.RegisterABI("Counter", []byte(counterABI)))
	abi, ok := reg.ABI("Counter")
	require.True(t, ok)
	return reg, abi.Events["Counted"].ID
}

func countedEvent(chainID int64, block uint64, value int64, selector common.Hash) models.RawEvent {
	data := common.LeftPadBytes(big.NewInt(value).Bytes(), 32)
	sel := selector
	return models.RawEvent{
		ChainID:     chainID,
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block)),
		Address:     common.HexToAddress("0x00000000000000000000000000000000000002"),
		Topics:      [4]*common.Hash{&sel, nil, nil, nil},
		Data:        data,
	}
}

func baseCfg(chainID int64) processor.Config {
	return processor.Config{ChainID: chainID, PollInterval: 5 * time.Millisecond, ProgressInterval: time.Hour}
}

func TestRegisterHandlerAfterStartPanics(t *testing.T) {
	reg, _ := testRegistry(t)
	workers := newMemWorkers()
	events := &memEvents{}
	exec := processor.New(reg, events, workers, nil, nil, zerolog.Nop(), baseCfg(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = exec.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	require.Panics(t, func() {
		exec.RegisterHandler("Counter", "Counted", func(context.Context, *processor.HandlerContext) error { return nil }, processor.Sequential)
	})
}

func TestWaitForDataGateBlocksUntilSyncWorkerExists(t *testing.T) {
	reg, sel := testRegistry(t)
	workers := newMemWorkers()
	events := &memEvents{}
	events.seed(countedEvent(1, 1, 5, sel))

	exec := processor.New(reg, events, workers, nil, nil, zerolog.Nop(), baseCfg(1))
	var got []int64
	var mu sync.Mutex
	exec.RegisterHandler("Counter", "Counted", func(_ context.Context, hctx *processor.HandlerContext) error {
		mu.Lock()
		defer mu.Unlock()
		n, _ := hctx.Args.BigInt("value")
		got = append(got, n.Int64())
		return nil
	}, processor.Sequential)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() { _ = exec.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	require.Empty(t, got, "handler must not run before any SyncWorker row exists")
	mu.Unlock()

	workers.setSyncWorker(models.SyncWorker{ChainID: 1, WorkerID: 0, RangeStart: 1, CurrentBlock: 1, Status: models.SyncWorkerLive})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 500*time.Millisecond, 5*time.Millisecond)
}

func TestCheckpointBoundedBySlowestHistoricalWorker(t *testing.T) {
	reg, sel := testRegistry(t)
	workers := newMemWorkers()
	events := &memEvents{}
	for i := uint64(1); i <= 10; i++ {
		events.seed(countedEvent(1, i, int64(i), sel))
	}
	workers.setSyncWorker(models.SyncWorker{ChainID: 1, WorkerID: 1, RangeStart: 1, RangeEnd: ptrU64(5), CurrentBlock: 3, Status: models.SyncWorkerHistorical})
	workers.setSyncWorker(models.SyncWorker{ChainID: 1, WorkerID: 2, RangeStart: 6, RangeEnd: ptrU64(10), CurrentBlock: 9, Status: models.SyncWorkerHistorical})

	exec := processor.New(reg, events, workers, nil, nil, zerolog.Nop(), baseCfg(1))
	var processed []uint64
	var mu sync.Mutex
	exec.RegisterHandler("Counter", "Counted", func(_ context.Context, hctx *processor.HandlerContext) error {
		mu.Lock()
		defer mu.Unlock()
		processed = append(processed, hctx.BlockNumber)
		return nil
	}, processor.Sequential)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = exec.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	for _, b := range processed {
		require.LessOrEqual(t, b, uint64(3), "processor must never advance past the slowest historical worker's progress")
	}
}

func TestSequentialDispatchPreservesOrder(t *testing.T) {
	reg, sel := testRegistry(t)
	workers := newMemWorkers()
	events := &memEvents{}
	for i := uint64(1); i <= 5; i++ {
		events.seed(countedEvent(1, i, int64(i), sel))
	}
	workers.setSyncWorker(models.SyncWorker{ChainID: 1, WorkerID: 0, RangeStart: 1, CurrentBlock: 5, Status: models.SyncWorkerLive})

	exec := processor.New(reg, events, workers, nil, nil, zerolog.Nop(), baseCfg(1))
	var order []int64
	var mu sync.Mutex
	exec.RegisterHandler("Counter", "Counted", func(_ context.Context, hctx *processor.HandlerContext) error {
		mu.Lock()
		defer mu.Unlock()
		n, _ := hctx.Args.BigInt("value")
		order = append(order, n.Int64())
		return nil
	}, processor.Sequential)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = exec.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{1, 2, 3, 4, 5}, order)
}

func TestParallelDispatchRunsEveryHandler(t *testing.T) {
	reg, sel := testRegistry(t)
	workers := newMemWorkers()
	events := &memEvents{}
	for i := uint64(1); i <= 20; i++ {
		events.seed(countedEvent(1, i, int64(i), sel))
	}
	workers.setSyncWorker(models.SyncWorker{ChainID: 1, WorkerID: 0, RangeStart: 1, CurrentBlock: 20, Status: models.SyncWorkerLive})

	cfg := baseCfg(1)
	cfg.ConcurrencyLimit = 4
	exec := processor.New(reg, events, workers, nil, nil, zerolog.Nop(), cfg)
	var count int
	var mu sync.Mutex
	exec.RegisterHandler("Counter", "Counted", func(_ context.Context, hctx *processor.HandlerContext) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil
	}, processor.Parallel)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = exec.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 20, count)
}

func TestHandlerFailureDoesNotAdvanceCheckpoint(t *testing.T) {
	reg, sel := testRegistry(t)
	workers := newMemWorkers()
	events := &memEvents{}
	for i := uint64(1); i <= 3; i++ {
		events.seed(countedEvent(1, i, int64(i), sel))
	}
	workers.setSyncWorker(models.SyncWorker{ChainID: 1, WorkerID: 0, RangeStart: 1, CurrentBlock: 3, Status: models.SyncWorkerLive})

	exec := processor.New(reg, events, workers, nil, nil, zerolog.Nop(), baseCfg(1))
	exec.RegisterHandler("Counter", "Counted", func(_ context.Context, hctx *processor.HandlerContext) error {
		if hctx.BlockNumber == 2 {
			return errBoom{}
		}
		return nil
	}, processor.Sequential)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := exec.Run(ctx)
	require.Error(t, err)

	pw, ok := workers.processWorker()
	require.True(t, ok)
	require.Less(t, pw.CurrentBlock, uint64(2), "checkpoint must not advance past a failing event")
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func ptrU64(v uint64) *uint64 { return &v }
