package rpccache_test

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/kyomei-indexer/kyomei/internal/rpccache"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

type fakeUpstream struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeUpstream) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	header := &types.Header{Number: number}
	return types.NewBlockWithHeader(header), nil
}

func (f *fakeUpstream) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	return types.NewBlockWithHeader(&types.Header{}), nil
}

func (f *fakeUpstream) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeUpstream) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, nil
}

func (f *fakeUpstream) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{}, nil
}

func (f *fakeUpstream) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(42), nil
}

func (f *fakeUpstream) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	// Echo the calldata back so tests can tell two calls apart by their
	// response rather than by a stubbed constant.
	out := make([]byte, len(call.Data))
	copy(out, call.Data)
	return out, nil
}

type fakeRepo struct {
	mu    sync.Mutex
	store map[string]json.RawMessage
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{store: make(map[string]json.RawMessage)}
}

func (r *fakeRepo) key(e models.RPCCacheEntry) string {
	return string(e.RequestHash[:]) + ":" + e.Method
}

func (r *fakeRepo) Get(ctx context.Context, entry models.RPCCacheEntry) (json.RawMessage, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.store[r.key(entry)]
	return v, ok, nil
}

func (r *fakeRepo) Put(ctx context.Context, entry models.RPCCacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[r.key(entry)] = entry.Response
	return nil
}

func (r *fakeRepo) Clear(ctx context.Context, chainID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = make(map[string]json.RawMessage)
	return nil
}

func TestBalanceAtCachesSecondCall(t *testing.T) {
	upstream := &fakeUpstream{}
	repo := newFakeRepo()
	client := rpccache.New(upstream, repo, nil, rpccache.Config{ChainID: 1})

	scoped := client.WithBlockContext(100)
	account := common.HexToAddress("0x01")

	bal1, err := scoped.BalanceAt(context.Background(), account)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(42), bal1)

	bal2, err := scoped.BalanceAt(context.Background(), account)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(42), bal2)

	stats := client.Stats()
	require.Equal(t, uint64(1), stats.Misses)
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Stored)
}

func TestScopedClientsAreIndependent(t *testing.T) {
	upstream := &fakeUpstream{}
	repo := newFakeRepo()
	client := rpccache.New(upstream, repo, nil, rpccache.Config{ChainID: 1})

	a := client.WithBlockContext(100)
	b := client.WithBlockContext(200)

	require.Equal(t, uint64(100), a.BlockContext())
	require.Equal(t, uint64(200), b.BlockContext())
}

// TestRateLimitThrottlesMisses asserts that a tight RatePerSecond/Burst
// pair makes back-to-back cache misses on distinct block contexts
// (so none of them can hit) measurably slower than the fetches
// themselves, the same burst-then-throttle shape a public RPC provider
// enforces against a single API key.
func TestRateLimitThrottlesMisses(t *testing.T) {
	upstream := &fakeUpstream{}
	repo := newFakeRepo()
	client := rpccache.New(upstream, repo, nil, rpccache.Config{
		ChainID:       1,
		RatePerSecond: 5,
		Burst:         1,
	})

	start := time.Now()
	for i := uint64(0); i < 3; i++ {
		scoped := client.WithBlockContext(i)
		_, err := scoped.BalanceAt(context.Background(), common.HexToAddress("0x03"))
		require.NoError(t, err)
	}
	elapsed := time.Since(start)

	// 3 misses at burst 1 / 5rps cost roughly 2 waits of 200ms each.
	require.GreaterOrEqual(t, elapsed, 300*time.Millisecond)

	stats := client.Stats()
	require.Equal(t, uint64(3), stats.Misses)
}

// TestCallContractCacheKeyDistinguishesBinaryCalldata guards against a
// cache-key collision when two eth_call invocations at the same block
// context carry different binary calldata that is not valid UTF-8 — a
// naive string(call.Data) conversion would let both marshal to the
// same U+FFFD-laden JSON and collide on the same requestHash.
func TestCallContractCacheKeyDistinguishesBinaryCalldata(t *testing.T) {
	upstream := &fakeUpstream{}
	repo := newFakeRepo()
	client := rpccache.New(upstream, repo, nil, rpccache.Config{ChainID: 1})
	scoped := client.WithBlockContext(100)

	to := common.HexToAddress("0xaaaa000000000000000000000000000000aaaa")
	dataA := []byte{0xff, 0xfe, 0x00, 0x01}
	dataB := []byte{0xff, 0xfe, 0x00, 0x02}

	gotA, err := scoped.CallContract(context.Background(), ethereum.CallMsg{To: &to, Data: dataA})
	require.NoError(t, err)
	require.Equal(t, dataA, gotA)

	gotB, err := scoped.CallContract(context.Background(), ethereum.CallMsg{To: &to, Data: dataB})
	require.NoError(t, err)
	require.Equal(t, dataB, gotB)

	require.Equal(t, uint64(2), client.Stats().Misses)
}

func TestConcurrentScopedCallsDoNotRace(t *testing.T) {
	upstream := &fakeUpstream{}
	repo := newFakeRepo()
	client := rpccache.New(upstream, repo, nil, rpccache.Config{ChainID: 1, MaxConcurrency: 4})

	var wg sync.WaitGroup
	for i := uint64(0); i < 20; i++ {
		wg.Add(1)
		go func(block uint64) {
			defer wg.Done()
			scoped := client.WithBlockContext(block)
			_, err := scoped.BalanceAt(context.Background(), common.HexToAddress("0x02"))
			require.NoError(t, err)
			require.Equal(t, block, scoped.BlockContext())
		}(i)
	}
	wg.Wait()
}
