// Package rpccache wraps an Ethereum JSON-RPC reader with a content
// addressed, block-context-keyed cache so handler replays are
// deterministic and upstream load stays bounded. Responses are looked
// up first in an in-process bbolt L1 (internal/rpccache/diskcache),
// then in the Postgres-backed durable tier, before falling through to
// the live upstream call.
package rpccache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// EthReader is the subset of ethclient.Client's surface handlers are
// allowed to call through the cache. Kept narrow deliberately: any
// method that depends on wall-clock state (pending tx pool, gas
// estimation) is excluded, since its result could never be replayed
// deterministically.
type EthReader interface {
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Repository is the durable Postgres-backed cache tier.
type Repository interface {
	Get(ctx context.Context, entry models.RPCCacheEntry) (json.RawMessage, bool, error)
	Put(ctx context.Context, entry models.RPCCacheEntry) error
	Clear(ctx context.Context, chainID int64) error
}

// DiskCache is the optional in-process L1 tier (bbolt-backed). Never the
// source of truth — a miss here always falls through to Repository, and
// a Put failure here is swallowed, never returned to the caller.
type DiskCache interface {
	Get(chainID int64, blockContext uint64, requestHash [32]byte) (json.RawMessage, bool)
	Put(chainID int64, blockContext uint64, requestHash [32]byte, response json.RawMessage)
}

// Stats are advisory, atomically updated counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Stored uint64
}

// Client gates and caches reads against an upstream EthReader.
type Client struct {
	upstream EthReader
	repo     Repository
	disk     DiskCache // may be nil
	chainID  int64
	sem      *semaphore.Weighted
	limiter  *rate.Limiter

	hits   atomic.Uint64
	misses atomic.Uint64
	stored atomic.Uint64
}

// Config configures a Client.
type Config struct {
	ChainID        int64
	MaxConcurrency int64 // default 100

	// RatePerSecond and Burst bound upstream calls made on a cache miss,
	// independent of MaxConcurrency: the semaphore caps how many fetches
	// run at once, the limiter caps how many a cache miss can start per
	// second regardless of how many goroutines are waiting. Zero
	// RatePerSecond disables limiting.
	RatePerSecond float64
	Burst         int
}

// New creates a Client. disk may be nil to disable the L1 tier.
func New(upstream EthReader, repo Repository, disk DiskCache, cfg Config) *Client {
	max := cfg.MaxConcurrency
	if max <= 0 {
		max = 100
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSecond)
			if burst <= 0 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Client{
		upstream: upstream,
		repo:     repo,
		disk:     disk,
		chainID:  cfg.ChainID,
		sem:      semaphore.NewWeighted(max),
		limiter:  limiter,
	}
}

// WithBlockContext returns a ScopedClient bound to block, safe to hand
// to a single handler invocation and share across concurrent handler
// goroutines without any of them observing another's block context.
func (c *Client) WithBlockContext(block uint64) *ScopedClient {
	return &ScopedClient{client: c, block: block}
}

// Stats returns a snapshot of the advisory counters.
func (c *Client) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Stored: c.stored.Load(),
	}
}

// requestHash computes sha256(canonicalJSON(method, params)). Go's
// encoding/json sorts map keys, which combined with struct field order
// gives a stable encoding suitable for content addressing.
func requestHash(method string, params any) ([32]byte, json.RawMessage, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return [32]byte{}, nil, fmt.Errorf("rpccache: marshal params for %s: %w", method, err)
	}
	h := sha256.Sum256(append([]byte(method+":"), encoded...))
	return h, encoded, nil
}

// cachedCall is the shared lookup-or-fetch path for every context
// sensitive reader method: check L1, check the durable repository,
// else take the semaphore and call upstream, then populate both tiers.
func cachedCall[T any](ctx context.Context, c *Client, block uint64, method string, params any, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	hash, encodedParams, err := requestHash(method, params)
	if err != nil {
		return zero, err
	}

	if c.disk != nil {
		if cached, ok := c.disk.Get(c.chainID, block, hash); ok {
			var out T
			if err := json.Unmarshal(cached, &out); err == nil {
				c.hits.Add(1)
				return out, nil
			}
		}
	}

	entryKey := models.RPCCacheEntry{ChainID: c.chainID, BlockContext: block, Method: method, RequestHash: hash}
	if cached, ok, err := c.repo.Get(ctx, entryKey); err == nil && ok {
		var out T
		if err := json.Unmarshal(cached, &out); err == nil {
			c.hits.Add(1)
			if c.disk != nil {
				c.disk.Put(c.chainID, block, hash, cached)
			}
			return out, nil
		}
	}

	c.misses.Add(1)
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("rpccache: acquire semaphore: %w", err)
	}
	defer c.sem.Release(1)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("rpccache: rate limit wait for %s: %w", method, err)
		}
	}

	result, err := fetch(ctx)
	if err != nil {
		return zero, err
	}

	response, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("rpccache: marshal response for %s: %w", method, err)
	}

	entry := models.RPCCacheEntry{
		ChainID:      c.chainID,
		BlockContext: block,
		Method:       method,
		RequestHash:  hash,
		Params:       encodedParams,
		Response:     response,
	}
	if err := c.repo.Put(ctx, entry); err != nil {
		return zero, fmt.Errorf("rpccache: store response for %s: %w", method, err)
	}
	c.stored.Add(1)
	if c.disk != nil {
		c.disk.Put(c.chainID, block, hash, response)
	}

	return result, nil
}
