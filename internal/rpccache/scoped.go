package rpccache

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// ScopedClient is an EthReader bound to one immutable block context. It
// is the concrete RPCFacade handed to a single handler invocation;
// because it never mutates after construction it is safe to share
// across the goroutines of a parallel-mode dispatch.
type ScopedClient struct {
	client *Client
	block  uint64
}

// BlockContext returns the block number this client is scoped to.
func (s *ScopedClient) BlockContext() uint64 {
	return s.block
}

// BlockByNumber returns the block at the scoped context's block number.
// It takes no block number argument — handlers ask for "this block",
// not an arbitrary one.
func (s *ScopedClient) BlockByNumber(ctx context.Context) (*types.Block, error) {
	num := new(big.Int).SetUint64(s.block)
	return cachedCall(ctx, s.client, s.block, "eth_getBlockByNumber", num.String(), func(ctx context.Context) (*types.Block, error) {
		return s.client.upstream.BlockByNumber(ctx, num)
	})
}

// BlockByHash fetches a block by hash, cached at this client's block
// context.
func (s *ScopedClient) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	return cachedCall(ctx, s.client, s.block, "eth_getBlockByHash", hash.Hex(), func(ctx context.Context) (*types.Block, error) {
		return s.client.upstream.BlockByHash(ctx, hash)
	})
}

// FilterLogs runs a log filter query, cached at this client's block
// context.
func (s *ScopedClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return cachedCall(ctx, s.client, s.block, "eth_getLogs", q, func(ctx context.Context) ([]types.Log, error) {
		return s.client.upstream.FilterLogs(ctx, q)
	})
}

// TransactionByHash fetches a transaction by hash.
func (s *ScopedClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	type result struct {
		Tx      *types.Transaction
		Pending bool
	}
	r, err := cachedCall(ctx, s.client, s.block, "eth_getTransactionByHash", hash.Hex(), func(ctx context.Context) (result, error) {
		tx, pending, err := s.client.upstream.TransactionByHash(ctx, hash)
		return result{Tx: tx, Pending: pending}, err
	})
	return r.Tx, r.Pending, err
}

// TransactionReceipt fetches a transaction receipt.
func (s *ScopedClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return cachedCall(ctx, s.client, s.block, "eth_getTransactionReceipt", hash.Hex(), func(ctx context.Context) (*types.Receipt, error) {
		return s.client.upstream.TransactionReceipt(ctx, hash)
	})
}

// BalanceAt returns account's balance at this client's block context.
func (s *ScopedClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	num := new(big.Int).SetUint64(s.block)
	params := struct {
		Account common.Address
		Block   uint64
	}{account, s.block}
	return cachedCall(ctx, s.client, s.block, "eth_getBalance", params, func(ctx context.Context) (*big.Int, error) {
		return s.client.upstream.BalanceAt(ctx, account, num)
	})
}

// CallContract executes a read-only contract call at this client's
// block context.
func (s *ScopedClient) CallContract(ctx context.Context, call ethereum.CallMsg) ([]byte, error) {
	num := new(big.Int).SetUint64(s.block)
	// call.Data is arbitrary binary calldata; hex-encode it rather than
	// converting to string so the JSON the cache key hashes is lossless
	// (a raw string conversion replaces invalid UTF-8 byte sequences with
	// U+FFFD, letting distinct calldata collide on the same requestHash).
	params := struct {
		To    *common.Address
		Data  string
		Block uint64
	}{call.To, hexutil.Encode(call.Data), s.block}
	return cachedCall(ctx, s.client, s.block, "eth_call", params, func(ctx context.Context) ([]byte, error) {
		return s.client.upstream.CallContract(ctx, call, num)
	})
}
