// Package rpcsource is a reference blocksource.Source backed directly by
// a go-ethereum JSON-RPC client. It is intentionally small: aggregation
// services and HyperSync-backed sources are left as external
// collaborators implementing the same interface.
package rpcsource

import (
	"context"
	"fmt"
	"iter"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/kyomei-indexer/kyomei/internal/blocksource"
)

// Source streams blocks from a single HTTP (and optional WebSocket) EVM
// JSON-RPC endpoint. Grounded on internal/chain/on_chain_client.go's
// dual HTTP+WS client wrapper.
type Source struct {
	rpc               *ethclient.Client
	ws                *ethclient.Client
	chainID           *big.Int
	finalityDepth     uint64
	providesValidated bool
	logger            zerolog.Logger
}

// Config configures a Source.
type Config struct {
	HTTPURL           string
	WSURL             string // optional
	ChainID           int64
	FinalityDepth     uint64 // blocks of confirmation depth below tip
	ProvidesValidated bool   // true for sources whose data is pre-validated (no reorgs expected)
}

// Dial connects to the configured endpoints and verifies the chain id.
func Dial(ctx context.Context, cfg Config, logger zerolog.Logger) (*Source, error) {
	rpc, err := ethclient.DialContext(ctx, cfg.HTTPURL)
	if err != nil {
		return nil, fmt.Errorf("rpcsource: dial http: %w", err)
	}

	var ws *ethclient.Client
	if cfg.WSURL != "" {
		ws, err = ethclient.DialContext(ctx, cfg.WSURL)
		if err != nil {
			logger.Warn().Err(err).Str("ws_url", cfg.WSURL).Msg("rpcsource: websocket dial failed, falling back to polling tips")
			ws = nil
		}
	}

	actual, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		if ws != nil {
			ws.Close()
		}
		return nil, fmt.Errorf("rpcsource: fetch chain id: %w", err)
	}
	expected := big.NewInt(cfg.ChainID)
	if actual.Cmp(expected) != 0 {
		rpc.Close()
		if ws != nil {
			ws.Close()
		}
		return nil, fmt.Errorf("rpcsource: chain id mismatch: configured %d, endpoint reports %d", cfg.ChainID, actual)
	}

	return &Source{
		rpc:               rpc,
		ws:                ws,
		chainID:           expected,
		finalityDepth:     cfg.FinalityDepth,
		providesValidated: cfg.ProvidesValidated,
		logger:            logger.With().Str("component", "rpcsource").Logger(),
	}, nil
}

// Close releases both underlying clients.
func (s *Source) Close() {
	s.rpc.Close()
	if s.ws != nil {
		s.ws.Close()
	}
}

// StreamBlocks fetches each block header and its filtered logs in rng,
// one block at a time, in ascending order. No internal retry: an error
// on any block stops the sequence there, leaving the caller free to
// resume from rng.From on the next invocation.
func (s *Source) StreamBlocks(ctx context.Context, rng blocksource.Range, filter *blocksource.LogFilter) iter.Seq2[blocksource.BlockWithLogs, error] {
	return func(yield func(blocksource.BlockWithLogs, error) bool) {
		for n := rng.From; n <= rng.To; n++ {
			select {
			case <-ctx.Done():
				yield(blocksource.BlockWithLogs{}, ctx.Err())
				return
			default:
			}

			header, err := s.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
			if err != nil {
				if !yield(blocksource.BlockWithLogs{}, fmt.Errorf("rpcsource: header %d: %w", n, err)) {
					return
				}
				return
			}

			query := ethereum.FilterQuery{
				FromBlock: header.Number,
				ToBlock:   header.Number,
			}
			if filter != nil {
				query.Addresses = filter.Addresses
			}
			logs, err := s.rpc.FilterLogs(ctx, query)
			if err != nil {
				if !yield(blocksource.BlockWithLogs{}, fmt.Errorf("rpcsource: filter logs %d: %w", n, err)) {
					return
				}
				return
			}

			block := blocksource.BlockWithLogs{
				Number:     n,
				Hash:       header.Hash(),
				ParentHash: header.ParentHash,
				Time:       header.Time,
				Logs:       toRawLogs(logs),
			}
			if !yield(block, nil) {
				return
			}
		}
	}
}

func toRawLogs(logs []types.Log) []blocksource.RawLog {
	out := make([]blocksource.RawLog, len(logs))
	for i, l := range logs {
		out[i] = blocksource.RawLog{
			Address:     l.Address,
			Topics:      l.Topics,
			Data:        l.Data,
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash,
			TxIndex:     l.TxIndex,
			LogIndex:    l.Index,
			Removed:     l.Removed,
		}
	}
	return out
}

// LatestBlock returns the chain tip.
func (s *Source) LatestBlock(ctx context.Context) (uint64, error) {
	n, err := s.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("rpcsource: latest block: %w", err)
	}
	return n, nil
}

// FinalizedBlock returns latest minus the configured confirmation depth.
func (s *Source) FinalizedBlock(ctx context.Context) (uint64, error) {
	latest, err := s.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	if latest < s.finalityDepth {
		return 0, nil
	}
	return latest - s.finalityDepth, nil
}

// SubscribeTips subscribes to new headers over the websocket client, if
// one is configured.
func (s *Source) SubscribeTips(ctx context.Context, onTip func(uint64)) (func(), error) {
	if s.ws == nil {
		return nil, blocksource.ErrTipSubscriptionUnsupported
	}

	headers := make(chan *types.Header, 16)
	sub, err := s.ws.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, fmt.Errorf("rpcsource: subscribe new head: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-done:
				return
			case err := <-sub.Err():
				if err != nil {
					s.logger.Error().Err(err).Msg("tip subscription error")
				}
				return
			case h := <-headers:
				onTip(h.Number.Uint64())
			}
		}
	}()

	var closed bool
	return func() {
		if closed {
			return
		}
		closed = true
		close(done)
	}, nil
}

// ProvidesValidatedData reports whether this source's data is assumed
// reorg-free.
func (s *Source) ProvidesValidatedData() bool {
	return s.providesValidated
}

// ChainID returns the verified chain id.
func (s *Source) ChainID() *big.Int {
	return s.chainID
}

var _ blocksource.Source = (*Source)(nil)
