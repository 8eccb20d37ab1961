// Package fakesource is a deterministic, in-memory blocksource.Source
// used by the syncer and processor test suites.
package fakesource

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/kyomei-indexer/kyomei/internal/blocksource"
)

// Source serves a fixed, seeded set of blocks and optionally simulates
// failures, reorgs, and pushed tips.
type Source struct {
	mu       sync.Mutex
	blocks   map[uint64]blocksource.BlockWithLogs
	failAt   map[uint64]error
	finality uint64
	validated bool
	tipSubs  []func(uint64)
}

// New creates a Source seeded with blocks, indexed by block number.
func New(blocks []blocksource.BlockWithLogs) *Source {
	s := &Source{
		blocks: make(map[uint64]blocksource.BlockWithLogs, len(blocks)),
		failAt: make(map[uint64]error),
	}
	for _, b := range blocks {
		s.blocks[b.Number] = b
	}
	return s
}

// WithValidatedData marks this source as pre-validated (no reorg checks
// expected from the engine).
func (s *Source) WithValidatedData(v bool) *Source {
	s.validated = v
	return s
}

// WithFinalityDepth sets the confirmation depth FinalizedBlock subtracts.
func (s *Source) WithFinalityDepth(d uint64) *Source {
	s.finality = d
	return s
}

// FailAt makes StreamBlocks return err once it reaches block n.
func (s *Source) FailAt(n uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAt[n] = err
}

// SetBlock inserts or replaces a block, used to simulate reorgs by
// re-seeding a block number with a different hash/parent hash.
func (s *Source) SetBlock(b blocksource.BlockWithLogs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.Number] = b
}

// PushTip notifies every registered SubscribeTips callback.
func (s *Source) PushTip(n uint64) {
	s.mu.Lock()
	subs := append([]func(uint64){}, s.tipSubs...)
	s.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(n)
		}
	}
}

// StreamBlocks yields the seeded blocks across rng, filtering logs
// client-side by filter.Addresses when present (mirroring an
// over-approximating upstream).
func (s *Source) StreamBlocks(ctx context.Context, rng blocksource.Range, filter *blocksource.LogFilter) iter.Seq2[blocksource.BlockWithLogs, error] {
	return func(yield func(blocksource.BlockWithLogs, error) bool) {
		for n := rng.From; n <= rng.To; n++ {
			select {
			case <-ctx.Done():
				yield(blocksource.BlockWithLogs{}, ctx.Err())
				return
			default:
			}

			s.mu.Lock()
			if err, ok := s.failAt[n]; ok {
				s.mu.Unlock()
				yield(blocksource.BlockWithLogs{}, err)
				return
			}
			block, ok := s.blocks[n]
			s.mu.Unlock()
			if !ok {
				block = blocksource.BlockWithLogs{Number: n}
			}

			if filter != nil && len(filter.Addresses) > 0 {
				allowed := make(map[string]struct{}, len(filter.Addresses))
				for _, a := range filter.Addresses {
					allowed[a.Hex()] = struct{}{}
				}
				filtered := make([]blocksource.RawLog, 0, len(block.Logs))
				for _, l := range block.Logs {
					if _, ok := allowed[l.Address.Hex()]; ok {
						filtered = append(filtered, l)
					}
				}
				block.Logs = filtered
			}
			sort.Slice(block.Logs, func(i, j int) bool {
				if block.Logs[i].TxIndex != block.Logs[j].TxIndex {
					return block.Logs[i].TxIndex < block.Logs[j].TxIndex
				}
				return block.Logs[i].LogIndex < block.Logs[j].LogIndex
			})

			if !yield(block, nil) {
				return
			}
		}
	}
}

// LatestBlock returns the highest seeded block number.
func (s *Source) LatestBlock(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max uint64
	for n := range s.blocks {
		if n > max {
			max = n
		}
	}
	return max, nil
}

// FinalizedBlock returns LatestBlock minus the configured finality depth.
func (s *Source) FinalizedBlock(ctx context.Context) (uint64, error) {
	latest, err := s.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	if latest < s.finality {
		return 0, nil
	}
	return latest - s.finality, nil
}

// SubscribeTips registers onTip to be called on every PushTip.
func (s *Source) SubscribeTips(ctx context.Context, onTip func(uint64)) (func(), error) {
	s.mu.Lock()
	s.tipSubs = append(s.tipSubs, onTip)
	idx := len(s.tipSubs) - 1
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.tipSubs) {
			s.tipSubs[idx] = nil
		}
	}, nil
}

// ProvidesValidatedData reports the configured trust level.
func (s *Source) ProvidesValidatedData() bool {
	return s.validated
}

var _ blocksource.Source = (*Source)(nil)

// ErrSimulated is a convenience error for FailAt calls in tests.
var ErrSimulated = fmt.Errorf("fakesource: simulated failure")
