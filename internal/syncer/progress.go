package syncer

import (
	"sync/atomic"
	"time"
)

// progressAggregator accumulates cross-worker counters for the
// throttled Progress callback. All methods are safe for concurrent use
// by multiple historical workers.
type progressAggregator struct {
	blocksProcessed atomic.Uint64
	eventsStored    atomic.Uint64
	activeWorkers   atomic.Int64
}

func (p *progressAggregator) addBlocks(n uint64) { p.blocksProcessed.Add(n) }
func (p *progressAggregator) addEvents(n uint64) { p.eventsStored.Add(n) }
func (p *progressAggregator) setActive(n int)    { p.activeWorkers.Store(int64(n)) }

// snapshot computes a Progress report. historicalTarget is the block
// historical sync is working toward; percent/ETA are left zero when it
// is 0, as in a run that resumes straight into live tailing.
func (p *progressAggregator) snapshot(chainID int64, historicalTarget uint64, startedAt time.Time) Progress {
	blocks := p.blocksProcessed.Load()
	events := p.eventsStored.Load()
	elapsed := time.Since(startedAt).Seconds()

	var bps float64
	if elapsed > 0 {
		bps = float64(blocks) / elapsed
	}

	prog := Progress{
		ChainID:         chainID,
		BlocksProcessed: blocks,
		EventsStored:    events,
		ActiveWorkers:   int(p.activeWorkers.Load()),
		BlocksPerSecond: bps,
	}

	if historicalTarget > 0 {
		prog.PercentComplete = min(100, 100*float64(blocks)/float64(historicalTarget))
		if bps > 0 && blocks < historicalTarget {
			prog.ETA = time.Duration(float64(historicalTarget-blocks)/bps) * time.Second
		}
	}
	return prog
}
